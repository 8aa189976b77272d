package keepa

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

	// Amazon product URLs: /dp/<ASIN>, /gp/product/<ASIN>, /product/<ASIN>
	asinInURL = regexp.MustCompile(`(?i)/(?:dp|gp/product|product)/([A-Z0-9]{10})(?:[/?#]|$)`)
)

// NormalizeASIN turns free text into a product identifier: width-folded,
// accent-stripped, trimmed and upper-cased. Amazon product URLs yield the
// ASIN they contain. Anything else is passed through normalized, so unknown
// identifiers still reach Keepa and come back as not found.
func NormalizeASIN(query string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, query)
	if err != nil {
		s = query
	}
	s = strings.TrimSpace(s)

	if m := asinInURL.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1])
	}

	// Drop inner whitespace and dashes people paste from spreadsheets.
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, s)

	return strings.ToUpper(s)
}

// ValidASIN reports whether s has the shape of an ASIN.
func ValidASIN(s string) bool {
	return asinPattern.MatchString(s)
}
