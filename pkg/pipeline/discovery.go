package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phenomenon0/dealscout/pkg/keepa"
)

// DefaultFallbackASINs is the seed list used when fallback is enabled and no
// list is configured.
var DefaultFallbackASINs = []string{
	"B07FZ8S74R",
	"B08N5WRWNW",
	"B07PGL2ZSL",
	"B01N5IB20Q",
	"B0002L5R78",
}

// DiscoveryConfig is the product finder selection.
type DiscoveryConfig struct {
	MaxSalesRank  int
	MinPriceCents int
	MaxPriceCents int
	MinDrops90    int
	PerPage       int

	// AllowFallback substitutes FallbackASINs when the finder returns nothing.
	// Off in production: it hides real discovery failures.
	AllowFallback bool
	FallbackASINs []string
}

// DefaultDiscoveryConfig returns a broad selection: ranked, $10-$200, selling.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		MaxSalesRank:  250000,
		MinPriceCents: 1000,
		MaxPriceCents: 20000,
		MinDrops90:    1,
		PerPage:       100,
	}
}

// Discovery is the outcome of one discovery call.
type Discovery struct {
	ASINs        []string
	TotalResults int
	Fallback     bool
}

// Discoverer finds candidate ASINs through the Keepa product finder.
type Discoverer struct {
	source Source
	config DiscoveryConfig
	logger *slog.Logger
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(source Source, config DiscoveryConfig, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.AllowFallback && len(config.FallbackASINs) == 0 {
		config.FallbackASINs = DefaultFallbackASINs
	}
	return &Discoverer{source: source, config: config, logger: logger}
}

// Selection builds the finder query.
func (d *Discoverer) Selection() keepa.Selection {
	return keepa.Selection{
		CurrentSalesGTE:     1,
		CurrentSalesLTE:     d.config.MaxSalesRank,
		CurrentNewGTE:       d.config.MinPriceCents,
		CurrentNewLTE:       d.config.MaxPriceCents,
		SalesRankDrops90GTE: d.config.MinDrops90,
		Sort:                [][]string{{"current_SALES", "asc"}},
		Page:                0,
		PerPage:             d.config.PerPage,
	}
}

// Discover returns candidate ASINs, deduplicated and normalized. An empty
// finder result is not an error; upstream error payloads are.
func (d *Discoverer) Discover(ctx context.Context) (*Discovery, error) {
	res, err := d.source.Query(ctx, d.Selection())
	if err != nil {
		return nil, fmt.Errorf("product finder: %w", err)
	}

	out := &Discovery{
		ASINs:        dedupe(res.ASINs),
		TotalResults: res.TotalResults,
	}

	if len(out.ASINs) == 0 && d.config.AllowFallback {
		d.logger.Warn("product finder returned no candidates, using fallback list",
			"fallback_count", len(d.config.FallbackASINs))
		out.ASINs = dedupe(d.config.FallbackASINs)
		out.Fallback = true
	}

	return out, nil
}

func dedupe(asins []string) []string {
	seen := make(map[string]struct{}, len(asins))
	out := make([]string, 0, len(asins))
	for _, a := range asins {
		a = keepa.NormalizeASIN(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
