// Package keepa provides a client for the Keepa product-data API.
// Only the product finder and bulk product endpoints are covered.
package keepa

import (
	"encoding/json"
	"fmt"
)

// Keepa csv indices used by this package.
const (
	CSVAmazon         = 0
	CSVNew            = 1
	CSVUsed           = 2
	CSVSalesRank      = 3
	CSVRating         = 16
	CSVCountReviews   = 17
	CSVBuyBoxShipping = 18
)

// DomainUS is the amazon.com marketplace id.
const DomainUS = 1

// Int is a Keepa integer that may be absent or carry an "unknown" sentinel.
// Keepa encodes unknown values as negative numbers (-1 no data, -2 not applicable).
type Int struct {
	Value int64
	Valid bool
}

// UnmarshalJSON decodes null, negative sentinels and non-numeric junk as invalid.
func (i *Int) UnmarshalJSON(b []byte) error {
	*i = Int{}
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		// Strings, objects and arrays where a number belongs are treated as unknown.
		return nil
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return nil
		}
		v = int64(f)
	}
	if v < 0 {
		return nil
	}
	i.Value, i.Valid = v, true
	return nil
}

// MarshalJSON encodes invalid values as null.
func (i Int) MarshalJSON() ([]byte, error) {
	if !i.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(i.Value)
}

// Ptr returns the value as *int, or nil when unknown.
func (i Int) Ptr() *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Value)
	return &v
}

// Known builds a valid Int.
func Known(v int64) Int {
	return Int{Value: v, Valid: v >= 0}
}

// Stats is the statistics block returned when stats=<days> is requested.
// Array fields are indexed by the csv type constants.
type Stats struct {
	Current          []Int  `json:"current,omitempty"`
	Avg30            []Int  `json:"avg30,omitempty"`
	Avg90            []Int  `json:"avg90,omitempty"`
	BuyBoxPrice      Int    `json:"buyBoxPrice"`
	BuyBoxShipping   Int    `json:"buyBoxShipping"`
	BuyBoxIsFBA      *bool  `json:"buyBoxIsFBA,omitempty"`
	BuyBoxSellerID   string `json:"buyBoxSellerId,omitempty"`
	SalesRankDrops30 Int    `json:"salesRankDrops30"`
	SalesRankDrops90 Int    `json:"salesRankDrops90"`
	OfferCountFBA    Int    `json:"offerCountFBA"`
	OfferCountFBM    Int    `json:"offerCountFBM"`
	TotalOfferCount  Int    `json:"totalOfferCount"`
}

// CurrentAt returns stats.current[idx] when present.
func (s *Stats) CurrentAt(idx int) Int {
	if s == nil || idx < 0 || idx >= len(s.Current) {
		return Int{}
	}
	return s.Current[idx]
}

// Avg90At returns stats.avg90[idx] when present.
func (s *Stats) Avg90At(idx int) Int {
	if s == nil || idx < 0 || idx >= len(s.Avg90) {
		return Int{}
	}
	return s.Avg90[idx]
}

// Offer is one marketplace offer on a listing.
type Offer struct {
	OfferID     Int    `json:"offerId"`
	SellerID    string `json:"sellerId"`
	Condition   Int    `json:"condition"`
	IsFBA       bool   `json:"isFBA"`
	IsPrime     bool   `json:"isPrime"`
	IsAmazon    bool   `json:"isAmazon"`
	IsShippable bool   `json:"isShippable"`
	LastSeen    Int    `json:"lastSeen"`
}

// Product is the Keepa product object. Everything except ASIN is optional.
type Product struct {
	ASIN               string  `json:"asin"`
	Title              string  `json:"title,omitempty"`
	Brand              string  `json:"brand,omitempty"`
	DomainID           int     `json:"domainId,omitempty"`
	CSV                [][]Int `json:"csv,omitempty"`
	BuyBoxPriceHistory []Int   `json:"buyBoxPriceHistory,omitempty"`
	Stats              *Stats  `json:"stats,omitempty"`
	Offers             []Offer `json:"offers,omitempty"`
	LiveOffersOrder    []int   `json:"liveOffersOrder,omitempty"`
	PackageLength      Int     `json:"packageLength"`
	PackageWidth       Int     `json:"packageWidth"`
	PackageHeight      Int     `json:"packageHeight"`
	PackageWeight      Int     `json:"packageWeight"`
	LastUpdate         Int     `json:"lastUpdate"`
}

// Exists reports whether Keepa holds any data for the product. Keepa answers
// unknown ASINs with a stub that carries the ASIN and nothing else.
func (p *Product) Exists() bool {
	if p == nil || p.ASIN == "" {
		return false
	}
	return p.Title != "" || p.Stats != nil || len(p.CSV) > 0 || len(p.BuyBoxPriceHistory) > 0 || len(p.Offers) > 0
}

// CSVSeries returns csv[idx] or nil.
func (p *Product) CSVSeries(idx int) []Int {
	if p == nil || idx < 0 || idx >= len(p.CSV) {
		return nil
	}
	return p.CSV[idx]
}

// LiveOffers returns the offers referenced by liveOffersOrder, or every offer
// when the order list is absent.
func (p *Product) LiveOffers() []Offer {
	if p == nil {
		return nil
	}
	if len(p.LiveOffersOrder) == 0 {
		return p.Offers
	}
	live := make([]Offer, 0, len(p.LiveOffersOrder))
	for _, idx := range p.LiveOffersOrder {
		if idx >= 0 && idx < len(p.Offers) {
			live = append(live, p.Offers[idx])
		}
	}
	return live
}

// Selection is the product finder query object. Zero values are omitted.
type Selection struct {
	CurrentSalesGTE     int        `json:"current_SALES_gte,omitempty"`
	CurrentSalesLTE     int        `json:"current_SALES_lte,omitempty"`
	CurrentNewGTE       int        `json:"current_NEW_gte,omitempty"`
	CurrentNewLTE       int        `json:"current_NEW_lte,omitempty"`
	SalesRankDrops90GTE int        `json:"salesRankDrops90_gte,omitempty"`
	RootCategory        []int      `json:"rootCategory,omitempty"`
	Sort                [][]string `json:"sort,omitempty"`
	ProductType         []int      `json:"productType,omitempty"`
	Page                int        `json:"page"`
	PerPage             int        `json:"perPage,omitempty"`
}

// APIErrorBody is the error object Keepa returns in place of data.
type APIErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// APIError is an error reported by Keepa, either as an error payload or as a
// non-200 status.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type
	}
	if e.Type != "" && e.Message != "" {
		msg = e.Type + ": " + e.Message
	}
	return fmt.Sprintf("keepa api error %d: %s", e.StatusCode, msg)
}

type queryResponse struct {
	ASINList     []string      `json:"asinList"`
	TotalResults int           `json:"totalResults"`
	TokensLeft   *int          `json:"tokensLeft,omitempty"`
	Error        *APIErrorBody `json:"error,omitempty"`
}

type productResponse struct {
	Products   []Product     `json:"products"`
	TokensLeft *int          `json:"tokensLeft,omitempty"`
	Error      *APIErrorBody `json:"error,omitempty"`
}

// FinderResult is the outcome of a product finder query.
type FinderResult struct {
	ASINs        []string
	TotalResults int
}
