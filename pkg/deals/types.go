package deals

import (
	"github.com/shopspring/decimal"
)

// Risk annotations attached to deals.
const (
	RiskNoPrice            = "No price data"
	RiskNoFBAOffer         = "No FBA offer"
	RiskAmazonOnListing    = "Amazon sells on this listing"
	RiskReviewQuality      = "Low or unknown review quality"
	RiskUnknownVelocity    = "Unknown sales velocity"
	RiskUnknownCompetition = "Unknown competition"
	RiskHighCompetition    = "High FBA competition"
	RiskVolatilePrice      = "Volatile price"
	RiskThinMargin         = "Thin margin"
)

// RetailerUnknown is the retailer placeholder until supplier sourcing exists.
const RetailerUnknown = "unknown"

// SignalBundle is the normalized view of one product. Optional signals are
// nil when Keepa did not report them.
type SignalBundle struct {
	ASIN  string
	Title string

	PriceResolved   bool
	SalePrice       decimal.Decimal
	AcquisitionCost decimal.Decimal
	LandedCost      decimal.Decimal
	Fees            Fees
	Profit          decimal.Decimal
	ROI             decimal.Decimal

	SalesDropsPerMonth *int
	PriceVolatility    *float64
	CompetingFBAOffers *int
	Rating             *float64 // 5-point scale
	ReviewCount        *int

	ReviewQualityOK bool
	HasFBAOffer     bool
	FBAWinsBuyBox   bool
	AmazonOnListing bool

	// Gated is set when demand and competition are both unknown.
	Gated bool

	Dimensions *Dimensions
	DomainID   int
}

// FeeBreakdown is the rounded fee block of a Deal.
type FeeBreakdown struct {
	Referral    float64 `json:"referral"`
	Fulfillment float64 `json:"fulfillment"`
	Storage     float64 `json:"storage"`
	Total       float64 `json:"total"`
}

// Deal is one scored and classified candidate.
type Deal struct {
	ASIN          string       `json:"asin"`
	Title         string       `json:"title"`
	Retailer      string       `json:"retailer"`
	SalePrice     float64      `json:"salePrice"`
	BuyCost       float64      `json:"buyCost"`
	LandedCost    float64      `json:"landedCost"`
	Fees          FeeBreakdown `json:"fees"`
	Profit        float64      `json:"profit"`
	ROI           float64      `json:"roi"`
	SalesPerMonth *int         `json:"salesPerMonth"`
	FBAOffers     *int         `json:"fbaOffers"`
	Rating        *float64     `json:"rating"`
	ReviewCount   *int         `json:"reviewCount"`
	FBAWinsBuyBox bool         `json:"fbaWinsBuyBox"`
	Score         int          `json:"score"`
	Decision      Decision     `json:"decision"`
	Risks         []string     `json:"risks"`
	KeepaURL      string       `json:"keepaUrl"`
	AmazonURL     string       `json:"amazonUrl"`
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func ratio(d decimal.Decimal) float64 {
	return d.Round(4).InexactFloat64()
}
