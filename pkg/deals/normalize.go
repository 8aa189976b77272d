package deals

import (
	"fmt"
	"math"

	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Normalize maps a Keepa product into a signal bundle and its risk
// annotations. It never fails: absent fields become nil signals. When no
// sale price resolves the bundle has PriceResolved=false and carries the
// "No price data" risk.
func Normalize(p *keepa.Product, pol *Policy) (SignalBundle, []string) {
	if p == nil {
		return SignalBundle{}, []string{RiskNoPrice}
	}

	b := SignalBundle{
		ASIN:       p.ASIN,
		Title:      p.Title,
		DomainID:   p.DomainID,
		Dimensions: dimensionsOf(p),
	}

	b.SalesDropsPerMonth = salesVelocity(p.Stats)
	b.Rating, b.ReviewCount = reviews(p)
	b.ReviewQualityOK = b.Rating != nil && b.ReviewCount != nil &&
		*b.Rating >= pol.MinRating && *b.ReviewCount >= pol.MinReviews

	live := p.LiveOffers()
	b.HasFBAOffer, b.FBAWinsBuyBox, b.AmazonOnListing = channelFlags(p, live)
	b.CompetingFBAOffers = competingFBA(p.Stats, live, len(p.Offers) > 0)

	b.Gated = b.SalesDropsPerMonth == nil && b.CompetingFBAOffers == nil

	var risks []string

	price, ok := resolveSalePrice(p)
	if ok {
		b.PriceResolved = true
		econ := ComputeEconomics(price, b.Dimensions, pol)
		b.SalePrice = econ.SalePrice
		b.AcquisitionCost = econ.AcquisitionCost
		b.LandedCost = econ.LandedCost
		b.Fees = econ.Fees
		b.Profit = econ.Profit
		b.ROI = econ.ROI
		b.PriceVolatility = volatility(price, p.Stats)
	} else {
		risks = append(risks, RiskNoPrice)
	}

	if !b.HasFBAOffer {
		risks = append(risks, RiskNoFBAOffer)
	}
	if b.AmazonOnListing {
		risks = append(risks, RiskAmazonOnListing)
	}
	if !b.ReviewQualityOK {
		risks = append(risks, RiskReviewQuality)
	}
	if b.SalesDropsPerMonth == nil {
		risks = append(risks, RiskUnknownVelocity)
	}
	if b.CompetingFBAOffers == nil {
		risks = append(risks, RiskUnknownCompetition)
	} else if *b.CompetingFBAOffers > pol.Thresholds.BuyMaxCompeting {
		risks = append(risks, RiskHighCompetition)
	}
	if b.PriceResolved {
		if b.PriceVolatility != nil && *b.PriceVolatility > pol.VolatileAbove {
			risks = append(risks, RiskVolatilePrice)
		}
		if b.Profit.LessThan(pol.Thresholds.WatchMinProfit) {
			risks = append(risks, RiskThinMargin)
		}
	}

	return b, risks
}

// Evaluate normalizes, scores and classifies one product.
func Evaluate(p *keepa.Product, pol *Policy) Deal {
	b, risks := Normalize(p, pol)
	return BuildDeal(b, risks, pol)
}

// BuildDeal assembles the output row from a normalized bundle.
func BuildDeal(b SignalBundle, risks []string, pol *Policy) Deal {
	if risks == nil {
		risks = []string{}
	}

	d := Deal{
		ASIN:          b.ASIN,
		Title:         b.Title,
		Retailer:      RetailerUnknown,
		SalesPerMonth: b.SalesDropsPerMonth,
		FBAOffers:     b.CompetingFBAOffers,
		Rating:        b.Rating,
		ReviewCount:   b.ReviewCount,
		FBAWinsBuyBox: b.FBAWinsBuyBox,
		Risks:         risks,
		KeepaURL:      KeepaURL(b.ASIN, b.DomainID),
		AmazonURL:     AmazonURL(b.ASIN),
	}

	if !b.PriceResolved {
		d.Score = 0
		d.Decision = NoPriceDecision
		return d
	}

	d.SalePrice = money(b.SalePrice)
	d.BuyCost = money(b.AcquisitionCost)
	d.LandedCost = money(b.LandedCost)
	d.Fees = FeeBreakdown{
		Referral:    money(b.Fees.Referral),
		Fulfillment: money(b.Fees.Fulfillment),
		Storage:     money(b.Fees.Storage),
		Total:       money(b.Fees.Total()),
	}
	d.Profit = money(b.Profit)
	d.ROI = ratio(b.ROI)
	d.Score = Score(b, pol.Score)
	d.Decision = Classify(DecisionInput{
		ROI:             b.ROI,
		Profit:          b.Profit,
		CompetingOffers: b.CompetingFBAOffers,
		Gated:           b.Gated,
	}, pol.Thresholds)

	return d
}

// KeepaURL links to the Keepa product page.
func KeepaURL(asin string, domain int) string {
	if domain <= 0 {
		domain = keepa.DomainUS
	}
	return fmt.Sprintf("https://keepa.com/#!product/%d-%s", domain, asin)
}

// AmazonURL links to the amazon.com detail page.
func AmazonURL(asin string) string {
	return "https://www.amazon.com/dp/" + asin
}

// resolveSalePrice picks the first positive price from: latest buy box
// history entry, latest csv buy box triple, stats buy box, stats current NEW.
func resolveSalePrice(p *keepa.Product) (decimal.Decimal, bool) {
	candidates := []keepa.Int{
		lastOf(p.BuyBoxPriceHistory),
		lastBuyBoxTriple(p.CSVSeries(keepa.CSVBuyBoxShipping)),
	}
	if p.Stats != nil {
		candidates = append(candidates, p.Stats.BuyBoxPrice, p.Stats.CurrentAt(keepa.CSVNew))
	}

	for _, c := range candidates {
		if c.Valid && c.Value > 0 {
			return decimal.NewFromInt(c.Value).Div(hundred), true
		}
	}
	return decimal.Zero, false
}

func lastOf(series []keepa.Int) keepa.Int {
	if len(series) == 0 {
		return keepa.Int{}
	}
	return series[len(series)-1]
}

// lastBuyBoxTriple reads the price out of a [time, price, shipping, ...] series.
func lastBuyBoxTriple(series []keepa.Int) keepa.Int {
	if len(series) < 3 || len(series)%3 != 0 {
		return keepa.Int{}
	}
	return series[len(series)-2]
}

// lastPairValue reads the value out of a [time, value, ...] series.
func lastPairValue(series []keepa.Int) keepa.Int {
	if len(series) < 2 || len(series)%2 != 0 {
		return keepa.Int{}
	}
	return series[len(series)-1]
}

func salesVelocity(s *keepa.Stats) *int {
	if s == nil {
		return nil
	}
	if s.SalesRankDrops90.Valid {
		v := int(math.Round(float64(s.SalesRankDrops90.Value) / 3))
		return &v
	}
	return s.SalesRankDrops30.Ptr()
}

// reviews returns the rating on a 5-point scale and the review count,
// preferring stats over the csv history.
func reviews(p *keepa.Product) (*float64, *int) {
	rating := p.Stats.CurrentAt(keepa.CSVRating)
	if !rating.Valid {
		rating = lastPairValue(p.CSVSeries(keepa.CSVRating))
	}
	count := p.Stats.CurrentAt(keepa.CSVCountReviews)
	if !count.Valid {
		count = lastPairValue(p.CSVSeries(keepa.CSVCountReviews))
	}

	var r *float64
	if rating.Valid {
		v := float64(rating.Value)
		if v > 5 {
			v /= 10
		}
		r = &v
	}
	return r, count.Ptr()
}

func channelFlags(p *keepa.Product, live []keepa.Offer) (hasFBA, fbaWinsBuyBox, amazon bool) {
	for _, o := range live {
		if o.IsFBA {
			hasFBA = true
		}
		if o.IsAmazon {
			amazon = true
		}
	}

	s := p.Stats
	if s == nil {
		return hasFBA, false, amazon
	}
	if s.OfferCountFBA.Valid && s.OfferCountFBA.Value > 0 {
		hasFBA = true
	}
	if a := s.CurrentAt(keepa.CSVAmazon); a.Valid && a.Value > 0 {
		amazon = true
	}

	switch {
	case s.BuyBoxIsFBA != nil:
		fbaWinsBuyBox = *s.BuyBoxIsFBA
	case s.BuyBoxSellerID != "":
		for _, o := range p.Offers {
			if o.SellerID == s.BuyBoxSellerID && o.IsFBA {
				fbaWinsBuyBox = true
				break
			}
		}
	}
	return hasFBA, fbaWinsBuyBox, amazon
}

// competingFBA prefers the stats counter and falls back to counting live
// FBA offers. Without either source the count is unknown.
func competingFBA(s *keepa.Stats, live []keepa.Offer, haveOffers bool) *int {
	if s != nil && s.OfferCountFBA.Valid {
		return s.OfferCountFBA.Ptr()
	}
	if !haveOffers {
		return nil
	}
	n := 0
	for _, o := range live {
		if o.IsFBA {
			n++
		}
	}
	return &n
}

// volatility is |price - avg90| / avg90 over the buy box, else NEW, average.
func volatility(price decimal.Decimal, s *keepa.Stats) *float64 {
	avg := s.Avg90At(keepa.CSVBuyBoxShipping)
	if !avg.Valid || avg.Value <= 0 {
		avg = s.Avg90At(keepa.CSVNew)
	}
	if !avg.Valid || avg.Value <= 0 {
		return nil
	}
	a := float64(avg.Value) / 100
	v := math.Abs(price.InexactFloat64()-a) / a
	return &v
}

func dimensionsOf(p *keepa.Product) *Dimensions {
	d := &Dimensions{}
	// Keepa reports millimetres and grams.
	if p.PackageLength.Valid {
		d.LengthCm = float64(p.PackageLength.Value) / 10
	}
	if p.PackageWidth.Valid {
		d.WidthCm = float64(p.PackageWidth.Value) / 10
	}
	if p.PackageHeight.Valid {
		d.HeightCm = float64(p.PackageHeight.Value) / 10
	}
	if p.PackageWeight.Valid {
		d.WeightG = float64(p.PackageWeight.Value)
	}
	if *d == (Dimensions{}) {
		return nil
	}
	return d
}
