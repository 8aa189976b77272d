package deals

import (
	"github.com/shopspring/decimal"
)

// Economics is the per-unit profit model for one sale price.
type Economics struct {
	SalePrice       decimal.Decimal
	AcquisitionCost decimal.Decimal
	LandedCost      decimal.Decimal // acquisition + adders
	Fees            Fees
	Profit          decimal.Decimal
	ROI             decimal.Decimal
}

// EstimateAcquisitionCost applies the buy-price heuristic: a fixed share of
// the sale price, never below the floor.
func EstimateAcquisitionCost(price decimal.Decimal, p *Policy) decimal.Decimal {
	return decimal.Max(price.Mul(p.AcquisitionRate), p.AcquisitionFloor)
}

// ComputeEconomics computes fees, profit and ROI. Callers guard non-positive
// prices; the result is still defined for them.
func ComputeEconomics(price decimal.Decimal, dims *Dimensions, p *Policy) Economics {
	fees := EstimateFees(price, dims, p.Fees)
	acquisition := EstimateAcquisitionCost(price, p)
	landed := acquisition.Add(p.LandedAdders)

	profit := price.Sub(fees.Total()).Sub(landed)

	roi := decimal.Zero
	if landed.IsPositive() {
		roi = profit.Div(landed)
	}

	return Economics{
		SalePrice:       price,
		AcquisitionCost: acquisition,
		LandedCost:      landed,
		Fees:            fees,
		Profit:          profit,
		ROI:             roi,
	}
}
