package deals

import (
	"math"
)

// Score maps a signal bundle to an integer in [0, 100].
//
// Each signal is scaled into [0, 1], weighted, and summed. Unknown signals
// take their most conservative value: no velocity, saturated competition,
// no stability. A bundle without a resolved price scores 0.
func Score(b SignalBundle, m ScoreModel) int {
	if !b.PriceResolved {
		return 0
	}

	roi := clamp01(b.ROI.InexactFloat64() / m.ROIScale)
	profit := clamp01(b.Profit.InexactFloat64() / m.ProfitScale)

	var velocity float64
	if b.SalesDropsPerMonth != nil {
		velocity = clamp01(float64(*b.SalesDropsPerMonth) / m.VelocityScale)
	}

	var competition float64
	if b.CompetingFBAOffers != nil {
		competition = clamp01(1 - float64(*b.CompetingFBAOffers)/m.CompetitionCeiling)
	}

	var review float64
	if b.ReviewQualityOK {
		review = 1
	}

	var stability float64
	if b.PriceVolatility != nil {
		stability = clamp01(1 - *b.PriceVolatility/m.VolatilityCeiling)
	}

	total := roi*m.ROIWeight +
		profit*m.ProfitWeight +
		velocity*m.VelocityWeight +
		competition*m.CompetitionWeight +
		review*m.ReviewWeight +
		stability*m.StabilityWeight +
		m.BaselineWeight

	s := int(math.Round(total * 100))
	if s > 100 {
		s = 100
	}
	if s < 0 {
		s = 0
	}
	return s
}

// clamp01 clamps x into [0, 1]; NaN maps to 0.
func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
