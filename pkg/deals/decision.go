package deals

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Decision is the recommendation for a deal.
type Decision string

const (
	DecisionBuy   Decision = "BUY"
	DecisionWatch Decision = "WATCH"
	DecisionPass  Decision = "PASS"

	// NoPriceDecision is assigned when no sale price could be resolved.
	NoPriceDecision = DecisionWatch
)

// ParseDecision parses BUY, WATCH or PASS, case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case DecisionBuy, DecisionWatch, DecisionPass:
		return d, nil
	default:
		return "", fmt.Errorf("invalid decision %q: want BUY, WATCH or PASS", s)
	}
}

// DecisionInput is everything the classifier looks at.
type DecisionInput struct {
	ROI             decimal.Decimal
	Profit          decimal.Decimal
	CompetingOffers *int
	Gated           bool
}

// Classify maps economics to BUY, WATCH or PASS. It does not look at the score.
// Unknown competition never qualifies for BUY; gated inputs always PASS.
func Classify(in DecisionInput, th DecisionThresholds) Decision {
	if in.Gated {
		return DecisionPass
	}

	if in.ROI.GreaterThanOrEqual(th.BuyMinROI) &&
		in.Profit.GreaterThanOrEqual(th.BuyMinProfit) &&
		in.CompetingOffers != nil && *in.CompetingOffers <= th.BuyMaxCompeting {
		return DecisionBuy
	}

	if in.ROI.GreaterThanOrEqual(th.WatchMinROI) && in.Profit.GreaterThanOrEqual(th.WatchMinProfit) {
		return DecisionWatch
	}

	return DecisionPass
}
