// Package deals turns Keepa product records into scored, classified deals.
// Everything here is pure: no I/O, no clocks, no globals.
package deals

import (
	"github.com/shopspring/decimal"
)

// FeeSchedule holds the marketplace fee model.
type FeeSchedule struct {
	ReferralRate decimal.Decimal // share of sale price

	FulfillmentBase    decimal.Decimal // flat pick/pack fee
	SmallTierSurcharge decimal.Decimal // volume <= LargeVolumeCm3
	LargeTierSurcharge decimal.Decimal // volume > LargeVolumeCm3
	LargeVolumeCm3     float64
	WeightAllowanceG   float64
	WeightPer100G      decimal.Decimal // charged on weight above the allowance

	StorageRatePerCuFt decimal.Decimal
	StorageMin         decimal.Decimal
	StorageFlat        decimal.Decimal // used when dimensions are unknown
}

// DecisionThresholds are the BUY/WATCH cutoffs.
type DecisionThresholds struct {
	BuyMinROI       decimal.Decimal
	BuyMinProfit    decimal.Decimal
	BuyMaxCompeting int

	WatchMinROI    decimal.Decimal
	WatchMinProfit decimal.Decimal
}

// ScoreModel holds the normalized-weighted scorer weights and scales.
// Weights sum to 1.0 including Baseline.
type ScoreModel struct {
	ROIWeight         float64
	ProfitWeight      float64
	VelocityWeight    float64
	CompetitionWeight float64
	ReviewWeight      float64
	StabilityWeight   float64
	BaselineWeight    float64

	ROIScale           float64 // ROI at which the term saturates
	ProfitScale        float64 // dollars
	VelocityScale      float64 // drops per month
	CompetitionCeiling float64 // offer count at which the term reaches zero
	VolatilityCeiling  float64
}

// Policy is the single source of truth for every tunable number in the
// evaluation pipeline.
type Policy struct {
	Fees FeeSchedule

	AcquisitionRate  decimal.Decimal // estimated buy cost as share of sale price
	AcquisitionFloor decimal.Decimal
	LandedAdders     decimal.Decimal // inbound shipping + packaging

	Thresholds DecisionThresholds
	Score      ScoreModel

	MinRating  float64 // 5-point scale
	MinReviews int

	VolatileAbove float64 // "Volatile price" risk
}

// DefaultFeeSchedule returns the standard FBA fee estimate.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		ReferralRate: decimal.NewFromFloat(0.15),

		FulfillmentBase:    decimal.NewFromFloat(3.22),
		SmallTierSurcharge: decimal.NewFromFloat(0.50),
		LargeTierSurcharge: decimal.NewFromFloat(1.75),
		LargeVolumeCm3:     2000,
		WeightAllowanceG:   300,
		WeightPer100G:      decimal.NewFromFloat(0.40),

		StorageRatePerCuFt: decimal.NewFromFloat(0.87),
		StorageMin:         decimal.NewFromFloat(0.15),
		StorageFlat:        decimal.NewFromFloat(0.25),
	}
}

// DefaultDecisionThresholds returns the 0.30 / $4 / 6 BUY and 0.15 / $3 WATCH set.
func DefaultDecisionThresholds() DecisionThresholds {
	return DecisionThresholds{
		BuyMinROI:       decimal.NewFromFloat(0.30),
		BuyMinProfit:    decimal.NewFromInt(4),
		BuyMaxCompeting: 6,

		WatchMinROI:    decimal.NewFromFloat(0.15),
		WatchMinProfit: decimal.NewFromInt(3),
	}
}

// DefaultScoreModel returns the standard scorer weights.
func DefaultScoreModel() ScoreModel {
	return ScoreModel{
		ROIWeight:         0.30,
		ProfitWeight:      0.20,
		VelocityWeight:    0.20,
		CompetitionWeight: 0.15,
		ReviewWeight:      0.05,
		StabilityWeight:   0.05,
		BaselineWeight:    0.05,

		ROIScale:           0.50,
		ProfitScale:        10,
		VelocityScale:      30,
		CompetitionCeiling: 10,
		VolatilityCeiling:  0.50,
	}
}

// DefaultPolicy returns the documented default policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Fees: DefaultFeeSchedule(),

		AcquisitionRate:  decimal.NewFromFloat(0.35),
		AcquisitionFloor: decimal.NewFromInt(5),
		LandedAdders:     decimal.NewFromFloat(1.00),

		Thresholds: DefaultDecisionThresholds(),
		Score:      DefaultScoreModel(),

		MinRating:  4.0,
		MinReviews: 20,

		VolatileAbove: 0.25,
	}
}
