package deals

import (
	"github.com/shopspring/decimal"
)

// Placeholder package size when Keepa has no dimensions.
const (
	defaultLengthCm = 20.0
	defaultWidthCm  = 10.0
	defaultHeightCm = 5.0
	defaultWeightG  = 300.0

	cm3PerCuFt = 28316.846592
)

// Dimensions is a package size. Zero fields are unknown.
type Dimensions struct {
	LengthCm float64
	WidthCm  float64
	HeightCm float64
	WeightG  float64
}

func (d *Dimensions) sized() bool {
	return d != nil && d.LengthCm > 0 && d.WidthCm > 0 && d.HeightCm > 0
}

// volume returns the package volume in cm³, filling unknown sides with
// the placeholder size.
func (d *Dimensions) volume() float64 {
	l, w, h := defaultLengthCm, defaultWidthCm, defaultHeightCm
	if d != nil {
		if d.LengthCm > 0 {
			l = d.LengthCm
		}
		if d.WidthCm > 0 {
			w = d.WidthCm
		}
		if d.HeightCm > 0 {
			h = d.HeightCm
		}
	}
	return l * w * h
}

func (d *Dimensions) weight() float64 {
	if d != nil && d.WeightG > 0 {
		return d.WeightG
	}
	return defaultWeightG
}

// Fees is a per-unit marketplace fee estimate.
type Fees struct {
	Referral    decimal.Decimal
	Fulfillment decimal.Decimal
	Storage     decimal.Decimal
}

// Total returns the sum of all fee components.
func (f Fees) Total() decimal.Decimal {
	return f.Referral.Add(f.Fulfillment).Add(f.Storage)
}

// EstimateFees estimates referral, fulfillment and storage fees for one unit.
// It never fails: missing dimensions fall back to a 20x10x5 cm, 300 g package
// for fulfillment and to a flat storage fee.
func EstimateFees(price decimal.Decimal, dims *Dimensions, s FeeSchedule) Fees {
	if price.IsNegative() {
		price = decimal.Zero
	}

	volume := dims.volume()

	tier := s.SmallTierSurcharge
	if volume > s.LargeVolumeCm3 {
		tier = s.LargeTierSurcharge
	}

	fulfillment := s.FulfillmentBase.Add(tier)
	if over := dims.weight() - s.WeightAllowanceG; over > 0 {
		fulfillment = fulfillment.Add(s.WeightPer100G.Mul(decimal.NewFromFloat(over / 100)))
	}

	storage := s.StorageFlat
	if dims.sized() {
		storage = s.StorageRatePerCuFt.Mul(decimal.NewFromFloat(volume / cm3PerCuFt))
		if storage.LessThan(s.StorageMin) {
			storage = s.StorageMin
		}
	}

	return Fees{
		Referral:    price.Mul(s.ReferralRate),
		Fulfillment: fulfillment,
		Storage:     storage,
	}
}
