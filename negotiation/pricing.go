package negotiation

import (
	"time"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// PricingFactor is one multiplicative price adjustment. Factors compose by
// multiplication, so adding a factor never reorders existing ones.
type PricingFactor func(rfq *types.RFQ, buyerScore int, now time.Time) float64

// VolumeDiscount rewards bulk orders
func VolumeDiscount(rfq *types.RFQ, _ int, _ time.Time) float64 {
	if rfq.Quantity > 10 {
		return 0.95
	}
	return 1.0
}

// ReputationBonus gives high-trust buyers a small discount
func ReputationBonus(_ *types.RFQ, buyerScore int, _ time.Time) float64 {
	if buyerScore >= 80 {
		return 0.98
	}
	return 1.0
}

// BusinessHoursSurcharge raises prices during local business hours
func BusinessHoursSurcharge(_ *types.RFQ, _ int, now time.Time) float64 {
	hour := now.Hour()
	if hour >= 9 && hour <= 17 {
		return 1.02
	}
	return 1.0
}

// DemandSurcharge is a small fixed surcharge standing in for market demand
// data.
// TODO: replace the constant with a feed once a market-data source exists.
func DemandSurcharge(_ *types.RFQ, _ int, _ time.Time) float64 {
	return 1.01
}

// DefaultFactors returns the standard pricing factor set
func DefaultFactors() []PricingFactor {
	return []PricingFactor{
		VolumeDiscount,
		ReputationBonus,
		BusinessHoursSurcharge,
		DemandSurcharge,
	}
}

// PriceMultiplier composes the factors into one multiplier
func PriceMultiplier(factors []PricingFactor, rfq *types.RFQ, buyerScore int, now time.Time) float64 {
	multiplier := 1.0
	for _, f := range factors {
		multiplier *= f(rfq, buyerScore, now)
	}
	return multiplier
}
