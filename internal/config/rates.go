package config

import "fmt"

// Rate is a per-1M-token price pair in USD.
type Rate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// RateTable maps model tiers to token rates, plus the compute-slice and
// storage rates used for non-model cost events.
type RateTable struct {
	Tiers map[string]Rate

	// Compute-slice rates, USD per unit.
	VCPUSecond     float64
	MemoryGBSecond float64

	// Storage operation rate, USD per PUT.
	StoragePut float64
}

// DefaultRateTable returns the static rate table for the three tiers.
// Values track public list prices per 1M tokens.
func DefaultRateTable() RateTable {
	return RateTable{
		Tiers: map[string]Rate{
			"tier-1": {InputPer1M: 3.00, OutputPer1M: 15.00},
			"tier-2": {InputPer1M: 0.80, OutputPer1M: 4.00},
			"tier-3": {InputPer1M: 0.15, OutputPer1M: 0.60},
		},
		VCPUSecond:     0.00001335,
		MemoryGBSecond: 0.00000145,
		StoragePut:     0.000005,
	}
}

// RateFor returns the rate pair for a tier.
func (rt RateTable) RateFor(tier string) (Rate, error) {
	r, ok := rt.Tiers[tier]
	if !ok {
		return Rate{}, fmt.Errorf("no rate configured for tier %q", tier)
	}
	return r, nil
}

// OutputRates returns a tier → output-rate map, used to pick the most
// expensive tier when projecting worst-case batch cost.
func (rt RateTable) OutputRates() map[string]float64 {
	out := make(map[string]float64, len(rt.Tiers))
	for tier, r := range rt.Tiers {
		out[tier] = r.OutputPer1M
	}
	return out
}
