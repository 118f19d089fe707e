package prediction

import "riskgrid/internal/types"

// ConfidencePolicy maps a score distribution to a confidence tier.
type ConfidencePolicy struct {
	HighMinSamples int
	HighMaxStdDev  float64
	HighMinScore   float64

	MediumMinSamples int
	MediumMinScore   float64
}

// DefaultConfidencePolicy returns the calibrated thresholds.
func DefaultConfidencePolicy() ConfidencePolicy {
	return ConfidencePolicy{
		HighMinSamples:   60,
		HighMaxStdDev:    0.15,
		HighMinScore:     0.7,
		MediumMinSamples: 25,
		MediumMinScore:   0.5,
	}
}

// Tier grades count scores with the given dispersion and maximum.
func (p ConfidencePolicy) Tier(count int, stdDev, maxScore float64) types.ConfidenceTier {
	switch {
	case count >= p.HighMinSamples && stdDev <= p.HighMaxStdDev && maxScore >= p.HighMinScore:
		return types.ConfidenceHigh
	case count >= p.MediumMinSamples && maxScore >= p.MediumMinScore:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}
