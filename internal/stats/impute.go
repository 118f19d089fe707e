package stats

import (
	"math"
	"slices"

	"riskgrid/internal/types"
)

// ImputeMean is the only imputation strategy.
const ImputeMean = "mean"

// Imputer replaces NaN entries with fitted column means.
type Imputer struct {
	values []float64
}

// FitImputer learns column means, ignoring NaN. Columns with no observed
// value impute zero.
func FitImputer(samples [][]float64, width int) *Imputer {
	sums := make([]float64, width)
	counts := make([]int, width)
	for _, x := range samples {
		for j, v := range x {
			if !math.IsNaN(v) {
				sums[j] += v
				counts[j]++
			}
		}
	}
	for j := range sums {
		if counts[j] > 0 {
			sums[j] /= float64(counts[j])
		}
	}
	return &Imputer{values: sums}
}

// ImputerFromConfig restores a fitted imputer.
func ImputerFromConfig(cfg types.ImputerConfig) *Imputer {
	return &Imputer{values: slices.Clone(cfg.Values)}
}

// Transform fills NaN entries in place.
func (im *Imputer) Transform(samples [][]float64) {
	for _, x := range samples {
		im.TransformRow(x)
	}
}

// TransformRow fills NaN entries of one vector. Entries past the fitted
// width are zeroed.
func (im *Imputer) TransformRow(x []float64) {
	for j, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			continue
		}
		if j < len(im.values) {
			x[j] = im.values[j]
		} else {
			x[j] = 0
		}
	}
}

// Config serializes the fitted state.
func (im *Imputer) Config() types.ImputerConfig {
	return types.ImputerConfig{Strategy: ImputeMean, Values: slices.Clone(im.values)}
}
