package stats

import (
	"fmt"
	"math"
	"sort"

	"riskgrid/internal/types"
)

// DefaultTopFeatures bounds the ranking returned by PearsonImportance.
const DefaultTopFeatures = 10

// Pearson returns the correlation of a and b, or 0 when either is constant.
func Pearson(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n < 2 {
		return 0
	}
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)

	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va < Epsilon || vb < Epsilon {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}

// PearsonImportance ranks features by absolute correlation with target and
// keeps the top k.
func PearsonImportance(samples [][]float64, target []float64, names []string, k int) []types.FeatureContribution {
	if len(samples) == 0 {
		return nil
	}
	if k <= 0 {
		k = DefaultTopFeatures
	}
	width := len(samples[0])
	col := make([]float64, len(samples))

	out := make([]types.FeatureContribution, 0, width)
	for j := 0; j < width; j++ {
		for i, x := range samples {
			col[i] = x[j]
		}
		r := Pearson(col, target)
		name := fmt.Sprintf("feature_%d", j)
		if j < len(names) {
			name = names[j]
		}
		out = append(out, types.FeatureContribution{
			Name:         name,
			Contribution: Round(math.Abs(r), 4),
			Details:      map[string]any{"correlation": Round(r, 4), "method": "pearson"},
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Contribution > out[b].Contribution
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
