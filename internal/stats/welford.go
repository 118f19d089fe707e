// Package stats holds the numeric preparation steps shared by training,
// search and scoring: online moments, splitting, standardization,
// normalization, imputation and feature ranking.
package stats

import "math"

// Epsilon guards divisions by near-zero spread. A standard deviation below
// it is replaced by 1 so constant columns standardize to zero.
const Epsilon = 1e-8

// Accumulator tracks per-feature mean and variance with Welford's online
// update. NaN entries are skipped, so each column keeps its own count.
type Accumulator struct {
	n      int
	counts []int
	mean   []float64
	m2     []float64
}

// NewAccumulator returns an accumulator for vectors of the given width.
func NewAccumulator(width int) *Accumulator {
	return &Accumulator{
		counts: make([]int, width),
		mean:   make([]float64, width),
		m2:     make([]float64, width),
	}
}

// Add folds one vector into the running moments.
func (a *Accumulator) Add(x []float64) {
	a.n++
	for j, v := range x {
		if math.IsNaN(v) {
			continue
		}
		a.counts[j]++
		delta := v - a.mean[j]
		a.mean[j] += delta / float64(a.counts[j])
		a.m2[j] += delta * (v - a.mean[j])
	}
}

// Count is the number of vectors added.
func (a *Accumulator) Count() int { return a.n }

// Means returns a copy of the running means.
func (a *Accumulator) Means() []float64 {
	out := make([]float64, len(a.mean))
	copy(out, a.mean)
	return out
}

// StdDevs returns population standard deviations, floored to 1 below Epsilon.
func (a *Accumulator) StdDevs() []float64 {
	out := make([]float64, len(a.m2))
	for j, m2 := range a.m2 {
		var sd float64
		if a.counts[j] > 0 {
			sd = math.Sqrt(m2 / float64(a.counts[j]))
		}
		out[j] = floorStd(sd)
	}
	return out
}

func floorStd(sd float64) float64 {
	if sd < Epsilon || math.IsNaN(sd) {
		return 1
	}
	return sd
}

// MeanStd computes per-column means and floored population standard
// deviations with two passes over samples.
func MeanStd(samples [][]float64) (means, stds []float64) {
	if len(samples) == 0 {
		return nil, nil
	}
	width := len(samples[0])
	means = make([]float64, width)
	counts := make([]int, width)
	for _, x := range samples {
		for j, v := range x {
			if !math.IsNaN(v) {
				means[j] += v
				counts[j]++
			}
		}
	}
	for j := range means {
		if counts[j] > 0 {
			means[j] /= float64(counts[j])
		}
	}

	stds = make([]float64, width)
	for _, x := range samples {
		for j, v := range x {
			if !math.IsNaN(v) {
				d := v - means[j]
				stds[j] += d * d
			}
		}
	}
	for j := range stds {
		var sd float64
		if counts[j] > 0 {
			sd = math.Sqrt(stds[j] / float64(counts[j]))
		}
		stds[j] = floorStd(sd)
	}
	return means, stds
}

// Standardize z-scores samples in place: (x - mean) / max(std, Epsilon).
func Standardize(samples [][]float64, means, stds []float64) {
	for _, x := range samples {
		for j := range x {
			x[j] = (x[j] - means[j]) / math.Max(stds[j], Epsilon)
		}
	}
}

// StandardizeRow is Standardize for a single vector.
func StandardizeRow(x, means, stds []float64) {
	for j := range x {
		x[j] = (x[j] - means[j]) / math.Max(stds[j], Epsilon)
	}
}
