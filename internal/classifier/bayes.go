package classifier

import (
	"context"
	"math"

	"riskgrid/internal/hyperparams"
)

type bayesState struct {
	Priors    [2]float64   `json:"priors"`
	Means     [2][]float64 `json:"means"`
	Variances [2][]float64 `json:"variances"`
}

// gaussianNB models each feature as class-conditionally normal. Variances
// are smoothed by var_smoothing times the largest feature variance.
type gaussianNB struct {
	p hyperparams.Set
	s bayesState
}

func newGaussianNB(p hyperparams.Set) model { return &gaussianNB{p: p} }

func (m *gaussianNB) fit(_ context.Context, x [][]float64, y []int) error {
	width := len(x[0])
	var counts [2]float64
	for c := range 2 {
		m.s.Means[c] = make([]float64, width)
		m.s.Variances[c] = make([]float64, width)
	}
	for i, row := range x {
		c := y[i]
		counts[c]++
		for j, v := range row {
			m.s.Means[c][j] += v
		}
	}
	for c := range 2 {
		for j := range m.s.Means[c] {
			m.s.Means[c][j] /= counts[c]
		}
	}
	for i, row := range x {
		c := y[i]
		for j, v := range row {
			d := v - m.s.Means[c][j]
			m.s.Variances[c][j] += d * d
		}
	}

	// Largest per-feature variance over all samples.
	var maxVar float64
	for j := range width {
		var mean, sq float64
		for _, row := range x {
			mean += row[j]
		}
		mean /= float64(len(x))
		for _, row := range x {
			d := row[j] - mean
			sq += d * d
		}
		maxVar = max(maxVar, sq/float64(len(x)))
	}
	smoothing := m.p.VarSmoothing * max(maxVar, 1e-12)

	for c := range 2 {
		for j := range m.s.Variances[c] {
			m.s.Variances[c][j] = m.s.Variances[c][j]/counts[c] + smoothing
		}
		m.s.Priors[c] = counts[c] / float64(len(x))
	}
	return nil
}

func (m *gaussianNB) positive(row []float64) float64 {
	var logp [2]float64
	for c := range 2 {
		lp := math.Log(m.s.Priors[c])
		for j, v := range row {
			variance := m.s.Variances[c][j]
			d := v - m.s.Means[c][j]
			lp -= 0.5*math.Log(2*math.Pi*variance) + d*d/(2*variance)
		}
		logp[c] = lp
	}
	return sigmoid(logp[Positive] - logp[Negative])
}

func (m *gaussianNB) state() any { return &m.s }
