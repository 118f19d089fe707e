package classifier

import (
	"context"

	"riskgrid/internal/hyperparams"
)

type logisticState struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// logistic is L2-regularized logistic regression trained by batch gradient
// descent for a fixed number of iterations.
type logistic struct {
	p hyperparams.Set
	s logisticState
}

func newLogistic(p hyperparams.Set) model { return &logistic{p: p} }

func (m *logistic) fit(ctx context.Context, x [][]float64, y []int) error {
	n, width := len(x), len(x[0])
	m.s = logisticState{Weights: make([]float64, width)}
	grad := make([]float64, width)
	check := every(ctx, 10)

	for it := 0; it < m.p.Iterations; it++ {
		if err := check(); err != nil {
			return err
		}
		clear(grad)
		var gb float64
		for i, row := range x {
			diff := sigmoid(dot(m.s.Weights, row)+m.s.Bias) - float64(y[i])
			for j, v := range row {
				grad[j] += diff * v
			}
			gb += diff
		}
		inv := 1 / float64(n)
		for j := range m.s.Weights {
			m.s.Weights[j] -= m.p.LearningRate * (grad[j]*inv + m.p.Regularization*m.s.Weights[j])
		}
		m.s.Bias -= m.p.LearningRate * gb * inv
	}
	return nil
}

func (m *logistic) positive(row []float64) float64 {
	return sigmoid(dot(m.s.Weights, row) + m.s.Bias)
}

func (m *logistic) state() any { return &m.s }
