// Package classifier implements the binary risk classifiers that the search
// and training pipeline fits, and the model file format that persists them.
package classifier

import (
	"context"
	"errors"
	"math"
	"strconv"

	"riskgrid/internal/hyperparams"
)

// Class labels. Any label > 0 is treated as positive.
const (
	Negative = 0
	Positive = 1
)

// Probability map keys.
var (
	NegativeKey = strconv.Itoa(Negative)
	PositiveKey = strconv.Itoa(Positive)
)

var (
	// ErrNotFitted is returned when a model is used before Fit.
	ErrNotFitted = errors.New("classifier: model not fitted")
	// ErrShape is returned when samples and labels disagree in length or width.
	ErrShape = errors.New("classifier: sample shape mismatch")
)

// Classifier is a trainable binary model.
type Classifier interface {
	Family() hyperparams.Family
	Params() hyperparams.Set
	// Fit trains on x (rows of equal width) and y. A single-class y yields a
	// constant model rather than an error.
	Fit(ctx context.Context, x [][]float64, y []int) error
	Predict(x [][]float64) ([]int, error)
	// Probabilities returns one class->probability mapping per sample, keyed
	// by NegativeKey and PositiveKey.
	Probabilities(x [][]float64) ([]map[string]float64, error)
}

// model is the per-family state contract behind the shared Classifier
// plumbing.
type model interface {
	fit(ctx context.Context, x [][]float64, y []int) error
	positive(row []float64) float64
	state() any
}

// binary wraps a family model with shape checks, the constant-class fallback
// and the probability/label conversions shared by every family.
type binary struct {
	params   hyperparams.Set
	impl     model
	width    int
	fitted   bool
	constant *float64
}

func (b *binary) Family() hyperparams.Family { return b.params.Family }

func (b *binary) Params() hyperparams.Set { return b.params.Clone() }

func (b *binary) Fit(ctx context.Context, x [][]float64, y []int) error {
	if len(x) == 0 || len(x) != len(y) {
		return ErrShape
	}
	width := len(x[0])
	for _, row := range x {
		if len(row) != width {
			return ErrShape
		}
	}
	labels := make([]int, len(y))
	pos := 0
	for i, v := range y {
		if v > 0 {
			labels[i] = Positive
			pos++
		}
	}

	b.width = width
	b.constant = nil
	if pos == 0 || pos == len(y) {
		p := float64(pos) / float64(len(y))
		b.constant = &p
		b.fitted = true
		return nil
	}
	if err := b.impl.fit(ctx, x, labels); err != nil {
		return err
	}
	b.fitted = true
	return nil
}

func (b *binary) positive(row []float64) float64 {
	if b.constant != nil {
		return *b.constant
	}
	return clamp01(b.impl.positive(row))
}

func (b *binary) check(x [][]float64) error {
	if !b.fitted {
		return ErrNotFitted
	}
	for _, row := range x {
		if len(row) != b.width {
			return ErrShape
		}
	}
	return nil
}

func (b *binary) Predict(x [][]float64) ([]int, error) {
	if err := b.check(x); err != nil {
		return nil, err
	}
	out := make([]int, len(x))
	for i, row := range x {
		if b.positive(row) >= 0.5 {
			out[i] = Positive
		}
	}
	return out, nil
}

func (b *binary) Probabilities(x [][]float64) ([]map[string]float64, error) {
	if err := b.check(x); err != nil {
		return nil, err
	}
	out := make([]map[string]float64, len(x))
	for i, row := range x {
		p := b.positive(row)
		out[i] = map[string]float64{NegativeKey: 1 - p, PositiveKey: p}
	}
	return out, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0.5
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// every returns a context check that only consults ctx once per n calls.
func every(ctx context.Context, n int) func() error {
	i := 0
	return func() error {
		i++
		if i%n != 0 {
			return nil
		}
		return ctx.Err()
	}
}
