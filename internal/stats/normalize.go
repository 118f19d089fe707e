package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"riskgrid/internal/types"
)

// ErrInsufficientSamples is returned when a transform is fitted on fewer
// than two samples.
var ErrInsufficientSamples = errors.New("stats: fewer than 2 samples")

// Normalizer applies a vector-norm transform after standardization. Row
// kinds (l1, l2, max) scale each sample by its own norm; std re-scales each
// feature to zero mean and unit variance with fitted moments.
type Normalizer struct {
	kind    types.NormKind
	means   []float64
	stdDevs []float64
	fitted  bool
}

// NewNormalizer returns an unfitted normalizer. Unknown kinds act as none.
func NewNormalizer(kind types.NormKind) *Normalizer {
	switch kind {
	case types.NormL1, types.NormL2, types.NormMax, types.NormStd:
	default:
		kind = types.NormNone
	}
	return &Normalizer{kind: kind}
}

// NormalizerFromConfig restores a fitted normalizer from an artifact.
func NormalizerFromConfig(cfg types.NormalizationConfig) (*Normalizer, error) {
	n := NewNormalizer(cfg.Type)
	if n.kind == types.NormStd {
		if len(cfg.Means) == 0 || len(cfg.Means) != len(cfg.StdDevs) {
			return nil, types.NewAppError(types.ErrCodeArtifactCorrupt, "std normalization is missing its moments", nil)
		}
		n.means = slices.Clone(cfg.Means)
		n.stdDevs = slices.Clone(cfg.StdDevs)
	}
	n.fitted = true
	return n, nil
}

// Kind returns the transform kind.
func (n *Normalizer) Kind() types.NormKind { return n.kind }

// Fit learns whatever the transform needs from samples.
func (n *Normalizer) Fit(samples [][]float64) error {
	if n.kind == types.NormNone {
		n.fitted = true
		return nil
	}
	if len(samples) < 2 {
		return fmt.Errorf("fit %s normalizer on %d samples: %w", n.kind, len(samples), ErrInsufficientSamples)
	}
	if n.kind == types.NormStd {
		n.means, n.stdDevs = MeanStd(samples)
	}
	n.fitted = true
	return nil
}

// Transform rewrites samples in place.
func (n *Normalizer) Transform(samples [][]float64) error {
	if !n.fitted {
		return errors.New("stats: normalizer used before fit")
	}
	for _, x := range samples {
		n.TransformRow(x)
	}
	return nil
}

// TransformRow rewrites one vector in place.
func (n *Normalizer) TransformRow(x []float64) {
	switch n.kind {
	case types.NormL1:
		scaleBy(x, norm(x, func(acc, v float64) float64 { return acc + math.Abs(v) }))
	case types.NormL2:
		scaleBy(x, math.Sqrt(norm(x, func(acc, v float64) float64 { return acc + v*v })))
	case types.NormMax:
		scaleBy(x, norm(x, func(acc, v float64) float64 { return math.Max(acc, math.Abs(v)) }))
	case types.NormStd:
		StandardizeRow(x, n.means, n.stdDevs)
	}
}

// Config serializes the fitted state.
func (n *Normalizer) Config() types.NormalizationConfig {
	cfg := types.NormalizationConfig{Type: n.kind}
	if n.kind == types.NormStd {
		cfg.Means = slices.Clone(n.means)
		cfg.StdDevs = slices.Clone(n.stdDevs)
	}
	return cfg
}

func norm(x []float64, fold func(acc, v float64) float64) float64 {
	var acc float64
	for _, v := range x {
		acc = fold(acc, v)
	}
	return acc
}

func scaleBy(x []float64, d float64) {
	if d < Epsilon {
		return
	}
	for j := range x {
		x[j] /= d
	}
}

// NormalizeSafely fits and applies n. Fewer than two samples is not an error:
// samples are left as they are and a warning is logged. Any other failure
// is returned.
func NormalizeSafely(ctx context.Context, n *Normalizer, samples [][]float64, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := n.Fit(samples); err != nil {
		if errors.Is(err, ErrInsufficientSamples) {
			logger.WarnContext(ctx, "skipping normalization on degenerate sample",
				"kind", string(n.kind),
				types.LogKeySamples, len(samples),
			)
			// Fall back to identity so later TransformRow calls stay consistent.
			n.kind = types.NormNone
			n.fitted = true
			return nil
		}
		return err
	}
	return n.Transform(samples)
}
