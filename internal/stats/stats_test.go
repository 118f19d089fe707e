package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgrid/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memRows is an in-memory RowSet.
type memRows struct {
	x [][]float64
	y []int
}

func (m *memRows) Len() int { return len(m.x) }

func (m *memRows) Width() int {
	if len(m.x) == 0 {
		return 0
	}
	return len(m.x[0])
}

func (m *memRows) Each(ctx context.Context, fn func(int, types.EncodedRow, int) error) error {
	for i := range m.x {
		if err := fn(i, types.EncodedRow{Features: m.x[i]}, m.y[i]); err != nil {
			return err
		}
	}
	return nil
}

func seqRows(n int) *memRows {
	m := &memRows{}
	for i := 0; i < n; i++ {
		m.x = append(m.x, []float64{float64(i), 5})
		m.y = append(m.y, i%2)
	}
	return m
}

func TestAccumulatorMatchesTwoPass(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	samples := make([][]float64, 500)
	acc := NewAccumulator(3)
	for i := range samples {
		samples[i] = []float64{rng.NormFloat64()*3 + 10, rng.Float64(), 7}
		acc.Add(samples[i])
	}

	means, stds := MeanStd(samples)
	assert.InDeltaSlice(t, means, acc.Means(), 1e-9)
	assert.InDeltaSlice(t, stds, acc.StdDevs(), 1e-9)
	assert.Equal(t, 1.0, acc.StdDevs()[2], "constant column std is floored to 1")
	assert.Equal(t, 500, acc.Count())
}

func TestAccumulatorLargeOffsetStable(t *testing.T) {
	acc := NewAccumulator(1)
	for _, v := range []float64{1e9 + 4, 1e9 + 7, 1e9 + 13, 1e9 + 16} {
		acc.Add([]float64{v})
	}
	assert.InDelta(t, 1e9+10, acc.Means()[0], 1e-6)
	assert.InDelta(t, math.Sqrt(22.5), acc.StdDevs()[0], 1e-6)
}

func TestAccumulatorSkipsNaNPerColumn(t *testing.T) {
	nan := math.NaN()
	samples := [][]float64{{1, 2}, {nan, 4}, {5, nan}, {9, 10}}
	acc := NewAccumulator(2)
	for _, x := range samples {
		acc.Add(x)
	}

	means, stds := MeanStd(samples)
	assert.InDeltaSlice(t, []float64{5, 16.0 / 3}, acc.Means(), 1e-12)
	assert.InDeltaSlice(t, means, acc.Means(), 1e-12)
	assert.InDeltaSlice(t, stds, acc.StdDevs(), 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/3), acc.StdDevs()[0], 1e-12)
	assert.Equal(t, 4, acc.Count())
}

func TestStandardize(t *testing.T) {
	t.Run("already standardized column unchanged", func(t *testing.T) {
		samples := [][]float64{{-1}, {1}, {-1}, {1}}
		means, stds := MeanStd(samples)
		Standardize(samples, means, stds)
		assert.Equal(t, [][]float64{{-1}, {1}, {-1}, {1}}, samples)
	})

	t.Run("constant column becomes zeros", func(t *testing.T) {
		samples := [][]float64{{3}, {3}, {3}}
		means, stds := MeanStd(samples)
		Standardize(samples, means, stds)
		assert.Equal(t, [][]float64{{0}, {0}, {0}}, samples)
	})
}

func TestSplitDataset(t *testing.T) {
	ctx := context.Background()

	t.Run("positional split", func(t *testing.T) {
		s, err := SplitDataset(ctx, seqRows(10), 0.2)
		require.NoError(t, err)
		require.Len(t, s.TrainX, 8)
		require.Len(t, s.ValX, 2)
		assert.Equal(t, 8.0, s.ValX[0][0])
		assert.False(t, s.ValidationCloned)
		assert.InDelta(t, 3.5, s.Means[0], 1e-12)
		assert.Equal(t, 1.0, s.StdDevs[1])
	})

	t.Run("empty validation is a clone of training", func(t *testing.T) {
		s, err := SplitDataset(ctx, seqRows(4), 0)
		require.NoError(t, err)
		assert.True(t, s.ValidationCloned)
		assert.Equal(t, s.TrainX, s.ValX)
		assert.Equal(t, s.TrainY, s.ValY)
		s.ValX[0][0] = 99
		assert.Equal(t, 0.0, s.TrainX[0][0], "clone does not alias training rows")
	})

	t.Run("training keeps at least one row", func(t *testing.T) {
		s, err := SplitDataset(ctx, seqRows(1), 0.5)
		require.NoError(t, err)
		assert.Len(t, s.TrainX, 1)
		assert.True(t, s.ValidationCloned)
	})

	t.Run("split copies features", func(t *testing.T) {
		rows := seqRows(3)
		s, err := SplitDataset(ctx, rows, 0)
		require.NoError(t, err)
		s.TrainX[1][0] = -1
		assert.Equal(t, 1.0, rows.x[1][0])
	})

	t.Run("empty dataset", func(t *testing.T) {
		_, err := SplitDataset(ctx, &memRows{}, 0.2)
		assert.Equal(t, types.ErrCodePipelineEmptyDataset, types.CodeOf(err))
	})
}

func TestValidationCount(t *testing.T) {
	assert.Equal(t, 3, ValidationCount(10, 0.25))
	assert.Equal(t, 9, ValidationCount(10, 1))
	assert.Equal(t, 0, ValidationCount(0, 0.3))
}

func TestNormalizer(t *testing.T) {
	t.Run("l2 yields unit rows", func(t *testing.T) {
		samples := [][]float64{{3, 4}, {0, 0}, {1, 0}}
		n := NewNormalizer(types.NormL2)
		require.NoError(t, NormalizeSafely(context.Background(), n, samples, testLogger()))
		assert.InDeltaSlice(t, []float64{0.6, 0.8}, samples[0], 1e-12)
		assert.Equal(t, []float64{0, 0}, samples[1], "zero vector untouched")
	})

	t.Run("l1 and max", func(t *testing.T) {
		a := [][]float64{{1, -3}, {2, 2}}
		require.NoError(t, NormalizeSafely(context.Background(), NewNormalizer(types.NormL1), a, testLogger()))
		assert.InDeltaSlice(t, []float64{0.25, -0.75}, a[0], 1e-12)

		b := [][]float64{{1, -4}, {2, 2}}
		require.NoError(t, NormalizeSafely(context.Background(), NewNormalizer(types.NormMax), b, testLogger()))
		assert.InDeltaSlice(t, []float64{0.25, -1}, b[0], 1e-12)
	})

	t.Run("degenerate sample is skipped", func(t *testing.T) {
		samples := [][]float64{{3, 4}}
		n := NewNormalizer(types.NormStd)
		err := n.Fit(samples)
		assert.ErrorIs(t, err, ErrInsufficientSamples)

		require.NoError(t, NormalizeSafely(context.Background(), n, samples, testLogger()))
		assert.Equal(t, [][]float64{{3, 4}}, samples)
		assert.Equal(t, types.NormNone, n.Config().Type)
	})

	t.Run("std round-trips through config", func(t *testing.T) {
		samples := [][]float64{{1, 10}, {3, 30}}
		n := NewNormalizer(types.NormStd)
		require.NoError(t, NormalizeSafely(context.Background(), n, samples, testLogger()))
		assert.InDeltaSlice(t, []float64{-1, -1}, samples[0], 1e-12)

		restored, err := NormalizerFromConfig(n.Config())
		require.NoError(t, err)
		row := []float64{3, 30}
		restored.TransformRow(row)
		assert.InDeltaSlice(t, []float64{1, 1}, row, 1e-12)
	})

	t.Run("corrupt std config", func(t *testing.T) {
		_, err := NormalizerFromConfig(types.NormalizationConfig{Type: types.NormStd})
		assert.Equal(t, types.ErrCodeArtifactCorrupt, types.CodeOf(err))
	})

	t.Run("unknown kind is identity", func(t *testing.T) {
		n := NewNormalizer("zscore-ish")
		assert.Equal(t, types.NormNone, n.Kind())
	})

	t.Run("transform before fit", func(t *testing.T) {
		err := NewNormalizer(types.NormL2).Transform([][]float64{{1}})
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrInsufficientSamples))
	})
}

func TestImputer(t *testing.T) {
	nan := math.NaN()
	samples := [][]float64{{1, nan, nan}, {3, 4, nan}}
	im := FitImputer(samples, 3)
	im.Transform(samples)
	assert.Equal(t, [][]float64{{1, 4, 0}, {3, 4, 0}}, samples)

	restored := ImputerFromConfig(im.Config())
	row := []float64{nan, nan, 2, nan}
	restored.TransformRow(row)
	assert.Equal(t, []float64{2, 4, 2, 0}, row)
	assert.Equal(t, ImputeMean, im.Config().Strategy)
}

func TestSubsample(t *testing.T) {
	x := make([][]float64, 100)
	y := make([]int, 100)
	for i := range x {
		x[i] = []float64{float64(i)}
		y[i] = i
	}
	sx, sy := Subsample(x, y, 0.3, rand.New(rand.NewSource(42)))
	require.Len(t, sx, 30)
	require.Len(t, sy, 30)

	seen := map[int]bool{}
	for i := range sy {
		assert.False(t, seen[sy[i]], "sampled without replacement")
		seen[sy[i]] = true
		assert.Equal(t, float64(sy[i]), sx[i][0])
		if i > 0 {
			assert.Greater(t, sy[i], sy[i-1], "original order kept")
		}
	}

	fx, _ := Subsample(x, y, 1, rand.New(rand.NewSource(42)))
	assert.Len(t, fx, 100)
}

func TestUnderMemoryPressure(t *testing.T) {
	assert.False(t, UnderMemoryPressure(0))
	assert.True(t, UnderMemoryPressure(1))
}

func TestPearsonImportance(t *testing.T) {
	samples := [][]float64{{1, 5, 0}, {2, 5, 1}, {3, 5, 0}, {4, 5, 1}}
	target := []float64{10, 20, 30, 40}

	assert.InDelta(t, 1.0, Pearson([]float64{1, 2, 3, 4}, target), 1e-12)
	assert.InDelta(t, -1.0, Pearson([]float64{4, 3, 2, 1}, target), 1e-12)
	assert.Equal(t, 0.0, Pearson([]float64{5, 5, 5, 5}, target))

	ranked := PearsonImportance(samples, target, []string{"a", "b"}, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].Name)
	assert.Equal(t, 1.0, ranked[0].Contribution)
	assert.Equal(t, "feature_2", ranked[1].Name)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.1235, Round(0.123456, 4))
	assert.Equal(t, 1.0, Round(0.99996, 4))
}
