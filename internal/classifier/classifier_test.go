package classifier

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgrid/internal/hyperparams"
	"riskgrid/internal/types"
)

// blobs returns two well separated Gaussian clusters.
func blobs(n int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	x := make([][]float64, 0, 2*n)
	y := make([]int, 0, 2*n)
	for i := 0; i < n; i++ {
		x = append(x, []float64{-2 + rng.NormFloat64()*0.5, -2 + rng.NormFloat64()*0.5})
		y = append(y, Negative)
		x = append(x, []float64{2 + rng.NormFloat64()*0.5, 2 + rng.NormFloat64()*0.5})
		y = append(y, Positive)
	}
	return x, y
}

func accuracy(pred, y []int) float64 {
	hits := 0
	for i := range y {
		if pred[i] == y[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(y))
}

func TestFamilies_SeparateBlobs(t *testing.T) {
	x, y := blobs(40, 42)
	testX, testY := blobs(20, 7)
	f := NewFactory(nil)

	for _, family := range hyperparams.Families() {
		t.Run(string(family), func(t *testing.T) {
			c := f.New(context.Background(), hyperparams.Defaults(family))
			require.Equal(t, family, c.Family())
			require.NoError(t, c.Fit(context.Background(), x, y))

			pred, err := c.Predict(testX)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, accuracy(pred, testY), 0.95)

			probs, err := c.Probabilities(testX)
			require.NoError(t, err)
			for _, p := range probs {
				assert.InDelta(t, 1.0, p[NegativeKey]+p[PositiveKey], 1e-9)
				assert.GreaterOrEqual(t, p[PositiveKey], 0.0)
				assert.LessOrEqual(t, p[PositiveKey], 1.0)
			}
		})
	}
}

func TestFit_SingleClassIsConstant(t *testing.T) {
	c := NewFactory(nil).New(context.Background(), hyperparams.Defaults(hyperparams.FamilySVM))
	x := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	require.NoError(t, c.Fit(context.Background(), x, []int{1, 1, 1}))

	pred, err := c.Predict([][]float64{{0, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int{Positive}, pred)
}

func TestFit_ShapeErrors(t *testing.T) {
	c := NewFactory(nil).New(context.Background(), hyperparams.Defaults(hyperparams.FamilyLogistic))

	assert.ErrorIs(t, c.Fit(context.Background(), nil, nil), ErrShape)
	assert.ErrorIs(t, c.Fit(context.Background(), [][]float64{{1}, {1, 2}}, []int{0, 1}), ErrShape)
	assert.ErrorIs(t, c.Fit(context.Background(), [][]float64{{1}}, []int{0, 1}), ErrShape)

	_, err := c.Predict([][]float64{{1}})
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestPredict_RejectsWrongWidth(t *testing.T) {
	x, y := blobs(10, 1)
	c := NewFactory(nil).New(context.Background(), hyperparams.Defaults(hyperparams.FamilyKNN))
	require.NoError(t, c.Fit(context.Background(), x, y))

	_, err := c.Predict([][]float64{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrShape)
}

func TestFit_HonorsCancellation(t *testing.T) {
	x, y := blobs(10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewFactory(nil).New(ctx, hyperparams.Defaults(hyperparams.FamilyMLP))
	assert.ErrorIs(t, c.Fit(ctx, x, y), context.Canceled)
}

func TestFactory_FallsBackToLogistic(t *testing.T) {
	f := NewFactory(nil)

	unknown := hyperparams.Defaults(hyperparams.FamilyKNN)
	unknown.Family = "gradient_boosting"
	assert.Equal(t, hyperparams.FamilyLogistic, f.New(context.Background(), unknown).Family())

	invalid := hyperparams.Defaults(hyperparams.FamilyKNN)
	invalid.Neighbors = 0
	c := f.New(context.Background(), invalid)
	assert.Equal(t, hyperparams.FamilyLogistic, c.Family())
	assert.Equal(t, invalid.Seed, c.Params().Seed)
}

func TestModelFile_RestoresPredictions(t *testing.T) {
	x, y := blobs(30, 3)
	probe, _ := blobs(5, 9)
	f := NewFactory(nil)

	for _, family := range hyperparams.Families() {
		t.Run(string(family), func(t *testing.T) {
			c := f.New(context.Background(), hyperparams.Defaults(family))
			require.NoError(t, c.Fit(context.Background(), x, y))
			want, err := c.Probabilities(probe)
			require.NoError(t, err)

			data, err := MarshalModel(c)
			require.NoError(t, err)
			restored, err := UnmarshalModel(data)
			require.NoError(t, err)

			got, err := restored.Probabilities(probe)
			require.NoError(t, err)
			for i := range want {
				assert.InDelta(t, want[i][PositiveKey], got[i][PositiveKey], 1e-9)
			}
			assert.Equal(t, c.Params().Key(), restored.Params().Key())
		})
	}
}

func TestModelFile_Corrupt(t *testing.T) {
	for name, data := range map[string]string{
		"not json":        "{",
		"wrong version":   `{"version": 99}`,
		"unknown family":  `{"version": 1, "family": "x", "params": {"family": "x"}, "width": 2}`,
		"unreadable body": `{"version": 1, "family": "knn", "params": {"family": "knn"}, "width": 2, "state": "oops"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalModel([]byte(data))
			require.Error(t, err)
			assert.Equal(t, types.ErrCodeArtifactCorrupt, types.CodeOf(err))
		})
	}
}

func TestMarshalModel_RequiresFit(t *testing.T) {
	c := NewFactory(nil).New(context.Background(), hyperparams.Defaults(hyperparams.FamilyNaiveBayes))
	_, err := MarshalModel(c)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestPlattScale_Monotone(t *testing.T) {
	dec := []float64{-3, -2, -1, -0.5, 0.5, 1, 2, 3}
	labels := []int{0, 0, 0, 1, 0, 1, 1, 1}

	a, b := plattScale(dec, labels)

	assert.Less(t, a, 0.0, "higher margins must mean higher probability")
	lo := sigmoid(-(a*-3 + b))
	hi := sigmoid(-(a*3 + b))
	assert.Less(t, lo, 0.5)
	assert.Greater(t, hi, 0.5)
}

func TestKernelCache_EvictsOldestRow(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}}
	calls := 0
	k := func(a, b []float64) float64 {
		calls++
		return a[0] * b[0]
	}
	c := newKernelCache(k, x, 0)

	assert.Equal(t, []float64{1, 2, 3}, c.row(0))
	c.row(1)
	c.row(0)
	assert.Equal(t, 6, calls)
	c.row(2) // evicts row 1
	c.row(1)
	assert.Equal(t, 12, calls)
}

func TestExtractProbability(t *testing.T) {
	tests := []struct {
		name string
		out  any
		want float64
	}{
		{"class map prefers positive key", map[string]float64{"0": 0.3, "1": 0.7}, 0.7},
		{"positive key wins over larger value", map[string]float64{"0": 0.8, "1": 0.2}, 0.2},
		{"named positive key", map[string]any{"negative": 0.1, "positive": "0.9"}, 0.9},
		{"no positive key takes max", map[string]float64{"a": 0.25, "b": 0.6}, 0.6},
		{"int keyed", map[int]float64{0: 0.4, 1: 0.6}, 0.6},
		{"pair slice", []float64{0.35, 0.65}, 0.65},
		{"single slice", []float64{0.42}, 0.42},
		{"scalar", 0.42, 0.42},
		{"string scalar", " 0.5 ", 0.5},
		{"clamped high", 1.7, 1},
		{"clamped low", map[string]float64{"1": -0.2}, 0},
		{"nan", math.NaN(), 0},
		{"empty map", map[string]float64{}, 0},
		{"unreadable", struct{}{}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, ExtractProbability(tc.out), 1e-12)
		})
	}
}
