package evaluation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgrid/internal/types"
)

func TestEvaluate_Binary(t *testing.T) {
	yTrue := []int{0, 0, 0, 1, 1, 1, 1, 0}
	yPred := []int{0, 0, 1, 1, 1, 0, 1, 0}
	scores := []float64{0.1, 0.2, 0.6, 0.9, 0.8, 0.4, 0.7, 0.3}

	r, err := Evaluate(yTrue, yPred, scores)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, r.Labels)
	assert.Equal(t, [][]int{{3, 1}, {1, 3}}, r.ConfusionMatrix)
	assert.Equal(t, 0.75, r.Accuracy)
	assert.Equal(t, ClassMetrics{Precision: 0.75, Recall: 0.75, F1: 0.75, Support: 4}, r.PerClass["1"])
	assert.Equal(t, Average{Precision: 0.75, Recall: 0.75, F1: 0.75}, r.Macro)
	assert.Equal(t, r.Macro, r.Weighted)
	// 15 of 16 positive/negative pairs are ordered correctly.
	assert.Equal(t, 0.9375, r.AUC)
	assert.Equal(t, 8, r.Samples)
}

func TestEvaluate_SupportSumsToRows(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.Intn(50)
		yTrue, yPred := make([]int, n), make([]int, n)
		for i := range yTrue {
			yTrue[i] = rng.Intn(3)
			yPred[i] = rng.Intn(3)
		}

		r, err := Evaluate(yTrue, yPred, nil)
		require.NoError(t, err)

		total := 0
		for _, c := range r.PerClass {
			total += c.Support
		}
		assert.Equal(t, n, total)
		assert.GreaterOrEqual(t, r.Accuracy, 0.0)
		assert.LessOrEqual(t, r.Accuracy, 1.0)
	}
}

func TestEvaluate_LabelUnionIncludesPredictedOnly(t *testing.T) {
	r, err := Evaluate([]int{0, 1, 1}, []int{0, 2, 1}, []float64{0.1, 0.5, 0.9})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, r.Labels)
	assert.Len(t, r.ConfusionMatrix, 3)
	assert.Equal(t, 1, r.ConfusionMatrix[1][2])
	assert.Zero(t, r.PerClass["2"].Support)
	assert.Zero(t, r.PerClass["2"].Precision)
	assert.Zero(t, r.AUC, "AUC is binary only")
}

func TestEvaluate_MacroSkipsUnsupportedClasses(t *testing.T) {
	r, err := Evaluate([]int{0, 0, 0, 0}, []int{0, 0, 1, 1}, nil)
	require.NoError(t, err)

	assert.Equal(t, ClassMetrics{Precision: 1, Recall: 0.5, F1: 0.6667, Support: 4}, r.PerClass["0"])
	assert.Equal(t, ClassMetrics{}, r.PerClass["1"])
	assert.Equal(t, Average{Precision: 1, Recall: 0.5, F1: 0.6667}, r.Macro)
}

func TestEvaluate_Empty(t *testing.T) {
	r, err := Evaluate(nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, r.Accuracy)
	assert.Empty(t, r.Labels)
	assert.Equal(t, Average{}, r.Macro)
}

func TestEvaluate_LengthMismatch(t *testing.T) {
	_, err := Evaluate([]int{0, 1}, []int{0}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationRequest, types.CodeOf(err))

	_, err = Evaluate([]int{0, 1}, []int{0, 1}, []float64{0.3})
	require.Error(t, err)
}

func TestAUC_PerfectSeparation(t *testing.T) {
	assert.Equal(t, 1.0, AUC([]int{0, 0, 1, 1}, []float64{0.1, 0.2, 0.8, 0.9}))
	assert.Equal(t, 0.0, AUC([]int{1, 1, 0, 0}, []float64{0.1, 0.2, 0.8, 0.9}))
}

func TestAUC_SingleClassIsZero(t *testing.T) {
	assert.Zero(t, AUC([]int{1, 1}, []float64{0.1, 0.9}))
	assert.Zero(t, AUC(nil, nil))
}

func TestAUC_TiesGetHalfCredit(t *testing.T) {
	assert.Equal(t, 0.5, AUC([]int{0, 1, 0, 1}, []float64{0.5, 0.5, 0.5, 0.5}))
}

// pairwise is the direct O(n^2) definition.
func pairwise(labels []int, scores []float64) float64 {
	var wins, pairs float64
	for i := range labels {
		for j := range labels {
			if labels[i] <= 0 || labels[j] > 0 {
				continue
			}
			pairs++
			switch {
			case scores[i] > scores[j]:
				wins++
			case scores[i] == scores[j]:
				wins += 0.5
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return wins / pairs
}

func TestAUC_MatchesPairCounting(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.Intn(40)
		labels, scores := make([]int, n), make([]float64, n)
		for i := range labels {
			labels[i] = rng.Intn(2)
			scores[i] = float64(rng.Intn(5)) / 4
		}
		assert.InDelta(t, pairwise(labels, scores), AUC(labels, scores), 1e-12)
	}
}

func TestAUC_SymmetricUnderLabelAndScoreInversion(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	labels, scores := make([]int, 100), make([]float64, 100)
	flipped, inverted := make([]int, 100), make([]float64, 100)
	for i := range labels {
		labels[i] = rng.Intn(2)
		scores[i] = rng.Float64()
		flipped[i] = 1 - labels[i]
		inverted[i] = 1 - scores[i]
	}
	assert.InDelta(t, AUC(labels, scores), AUC(flipped, inverted), 1e-12)
}

func TestAUC_IndependentScoresNearHalf(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var sum float64
	const trials = 200
	for trial := 0; trial < trials; trial++ {
		labels, scores := make([]int, 200), make([]float64, 200)
		for i := range labels {
			labels[i] = rng.Intn(2)
			scores[i] = rng.Float64()
		}
		sum += AUC(labels, scores)
	}
	assert.InDelta(t, 0.5, sum/trials, 0.01)
}
