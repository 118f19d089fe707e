package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/dataset"
	"riskgrid/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRegistry(t *testing.T) *artifacts.Registry {
	t.Helper()
	dir := t.TempDir()
	blobs, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)
	return artifacts.NewRegistry(blobs, artifacts.NewFilePointerStore(dir), nil, testLogger())
}

func testOptions(t *testing.T) Options {
	return Options{
		SpillThreshold: 16,
		SpillDir:       t.TempDir(),
		GCInterval:     1000,
		GC:             func() {},
		UnderPressure:  func() bool { return false },
		Seed:           7,
	}
}

var base = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

// labelledRows returns n rows whose label is carried by the label column:
// 40% positive, spread through the file.
func labelledRows(n int) []map[string]string {
	rows := make([]map[string]string, n)
	for i := range rows {
		label := "0"
		if i%5 < 2 {
			label = "1"
		}
		rows[i] = map[string]string{
			"timestamp": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			"latitude":  fmt.Sprintf("%.4f", 40.70+float64(i%7)*0.01),
			"longitude": fmt.Sprintf("%.4f", -74.00+float64(i%3)*0.01),
			"category":  []string{"theft", "assault", "noise"}[i%3],
			"label":     label,
		}
	}
	return rows
}

// unlabelledRows has no label or risk column, three categories of unequal
// frequency and a time range skewed towards its start.
func unlabelledRows(n int) []map[string]string {
	rng := rand.New(rand.NewSource(42))
	rows := make([]map[string]string, n)
	for i := range rows {
		cat := "theft"
		switch {
		case i%9 == 0:
			cat = "arson"
		case i%3 == 0:
			cat = "assault"
		}
		hours := i * i / 10
		rows[i] = map[string]string{
			"date":     base.Add(time.Duration(hours) * time.Hour).Format("2006-01-02 15:04:05"),
			"lat":      "40.7",
			"lng":      "-74.0",
			"type":     cat,
			"comments": "n/a",
		}
	}
	rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	return rows
}

func TestTrain_ExplicitLabels(t *testing.T) {
	reg := testRegistry(t)
	trainer := NewTrainer(reg, testOptions(t), testLogger())

	var percents []int
	progress := types.ProgressFunc(func(p int, _ string) { percents = append(percents, p) })

	res, err := trainer.Train(context.Background(), &dataset.SliceSource{Rows: labelledRows(100)},
		Request{DatasetID: "nyc"}, progress)
	require.NoError(t, err)

	assert.False(t, res.SyntheticLabels, "explicit labels must not use synthetic risk")
	assert.Equal(t, 40, res.Positives)
	assert.Equal(t, 60, res.Negatives)
	assert.Equal(t, 100, res.RowsEncoded)
	assert.Equal(t, 80, res.TrainingRows)
	assert.Equal(t, 20, res.ValidationRows)
	assert.GreaterOrEqual(t, res.Metrics.Accuracy, 0.9)
	assert.NotEmpty(t, res.FeatureImportances)
	assert.Equal(t, "logistic_regression", res.ModelFamily)

	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	assert.IsNonDecreasing(t, percents)

	latest, err := reg.Latest(context.Background(), "nyc")
	require.NoError(t, err)
	assert.Equal(t, res.ArtifactID, latest.ID)
	assert.False(t, latest.SyntheticLabels)
	assert.Len(t, latest.FeatureNames, types.BaseFeatureCount+3)
	assert.Equal(t, []string{"assault", "noise", "theft"}, latest.Categories)
}

func TestTrain_SyntheticLabels(t *testing.T) {
	reg := testRegistry(t)
	trainer := NewTrainer(reg, testOptions(t), testLogger())

	res, err := trainer.Train(context.Background(), &dataset.SliceSource{Rows: unlabelledRows(90)},
		Request{DatasetID: "synthetic", ModelFamily: "decision_tree"}, nil)
	require.NoError(t, err)

	assert.True(t, res.SyntheticLabels)
	assert.Greater(t, res.RiskThreshold, 0.0)
	assert.Positive(t, res.Positives)
	assert.Positive(t, res.Negatives)
	assert.Equal(t, 90, res.Positives+res.Negatives)

	a, err := reg.Latest(context.Background(), "synthetic")
	require.NoError(t, err)
	assert.True(t, a.SyntheticLabels)
	assert.Equal(t, "decision_tree", a.ModelFamily)
}

func TestTrain_GridSearch(t *testing.T) {
	reg := testRegistry(t)
	trainer := NewTrainer(reg, testOptions(t), testLogger())

	res, err := trainer.Train(context.Background(), &dataset.SliceSource{Rows: labelledRows(100)},
		Request{
			DatasetID:   "nyc",
			ModelFamily: "knn",
			Grid:        map[string]any{"neighbors": []any{3, 5}},
		}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Search)

	// Default kNN grid is 3 neighbor counts x 2 metrics; the override adds nothing new.
	assert.Equal(t, 6, res.Search.Combinations)
	assert.LessOrEqual(t, len(res.Search.Ranked), 10)
	assert.Equal(t, res.Search.BestScore.Params["neighbors"], res.Hyperparameters["neighbors"])
}

func TestTrain_MemoryPressureSubsamples(t *testing.T) {
	opts := testOptions(t)
	opts.UnderPressure = func() bool { return true }
	opts.SubsampleRatio = 0.5
	trainer := NewTrainer(testRegistry(t), opts, testLogger())

	res, err := trainer.Train(context.Background(), &dataset.SliceSource{Rows: labelledRows(100)},
		Request{DatasetID: "nyc"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Subsampled)
	assert.Equal(t, 40, res.TrainingRows)
}

func TestTrain_Failures(t *testing.T) {
	single := labelledRows(20)
	for _, r := range single {
		r["label"] = "1"
	}
	noTimestamps := []map[string]string{
		{"timestamp": "not a date", "label": "1"},
		{"timestamp": "", "label": "0"},
	}

	tests := []struct {
		name string
		rows []map[string]string
		req  Request
		code types.ErrorCode
	}{
		{"missing dataset id", labelledRows(10), Request{}, types.ErrCodeValidationMissingField},
		{"single class", single, Request{DatasetID: "d"}, types.ErrCodePipelineSingleClass},
		{"no parsable rows", noTimestamps, Request{DatasetID: "d"}, types.ErrCodePipelineEmptyDataset},
		{"no rows", nil, Request{DatasetID: "d"}, types.ErrCodeValidationColumnMap},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := testRegistry(t)
			trainer := NewTrainer(reg, testOptions(t), testLogger())
			_, err := trainer.Train(context.Background(), &dataset.SliceSource{Rows: tc.rows}, tc.req, nil)
			require.Error(t, err)
			assert.Equal(t, tc.code, types.CodeOf(err))

			if tc.req.DatasetID != "" {
				_, err = reg.Latest(context.Background(), tc.req.DatasetID)
				assert.Equal(t, types.ErrCodeNotFoundArtifact, types.CodeOf(err), "failed runs publish nothing")
			}
		})
	}
}

func TestEvaluate_LatestArtifact(t *testing.T) {
	reg := testRegistry(t)
	opts := testOptions(t)
	opts.ChunkSize = 7
	rows := labelledRows(100)

	trained, err := NewTrainer(reg, opts, testLogger()).Train(context.Background(),
		&dataset.SliceSource{Rows: rows}, Request{DatasetID: "nyc"}, nil)
	require.NoError(t, err)

	// An unseen category lands in no slot and must not change the width.
	rows = append(rows, map[string]string{
		"timestamp": base.Format(time.RFC3339), "category": "fraud", "label": "0",
	})
	res, err := NewEvaluator(reg, opts, testLogger()).Evaluate(context.Background(),
		&dataset.SliceSource{Rows: rows}, EvaluateRequest{DatasetID: "nyc"}, nil)
	require.NoError(t, err)

	assert.Equal(t, trained.ArtifactID, res.ArtifactID)
	assert.Equal(t, 101, res.RowsEncoded)
	assert.Equal(t, 101, res.Metrics.Samples)
	assert.GreaterOrEqual(t, res.Metrics.Accuracy, 0.9)
	assert.False(t, res.SyntheticLabels)
}

func TestEvaluate_UnknownArtifact(t *testing.T) {
	reg := testRegistry(t)
	_, err := NewEvaluator(reg, testOptions(t), testLogger()).Evaluate(context.Background(),
		&dataset.SliceSource{Rows: labelledRows(10)}, EvaluateRequest{DatasetID: "nyc", ArtifactID: "missing"}, nil)
	assert.Equal(t, types.ErrCodeNotFoundArtifact, types.CodeOf(err))
}
