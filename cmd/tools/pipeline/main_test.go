package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/prediction"
	"riskgrid/internal/training"
)

func localEnv(t *testing.T) {
	t.Helper()
	for k, v := range localDefaults {
		t.Setenv(k, v)
	}
}

// writeCSV writes n labelled rows around lower Manhattan.
func writeCSV(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crimes.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write([]string{"timestamp", "latitude", "longitude", "category", "label"}))
	for i := 0; i < n; i++ {
		label := "0"
		if i%5 < 2 {
			label = "1"
		}
		require.NoError(t, w.Write([]string{
			base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			fmt.Sprintf("%.4f", 40.70+float64(i%7)*0.01),
			fmt.Sprintf("%.4f", -74.00+float64(i%3)*0.01),
			[]string{"theft", "assault", "noise"}[i%3],
			label,
		}))
	}
	w.Flush()
	require.NoError(t, w.Error())
	return path
}

func runJSON(t *testing.T, dst any, args ...string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	require.NoError(t, json.Unmarshal(stdout.Bytes(), dst))
}

func TestRun_TrainPredictRollback(t *testing.T) {
	localEnv(t)
	data := writeCSV(t, 100)
	dir := t.TempDir()

	var first training.Result
	runJSON(t, &first, "train", "--data", data, "--dataset", "nyc", "--artifacts", dir)
	require.NotEmpty(t, first.ArtifactID)
	assert.Equal(t, 100, first.RowsEncoded)

	var second training.Result
	runJSON(t, &second, "train", "--data", data, "--dataset", "nyc", "--artifacts", dir,
		"--family", "decision_tree")
	require.NotEqual(t, first.ArtifactID, second.ArtifactID)

	var pred prediction.Response
	runJSON(t, &pred, "predict", "--data", data, "--dataset", "nyc", "--artifacts", dir,
		"--lat", "40.70", "--lon", "-74.00", "--radius", "0.5")
	assert.Equal(t, second.ArtifactID, pred.ArtifactID)
	assert.Equal(t, 5, pred.Summary.Count)
	assert.False(t, pred.Summary.Unfiltered)

	var history []artifacts.Pointer
	runJSON(t, &history, "history", "--dataset", "nyc", "--artifacts", dir)
	require.Len(t, history, 2)
	assert.Equal(t, second.ArtifactID, history[0].ArtifactID)

	var rolled map[string]string
	runJSON(t, &rolled, "rollback", "--dataset", "nyc", "--artifacts", dir, "--artifact", first.ArtifactID)
	assert.Equal(t, first.ArtifactID, rolled["artifact_id"])

	var eval training.EvaluationResult
	runJSON(t, &eval, "evaluate", "--data", data, "--dataset", "nyc", "--artifacts", dir)
	assert.Equal(t, first.ArtifactID, eval.ArtifactID)
	assert.Equal(t, 100, eval.RowsEncoded)
}

func TestRun_Errors(t *testing.T) {
	localEnv(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "a command is required"},
		{"unknown command", []string{"deploy"}, `unknown command "deploy"`},
		{"missing dataset", []string{"history", "--artifacts", dir}, "--dataset is required"},
		{"missing data", []string{"train", "--dataset", "nyc", "--artifacts", dir}, "--data is required"},
		{"bad params", []string{"train", "--dataset", "nyc", "--artifacts", dir, "--params", "{"}, "invalid --params JSON"},
		{"half center", []string{"predict", "--dataset", "nyc", "--artifacts", dir, "--lat", "40"}, "--lat and --lon"},
		{"rollback without artifact", []string{"rollback", "--dataset", "nyc", "--artifacts", dir}, "--artifact is required"},
		{"enqueue bad body", []string{"enqueue", "--dataset", "nyc", "--kind", "train", "--request", "{"}, "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, stdout.String())
		})
	}
}
