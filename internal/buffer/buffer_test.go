package buffer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgrid/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func row(risk float64, label *int) types.EncodedRow {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(risk*1000) * time.Hour)
	return types.EncodedRow{
		Features:  []float64{risk, 2 * risk, -risk},
		Risk:      risk,
		RawLabel:  label,
		Timestamp: &ts,
	}
}

func intp(v int) *int { return &v }

func collect(t *testing.T, b *RowBuffer) ([]types.EncodedRow, []int) {
	t.Helper()
	var rows []types.EncodedRow
	var labels []int
	require.NoError(t, b.Each(context.Background(), func(i int, r types.EncodedRow, label int) error {
		require.Equal(t, len(rows), i)
		rows = append(rows, r)
		labels = append(labels, label)
		return nil
	}))
	return rows, labels
}

func TestRowBuffer_SpillRoundTrip(t *testing.T) {
	gcCalls := 0
	b := New(3, Options{
		SpillThreshold: 3,
		Dir:            t.TempDir(),
		GCInterval:     4,
		GC:             func() { gcCalls++ },
		Logger:         testLogger(),
	})
	defer b.Close()

	for i := 0; i < 10; i++ {
		var label *int
		if i == 5 {
			label = intp(1)
		}
		require.NoError(t, b.Append(row(float64(i)/10, label)))
	}
	require.NoError(t, b.Seal())

	assert.Equal(t, 10, b.Len())
	assert.Equal(t, 7, b.Spilled())

	first, _ := collect(t, b)
	second, _ := collect(t, b)
	require.Len(t, first, 10)
	assert.Equal(t, first, second, "iteration is restartable")

	assert.InDelta(t, 0.9, first[9].Risk, 1e-12)
	assert.Equal(t, []float64{0.9, 1.8, -0.9}, first[9].Features)
	require.NotNil(t, first[5].RawLabel)
	assert.Equal(t, 1, *first[5].RawLabel)
	assert.Nil(t, first[6].RawLabel)
	assert.True(t, first[7].Timestamp.Equal(*row(0.7, nil).Timestamp))

	// Rows 4 and 8 trigger the hook on each of the two passes.
	assert.Equal(t, 4, gcCalls)
}

func TestRowBuffer_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	b := New(3, Options{SpillThreshold: 1, Dir: dir, Logger: testLogger()})

	err := b.Each(context.Background(), func(int, types.EncodedRow, int) error { return nil })
	assert.ErrorIs(t, err, ErrNotSealed)

	assert.ErrorIs(t, b.Append(types.EncodedRow{Features: []float64{1}}), ErrWidth)

	require.NoError(t, b.Append(row(0.1, nil)))
	require.NoError(t, b.Append(row(0.2, nil)))
	require.NoError(t, b.Seal())
	require.NoError(t, b.Seal())
	assert.ErrorIs(t, b.Append(row(0.3, nil)), ErrSealed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill file removed on close")
	assert.ErrorIs(t, b.Append(row(0.3, nil)), ErrClosed)
}

func TestRowBuffer_ContextCancel(t *testing.T) {
	b := New(3, Options{Logger: testLogger()})
	defer b.Close()
	require.NoError(t, b.Append(row(0.5, nil)))
	require.NoError(t, b.Seal())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Each(ctx, func(int, types.EncodedRow, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func sealed(t *testing.T, risks []float64) *RowBuffer {
	t.Helper()
	b := New(3, Options{SpillThreshold: 4, Dir: t.TempDir(), Logger: testLogger()})
	t.Cleanup(func() { b.Close() })
	for _, r := range risks {
		require.NoError(t, b.Append(row(r, nil)))
	}
	require.NoError(t, b.Seal())
	return b
}

func TestLabelPolicy_Percentile(t *testing.T) {
	risks := make([]float64, 10)
	for i := range risks {
		risks[i] = float64(i) / 10
	}
	b := sealed(t, risks)

	s := b.Labels()
	assert.True(t, s.Synthetic())
	assert.InDelta(t, 0.7, s.Threshold, 1e-12)
	assert.Equal(t, 3, s.Positives)
	assert.Equal(t, 7, s.Negatives)
	assert.Equal(t, -1, s.ForcedPositive)

	_, labels := collect(t, b)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0, 1, 1, 1}, labels)
}

func TestLabelPolicy_HundredthsLandInOwnBin(t *testing.T) {
	b := sealed(t, []float64{0.1, 0.2, 0.28, 0.29, 0.29, 0.29, 0.29, 0.29})

	s := b.Labels()
	assert.InDelta(t, 0.29, s.Threshold, 1e-12)
	assert.Equal(t, 5, s.Positives)
	assert.Equal(t, 3, s.Negatives)

	_, labels := collect(t, b)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 1, 1}, labels)
}

func TestRiskBin(t *testing.T) {
	for _, tc := range []struct {
		risk float64
		want int
	}{
		{0, 0}, {0.004, 0}, {0.28, 28}, {0.29, 29}, {0.57, 57}, {0.995, 99}, {1, 100}, {1.5, 100}, {-0.2, 0},
	} {
		assert.Equal(t, tc.want, riskBin(tc.risk), "risk %v", tc.risk)
	}
}

func TestLabelPolicy_ForcesPositiveWhenAllZero(t *testing.T) {
	b := sealed(t, []float64{0, 0, 0, 0, 0})

	s := b.Labels()
	assert.Equal(t, 0, s.ForcedPositive)
	assert.Equal(t, 1, s.Positives)
	assert.Equal(t, 4, s.Negatives)

	_, labels := collect(t, b)
	assert.Equal(t, []int{1, 0, 0, 0, 0}, labels)
}

func TestLabelPolicy_ForcesNegativeWhenAllEqual(t *testing.T) {
	b := sealed(t, []float64{0.4, 0.4, 0.4})

	s := b.Labels()
	assert.Equal(t, 0, s.ForcedNegative)
	assert.Equal(t, 2, s.Positives)
	assert.Equal(t, 1, s.Negatives)

	_, labels := collect(t, b)
	assert.Equal(t, []int{0, 1, 1}, labels)
}

func TestLabelPolicy_NonzeroRiskInLowestBin(t *testing.T) {
	// The percentile lands in bin 0, where only rows with risk above zero
	// are positive.
	b := sealed(t, []float64{0, 0, 0.004, 0, 0, 0, 0, 0})

	_, labels := collect(t, b)
	assert.Equal(t, 1, labels[2])
	assert.Equal(t, 1, b.Labels().Positives)
}

func TestLabelPolicy_ExplicitLabelsUntouched(t *testing.T) {
	b := New(3, Options{Logger: testLogger()})
	defer b.Close()
	for _, l := range []int{0, 0, 1, 0} {
		require.NoError(t, b.Append(row(0.3, intp(l))))
	}
	require.NoError(t, b.Seal())

	s := b.Labels()
	assert.False(t, s.Synthetic())
	assert.Equal(t, 1, s.Positives)
	assert.Equal(t, 3, s.Negatives)

	_, labels := collect(t, b)
	assert.Equal(t, []int{0, 0, 1, 0}, labels)
}
