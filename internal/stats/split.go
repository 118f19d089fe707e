package stats

import (
	"context"
	"math"
	"slices"

	"riskgrid/internal/types"
)

// RowSet is a sealed, re-readable sequence of labelled rows.
type RowSet interface {
	Len() int
	Width() int
	Each(ctx context.Context, fn func(i int, row types.EncodedRow, label int) error) error
}

// Split is a materialized train/validation partition plus the training
// moments used to standardize both halves.
type Split struct {
	TrainX [][]float64
	TrainY []int
	ValX   [][]float64
	ValY   []int

	Means   []float64
	StdDevs []float64

	// ValidationCloned is set when the validation half would have been empty
	// and holds a copy of the training rows instead.
	ValidationCloned bool
}

// ValidationCount is round(total * split), clamped so training keeps at
// least one row.
func ValidationCount(total int, split float64) int {
	v := int(math.Round(float64(total) * split))
	return max(0, min(v, total-1))
}

// SplitDataset partitions rows by position in one pass: the first rows train,
// the trailing ValidationCount rows validate. Training moments are
// accumulated with Welford's update during the same pass.
func SplitDataset(ctx context.Context, rows RowSet, validationSplit float64) (*Split, error) {
	total := rows.Len()
	if total == 0 {
		return nil, types.NewAppError(types.ErrCodePipelineEmptyDataset, "dataset has no trainable rows", nil)
	}
	valCount := ValidationCount(total, validationSplit)
	trainCount := total - valCount

	s := &Split{
		TrainX: make([][]float64, 0, trainCount),
		TrainY: make([]int, 0, trainCount),
		ValX:   make([][]float64, 0, valCount),
		ValY:   make([]int, 0, valCount),
	}
	acc := NewAccumulator(rows.Width())

	err := rows.Each(ctx, func(i int, row types.EncodedRow, label int) error {
		if i < trainCount {
			acc.Add(row.Features)
			s.TrainX = append(s.TrainX, slices.Clone(row.Features))
			s.TrainY = append(s.TrainY, label)
			return nil
		}
		s.ValX = append(s.ValX, slices.Clone(row.Features))
		s.ValY = append(s.ValY, label)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(s.ValX) == 0 {
		s.ValX = CloneSamples(s.TrainX)
		s.ValY = slices.Clone(s.TrainY)
		s.ValidationCloned = true
	}
	s.Means = acc.Means()
	s.StdDevs = acc.StdDevs()
	return s, nil
}

// Materialize copies every row and label into memory.
func Materialize(ctx context.Context, rows RowSet) ([][]float64, []int, error) {
	x := make([][]float64, 0, rows.Len())
	y := make([]int, 0, rows.Len())
	err := rows.Each(ctx, func(_ int, row types.EncodedRow, label int) error {
		x = append(x, slices.Clone(row.Features))
		y = append(y, label)
		return nil
	})
	return x, y, err
}

// CloneSamples deep-copies a sample matrix.
func CloneSamples(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, r := range m {
		out[i] = slices.Clone(r)
	}
	return out
}
