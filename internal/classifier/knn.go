package classifier

import (
	"context"
	"math"
	"sort"

	"riskgrid/internal/hyperparams"
)

type knnState struct {
	Samples [][]float64 `json:"samples"`
	Labels  []int       `json:"labels"`
}

// knn votes among the k nearest training samples with uniform weights.
type knn struct {
	p hyperparams.Set
	s knnState
}

func newKNN(p hyperparams.Set) model { return &knn{p: p} }

func (m *knn) fit(_ context.Context, x [][]float64, y []int) error {
	m.s = knnState{Samples: make([][]float64, len(x)), Labels: append([]int(nil), y...)}
	for i, row := range x {
		m.s.Samples[i] = append([]float64(nil), row...)
	}
	return nil
}

func (m *knn) distance(a, b []float64) float64 {
	var d float64
	if m.p.DistanceMetric == hyperparams.DistanceManhattan {
		for i := range a {
			d += math.Abs(a[i] - b[i])
		}
		return d
	}
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}

type neighbor struct {
	dist  float64
	label int
}

func (m *knn) positive(row []float64) float64 {
	k := min(m.p.Neighbors, len(m.s.Samples))
	nearest := make([]neighbor, 0, k+1)
	for i, sample := range m.s.Samples {
		d := m.distance(row, sample)
		if len(nearest) == k && d >= nearest[k-1].dist {
			continue
		}
		pos := sort.Search(len(nearest), func(j int) bool { return nearest[j].dist > d })
		nearest = append(nearest, neighbor{})
		copy(nearest[pos+1:], nearest[pos:])
		nearest[pos] = neighbor{dist: d, label: m.s.Labels[i]}
		if len(nearest) > k {
			nearest = nearest[:k]
		}
	}
	var votes int
	for _, n := range nearest {
		if n.label == Positive {
			votes++
		}
	}
	return float64(votes) / float64(len(nearest))
}

func (m *knn) state() any { return &m.s }
