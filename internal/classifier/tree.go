package classifier

import (
	"context"
	"sort"

	"riskgrid/internal/hyperparams"
)

// treeNode is one node of a flattened tree. Leaves have Feature -1 and carry
// the positive fraction of their training samples in Value.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

type treeState struct {
	Nodes []treeNode `json:"nodes"`
}

// decisionTree is a CART classifier grown greedily on Gini impurity.
type decisionTree struct {
	p hyperparams.Set
	s treeState
}

func newDecisionTree(p hyperparams.Set) model { return &decisionTree{p: p} }

func (m *decisionTree) fit(ctx context.Context, x [][]float64, y []int) error {
	m.s = treeState{}
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	_, err := m.grow(ctx, x, y, idx, 0)
	return err
}

func (m *decisionTree) grow(ctx context.Context, x [][]float64, y []int, idx []int, depth int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pos := 0
	for _, i := range idx {
		pos += y[i]
	}
	node := len(m.s.Nodes)
	m.s.Nodes = append(m.s.Nodes, treeNode{Feature: -1, Value: float64(pos) / float64(len(idx))})

	if depth >= m.p.MaxDepth || len(idx) < m.p.MinSamplesSplit || pos == 0 || pos == len(idx) {
		return node, nil
	}
	feature, threshold, ok := bestSplit(x, y, idx, pos)
	if !ok {
		return node, nil
	}

	var left, right []int
	for _, i := range idx {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l, err := m.grow(ctx, x, y, left, depth+1)
	if err != nil {
		return 0, err
	}
	r, err := m.grow(ctx, x, y, right, depth+1)
	if err != nil {
		return 0, err
	}
	m.s.Nodes[node].Feature = feature
	m.s.Nodes[node].Threshold = threshold
	m.s.Nodes[node].Left = l
	m.s.Nodes[node].Right = r
	return node, nil
}

// bestSplit scans every feature for the midpoint threshold with the lowest
// weighted Gini impurity.
func bestSplit(x [][]float64, y []int, idx []int, pos int) (int, float64, bool) {
	n := float64(len(idx))
	best := gini(float64(pos), n)
	feature, threshold, found := -1, 0.0, false

	order := append([]int(nil), idx...)
	for f := range x[idx[0]] {
		sort.Slice(order, func(a, b int) bool { return x[order[a]][f] < x[order[b]][f] })
		var leftPos, leftN float64
		for k := 0; k < len(order)-1; k++ {
			leftN++
			leftPos += float64(y[order[k]])
			cur, next := x[order[k]][f], x[order[k+1]][f]
			if cur == next {
				continue
			}
			rightN := n - leftN
			rightPos := float64(pos) - leftPos
			impurity := (leftN*gini(leftPos, leftN) + rightN*gini(rightPos, rightN)) / n
			if impurity < best-1e-12 {
				best, feature, threshold, found = impurity, f, (cur+next)/2, true
			}
		}
	}
	return feature, threshold, found
}

func gini(pos, n float64) float64 {
	if n == 0 {
		return 0
	}
	p := pos / n
	return 2 * p * (1 - p)
}

func (m *decisionTree) positive(row []float64) float64 {
	if len(m.s.Nodes) == 0 {
		return 0.5
	}
	n := m.s.Nodes[0]
	for n.Feature >= 0 {
		if row[n.Feature] <= n.Threshold {
			n = m.s.Nodes[n.Left]
		} else {
			n = m.s.Nodes[n.Right]
		}
	}
	return n.Value
}

func (m *decisionTree) state() any { return &m.s }
