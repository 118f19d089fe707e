package classifier

import (
	"container/list"
	"math"

	"riskgrid/internal/hyperparams"
)

type kernelFunc func(a, b []float64) float64

func newKernel(p hyperparams.Set) kernelFunc {
	switch p.Kernel {
	case hyperparams.KernelLinear:
		return dot
	case hyperparams.KernelPoly:
		return func(a, b []float64) float64 {
			return math.Pow(p.Gamma*dot(a, b)+p.Coef0, float64(p.Degree))
		}
	case hyperparams.KernelSigmoid:
		return func(a, b []float64) float64 {
			return math.Tanh(p.Gamma*dot(a, b) + p.Coef0)
		}
	default:
		return func(a, b []float64) float64 {
			var d float64
			for i := range a {
				diff := a[i] - b[i]
				d += diff * diff
			}
			return math.Exp(-p.Gamma * d)
		}
	}
}

// kernelCache keeps the most recently used kernel matrix rows within a
// byte budget.
type kernelCache struct {
	k     kernelFunc
	x     [][]float64
	limit int
	order *list.List
	rows  map[int]*list.Element
}

type cachedRow struct {
	i   int
	row []float64
}

func newKernelCache(k kernelFunc, x [][]float64, megabytes int) *kernelCache {
	perRow := 8 * len(x)
	limit := max(2, megabytes<<20/max(perRow, 1))
	return &kernelCache{
		k:     k,
		x:     x,
		limit: limit,
		order: list.New(),
		rows:  make(map[int]*list.Element),
	}
}

// row returns K(x_i, x_t) for every t.
func (c *kernelCache) row(i int) []float64 {
	if el, ok := c.rows[i]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cachedRow).row
	}
	r := make([]float64, len(c.x))
	for t, xt := range c.x {
		r[t] = c.k(c.x[i], xt)
	}
	if c.order.Len() >= c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.rows, oldest.Value.(*cachedRow).i)
	}
	c.rows[i] = c.order.PushFront(&cachedRow{i: i, row: r})
	return r
}
