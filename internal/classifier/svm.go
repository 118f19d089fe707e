package classifier

import (
	"context"
	"math"

	"riskgrid/internal/hyperparams"
)

const tau = 1e-12

type svmState struct {
	SupportVectors [][]float64 `json:"support_vectors"`
	Coef           []float64   `json:"coef"`
	Rho            float64     `json:"rho"`
	PlattA         float64     `json:"platt_a"`
	PlattB         float64     `json:"platt_b"`
	Calibrated     bool        `json:"calibrated"`
}

// svm is a C-SVM solved by SMO with maximal-violating-pair selection. The
// positive-class probability comes from Platt scaling when probability
// estimates are enabled, else from a logistic squash of the margin.
type svm struct {
	p      hyperparams.Set
	s      svmState
	kernel kernelFunc
}

func newSVM(p hyperparams.Set) model { return &svm{p: p, kernel: newKernel(p)} }

func (m *svm) fit(ctx context.Context, x [][]float64, labels []int) error {
	n := len(x)
	y := make([]float64, n)
	for i, l := range labels {
		y[i] = -1
		if l == Positive {
			y[i] = 1
		}
	}
	c := m.p.Cost
	alpha := make([]float64, n)
	grad := make([]float64, n)
	for i := range grad {
		grad[i] = -1
	}
	cache := newKernelCache(m.kernel, x, m.p.CacheSize)
	diag := make([]float64, n)
	for i := range x {
		diag[i] = m.kernel(x[i], x[i])
	}

	active := make([]bool, n)
	for i := range active {
		active[i] = true
	}
	upper := func(t int) bool { return (y[t] > 0 && alpha[t] < c) || (y[t] < 0 && alpha[t] > 0) }
	lower := func(t int) bool { return (y[t] > 0 && alpha[t] > 0) || (y[t] < 0 && alpha[t] < c) }

	shrinkEvery := min(n, 1000)
	maxIter := max(1000, 50*n)
	check := every(ctx, 100)
	for iter := 0; iter < maxIter; iter++ {
		if err := check(); err != nil {
			return err
		}
		i, j, gap := m.selectPair(y, grad, active, upper, lower)
		if gap < m.p.Tolerance {
			if !m.p.Shrinking || allActive(active) {
				break
			}
			// Converged on the shrunk problem; confirm over every variable.
			for t := range active {
				active[t] = true
			}
			continue
		}

		ki, kj := cache.row(i), cache.row(j)
		qij := y[i] * y[j] * ki[j]
		oldI, oldJ := alpha[i], alpha[j]
		if y[i] != y[j] {
			quad := diag[i] + diag[j] + 2*qij
			if quad <= 0 {
				quad = tau
			}
			delta := (-grad[i] - grad[j]) / quad
			diff := alpha[i] - alpha[j]
			alpha[i] += delta
			alpha[j] += delta
			if diff > 0 {
				if alpha[j] < 0 {
					alpha[j], alpha[i] = 0, diff
				}
			} else if alpha[i] < 0 {
				alpha[i], alpha[j] = 0, -diff
			}
			if diff > 0 {
				if alpha[i] > c {
					alpha[i], alpha[j] = c, c-diff
				}
			} else if alpha[j] > c {
				alpha[j], alpha[i] = c, c+diff
			}
		} else {
			quad := diag[i] + diag[j] - 2*qij
			if quad <= 0 {
				quad = tau
			}
			delta := (grad[i] - grad[j]) / quad
			sum := alpha[i] + alpha[j]
			alpha[i] -= delta
			alpha[j] += delta
			if sum > c {
				if alpha[i] > c {
					alpha[i], alpha[j] = c, sum-c
				}
				if alpha[j] > c {
					alpha[j], alpha[i] = c, sum-c
				}
			} else {
				if alpha[j] < 0 {
					alpha[j], alpha[i] = 0, sum
				}
				if alpha[i] < 0 {
					alpha[i], alpha[j] = 0, sum
				}
			}
		}

		di, dj := alpha[i]-oldI, alpha[j]-oldJ
		for t := range grad {
			grad[t] += y[t] * (y[i]*ki[t]*di + y[j]*kj[t]*dj)
		}

		if m.p.Shrinking && iter > 0 && iter%shrinkEvery == 0 {
			m.shrink(y, grad, alpha, active, upper, lower)
		}
	}

	m.s = svmState{Rho: rho(y, grad, alpha, c)}
	for t, a := range alpha {
		if a > 0 {
			m.s.SupportVectors = append(m.s.SupportVectors, x[t])
			m.s.Coef = append(m.s.Coef, a*y[t])
		}
	}
	if m.p.ProbabilityEstimates {
		dec := make([]float64, n)
		for t, row := range x {
			dec[t] = m.decision(row)
		}
		m.s.PlattA, m.s.PlattB = plattScale(dec, labels)
		m.s.Calibrated = true
	}
	return nil
}

// selectPair returns the maximal violating pair over the active set and the
// optimality gap between them.
func (m *svm) selectPair(y, grad []float64, active []bool, upper, lower func(int) bool) (int, int, float64) {
	gmax, gmin := math.Inf(-1), math.Inf(1)
	i, j := -1, -1
	for t := range grad {
		if !active[t] {
			continue
		}
		v := -y[t] * grad[t]
		if upper(t) && v > gmax {
			gmax, i = v, t
		}
		if lower(t) && v < gmin {
			gmin, j = v, t
		}
	}
	if i < 0 || j < 0 {
		return 0, 0, 0
	}
	return i, j, gmax - gmin
}

// shrink deactivates bounded variables that cannot join a violating pair.
func (m *svm) shrink(y, grad, alpha []float64, active []bool, upper, lower func(int) bool) {
	gmax, gmin := math.Inf(-1), math.Inf(1)
	for t := range grad {
		if !active[t] {
			continue
		}
		v := -y[t] * grad[t]
		if upper(t) {
			gmax = max(gmax, v)
		}
		if lower(t) {
			gmin = min(gmin, v)
		}
	}
	for t := range grad {
		if !active[t] {
			continue
		}
		v := -y[t] * grad[t]
		free := alpha[t] > 0 && alpha[t] < m.p.Cost
		if free {
			continue
		}
		if (upper(t) && !lower(t) && v < gmin) || (lower(t) && !upper(t) && v > gmax) {
			active[t] = false
		}
	}
}

func allActive(active []bool) bool {
	for _, a := range active {
		if !a {
			return false
		}
	}
	return true
}

func rho(y, grad, alpha []float64, c float64) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	var sum float64
	free := 0
	for t := range y {
		yg := y[t] * grad[t]
		switch {
		case alpha[t] >= c:
			if y[t] < 0 {
				ub = min(ub, yg)
			} else {
				lb = max(lb, yg)
			}
		case alpha[t] <= 0:
			if y[t] > 0 {
				ub = min(ub, yg)
			} else {
				lb = max(lb, yg)
			}
		default:
			free++
			sum += yg
		}
	}
	if free > 0 {
		return sum / float64(free)
	}
	return (ub + lb) / 2
}

func (m *svm) decision(row []float64) float64 {
	if m.kernel == nil {
		m.kernel = newKernel(m.p)
	}
	var f float64
	for t, sv := range m.s.SupportVectors {
		f += m.s.Coef[t] * m.kernel(sv, row)
	}
	return f - m.s.Rho
}

func (m *svm) positive(row []float64) float64 {
	f := m.decision(row)
	if m.s.Calibrated {
		return sigmoid(-(m.s.PlattA*f + m.s.PlattB))
	}
	return sigmoid(f)
}

func (m *svm) state() any { return &m.s }

// plattScale fits P(y=1|f) = 1/(1+exp(A*f+B)) by Newton's method with
// backtracking line search on regularized targets.
func plattScale(dec []float64, labels []int) (float64, float64) {
	const (
		maxIter = 100
		minStep = 1e-10
		sigma   = 1e-12
		eps     = 1e-5
	)
	var prior1, prior0 float64
	for _, l := range labels {
		if l == Positive {
			prior1++
		} else {
			prior0++
		}
	}
	hi, lo := (prior1+1)/(prior1+2), 1/(prior0+2)
	target := make([]float64, len(labels))
	for i, l := range labels {
		target[i] = lo
		if l == Positive {
			target[i] = hi
		}
	}

	objective := func(a, b float64) float64 {
		var f float64
		for i, d := range dec {
			z := d*a + b
			if z >= 0 {
				f += target[i]*z + math.Log1p(math.Exp(-z))
			} else {
				f += (target[i]-1)*z + math.Log1p(math.Exp(z))
			}
		}
		return f
	}

	a, b := 0.0, math.Log((prior0+1)/(prior1+1))
	fval := objective(a, b)
	for iter := 0; iter < maxIter; iter++ {
		h11, h22, h21, g1, g2 := sigma, sigma, 0.0, 0.0, 0.0
		for i, d := range dec {
			z := d*a + b
			var p, q float64
			if z >= 0 {
				e := math.Exp(-z)
				p, q = e/(1+e), 1/(1+e)
			} else {
				e := math.Exp(z)
				p, q = 1/(1+e), e/(1+e)
			}
			d2 := p * q
			h11 += d * d * d2
			h22 += d2
			h21 += d * d2
			d1 := target[i] - p
			g1 += d * d1
			g2 += d1
		}
		if math.Abs(g1) < eps && math.Abs(g2) < eps {
			break
		}
		det := h11*h22 - h21*h21
		da := -(h22*g1 - h21*g2) / det
		db := -(-h21*g1 + h11*g2) / det
		gd := g1*da + g2*db

		step := 1.0
		for step >= minStep {
			na, nb := a+step*da, b+step*db
			if nf := objective(na, nb); nf < fval+1e-4*step*gd {
				a, b, fval = na, nb, nf
				break
			}
			step /= 2
		}
		if step < minStep {
			break
		}
	}
	return a, b
}
