package classifier

import (
	"context"
	"math"
	"math/rand"

	"riskgrid/internal/hyperparams"
)

const mlpBatchSize = 32

type layer struct {
	Weights [][]float64 `json:"w"`
	Biases  []float64   `json:"b"`
}

type mlpState struct {
	Layers []layer `json:"layers"`
}

// mlp is a feed-forward network with tanh hidden units and a sigmoid output,
// trained by mini-batch gradient descent on log loss with L2 decay.
type mlp struct {
	p hyperparams.Set
	s mlpState
}

func newMLP(p hyperparams.Set) model { return &mlp{p: p} }

func (m *mlp) init(width int, rng *rand.Rand) {
	sizes := append([]int{width}, m.p.HiddenLayers...)
	sizes = append(sizes, 1)
	m.s = mlpState{Layers: make([]layer, len(sizes)-1)}
	for l := range m.s.Layers {
		in, out := sizes[l], sizes[l+1]
		limit := math.Sqrt(6 / float64(in+out))
		w := make([][]float64, out)
		for o := range w {
			w[o] = make([]float64, in)
			for i := range w[o] {
				w[o][i] = (rng.Float64()*2 - 1) * limit
			}
		}
		m.s.Layers[l] = layer{Weights: w, Biases: make([]float64, out)}
	}
}

// forward returns the activations of every layer, input included.
func (m *mlp) forward(row []float64) [][]float64 {
	acts := make([][]float64, len(m.s.Layers)+1)
	acts[0] = row
	for l, ly := range m.s.Layers {
		out := make([]float64, len(ly.Biases))
		last := l == len(m.s.Layers)-1
		for o, w := range ly.Weights {
			z := dot(w, acts[l]) + ly.Biases[o]
			if last {
				out[o] = sigmoid(z)
			} else {
				out[o] = math.Tanh(z)
			}
		}
		acts[l+1] = out
	}
	return acts
}

func (m *mlp) fit(ctx context.Context, x [][]float64, y []int) error {
	rng := rand.New(rand.NewSource(m.p.Seed))
	m.init(len(x[0]), rng)

	gradW := make([][][]float64, len(m.s.Layers))
	gradB := make([][]float64, len(m.s.Layers))
	for l, ly := range m.s.Layers {
		gradW[l] = make([][]float64, len(ly.Weights))
		for o := range ly.Weights {
			gradW[l][o] = make([]float64, len(ly.Weights[o]))
		}
		gradB[l] = make([]float64, len(ly.Biases))
	}

	order := rng.Perm(len(x))
	for epoch := 0; epoch < m.p.Iterations; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for start := 0; start < len(order); start += mlpBatchSize {
			batch := order[start:min(start+mlpBatchSize, len(order))]
			for l := range gradW {
				for o := range gradW[l] {
					clear(gradW[l][o])
				}
				clear(gradB[l])
			}
			for _, i := range batch {
				m.backprop(x[i], float64(y[i]), gradW, gradB)
			}
			scale := m.p.LearningRate / float64(len(batch))
			for l, ly := range m.s.Layers {
				for o, w := range ly.Weights {
					for i := range w {
						w[i] -= scale*gradW[l][o][i] + m.p.LearningRate*m.p.Regularization*w[i]/float64(len(x))
					}
					ly.Biases[o] -= scale * gradB[l][o]
				}
			}
		}
	}
	return nil
}

func (m *mlp) backprop(row []float64, target float64, gradW [][][]float64, gradB [][]float64) {
	acts := m.forward(row)
	last := len(m.s.Layers) - 1
	delta := []float64{acts[last+1][0] - target}
	for l := last; l >= 0; l-- {
		ly := m.s.Layers[l]
		for o := range ly.Weights {
			for i, a := range acts[l] {
				gradW[l][o][i] += delta[o] * a
			}
			gradB[l][o] += delta[o]
		}
		if l == 0 {
			break
		}
		prev := make([]float64, len(acts[l]))
		for i := range prev {
			var s float64
			for o := range ly.Weights {
				s += ly.Weights[o][i] * delta[o]
			}
			a := acts[l][i]
			prev[i] = s * (1 - a*a)
		}
		delta = prev
	}
}

func (m *mlp) positive(row []float64) float64 {
	acts := m.forward(row)
	return acts[len(acts)-1][0]
}

func (m *mlp) state() any { return &m.s }
