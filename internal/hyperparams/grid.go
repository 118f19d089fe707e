package hyperparams

import (
	"fmt"
	"slices"
	"sort"
)

// Grid maps a parameter key to the candidate values to search.
type Grid map[string][]any

// DefaultGrid returns the built-in search grid for a family.
func DefaultGrid(f Family) Grid {
	switch f {
	case FamilySVM:
		return Grid{
			KeyCost:                 {0.1, 1.0, 10.0},
			KeyKernel:               {string(KernelLinear), string(KernelRBF)},
			KeyGamma:                {0.01, 0.1},
			KeyTolerance:            {1e-3},
			KeyCacheSize:            {200},
			KeyShrinking:            {true},
			KeyProbabilityEstimates: {true},
		}
	case FamilyKNN:
		return Grid{
			KeyNeighbors:      {3, 5, 9},
			KeyDistanceMetric: {string(DistanceEuclidean), string(DistanceManhattan)},
		}
	case FamilyNaiveBayes:
		return Grid{
			KeyVarSmoothing: {1e-9, 1e-6, 1e-3},
		}
	case FamilyDecisionTree:
		return Grid{
			KeyMaxDepth:        {4, 8, 12},
			KeyMinSamplesSplit: {2, 10},
		}
	case FamilyMLP:
		return Grid{
			KeyHiddenLayers: {[]int{16}, []int{32, 16}},
			KeyLearningRate: {0.01, 0.05},
		}
	default:
		return Grid{
			KeyLearningRate:   {0.01, 0.1},
			KeyRegularization: {0, 0.01, 0.1},
		}
	}
}

// GridFromMap converts a JSON-decoded override grid. Lists become axes and
// scalars become single-value axes. A hidden_layers list of numbers is one
// candidate; a list of lists is several.
func GridFromMap(raw map[string]any) Grid {
	g := make(Grid, len(raw))
	for k, v := range raw {
		key := canonicalKey(k)
		list, ok := v.([]any)
		switch {
		case !ok:
			g[key] = append(g[key], v)
		case key == KeyHiddenLayers && len(list) > 0 && !isList(list[0]):
			g[key] = append(g[key], list)
		default:
			g[key] = append(g[key], list...)
		}
	}
	return g
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []int, []float64:
		return true
	}
	return false
}

// MergeGrid returns the union of base and override per key, preserving first
// occurrence order and dropping duplicate values.
func MergeGrid(base, override Grid) Grid {
	out := make(Grid, len(base)+len(override))
	for _, g := range []Grid{base, override} {
		for k, values := range g {
			key := canonicalKey(k)
			for _, v := range values {
				if !containsValue(out[key], v) {
					out[key] = append(out[key], v)
				}
			}
		}
	}
	return out
}

func containsValue(values []any, v any) bool {
	want := fmt.Sprint(v)
	for _, e := range values {
		if fmt.Sprint(e) == want {
			return true
		}
	}
	return false
}

// Expand builds the deduplicated candidate sets for a grid around base.
// Values are clamped exactly as Resolve clamps them, so out-of-range grid
// values collapse onto the bound. For SVM, kernel and kernel options form a
// deduplicated set of kernel combinations that is crossed with every other
// axis. When limit > 0 at most limit candidates are returned and the number
// dropped is reported.
func Expand(base Set, grid Grid, limit int) ([]Set, int) {
	grid = MergeGrid(nil, grid)
	var axes []string
	for k := range grid {
		if len(grid[k]) == 0 {
			continue
		}
		if base.Family == FamilySVM && isKernelKey(k) {
			continue
		}
		axes = append(axes, k)
	}
	sort.Strings(axes)

	seeds := []Set{base.Clone()}
	if base.Family == FamilySVM {
		seeds = kernelCombinations(base, grid)
	}

	var out []Set
	seen := make(map[string]struct{})
	total := 0
	for _, seed := range seeds {
		product(axes, grid, func(assign map[string]any) {
			s := seed.Clone()
			for _, k := range axes {
				s.Apply(k, assign[k])
			}
			s.normalizeKernelOptions()
			key := s.Key()
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			total++
			if limit <= 0 || len(out) < limit {
				out = append(out, s)
			}
		})
	}
	return out, total - len(out)
}

func isKernelKey(k string) bool {
	return k == KeyKernel || slices.Contains(kernelOptionKeys, k)
}

// kernelCombinations returns one seed per distinct kernel+option combination.
// Options a kernel ignores are not varied for it.
func kernelCombinations(base Set, grid Grid) []Set {
	kernels := grid[KeyKernel]
	if len(kernels) == 0 {
		kernels = []any{string(base.Kernel)}
	}

	var out []Set
	seen := make(map[string]struct{})
	for _, kv := range kernels {
		s := base.Clone()
		if adj := s.Apply(KeyKernel, kv); len(adj) > 0 {
			continue
		}
		var opts []string
		for _, opt := range kernelOptionKeys {
			if kernelUses(s.Kernel, opt) && len(grid[opt]) > 0 {
				opts = append(opts, opt)
			}
		}
		product(opts, grid, func(assign map[string]any) {
			c := s.Clone()
			for _, opt := range opts {
				c.Apply(opt, assign[opt])
			}
			c.normalizeKernelOptions()
			key := kernelKey(c)
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			out = append(out, c)
		})
	}
	if len(out) == 0 {
		out = append(out, base.Clone())
	}
	return out
}

func kernelKey(s Set) string {
	key := string(s.Kernel)
	for _, opt := range kernelOptionKeys {
		if kernelUses(s.Kernel, opt) {
			key += fmt.Sprintf("|%s=%v", opt, s.get(opt))
		}
	}
	return key
}

// product calls fn once per element of the cartesian product of the listed
// axes, in lexical axis order with the last axis varying fastest.
func product(axes []string, grid Grid, fn func(map[string]any)) {
	assign := make(map[string]any, len(axes))
	var walk func(i int)
	walk = func(i int) {
		if i == len(axes) {
			fn(assign)
			return
		}
		for _, v := range grid[axes[i]] {
			assign[axes[i]] = v
			walk(i + 1)
		}
	}
	walk(0)
}
