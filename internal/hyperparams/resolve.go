package hyperparams

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"riskgrid/internal/types"
)

// Parameter keys accepted in raw mappings and grids.
const (
	KeyLearningRate         = "learning_rate"
	KeyIterations           = "iterations"
	KeyRegularization       = "regularization"
	KeyCost                 = "cost"
	KeyKernel               = "kernel"
	KeyGamma                = "gamma"
	KeyDegree               = "degree"
	KeyCoef0                = "coef0"
	KeyTolerance            = "tolerance"
	KeyCacheSize            = "cache_size"
	KeyShrinking            = "shrinking"
	KeyProbabilityEstimates = "probability_estimates"
	KeyNeighbors            = "neighbors"
	KeyDistanceMetric       = "distance_metric"
	KeyMaxDepth             = "max_depth"
	KeyMinSamplesSplit      = "min_samples_split"
	KeyVarSmoothing         = "var_smoothing"
	KeyHiddenLayers         = "hidden_layers"
	KeyFolds                = "folds"
	KeyValidationSplit      = "validation_split"
	KeyNormalization        = "normalization"
	KeySeed                 = "seed"
)

// keyAliases maps alternative spellings onto canonical keys.
var keyAliases = map[string]string{
	"lr":                 KeyLearningRate,
	"alpha":              KeyLearningRate,
	"max_iter":           KeyIterations,
	"epochs":             KeyIterations,
	"lambda":             KeyRegularization,
	"l2":                 KeyRegularization,
	"c":                  KeyCost,
	"tol":                KeyTolerance,
	"probability":        KeyProbabilityEstimates,
	"k":                  KeyNeighbors,
	"n_neighbors":        KeyNeighbors,
	"metric":             KeyDistanceMetric,
	"depth":              KeyMaxDepth,
	"hidden_layer_sizes": KeyHiddenLayers,
	"cv":                 KeyFolds,
	"normalizer":         KeyNormalization,
}

// Bound is an inclusive numeric range.
type Bound struct {
	Min, Max float64
}

func (b Bound) clamp(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

// bounds holds the documented range of every numeric parameter.
var bounds = map[string]Bound{
	KeyLearningRate:    {1e-4, 1},
	KeyIterations:      {10, 5000},
	KeyRegularization:  {0, 10},
	KeyCost:            {1e-3, 1000},
	KeyGamma:           {1e-4, 10},
	KeyDegree:          {2, 5},
	KeyCoef0:           {-10, 10},
	KeyTolerance:       {1e-5, 1e-1},
	KeyCacheSize:       {16, 2048},
	KeyNeighbors:       {1, 50},
	KeyMaxDepth:        {1, 32},
	KeyMinSamplesSplit: {2, 100},
	KeyVarSmoothing:    {1e-12, 1e-1},
	KeyFolds:           {2, 10},
	KeyValidationSplit: {0.1, 0.5},
}

// kernelBounds narrows kernel options per kernel. An option absent from a
// kernel's table is not used by that kernel.
var kernelBounds = map[Kernel]map[string]Bound{
	KernelLinear: {},
	KernelRBF: {
		KeyGamma: {1e-4, 10},
	},
	KernelPoly: {
		KeyGamma:  {1e-3, 1},
		KeyDegree: {2, 5},
		KeyCoef0:  {0, 10},
	},
	KernelSigmoid: {
		KeyGamma: {1e-4, 1},
		KeyCoef0: {-5, 5},
	},
}

var kernelOptionKeys = []string{KeyGamma, KeyDegree, KeyCoef0}

func kernelUses(k Kernel, key string) bool {
	for _, opt := range kernelOptionKeys {
		if opt == key {
			_, ok := kernelBounds[k][key]
			return ok
		}
	}
	return true
}

// Hidden layer limits.
const (
	maxHiddenLayers = 3
	minLayerWidth   = 2
	maxLayerWidth   = 256
)

// Adjustment records one change the resolver made to a requested value.
type Adjustment struct {
	Key       string `json:"key"`
	Requested any    `json:"requested"`
	Applied   any    `json:"applied"`
	Reason    string `json:"reason"`
}

// Resolver turns raw mappings into bounded sets. Resolution never fails on
// bad values: they are clamped, defaulted or ignored and logged at WARN.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver returns a Resolver. A nil logger uses slog.Default().
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve builds the set for the requested family from raw, starting at the
// family defaults.
func (r *Resolver) Resolve(ctx context.Context, family string, raw map[string]any) (Set, []Adjustment) {
	f, known := ParseFamily(family)
	var adj []Adjustment
	if !known && family != "" {
		adj = append(adj, Adjustment{Key: "family", Requested: family, Applied: string(f), Reason: "unknown family"})
	}

	s := Defaults(f)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "family" || k == "model" || k == "model_type" {
			continue
		}
		adj = append(adj, s.Apply(k, raw[k])...)
	}
	adj = append(adj, s.normalizeKernelOptions()...)

	for _, a := range adj {
		r.logger.WarnContext(ctx, "hyperparameter adjusted",
			types.LogKeyModelFamily, string(s.Family),
			"key", a.Key,
			"requested", fmt.Sprint(a.Requested),
			"applied", fmt.Sprint(a.Applied),
			"reason", a.Reason,
		)
	}
	return s, adj
}

// Apply sets one parameter from a raw value, clamping to its bound.
func (s *Set) Apply(key string, v any) []Adjustment {
	canon := canonicalKey(key)
	reject := func(reason string) []Adjustment {
		return []Adjustment{{Key: key, Requested: v, Applied: nil, Reason: reason}}
	}

	switch canon {
	case KeyLearningRate, KeyRegularization, KeyCost, KeyGamma, KeyCoef0, KeyTolerance, KeyVarSmoothing, KeyValidationSplit:
		f, ok := toFloat(v)
		if !ok {
			return reject("not a number")
		}
		applied := bounds[canon].clamp(f)
		s.setFloat(canon, applied)
		return clamped(canon, f, applied)

	case KeyIterations, KeyDegree, KeyCacheSize, KeyNeighbors, KeyMaxDepth, KeyMinSamplesSplit, KeyFolds:
		f, ok := toFloat(v)
		if !ok {
			return reject("not a number")
		}
		applied := bounds[canon].clamp(math.Round(f))
		s.setInt(canon, int(applied))
		return clamped(canon, f, applied)

	case KeyShrinking, KeyProbabilityEstimates:
		b, ok := toBool(v)
		if !ok {
			return reject("not a boolean")
		}
		if canon == KeyShrinking {
			s.Shrinking = b
		} else {
			s.ProbabilityEstimates = b
		}
		return nil

	case KeyKernel:
		k := Kernel(strings.ToLower(fmt.Sprint(v)))
		if _, ok := kernelBounds[k]; !ok {
			return reject("unknown kernel")
		}
		s.Kernel = k
		return nil

	case KeyDistanceMetric:
		d := Distance(strings.ToLower(fmt.Sprint(v)))
		if d != DistanceEuclidean && d != DistanceManhattan {
			return reject("unknown distance metric")
		}
		s.DistanceMetric = d
		return nil

	case KeyNormalization:
		n := types.NormKind(strings.ToLower(fmt.Sprint(v)))
		switch n {
		case types.NormNone, types.NormL1, types.NormL2, types.NormMax, types.NormStd:
			s.Normalization = n
			return nil
		}
		return reject("unknown normalization")

	case KeyHiddenLayers:
		layers, ok := toIntSlice(v)
		if !ok || len(layers) == 0 {
			return reject("not a list of layer sizes")
		}
		applied := make([]int, 0, maxHiddenLayers)
		for _, w := range layers {
			if len(applied) == maxHiddenLayers {
				break
			}
			applied = append(applied, max(minLayerWidth, min(maxLayerWidth, w)))
		}
		s.HiddenLayers = applied
		if fmt.Sprint(applied) != fmt.Sprint(layers) {
			return []Adjustment{{Key: canon, Requested: layers, Applied: applied, Reason: "clamped"}}
		}
		return nil

	case KeySeed:
		f, ok := toFloat(v)
		if !ok {
			return reject("not a number")
		}
		s.Seed = int64(f)
		return nil
	}
	return reject("unknown parameter")
}

// normalizeKernelOptions clamps kernel options to the active kernel's table.
func (s *Set) normalizeKernelOptions() []Adjustment {
	var adj []Adjustment
	for key, b := range kernelBounds[s.Kernel] {
		cur := toFloatMust(s.get(key))
		applied := b.clamp(cur)
		if applied == cur {
			continue
		}
		if key == KeyDegree {
			s.setInt(key, int(math.Round(applied)))
		} else {
			s.setFloat(key, applied)
		}
		adj = append(adj, Adjustment{Key: key, Requested: cur, Applied: applied, Reason: "clamped for " + string(s.Kernel) + " kernel"})
	}
	sort.Slice(adj, func(i, j int) bool { return adj[i].Key < adj[j].Key })
	return adj
}

func (s *Set) setFloat(key string, v float64) {
	switch key {
	case KeyLearningRate:
		s.LearningRate = v
	case KeyRegularization:
		s.Regularization = v
	case KeyCost:
		s.Cost = v
	case KeyGamma:
		s.Gamma = v
	case KeyCoef0:
		s.Coef0 = v
	case KeyTolerance:
		s.Tolerance = v
	case KeyVarSmoothing:
		s.VarSmoothing = v
	case KeyValidationSplit:
		s.ValidationSplit = v
	}
}

func (s *Set) setInt(key string, v int) {
	switch key {
	case KeyIterations:
		s.Iterations = v
	case KeyDegree:
		s.Degree = v
	case KeyCacheSize:
		s.CacheSize = v
	case KeyNeighbors:
		s.Neighbors = v
	case KeyMaxDepth:
		s.MaxDepth = v
	case KeyMinSamplesSplit:
		s.MinSamplesSplit = v
	case KeyFolds:
		s.Folds = v
	}
}

func clamped(key string, requested, applied float64) []Adjustment {
	if requested == applied {
		return nil
	}
	return []Adjustment{{Key: key, Requested: requested, Applied: applied, Reason: "clamped"}}
}

func canonicalKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	if alias, ok := keyAliases[k]; ok {
		return alias
	}
	return k
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case json.Number:
		p, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloatMust(v any) float64 {
	f, _ := toFloat(v)
	return f
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	if f, ok := toFloat(v); ok {
		return f != 0, true
	}
	return false, false
}

func toIntSlice(v any) ([]int, bool) {
	switch t := v.(type) {
	case []int:
		return t, true
	case []any:
		out := make([]int, 0, len(t))
		for _, e := range t {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out = append(out, int(math.Round(f)))
		}
		return out, true
	case []float64:
		out := make([]int, len(t))
		for i, f := range t {
			out[i] = int(math.Round(f))
		}
		return out, true
	case string:
		var out []int
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == 'x' || r == ' ' }) {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, false
			}
			out = append(out, n)
		}
		return out, len(out) > 0
	}
	if f, ok := toFloat(v); ok {
		return []int{int(math.Round(f))}, true
	}
	return nil, false
}
