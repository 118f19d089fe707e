package classifier

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// positiveKeys are the class keys recognized as the positive class, in
// preference order.
var positiveKeys = []string{PositiveKey, "1.0", "true", "positive", "pos", "yes"}

// ExtractProbability reduces a model output to the positive-class
// probability in [0, 1]. Scalars are used as they are. Mappings prefer an
// explicit positive-class key and otherwise take the largest value. Two
// element slices are read as [negative, positive]. Anything unreadable
// yields 0.
func ExtractProbability(out any) float64 {
	switch v := out.(type) {
	case map[string]float64:
		return fromMap(len(v), func(k string) (float64, bool) {
			f, ok := v[k]
			return f, ok
		}, func(fn func(string, float64)) {
			for k, f := range v {
				fn(k, f)
			}
		})
	case map[string]any:
		return fromMap(len(v), func(k string) (float64, bool) {
			raw, ok := v[k]
			if !ok {
				return 0, false
			}
			return scalar(raw)
		}, func(fn func(string, float64)) {
			for k, raw := range v {
				if f, ok := scalar(raw); ok {
					fn(k, f)
				}
			}
		})
	case map[int]float64:
		if f, ok := v[Positive]; ok {
			return clamp01(finite(f))
		}
		best := math.Inf(-1)
		for _, f := range v {
			best = math.Max(best, finite(f))
		}
		if math.IsInf(best, -1) {
			return 0
		}
		return clamp01(best)
	case []float64:
		switch len(v) {
		case 0:
			return 0
		case 1:
			return clamp01(finite(v[0]))
		default:
			return clamp01(finite(v[Positive]))
		}
	}
	if f, ok := scalar(out); ok {
		return clamp01(f)
	}
	return 0
}

func fromMap(n int, get func(string) (float64, bool), each func(func(string, float64))) float64 {
	if n == 0 {
		return 0
	}
	for _, k := range positiveKeys {
		if f, ok := get(k); ok {
			return clamp01(finite(f))
		}
	}
	best := math.Inf(-1)
	each(func(_ string, f float64) {
		best = math.Max(best, finite(f))
	})
	if math.IsInf(best, -1) {
		return 0
	}
	return clamp01(best)
}

func scalar(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return finite(x), true
	case float32:
		return finite(float64(x)), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return finite(f), err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return finite(f), err == nil
	}
	return 0, false
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
