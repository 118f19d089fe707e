package stats

import (
	"math/rand"
	"runtime"
	"sort"
)

// HeapInUse reports the live heap size.
func HeapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// UnderMemoryPressure reports whether the live heap exceeds limit. A zero
// limit disables the check.
func UnderMemoryPressure(limit uint64) bool {
	return limit > 0 && HeapInUse() > limit
}

// Subsample draws round(len*ratio) samples uniformly without replacement,
// keeping their original order. Ratios outside (0, 1) return the input.
func Subsample(x [][]float64, y []int, ratio float64, rng *rand.Rand) ([][]float64, []int) {
	n := len(x)
	if ratio <= 0 || ratio >= 1 || n == 0 {
		return x, y
	}
	k := max(1, int(float64(n)*ratio+0.5))
	idx := rng.Perm(n)[:k]
	sort.Ints(idx)

	outX := make([][]float64, k)
	outY := make([]int, k)
	for i, j := range idx {
		outX[i] = x[j]
		outY[i] = y[j]
	}
	return outX, outY
}
