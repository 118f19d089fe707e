package evaluation

import "sort"

// AUC returns the Mann-Whitney estimate of the area under the ROC curve for
// binary labels (> 0 is positive): the fraction of positive/negative pairs
// where the positive scores strictly higher, with ties counted as one half.
// It is 0 when either class is empty.
func AUC(labels []int, scores []float64) float64 {
	n := len(labels)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	// Average ranks over tied score groups.
	var rankSum float64
	var pos, neg float64
	for start := 0; start < n; {
		end := start + 1
		for end < n && scores[order[end]] == scores[order[start]] {
			end++
		}
		avgRank := float64(start+end+1) / 2
		for _, i := range order[start:end] {
			if labels[i] > 0 {
				rankSum += avgRank
				pos++
			} else {
				neg++
			}
		}
		start = end
	}
	if pos == 0 || neg == 0 {
		return 0
	}
	u := rankSum - pos*(pos+1)/2
	return u / (pos * neg)
}
