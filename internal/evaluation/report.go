// Package evaluation computes classification reports: confusion matrix,
// per-class and averaged precision/recall/F1, accuracy and ROC AUC.
package evaluation

import (
	"fmt"
	"slices"
	"sort"
	"strconv"

	"riskgrid/internal/stats"
	"riskgrid/internal/types"
)

// Precision is the number of decimal places every reported value is
// rounded to.
const Precision = 4

// ClassMetrics holds the scores of one class.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Average is a macro or weighted mean over classes.
type Average struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Report is a read-only evaluation result, produced fresh per evaluation.
type Report struct {
	Accuracy        float64                 `json:"accuracy"`
	Macro           Average                 `json:"macro"`
	Weighted        Average                 `json:"weighted"`
	PerClass        map[string]ClassMetrics `json:"per_class"`
	Labels          []int                   `json:"labels"`
	ConfusionMatrix [][]int                 `json:"confusion_matrix"`
	AUC             float64                 `json:"auc"`
	Samples         int                     `json:"samples"`
}

// Evaluate scores predictions against the true labels. scores, when
// non-nil, are positive-class probabilities used for AUC; AUC is only
// computed for binary 0/1 labels and is 0 otherwise.
func Evaluate(yTrue, yPred []int, scores []float64) (Report, error) {
	if len(yTrue) != len(yPred) {
		return Report{}, types.NewAppError(types.ErrCodeValidationRequest,
			fmt.Sprintf("label count %d does not match prediction count %d", len(yTrue), len(yPred)), nil)
	}
	if scores != nil && len(scores) != len(yTrue) {
		return Report{}, types.NewAppError(types.ErrCodeValidationRequest,
			fmt.Sprintf("label count %d does not match score count %d", len(yTrue), len(scores)), nil)
	}

	labels := labelUnion(yTrue, yPred)
	matrix := ConfusionMatrix(yTrue, yPred, labels)
	r := Report{
		PerClass:        make(map[string]ClassMetrics, len(labels)),
		Labels:          labels,
		ConfusionMatrix: matrix,
		Samples:         len(yTrue),
	}

	correct := 0
	for i := range labels {
		correct += matrix[i][i]
	}
	if len(yTrue) > 0 {
		r.Accuracy = float64(correct) / float64(len(yTrue))
	}

	per := make([]ClassMetrics, len(labels))
	for i, label := range labels {
		per[i] = classMetrics(matrix, i)
		r.PerClass[strconv.Itoa(label)] = per[i]
	}
	r.Macro = macro(per)
	r.Weighted = weighted(per)

	if scores != nil && binary(labels) {
		r.AUC = AUC(yTrue, scores)
	}
	return r.rounded(), nil
}

// labelUnion returns the sorted distinct labels seen in either slice.
func labelUnion(a, b []int) []int {
	seen := make(map[int]struct{})
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		seen[v] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func binary(labels []int) bool {
	for _, l := range labels {
		if l != 0 && l != 1 {
			return false
		}
	}
	return true
}

// ConfusionMatrix returns the square matrix m where m[i][j] counts rows with
// true label labels[i] predicted as labels[j].
func ConfusionMatrix(yTrue, yPred []int, labels []int) [][]int {
	index := make(map[int]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	m := make([][]int, len(labels))
	for i := range m {
		m[i] = make([]int, len(labels))
	}
	for k := range yTrue {
		i, ok1 := index[yTrue[k]]
		j, ok2 := index[yPred[k]]
		if ok1 && ok2 {
			m[i][j]++
		}
	}
	return m
}

func classMetrics(m [][]int, i int) ClassMetrics {
	tp := m[i][i]
	var support, predicted int
	for j := range m {
		support += m[i][j]
		predicted += m[j][i]
	}
	c := ClassMetrics{
		Precision: ratio(tp, predicted),
		Recall:    ratio(tp, support),
		Support:   support,
	}
	if c.Precision+c.Recall > 0 {
		c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
	}
	return c
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// macro averages over classes with support, or over every class when none
// has support.
func macro(per []ClassMetrics) Average {
	supported := slices.DeleteFunc(slices.Clone(per), func(c ClassMetrics) bool { return c.Support == 0 })
	if len(supported) == 0 {
		supported = per
	}
	var a Average
	if len(supported) == 0 {
		return a
	}
	for _, c := range supported {
		a.Precision += c.Precision
		a.Recall += c.Recall
		a.F1 += c.F1
	}
	n := float64(len(supported))
	return Average{Precision: a.Precision / n, Recall: a.Recall / n, F1: a.F1 / n}
}

func weighted(per []ClassMetrics) Average {
	var a Average
	total := 0
	for _, c := range per {
		w := float64(c.Support)
		a.Precision += w * c.Precision
		a.Recall += w * c.Recall
		a.F1 += w * c.F1
		total += c.Support
	}
	if total == 0 {
		return Average{}
	}
	n := float64(total)
	return Average{Precision: a.Precision / n, Recall: a.Recall / n, F1: a.F1 / n}
}

func (r Report) rounded() Report {
	round := func(v float64) float64 { return stats.Round(v, Precision) }
	roundAvg := func(a Average) Average {
		return Average{Precision: round(a.Precision), Recall: round(a.Recall), F1: round(a.F1)}
	}
	r.Accuracy = round(r.Accuracy)
	r.AUC = round(r.AUC)
	r.Macro = roundAvg(r.Macro)
	r.Weighted = roundAvg(r.Weighted)
	for k, c := range r.PerClass {
		r.PerClass[k] = ClassMetrics{
			Precision: round(c.Precision),
			Recall:    round(c.Recall),
			F1:        round(c.F1),
			Support:   c.Support,
		}
	}
	return r
}
