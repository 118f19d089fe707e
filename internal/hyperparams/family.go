// Package hyperparams resolves advisory hyperparameter mappings into bounded,
// validated sets per model family and expands search grids.
package hyperparams

import "strings"

// Family names a classifier family.
type Family string

const (
	FamilyLogistic     Family = "logistic_regression"
	FamilySVM          Family = "svm"
	FamilyKNN          Family = "knn"
	FamilyNaiveBayes   Family = "naive_bayes"
	FamilyDecisionTree Family = "decision_tree"
	FamilyMLP          Family = "mlp"

	// DefaultFamily is used whenever a requested family is unknown.
	DefaultFamily = FamilyLogistic
)

var familyAliases = map[string]Family{
	"logistic_regression":   FamilyLogistic,
	"logistic":              FamilyLogistic,
	"logreg":                FamilyLogistic,
	"lr":                    FamilyLogistic,
	"svm":                   FamilySVM,
	"svc":                   FamilySVM,
	"linear_svm":            FamilySVM,
	"kernel_svm":            FamilySVM,
	"knn":                   FamilyKNN,
	"k_nearest_neighbors":   FamilyKNN,
	"kneighbors":            FamilyKNN,
	"naive_bayes":           FamilyNaiveBayes,
	"gaussian_nb":           FamilyNaiveBayes,
	"nb":                    FamilyNaiveBayes,
	"decision_tree":         FamilyDecisionTree,
	"tree":                  FamilyDecisionTree,
	"cart":                  FamilyDecisionTree,
	"mlp":                   FamilyMLP,
	"neural_network":        FamilyMLP,
	"multilayer_perceptron": FamilyMLP,
}

// ParseFamily maps a requested family name to a known family. The second
// result is false when the name was not recognized and DefaultFamily was
// substituted.
func ParseFamily(name string) (Family, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if f, ok := familyAliases[key]; ok {
		return f, true
	}
	return DefaultFamily, false
}

// Families lists every supported family.
func Families() []Family {
	return []Family{FamilyLogistic, FamilySVM, FamilyKNN, FamilyNaiveBayes, FamilyDecisionTree, FamilyMLP}
}
