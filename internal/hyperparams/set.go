package hyperparams

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"

	"riskgrid/internal/types"
)

// Kernel names an SVM kernel.
type Kernel string

const (
	KernelLinear  Kernel = "linear"
	KernelRBF     Kernel = "rbf"
	KernelPoly    Kernel = "poly"
	KernelSigmoid Kernel = "sigmoid"
)

// Distance names a kNN distance metric.
type Distance string

const (
	DistanceEuclidean Distance = "euclidean"
	DistanceManhattan Distance = "manhattan"
)

// Set is a resolved, bounded hyperparameter set. Every field is always
// populated; families read only the fields they use.
type Set struct {
	Family Family `json:"family"`

	// Gradient-trained families (logistic, mlp).
	LearningRate   float64 `json:"learning_rate" validate:"gte=0.0001,lte=1"`
	Iterations     int     `json:"iterations" validate:"gte=10,lte=5000"`
	Regularization float64 `json:"regularization" validate:"gte=0,lte=10"`

	// SVM.
	Cost                 float64 `json:"cost" validate:"gte=0.001,lte=1000"`
	Kernel               Kernel  `json:"kernel" validate:"oneof=linear rbf poly sigmoid"`
	Gamma                float64 `json:"gamma" validate:"gte=0.0001,lte=10"`
	Degree               int     `json:"degree" validate:"gte=2,lte=5"`
	Coef0                float64 `json:"coef0" validate:"gte=-10,lte=10"`
	Tolerance            float64 `json:"tolerance" validate:"gte=0.00001,lte=0.1"`
	CacheSize            int     `json:"cache_size" validate:"gte=16,lte=2048"`
	Shrinking            bool    `json:"shrinking"`
	ProbabilityEstimates bool    `json:"probability_estimates"`

	// kNN.
	Neighbors      int      `json:"neighbors" validate:"gte=1,lte=50"`
	DistanceMetric Distance `json:"distance_metric" validate:"oneof=euclidean manhattan"`

	// Decision tree.
	MaxDepth        int `json:"max_depth" validate:"gte=1,lte=32"`
	MinSamplesSplit int `json:"min_samples_split" validate:"gte=2,lte=100"`

	// Naive Bayes.
	VarSmoothing float64 `json:"var_smoothing" validate:"gte=0.000000000001,lte=0.1"`

	// MLP.
	HiddenLayers []int `json:"hidden_layers" validate:"min=1,max=3,dive,gte=2,lte=256"`

	// Evaluation and preprocessing.
	Folds           int            `json:"folds" validate:"gte=2,lte=10"`
	ValidationSplit float64        `json:"validation_split" validate:"gte=0.1,lte=0.5"`
	Normalization   types.NormKind `json:"normalization" validate:"oneof=none l1 l2 max std"`
	Seed            int64          `json:"seed"`
}

var structValidator = validator.New()

// Validate checks the bound invariants. A resolved set always passes.
func (s Set) Validate() error {
	if err := structValidator.Struct(s); err != nil {
		return types.NewAppError(types.ErrCodeValidationHyperparameter, "hyperparameters out of bounds", err)
	}
	return nil
}

// Defaults returns the default set for a family.
func Defaults(f Family) Set {
	s := Set{
		Family:               f,
		LearningRate:         0.1,
		Iterations:           300,
		Regularization:       0.01,
		Cost:                 1.0,
		Kernel:               KernelRBF,
		Gamma:                0.1,
		Degree:               3,
		Coef0:                0,
		Tolerance:            1e-3,
		CacheSize:            200,
		Shrinking:            true,
		ProbabilityEstimates: true,
		Neighbors:            5,
		DistanceMetric:       DistanceEuclidean,
		MaxDepth:             8,
		MinSamplesSplit:      2,
		VarSmoothing:         1e-9,
		HiddenLayers:         []int{16},
		Folds:                3,
		ValidationSplit:      0.2,
		Normalization:        types.NormNone,
		Seed:                 42,
	}
	if f == FamilyMLP {
		s.LearningRate = 0.05
		s.Iterations = 200
	}
	return s
}

// Clone returns a deep copy.
func (s Set) Clone() Set {
	s.HiddenLayers = slices.Clone(s.HiddenLayers)
	return s
}

// familyKeys lists the parameters each family is sensitive to, in a stable
// order. Shared evaluation keys follow.
var familyKeys = map[Family][]string{
	FamilyLogistic:     {KeyLearningRate, KeyIterations, KeyRegularization},
	FamilySVM:          {KeyCost, KeyKernel, KeyGamma, KeyDegree, KeyCoef0, KeyTolerance, KeyCacheSize, KeyShrinking, KeyProbabilityEstimates},
	FamilyKNN:          {KeyNeighbors, KeyDistanceMetric},
	FamilyNaiveBayes:   {KeyVarSmoothing},
	FamilyDecisionTree: {KeyMaxDepth, KeyMinSamplesSplit},
	FamilyMLP:          {KeyLearningRate, KeyIterations, KeyRegularization, KeyHiddenLayers},
}

var sharedKeys = []string{KeyFolds, KeyValidationSplit, KeyNormalization}

// ToMap returns the parameters relevant to the set's family as a plain
// JSON-compatible mapping. Kernel options a kernel does not use are left out.
func (s Set) ToMap() map[string]any {
	out := map[string]any{"family": string(s.Family)}
	for _, k := range append(slices.Clone(familyKeys[s.Family]), sharedKeys...) {
		if s.Family == FamilySVM && !kernelUses(s.Kernel, k) {
			continue
		}
		out[k] = s.get(k)
	}
	return out
}

// Key is a canonical identity used to deduplicate grid candidates.
func (s Set) Key() string {
	m := s.ToMap()
	delete(m, KeyFolds)
	delete(m, KeyValidationSplit)
	b, _ := json.Marshal(m)
	return string(b)
}

func (s Set) String() string { return s.Key() }

func (s Set) get(key string) any {
	switch key {
	case KeyLearningRate:
		return s.LearningRate
	case KeyIterations:
		return s.Iterations
	case KeyRegularization:
		return s.Regularization
	case KeyCost:
		return s.Cost
	case KeyKernel:
		return string(s.Kernel)
	case KeyGamma:
		return s.Gamma
	case KeyDegree:
		return s.Degree
	case KeyCoef0:
		return s.Coef0
	case KeyTolerance:
		return s.Tolerance
	case KeyCacheSize:
		return s.CacheSize
	case KeyShrinking:
		return s.Shrinking
	case KeyProbabilityEstimates:
		return s.ProbabilityEstimates
	case KeyNeighbors:
		return s.Neighbors
	case KeyDistanceMetric:
		return string(s.DistanceMetric)
	case KeyMaxDepth:
		return s.MaxDepth
	case KeyMinSamplesSplit:
		return s.MinSamplesSplit
	case KeyVarSmoothing:
		return s.VarSmoothing
	case KeyHiddenLayers:
		return slices.Clone(s.HiddenLayers)
	case KeyFolds:
		return s.Folds
	case KeyValidationSplit:
		return s.ValidationSplit
	case KeyNormalization:
		return string(s.Normalization)
	case KeySeed:
		return s.Seed
	}
	panic(fmt.Sprintf("hyperparams: unknown key %q", key))
}
