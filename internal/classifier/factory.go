package classifier

import (
	"context"
	"log/slog"

	"riskgrid/internal/hyperparams"
	"riskgrid/internal/types"
)

var constructors = map[hyperparams.Family]func(hyperparams.Set) model{
	hyperparams.FamilyLogistic:     newLogistic,
	hyperparams.FamilySVM:          newSVM,
	hyperparams.FamilyKNN:          newKNN,
	hyperparams.FamilyNaiveBayes:   newGaussianNB,
	hyperparams.FamilyDecisionTree: newDecisionTree,
	hyperparams.FamilyMLP:          newMLP,
}

// Factory turns resolved hyperparameter sets into untrained classifiers.
type Factory struct {
	logger *slog.Logger
}

// NewFactory returns a Factory. A nil logger uses slog.Default().
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger}
}

// New builds a classifier for set. An unknown family or a set that fails
// validation falls back to default logistic regression, keeping the seed and
// evaluation settings.
func (f *Factory) New(ctx context.Context, set hyperparams.Set) Classifier {
	ctor, ok := constructors[set.Family]
	err := set.Validate()
	if !ok || err != nil {
		fallback := hyperparams.Defaults(hyperparams.DefaultFamily)
		fallback.Seed = set.Seed
		if err == nil {
			fallback.Folds = set.Folds
			fallback.ValidationSplit = set.ValidationSplit
			fallback.Normalization = set.Normalization
		}
		attrs := []any{
			types.LogKeyModelFamily, string(set.Family),
			"fallback", string(fallback.Family),
		}
		if err != nil {
			attrs = append(attrs, types.LogKeyError, err.Error())
		}
		f.logger.WarnContext(ctx, "unsupported classifier configuration, using default family", attrs...)
		set = fallback
		ctor = constructors[set.Family]
	}
	return &binary{params: set.Clone(), impl: ctor(set)}
}
