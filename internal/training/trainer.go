package training

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/classifier"
	"riskgrid/internal/dataset"
	"riskgrid/internal/evaluation"
	"riskgrid/internal/hyperparams"
	"riskgrid/internal/search"
	"riskgrid/internal/stats"
	"riskgrid/internal/types"
)

// Progress milestones reported by Train.
const (
	progressAnalyze  = 5
	progressEncoded  = 20
	progressSearched = 50
	progressTraining = 70
	progressEvaluate = 85
	progressDone     = 100
)

// Request describes one training run.
type Request struct {
	DatasetID string `json:"dataset_id"`
	// Columns overrides header detection for the fields it binds.
	Columns         types.ColumnMap `json:"columns"`
	ModelFamily     string          `json:"model_family"`
	Hyperparameters map[string]any  `json:"hyperparameters,omitempty"`
	// Search runs grid search before the final fit. A non-empty Grid implies it.
	Search bool           `json:"search"`
	Grid   map[string]any `json:"grid,omitempty"`
}

// Validate implements types.Validator.
func (r Request) Validate() error {
	if r.DatasetID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "dataset_id is required", nil)
	}
	return nil
}

// Result is the outcome of a successful training run.
type Result struct {
	ArtifactID         string                      `json:"artifact_id"`
	DatasetID          string                      `json:"dataset_id"`
	ModelFamily        string                      `json:"model_family"`
	Hyperparameters    map[string]any              `json:"hyperparameters"`
	Adjustments        []hyperparams.Adjustment    `json:"adjustments,omitempty"`
	Metrics            evaluation.Report           `json:"metrics"`
	Search             *search.Result              `json:"search,omitempty"`
	FeatureImportances []types.FeatureContribution `json:"feature_importances"`
	SyntheticLabels    bool                        `json:"synthetic_labels"`
	RiskThreshold      float64                     `json:"risk_threshold,omitempty"`
	Positives          int                         `json:"positives"`
	Negatives          int                         `json:"negatives"`
	RowsEncoded        int                         `json:"rows_encoded"`
	RowsSkipped        int                         `json:"rows_skipped"`
	TrainingRows       int                         `json:"training_rows"`
	ValidationRows     int                         `json:"validation_rows"`
	Subsampled         bool                        `json:"subsampled"`
}

// Trainer runs training passes and publishes artifacts.
type Trainer struct {
	registry *artifacts.Registry
	resolver *hyperparams.Resolver
	factory  *classifier.Factory
	opts     Options
	logger   *slog.Logger
}

// NewTrainer returns a Trainer. A nil logger uses slog.Default().
func NewTrainer(registry *artifacts.Registry, opts Options, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		registry: registry,
		resolver: hyperparams.NewResolver(logger),
		factory:  classifier.NewFactory(logger),
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// Train analyzes src, encodes it into a spillable buffer, splits it,
// optionally grid-searches, fits the final classifier, evaluates it on the
// validation rows and publishes the artifact. Nothing is published unless
// every step succeeds.
func (t *Trainer) Train(ctx context.Context, src dataset.RowSource, req Request, progress types.ProgressFunc) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := types.LoggerFromContext(ctx, t.logger).With(types.LogKeyDatasetID, req.DatasetID)

	progress.Report(progressAnalyze, "analyzing dataset")
	logger.InfoContext(ctx, "training started", types.LogKeyPhase, "analyze")
	profile, err := dataset.Analyze(ctx, src, req.Columns, dataset.AnalyzerOptions{
		MaxCategories: t.opts.MaxCategories,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if profile.Rows == 0 {
		return nil, types.NewAppError(types.ErrCodePipelineEmptyDataset,
			fmt.Sprintf("dataset has no rows with a parsable timestamp (%d skipped)", profile.Skipped), nil)
	}

	buf, enc, err := encode(ctx, src, profile, t.opts, logger)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	if buf.Len() == 0 {
		return nil, types.NewAppError(types.ErrCodePipelineEmptyDataset, "dataset has no trainable rows", nil)
	}
	labels := buf.Labels()
	if labels.Positives == 0 || labels.Negatives == 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodePipelineSingleClass,
			"training needs at least one positive and one negative row", nil,
			map[string]any{"positives": labels.Positives, "negatives": labels.Negatives})
	}
	encoded, skipped, _ := enc.Stats()
	progress.Report(progressEncoded, fmt.Sprintf("encoded %d rows", encoded))

	set, adjustments := t.resolver.Resolve(ctx, req.ModelFamily, t.withSeed(req.Hyperparameters))

	logger.InfoContext(ctx, "splitting dataset", types.LogKeyPhase, "split")
	split, err := stats.SplitDataset(ctx, buf, set.ValidationSplit)
	if err != nil {
		return nil, err
	}
	// The buffer is no longer needed; release it before the search.
	buf.Close()

	res := &Result{
		DatasetID:       req.DatasetID,
		Adjustments:     adjustments,
		SyntheticLabels: labels.Synthetic(),
		Positives:       labels.Positives,
		Negatives:       labels.Negatives,
		RowsEncoded:     encoded,
		RowsSkipped:     skipped,
	}
	if res.SyntheticLabels {
		res.RiskThreshold = labels.Threshold
	}

	if t.opts.UnderPressure() {
		before := len(split.TrainX)
		rng := rand.New(rand.NewSource(set.Seed))
		split.TrainX, split.TrainY = stats.Subsample(split.TrainX, split.TrainY, t.opts.SubsampleRatio, rng)
		res.Subsampled = true
		logger.WarnContext(ctx, "memory pressure, subsampling training rows",
			types.LogKeySamples, before,
			"kept", len(split.TrainX),
			"heap_bytes", stats.HeapInUse(),
		)
	}

	if req.Search || len(req.Grid) > 0 {
		best, sr, err := t.search(ctx, set, req.Grid, split, progress, logger)
		if err != nil {
			return nil, err
		}
		set, res.Search = best, sr
	}
	progress.Report(progressSearched, "preprocessing")

	width := len(split.TrainX[0])
	imputer := stats.FitImputer(split.TrainX, width)
	imputer.Transform(split.TrainX)
	imputer.Transform(split.ValX)
	stats.Standardize(split.TrainX, split.Means, split.StdDevs)
	stats.Standardize(split.ValX, split.Means, split.StdDevs)

	normalizer := stats.NewNormalizer(set.Normalization)
	if err := stats.NormalizeSafely(ctx, normalizer, split.TrainX, logger); err != nil {
		return nil, err
	}
	if err := normalizer.Transform(split.ValX); err != nil {
		return nil, err
	}

	progress.Report(progressTraining, fmt.Sprintf("training %s", set.Family))
	logger.InfoContext(ctx, "fitting classifier",
		types.LogKeyPhase, "fit",
		types.LogKeyModelFamily, string(set.Family),
		types.LogKeySamples, len(split.TrainX),
		types.LogKeyFeatures, width,
	)
	clf := t.factory.New(ctx, set)
	if err := clf.Fit(ctx, split.TrainX, split.TrainY); err != nil {
		return nil, fmt.Errorf("fit %s: %w", set.Family, err)
	}

	progress.Report(progressEvaluate, "evaluating")
	report, err := evaluate(clf, split.ValX, split.ValY)
	if err != nil {
		return nil, err
	}

	target := make([]float64, len(split.TrainY))
	for i, y := range split.TrainY {
		target[i] = float64(y)
	}
	names := profile.FeatureNames()
	importances := stats.PearsonImportance(split.TrainX, target, names, stats.DefaultTopFeatures)

	model, err := classifier.MarshalModel(clf)
	if err != nil {
		return nil, err
	}
	set = clf.Params()
	artifact := &types.TrainingArtifact{
		DatasetID:          req.DatasetID,
		ModelFamily:        string(set.Family),
		Hyperparameters:    set.ToMap(),
		FeatureNames:       names,
		FeatureMeans:       split.Means,
		FeatureStdDevs:     split.StdDevs,
		Categories:         profile.Vocabulary,
		CategoryOverflow:   profile.Overflowed,
		Normalization:      normalizer.Config(),
		Imputer:            imputer.Config(),
		FeatureImportances: importances,
		SyntheticLabels:    res.SyntheticLabels,
		RiskThreshold:      res.RiskThreshold,
		TrainingRows:       len(split.TrainX),
		ValidationRows:     len(split.ValX),
		ValidationAccuracy: report.Accuracy,
		ValidationMacroF1:  report.Macro.F1,
	}
	if err := t.registry.Put(ctx, artifact, model); err != nil {
		return nil, err
	}

	res.ArtifactID = artifact.ID
	res.ModelFamily = artifact.ModelFamily
	res.Hyperparameters = artifact.Hyperparameters
	res.Metrics = report
	res.FeatureImportances = importances
	res.TrainingRows = artifact.TrainingRows
	res.ValidationRows = artifact.ValidationRows

	progress.Report(progressDone, "artifact published")
	logger.InfoContext(ctx, "training complete",
		types.LogKeyArtifactID, artifact.ID,
		types.LogKeyModelFamily, artifact.ModelFamily,
		"accuracy", report.Accuracy,
		"macro_f1", report.Macro.F1,
		"synthetic_labels", res.SyntheticLabels,
	)
	return res, nil
}

// withSeed returns raw with the configured seed added when it sets none.
func (t *Trainer) withSeed(raw map[string]any) map[string]any {
	out := maps.Clone(raw)
	if out == nil {
		out = make(map[string]any, 1)
	}
	if _, ok := out[hyperparams.KeySeed]; !ok {
		out[hyperparams.KeySeed] = t.opts.Seed
	}
	return out
}

// search expands the merged grid around set and runs the engine on the raw
// training rows. Each fold fits its own transforms.
func (t *Trainer) search(ctx context.Context, set hyperparams.Set, override map[string]any, split *stats.Split,
	progress types.ProgressFunc, logger *slog.Logger) (hyperparams.Set, *search.Result, error) {
	grid := hyperparams.MergeGrid(hyperparams.DefaultGrid(set.Family), hyperparams.GridFromMap(override))
	candidates, dropped := hyperparams.Expand(set, grid, t.opts.MaxGridCombinations)
	if dropped > 0 {
		logger.WarnContext(ctx, "grid truncated",
			types.LogKeyModelFamily, string(set.Family),
			"kept", len(candidates),
			"dropped", dropped,
		)
	}

	span := progressSearched - progressEncoded
	engine := search.NewEngine(t.factory, search.Options{
		GCEvery: t.opts.GridGCEvery,
		GC:      t.opts.GC,
		OnCandidate: func(done, total int) {
			progress.Report(progressEncoded+span*done/total, fmt.Sprintf("searched %d/%d combinations", done, total))
		},
	}, logger)

	logger.InfoContext(ctx, "grid search started",
		types.LogKeyPhase, "search",
		"combinations", len(candidates),
	)
	sr, err := engine.Search(ctx, split.TrainX, split.TrainY, candidates)
	if err != nil {
		return hyperparams.Set{}, nil, err
	}
	return sr.Best, sr, nil
}

// evaluate scores prepared validation rows.
func evaluate(clf classifier.Classifier, x [][]float64, y []int) (evaluation.Report, error) {
	pred, err := clf.Predict(x)
	if err != nil {
		return evaluation.Report{}, err
	}
	probs, err := clf.Probabilities(x)
	if err != nil {
		return evaluation.Report{}, err
	}
	scores := make([]float64, len(probs))
	for i, p := range probs {
		scores[i] = classifier.ExtractProbability(p)
	}
	return evaluation.Evaluate(y, pred, scores)
}
