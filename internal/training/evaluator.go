package training

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/dataset"
	"riskgrid/internal/evaluation"
	"riskgrid/internal/types"
)

// EvaluateRequest re-scores a labelled dataset with a published artifact.
type EvaluateRequest struct {
	DatasetID string `json:"dataset_id"`
	// ArtifactID selects an artifact. Empty means the dataset's latest.
	ArtifactID string          `json:"artifact_id,omitempty"`
	Columns    types.ColumnMap `json:"columns"`
}

// Validate implements types.Validator.
func (r EvaluateRequest) Validate() error {
	if r.DatasetID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "dataset_id is required", nil)
	}
	return nil
}

// EvaluationResult is a fresh report for one artifact on one dataset.
type EvaluationResult struct {
	ArtifactID      string            `json:"artifact_id"`
	DatasetID       string            `json:"dataset_id"`
	ModelFamily     string            `json:"model_family"`
	Metrics         evaluation.Report `json:"metrics"`
	RowsEncoded     int               `json:"rows_encoded"`
	RowsSkipped     int               `json:"rows_skipped"`
	SyntheticLabels bool              `json:"synthetic_labels"`
}

// Evaluator scores datasets with existing artifacts.
type Evaluator struct {
	registry *artifacts.Registry
	opts     Options
	logger   *slog.Logger
}

// NewEvaluator returns an Evaluator. A nil logger uses slog.Default().
func NewEvaluator(registry *artifacts.Registry, opts Options, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{registry: registry, opts: opts.withDefaults(), logger: logger}
}

// Evaluate encodes src with the artifact's frozen vocabulary, labels rows
// the same way training does and scores them in bounded chunks.
func (e *Evaluator) Evaluate(ctx context.Context, src dataset.RowSource, req EvaluateRequest, progress types.ProgressFunc) (*EvaluationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := types.LoggerFromContext(ctx, e.logger).With(types.LogKeyDatasetID, req.DatasetID)

	progress.Report(progressAnalyze, "loading artifact")
	bundle, err := e.registry.LoadBundle(ctx, req.DatasetID, req.ArtifactID)
	if err != nil {
		return nil, err
	}
	a := bundle.Artifact

	profile, err := dataset.Analyze(ctx, src, req.Columns, dataset.AnalyzerOptions{
		MaxCategories: e.opts.MaxCategories,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	profile = profile.WithVocabulary(a.Categories, a.CategoryOverflow)
	if profile.FeatureCount() != bundle.Width() {
		return nil, types.NewAppError(types.ErrCodeArtifactCorrupt,
			fmt.Sprintf("artifact %s has %d feature names for %d encoded features", a.ID, bundle.Width(), profile.FeatureCount()), nil)
	}

	buf, enc, err := encode(ctx, src, profile, e.opts, logger)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	if buf.Len() == 0 {
		return nil, types.NewAppError(types.ErrCodePipelineEmptyDataset, "dataset has no scorable rows", nil)
	}
	progress.Report(progressEncoded, fmt.Sprintf("scoring %d rows", buf.Len()))

	yTrue := make([]int, 0, buf.Len())
	yPred := make([]int, 0, buf.Len())
	scores := make([]float64, 0, buf.Len())
	chunk := make([][]float64, 0, e.opts.ChunkSize)
	flush := func() error {
		pred, s, err := bundle.Score(chunk)
		if err != nil {
			return err
		}
		yPred = append(yPred, pred...)
		scores = append(scores, s...)
		chunk = chunk[:0]
		return nil
	}

	total := buf.Len()
	err = buf.Each(ctx, func(i int, row types.EncodedRow, label int) error {
		x := slices.Clone(row.Features)
		bundle.Prepare(x)
		chunk = append(chunk, x)
		yTrue = append(yTrue, label)
		if len(chunk) < e.opts.ChunkSize {
			return nil
		}
		if err := flush(); err != nil {
			return err
		}
		progress.Report(progressEncoded+(progressEvaluate-progressEncoded)*(i+1)/total, "")
		return nil
	})
	if err == nil && len(chunk) > 0 {
		err = flush()
	}
	if err != nil {
		return nil, err
	}

	progress.Report(progressEvaluate, "computing metrics")
	report, err := evaluation.Evaluate(yTrue, yPred, scores)
	if err != nil {
		return nil, err
	}

	encoded, skipped, _ := enc.Stats()
	res := &EvaluationResult{
		ArtifactID:      a.ID,
		DatasetID:       req.DatasetID,
		ModelFamily:     a.ModelFamily,
		Metrics:         report,
		RowsEncoded:     encoded,
		RowsSkipped:     skipped,
		SyntheticLabels: buf.Labels().Synthetic(),
	}
	progress.Report(progressDone, "evaluation complete")
	logger.InfoContext(ctx, "evaluation complete",
		types.LogKeyArtifactID, a.ID,
		types.LogKeySamples, encoded,
		"accuracy", report.Accuracy,
		"auc", report.AUC,
	)
	return res, nil
}
