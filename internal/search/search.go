// Package search runs cross-validated grid search over hyperparameter
// candidates and ranks them.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"sort"

	"riskgrid/internal/classifier"
	"riskgrid/internal/evaluation"
	"riskgrid/internal/hyperparams"
	"riskgrid/internal/stats"
	"riskgrid/internal/types"
)

// DefaultTopN bounds the ranked list kept for auditing.
const DefaultTopN = 10

// errDegenerateFold marks a repetition that cannot be trained or scored.
var errDegenerateFold = errors.New("search: degenerate fold")

// Options tunes an Engine.
type Options struct {
	// GCEvery forces a collection after this many folds. Zero disables it.
	GCEvery int
	// GC is the collection hook. Defaults to runtime.GC.
	GC func()
	// TopN bounds Result.Ranked. Defaults to DefaultTopN.
	TopN int
	// OnCandidate is called after each candidate finishes.
	OnCandidate func(done, total int)
}

// Score is the cross-validated result for one candidate.
type Score struct {
	Params   map[string]any `json:"params"`
	Accuracy float64        `json:"accuracy"`
	MacroF1  float64        `json:"macro_f1"`
	Folds    int            `json:"folds"`
	Skipped  int            `json:"skipped_folds"`

	set   hyperparams.Set
	order int
	// meanAcc and meanF1 are the unrounded fold averages used for ranking.
	meanAcc float64
	meanF1  float64
}

// Set returns the candidate's hyperparameters.
func (s Score) Set() hyperparams.Set { return s.set.Clone() }

// Result is the search outcome.
type Result struct {
	Best         hyperparams.Set `json:"-"`
	BestScore    Score           `json:"best"`
	Ranked       []Score         `json:"ranked"`
	Combinations int             `json:"combinations"`
	// Evaluations counts completed train+evaluate cycles across all folds.
	Evaluations int `json:"evaluations"`
	Skipped     int `json:"skipped_folds"`
}

// Engine evaluates candidates with repeated random train/validation splits.
type Engine struct {
	factory *classifier.Factory
	opts    Options
	logger  *slog.Logger
}

// NewEngine returns an Engine. A nil logger uses slog.Default().
func NewEngine(factory *classifier.Factory, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GC == nil {
		opts.GC = runtime.GC
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	return &Engine{factory: factory, opts: opts, logger: logger}
}

// Search scores every candidate over its configured number of folds. Each
// fold draws a fresh random split, imputes, standardizes with training-only
// moments, normalizes, trains and evaluates. The best candidate has the
// highest mean accuracy; ties go to the higher mean macro-F1, then to the
// earlier candidate.
func (e *Engine) Search(ctx context.Context, x [][]float64, y []int, candidates []hyperparams.Set) (*Result, error) {
	if len(x) == 0 {
		return nil, types.NewAppError(types.ErrCodePipelineEmptyDataset, "grid search needs at least one sample", nil)
	}
	if len(candidates) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationHyperparameter, "grid search has no candidates", nil)
	}

	res := &Result{Combinations: len(candidates)}
	var scores []Score
	folds := 0
	for ci, params := range candidates {
		score := Score{Params: params.ToMap(), set: params.Clone(), order: ci}
		var accSum, f1Sum float64
		for fold := 0; fold < max(1, params.Folds); fold++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			report, err := e.runFold(ctx, x, y, params, fold)
			folds++
			if e.opts.GCEvery > 0 && folds%e.opts.GCEvery == 0 {
				e.opts.GC()
			}
			if errors.Is(err, stats.ErrInsufficientSamples) || errors.Is(err, errDegenerateFold) {
				score.Skipped++
				res.Skipped++
				e.logger.DebugContext(ctx, "skipping degenerate fold",
					types.LogKeyModelFamily, string(params.Family),
					"fold", fold,
					types.LogKeyError, err.Error(),
				)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("candidate %d fold %d: %w", ci, fold, err)
			}
			res.Evaluations++
			score.Folds++
			accSum += report.Accuracy
			f1Sum += report.Macro.F1
		}
		if score.Folds > 0 {
			score.meanAcc = accSum / float64(score.Folds)
			score.meanF1 = f1Sum / float64(score.Folds)
			score.Accuracy = stats.Round(score.meanAcc, evaluation.Precision)
			score.MacroF1 = stats.Round(score.meanF1, evaluation.Precision)
			scores = append(scores, score)
		}
		if e.opts.OnCandidate != nil {
			e.opts.OnCandidate(ci+1, len(candidates))
		}
	}

	if len(scores) == 0 {
		return nil, types.NewAppError(types.ErrCodePipelineInsufficientSamples,
			"every grid search fold was degenerate", nil)
	}

	sort.SliceStable(scores, func(i, j int) bool { return better(scores[i], scores[j]) })
	res.BestScore = scores[0]
	res.Best = scores[0].set.Clone()
	res.Ranked = slices.Clone(scores[:min(e.opts.TopN, len(scores))])

	e.logger.InfoContext(ctx, "grid search complete",
		types.LogKeyModelFamily, string(res.Best.Family),
		"combinations", res.Combinations,
		"evaluations", res.Evaluations,
		"skipped_folds", res.Skipped,
		"best_accuracy", res.BestScore.Accuracy,
		"best_macro_f1", res.BestScore.MacroF1,
	)
	return res, nil
}

func better(a, b Score) bool {
	const tol = 1e-12
	if math.Abs(a.meanAcc-b.meanAcc) > tol {
		return a.meanAcc > b.meanAcc
	}
	if math.Abs(a.meanF1-b.meanF1) > tol {
		return a.meanF1 > b.meanF1
	}
	return a.order < b.order
}

// runFold trains and evaluates one repetition. Per-fold samples and the
// classifier go out of scope on return.
func (e *Engine) runFold(ctx context.Context, x [][]float64, y []int, params hyperparams.Set, fold int) (evaluation.Report, error) {
	rng := rand.New(rand.NewSource(params.Seed + int64(fold)))
	perm := rng.Perm(len(x))
	valCount := stats.ValidationCount(len(x), params.ValidationSplit)
	trainIdx, valIdx := perm[valCount:], perm[:valCount]
	if len(valIdx) == 0 {
		valIdx = trainIdx
	}
	if len(trainIdx) < 2 {
		return evaluation.Report{}, fmt.Errorf("%d training rows: %w", len(trainIdx), errDegenerateFold)
	}

	trainX, trainY := gather(x, y, trainIdx)
	valX, valY := gather(x, y, valIdx)

	width := len(trainX[0])
	imputer := stats.FitImputer(trainX, width)
	imputer.Transform(trainX)
	imputer.Transform(valX)

	means, stds := stats.MeanStd(trainX)
	stats.Standardize(trainX, means, stds)
	stats.Standardize(valX, means, stds)

	norm := stats.NewNormalizer(params.Normalization)
	if err := norm.Fit(trainX); err != nil {
		return evaluation.Report{}, err
	}
	if err := norm.Transform(trainX); err != nil {
		return evaluation.Report{}, err
	}
	if err := norm.Transform(valX); err != nil {
		return evaluation.Report{}, err
	}

	model := e.factory.New(ctx, params)
	if err := model.Fit(ctx, trainX, trainY); err != nil {
		return evaluation.Report{}, err
	}
	pred, err := model.Predict(valX)
	if err != nil {
		return evaluation.Report{}, err
	}
	return evaluation.Evaluate(valY, pred, nil)
}

func gather(x [][]float64, y []int, idx []int) ([][]float64, []int) {
	outX := make([][]float64, len(idx))
	outY := make([]int, len(idx))
	for k, i := range idx {
		outX[k] = slices.Clone(x[i])
		outY[k] = y[i]
	}
	return outX, outY
}
