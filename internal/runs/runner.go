// Package runs executes queued pipeline runs: it serializes them per run
// identity, records their lifecycle and dispatches them to the training,
// evaluation and prediction pipelines.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"riskgrid/internal/dataset"
	"riskgrid/internal/prediction"
	"riskgrid/internal/training"
	"riskgrid/internal/types"
)

// Trainer is implemented by *training.Trainer.
type Trainer interface {
	Train(ctx context.Context, src dataset.RowSource, req training.Request, progress types.ProgressFunc) (*training.Result, error)
}

// Evaluator is implemented by *training.Evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, src dataset.RowSource, req training.EvaluateRequest, progress types.ProgressFunc) (*training.EvaluationResult, error)
}

// Predictor is implemented by *prediction.Scorer.
type Predictor interface {
	Score(ctx context.Context, src dataset.RowSource, req prediction.Request, progress types.ProgressFunc) (*prediction.Response, error)
}

// SourceResolver opens the rows of a dataset.
type SourceResolver func(ctx context.Context, datasetID string) (dataset.RowSource, error)

// Config wires a Runner.
type Config struct {
	Recorder  types.RunRecorder
	Locker    Locker
	Sources   SourceResolver
	Trainer   Trainer
	Evaluator Evaluator
	Predictor Predictor
	Metrics   Metrics
	Clock     types.Clock
	Logger    *slog.Logger

	// LockTTL bounds how long a crashed worker can hold a run.
	LockTTL time.Duration
	// Timeout caps one run. Zero means no cap.
	Timeout time.Duration
	// Owner identifies this worker in lock rows. Defaults to a random id.
	Owner string
}

// Runner handles run messages. It is safe for concurrent use when its
// collaborators are.
type Runner struct {
	cfg Config
}

// NewRunner applies defaults to cfg.
func NewRunner(cfg Config) *Runner {
	if cfg.Locker == nil {
		cfg.Locker = NopLocker{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()
	}
	return &Runner{cfg: cfg}
}

// LockKey is the identity two runs may not share concurrently.
func LockKey(kind types.RunKind, runID string) string {
	return fmt.Sprintf("%s:%s", kind, runID)
}

// Handle executes one run to completion and returns its JSON result. The run
// record ends succeeded or failed; a run whose lock is held elsewhere is
// rejected with ErrCodeConflictRunInProgress and leaves the record alone.
func (r *Runner) Handle(ctx context.Context, msg types.RunMessage) (json.RawMessage, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	logger := types.LoggerFromContext(ctx, r.cfg.Logger).With(
		types.LogKeyRunID, msg.RunID,
		types.LogKeyRunKind, string(msg.Kind),
		types.LogKeyDatasetID, msg.DatasetID,
	)
	if msg.TraceID != "" {
		logger = logger.With("trace_id", msg.TraceID)
	}
	ctx = types.WithLogger(types.WithRunID(ctx, msg.RunID), logger)

	key := LockKey(msg.Kind, msg.RunID)
	acquired, err := r.cfg.Locker.Acquire(ctx, key, r.cfg.Owner, r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		logger.WarnContext(ctx, "run already in progress")
		return nil, types.NewAppError(types.ErrCodeConflictRunInProgress,
			fmt.Sprintf("run %s is already in progress", msg.RunID), nil)
	}
	defer func() {
		if err := r.cfg.Locker.Release(context.WithoutCancel(ctx), key, r.cfg.Owner); err != nil {
			logger.WarnContext(ctx, "failed to release run lock", types.LogKeyError, err.Error())
		}
	}()

	if err := r.cfg.Recorder.Start(ctx, msg.RunID, msg.Kind); err != nil {
		return nil, err
	}
	start := r.cfg.Clock.Now()
	logger.InfoContext(ctx, "run started")

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	result, outcome, runErr := r.dispatch(runCtx, msg, r.progress(ctx, msg.RunID, logger))
	outcome.Kind = msg.Kind
	outcome.Duration = r.cfg.Clock.Now().Sub(start)

	// The record is finished even when the run context has expired.
	finishCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		outcome.Result = ResultFailed
		r.cfg.Metrics.RecordRun(finishCtx, outcome)
		logger.ErrorContext(ctx, "run failed",
			types.LogKeyError, runErr.Error(),
			"code", string(types.CodeOf(runErr)),
			"duration_ms", outcome.Duration.Milliseconds(),
		)
		if err := r.cfg.Recorder.Finish(finishCtx, msg.RunID, types.RunStatusFailed, runErr.Error(), nil); err != nil {
			logger.ErrorContext(ctx, "failed to record run failure", types.LogKeyError, err.Error())
		}
		return nil, runErr
	}

	if err := r.cfg.Recorder.Finish(finishCtx, msg.RunID, types.RunStatusSucceeded, "", result); err != nil {
		return nil, err
	}
	outcome.Result = ResultSuccess
	r.cfg.Metrics.RecordRun(finishCtx, outcome)
	logger.InfoContext(ctx, "run succeeded",
		"duration_ms", outcome.Duration.Milliseconds(),
		types.LogKeySamples, outcome.Rows,
	)
	return result, nil
}

// progress persists each new percentage. Write failures are logged and
// never fail the run.
func (r *Runner) progress(ctx context.Context, runID string, logger *slog.Logger) types.ProgressFunc {
	last := -1
	return func(percent int, message string) {
		if percent == last && message == "" {
			return
		}
		last = percent
		if err := r.cfg.Recorder.UpdateProgress(ctx, runID, percent, message); err != nil {
			logger.WarnContext(ctx, "failed to persist run progress",
				types.LogKeyError, err.Error(),
				"percent", percent,
			)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, msg types.RunMessage, progress types.ProgressFunc) (json.RawMessage, Outcome, error) {
	src, err := r.cfg.Sources(ctx, msg.DatasetID)
	if err != nil {
		return nil, Outcome{}, err
	}

	switch msg.Kind {
	case types.RunKindTrain:
		var req training.Request
		if err := decodeRequest(msg, &req); err != nil {
			return nil, Outcome{}, err
		}
		req.DatasetID = msg.DatasetID
		res, err := r.cfg.Trainer.Train(ctx, src, req, progress)
		if err != nil {
			return nil, Outcome{}, err
		}
		return marshalResult(res, Outcome{Rows: res.RowsEncoded, Skipped: res.RowsSkipped})

	case types.RunKindEvaluate:
		var req training.EvaluateRequest
		if err := decodeRequest(msg, &req); err != nil {
			return nil, Outcome{}, err
		}
		req.DatasetID = msg.DatasetID
		res, err := r.cfg.Evaluator.Evaluate(ctx, src, req, progress)
		if err != nil {
			return nil, Outcome{}, err
		}
		return marshalResult(res, Outcome{Rows: res.RowsEncoded, Skipped: res.RowsSkipped})

	case types.RunKindPredict:
		var req prediction.Request
		if err := decodeRequest(msg, &req); err != nil {
			return nil, Outcome{}, err
		}
		req.DatasetID = msg.DatasetID
		res, err := r.cfg.Predictor.Score(ctx, src, req, progress)
		if err != nil {
			return nil, Outcome{}, err
		}
		if res.Summary.Unfiltered {
			r.cfg.Metrics.RecordFallback(ctx, msg.Kind)
		}
		return marshalResult(res, Outcome{Rows: res.Summary.Count})
	}
	return nil, Outcome{}, types.NewAppError(types.ErrCodeValidationRequest, fmt.Sprintf("unknown run kind %q", msg.Kind), nil)
}

func validateMessage(msg types.RunMessage) error {
	switch {
	case msg.RunID == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "run_id is required", nil)
	case msg.DatasetID == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "dataset_id is required", nil)
	case !msg.Kind.Valid():
		return types.NewAppError(types.ErrCodeValidationRequest, fmt.Sprintf("unknown run kind %q", msg.Kind), nil)
	}
	return nil
}

func decodeRequest(msg types.RunMessage, dst any) error {
	if len(msg.Request) == 0 || string(msg.Request) == "null" {
		return nil
	}
	if err := json.Unmarshal(msg.Request, dst); err != nil {
		return types.NewAppError(types.ErrCodeValidationRequest,
			fmt.Sprintf("invalid %s request body", msg.Kind), err)
	}
	return nil
}

func marshalResult(v any, o Outcome) (json.RawMessage, Outcome, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, o, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode run result", err)
	}
	return body, o, nil
}
