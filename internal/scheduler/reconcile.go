package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"riskgrid/internal/runs"
	"riskgrid/internal/types"
)

// DefaultReconcileLimit caps the runs failed per invocation.
const DefaultReconcileLimit = 100

// ReconcilerDB defines the run record operations needed by the RunReconciler.
// Implemented by *db.RunRepository.
type ReconcilerDB interface {
	// ListStale returns runs in 'running' state that started before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]types.RunRecord, error)

	// MarkFailed transitions a run to 'failed' only if it is still running.
	MarkFailed(ctx context.Context, runID, message string) (bool, error)
}

// RunReconcilerConfig holds configuration for the RunReconciler.
type RunReconcilerConfig struct {
	DB      ReconcilerDB
	Metrics runs.Metrics
	Limit   int // Default: DefaultReconcileLimit
	Logger  *slog.Logger
}

// RunReconciler fails runs whose worker died without finishing them. A
// Lambda killed at its deadline never reaches Runner.Finish, so its record
// would otherwise stay 'running' forever.
type RunReconciler struct {
	db      ReconcilerDB
	metrics runs.Metrics
	limit   int
	logger  *slog.Logger
}

// NewRunReconciler creates a new RunReconciler.
func NewRunReconciler(cfg RunReconcilerConfig) *RunReconciler {
	if cfg.Metrics == nil {
		cfg.Metrics = runs.NopMetrics{}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultReconcileLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RunReconciler{db: cfg.DB, metrics: cfg.Metrics, limit: cfg.Limit, logger: cfg.Logger}
}

// ReconcileStaleRuns marks every run started more than threshold before now
// and still 'running' as failed. Returns the number of runs changed.
func (r *RunReconciler) ReconcileStaleRuns(ctx context.Context, now time.Time, threshold time.Duration) (int64, error) {
	cutoff := now.Add(-threshold)

	stale, err := r.db.ListStale(ctx, cutoff, r.limit)
	if err != nil {
		return 0, fmt.Errorf("listing stale runs: %w", err)
	}
	if len(stale) == 0 {
		r.logger.InfoContext(ctx, "no stale runs found",
			"cutoff", cutoff.Format(time.RFC3339),
		)
		return 0, nil
	}

	var processed int64
	for _, run := range stale {
		msg := fmt.Sprintf("run exceeded %s without finishing (last progress %d%%)", threshold, run.Progress)
		changed, err := r.db.MarkFailed(ctx, run.ID, msg)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to reconcile stale run",
				types.LogKeyRunID, run.ID,
				types.LogKeyError, err.Error(),
			)
			// Continue with other runs; partial progress is acceptable.
			continue
		}
		if !changed {
			continue
		}
		processed++
		r.metrics.RecordRun(ctx, runs.Outcome{
			Kind:     run.Kind,
			Result:   runs.ResultFailed,
			Duration: now.Sub(run.StartedAt),
		})
		r.logger.WarnContext(ctx, "stale run marked failed",
			types.LogKeyRunID, run.ID,
			types.LogKeyRunKind, string(run.Kind),
			"age", now.Sub(run.StartedAt).String(),
			"progress", run.Progress,
		)
	}

	r.logger.InfoContext(ctx, "run reconciliation complete",
		"processed", processed,
		"total_stale", len(stale),
	)
	return processed, nil
}
