package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"riskgrid/internal/types"
)

// RunRepository persists run records in the pipeline_runs table. It
// implements types.RunRecorder.
type RunRepository struct {
	db DBTX
}

var _ types.RunRecorder = (*RunRepository)(nil)

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db DBTX) *RunRepository {
	return &RunRepository{db: db}
}

// Start marks a run as running. A re-delivered message resets the existing
// record instead of failing on the primary key.
func (r *RunRepository) Start(ctx context.Context, runID string, kind types.RunKind) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO pipeline_runs (id, kind, status, progress, started_at)
		 VALUES ($1, $2, 'running', 0, NOW())
		 ON CONFLICT (id) DO UPDATE
		   SET status = 'running', progress = 0, message = NULL,
		       result = NULL, started_at = NOW(), finished_at = NULL`,
		runID,
		string(kind),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to start run record", err)
	}
	return nil
}

// UpdateProgress stores an advisory progress signal. Progress never moves
// backwards.
func (r *RunRepository) UpdateProgress(ctx context.Context, runID string, percent int, message string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE pipeline_runs
		 SET progress = GREATEST(progress, $2), message = $3
		 WHERE id = $1 AND status = 'running'`,
		runID,
		percent,
		message,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update run progress", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, fmt.Sprintf("run %s is not running", runID), nil)
	}
	return nil
}

// Finish records the terminal status and the kind-specific result document.
func (r *RunRepository) Finish(ctx context.Context, runID string, status types.RunStatus, message string, result []byte) error {
	var msg *string
	if message != "" {
		msg = &message
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE pipeline_runs
		 SET status = $2,
		     message = $3,
		     result = $4,
		     progress = CASE WHEN $2 = 'succeeded' THEN 100 ELSE progress END,
		     finished_at = NOW()
		 WHERE id = $1`,
		runID,
		string(status),
		msg,
		result,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish run record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, fmt.Sprintf("run %s not found", runID), nil)
	}
	return nil
}

// Get returns a run record by ID.
func (r *RunRepository) Get(ctx context.Context, runID string) (*types.RunRecord, error) {
	var (
		rec     types.RunRecord
		kind    string
		status  string
		message *string
		result  []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, kind, status, progress, message, result, started_at, finished_at
		 FROM pipeline_runs
		 WHERE id = $1`,
		runID,
	).Scan(&rec.ID, &kind, &status, &rec.Progress, &message, &result, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRun, fmt.Sprintf("run %s not found", runID), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get run record", err)
	}
	rec.Kind = types.RunKind(kind)
	rec.Status = types.RunStatus(status)
	if message != nil {
		rec.Message = *message
	}
	rec.Result = result
	return &rec, nil
}

// ListStale returns runs still marked running that started before cutoff,
// oldest first.
func (r *RunRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]types.RunRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, kind, progress, started_at
		 FROM pipeline_runs
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale runs", err)
	}
	defer rows.Close()

	var out []types.RunRecord
	for rows.Next() {
		var (
			rec  types.RunRecord
			kind string
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Progress, &rec.StartedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stale run", err)
		}
		rec.Kind = types.RunKind(kind)
		rec.Status = types.RunStatusRunning
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate stale runs", err)
	}
	return out, nil
}

// MarkFailed fails a run only if it is still running. It reports whether the
// record changed, so a run that finished meanwhile is left alone.
func (r *RunRepository) MarkFailed(ctx context.Context, runID, message string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE pipeline_runs
		 SET status = 'failed', message = $2, finished_at = NOW()
		 WHERE id = $1 AND status = 'running'`,
		runID,
		message,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark run failed", err)
	}
	return tag.RowsAffected() > 0, nil
}
