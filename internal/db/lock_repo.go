package db

import (
	"context"
	"time"

	"riskgrid/internal/types"
)

// ============================================================
// RunLockRepository
// ============================================================

// RunLockRepository provides distributed run locks via the run_locks table.
// A lock keeps a re-delivered queue message from executing the same run twice
// while the first delivery is still in flight.
type RunLockRepository struct {
	db    DBTX
	clock types.Clock
}

// NewRunLockRepository creates a new RunLockRepository backed by the given
// database connection (pool or transaction).
func NewRunLockRepository(db DBTX) *RunLockRepository {
	return &RunLockRepository{db: db, clock: types.RealClock{}}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is "kind:run_id".
//
// SQL pattern:
//
//	INSERT INTO run_locks (id, owner, locked_at, expires_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (id) DO UPDATE
//	  SET owner = EXCLUDED.owner, ...
//	  WHERE run_locks.expires_at < $3
//
// An expired row is reclaimed by the UPDATE branch; a live row makes the
// WHERE clause reject the update and zero rows are affected.
func (r *RunLockRepository) Acquire(ctx context.Context, lockID string, owner string, ttl time.Duration) (bool, error) {
	// Timestamps are computed in Go; "15m0s" is not a valid PG interval.
	now := r.clock.Now()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO run_locks (id, owner, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET owner = EXCLUDED.owner,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE run_locks.expires_at < $3`,
		lockID,
		owner,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire run lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock if owner still holds it. Releasing a lock that
// expired and was reclaimed by another owner is a no-op.
func (r *RunLockRepository) Release(ctx context.Context, lockID string, owner string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM run_locks WHERE id = $1 AND owner = $2`,
		lockID,
		owner,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release run lock", err)
	}
	return nil
}

// PurgeExpired deletes lock rows whose TTL has passed. Acquire reclaims such
// rows anyway; purging keeps the table from growing with one row per run.
func (r *RunLockRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM run_locks WHERE expires_at < $1`,
		r.clock.Now(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired run locks", err)
	}
	return tag.RowsAffected(), nil
}
