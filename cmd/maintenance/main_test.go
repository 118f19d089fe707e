package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"riskgrid/internal/scheduler"
)

// --- Mock Types ---

type mockReconciler struct {
	calls     int
	now       time.Time
	threshold time.Duration
	count     int64
	err       error
}

func (m *mockReconciler) ReconcileStaleRuns(_ context.Context, now time.Time, threshold time.Duration) (int64, error) {
	m.calls++
	m.now, m.threshold = now, threshold
	return m.count, m.err
}

type mockPurger struct {
	calls int
	count int64
}

func (m *mockPurger) PurgeExpired(context.Context) (int64, error) {
	m.calls++
	return m.count, nil
}

type mockLocker struct {
	held    bool
	err     error
	lockIDs []string
}

func (m *mockLocker) Acquire(_ context.Context, lockID, _ string, _ time.Duration) (bool, error) {
	m.lockIDs = append(m.lockIDs, lockID)
	if m.err != nil {
		return false, m.err
	}
	return !m.held, nil
}

func (m *mockLocker) Release(context.Context, string, string) error { return nil }

func newTestHandler(rec *mockReconciler, purger *mockPurger, lock *mockLocker) *Handler {
	return &Handler{
		Services:   ServiceRegistry{Reconciler: rec, Locks: purger},
		JobLock:    lock,
		WorkerID:   "worker-test",
		StaleAfter: 19 * time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func refTime() *time.Time {
	t := time.Date(2026, 2, 6, 3, 25, 0, 0, time.UTC)
	return &t
}

// --- Tests ---

func TestHandle_ReconcileRuns(t *testing.T) {
	rec := &mockReconciler{count: 3}
	lock := &mockLocker{}
	h := newTestHandler(rec, &mockPurger{}, lock)

	out, err := h.Handle(context.Background(), scheduler.MaintenancePayload{
		Task:          scheduler.TaskReconcileRuns,
		ReferenceTime: refTime(),
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if rec.calls != 1 || rec.threshold != 19*time.Minute || !rec.now.Equal(*refTime()) {
		t.Errorf("unexpected reconciler call: %+v", rec)
	}
	if !strings.Contains(out, "3 items processed") {
		t.Errorf("unexpected result %q", out)
	}
	if len(lock.lockIDs) != 1 || lock.lockIDs[0] != "maintenance:reconcile_runs:2026-02-06T03" {
		t.Errorf("unexpected lock ids %v", lock.lockIDs)
	}
}

func TestHandle_PurgeRunLocks(t *testing.T) {
	purger := &mockPurger{count: 7}
	h := newTestHandler(&mockReconciler{}, purger, &mockLocker{})

	out, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskPurgeRunLocks})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if purger.calls != 1 || !strings.Contains(out, "7 items") {
		t.Errorf("unexpected purge result %q after %d calls", out, purger.calls)
	}
}

func TestHandle_LockHeldSkips(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestHandler(rec, &mockPurger{}, &mockLocker{held: true})

	out, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskReconcileRuns})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !strings.HasPrefix(out, "skipped") || rec.calls != 0 {
		t.Errorf("expected skip without dispatch, got %q (calls %d)", out, rec.calls)
	}
}

func TestHandle_Errors(t *testing.T) {
	lockErr := errors.New("db down")
	taskErr := errors.New("list failed")

	tests := []struct {
		name    string
		task    scheduler.TaskType
		rec     *mockReconciler
		lock    *mockLocker
		wantErr error
	}{
		{"unknown task", "sync_stripe", &mockReconciler{}, &mockLocker{}, nil},
		{"lock error", scheduler.TaskReconcileRuns, &mockReconciler{}, &mockLocker{err: lockErr}, lockErr},
		{"task error", scheduler.TaskReconcileRuns, &mockReconciler{err: taskErr}, &mockLocker{}, taskErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(tt.rec, &mockPurger{}, tt.lock)
			_, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: tt.task})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v in chain, got %v", tt.wantErr, err)
			}
		})
	}
}
