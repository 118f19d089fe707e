package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// ProgressFunc receives advisory progress signals from a long-running pass.
// Percent is clamped to 0..100 by the caller; message may be empty.
type ProgressFunc func(percent int, message string)

// Report invokes the progress callback if one was supplied.
func (f ProgressFunc) Report(percent int, message string) {
	if f == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	f(percent, message)
}

// RunRecorder persists the lifecycle of a pipeline run.
type RunRecorder interface {
	Start(ctx context.Context, runID string, kind RunKind) error
	UpdateProgress(ctx context.Context, runID string, percent int, message string) error
	Finish(ctx context.Context, runID string, status RunStatus, message string, result []byte) error
}
