// Package scheduler implements the periodic maintenance tasks of the
// pipeline: failing runs that stopped reporting and purging expired run locks.
//
// The MaintenancePayload is the JSON structure sent by EventBridge rules to the
// maintenance Lambda. The TaskType determines which service method handles
// the request.
package scheduler

import "time"

// TaskType identifies which maintenance service should handle an EventBridge event.
type TaskType string

const (
	TaskReconcileRuns TaskType = "reconcile_runs"
	TaskPurgeRunLocks TaskType = "purge_run_locks"
)

// Valid reports whether t names a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskReconcileRuns, TaskPurgeRunLocks:
		return true
	}
	return false
}

// MaintenancePayload is the JSON payload sent by EventBridge to the
// maintenance Lambda function.
//
//	{
//	  "task": "reconcile_runs",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now".
	// If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
