package types

import "encoding/json"

// RunMessage is the queue payload that schedules one pipeline run. The
// request body is kind-specific and decoded by the runner.
type RunMessage struct {
	RunID     string          `json:"run_id"`
	Kind      RunKind         `json:"kind"`
	DatasetID string          `json:"dataset_id"`
	TraceID   string          `json:"trace_id"`
	Request   json.RawMessage `json:"request"`
}
