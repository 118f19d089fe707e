package types

// RunKind identifies which pipeline a run executes.
type RunKind string

const (
	RunKindTrain    RunKind = "train"
	RunKindEvaluate RunKind = "evaluate"
	RunKindPredict  RunKind = "predict"
)

// Valid reports whether k is a known run kind.
func (k RunKind) Valid() bool {
	switch k {
	case RunKindTrain, RunKindEvaluate, RunKindPredict:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// ConfidenceTier is the coarse confidence label attached to a prediction summary.
type ConfidenceTier string

const (
	ConfidenceLow    ConfidenceTier = "Low"
	ConfidenceMedium ConfidenceTier = "Medium"
	ConfidenceHigh   ConfidenceTier = "High"
)

// NormKind selects the vector-norm transform applied after standardization.
type NormKind string

const (
	NormNone NormKind = "none"
	NormL1   NormKind = "l1"
	NormL2   NormKind = "l2"
	NormMax  NormKind = "max"
	NormStd  NormKind = "std"
)
