package types

// Telemetry metric names.
// All components MUST use these constants.
const (
	// Metric Names
	MetricRunCompleted    = "RunCompleted"
	MetricRunDuration     = "RunDuration"
	MetricRowsProcessed   = "RowsProcessed"
	MetricRowsSkipped     = "RowsSkipped"
	MetricScoringFallback = "ScoringFallback"

	// Dimension Keys
	DimRunKind = "RunKind"
	DimResult  = "Result"

	// Metric Namespace
	MetricNamespace = "RiskGrid"
)

// Structured log attribute keys shared by pipeline components.
const (
	LogKeyRunID       = "run.id"
	LogKeyRunKind     = "run.kind"
	LogKeyDatasetID   = "dataset.id"
	LogKeyArtifactID  = "artifact.id"
	LogKeyPhase       = "ml.phase"
	LogKeyModelFamily = "model.family"
	LogKeySamples     = "data.samples"
	LogKeyFeatures    = "data.features"
	LogKeyError       = "error"
)
