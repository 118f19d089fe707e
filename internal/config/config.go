// Package config defines the process configuration for the risk pipeline
// binaries. Configuration is loaded once at start-up and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails start-up.
package config

import (
	"time"

	"riskgrid/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for credentials.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"riskgrid-pipeline"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Pipeline      PipelineConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Redis         RedisConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// PipelineConfig tunes the training and scoring passes.
type PipelineConfig struct {
	// Rows held in memory before the row buffer spills to disk.
	SpillThresholdRows int    `envconfig:"PIPELINE_SPILL_THRESHOLD_ROWS" default:"50000" validate:"min=1"`
	SpillDir           string `envconfig:"PIPELINE_SPILL_DIR"`
	// Rows between forced collections while iterating a buffer.
	GCIntervalRows int `envconfig:"PIPELINE_GC_INTERVAL_ROWS" default:"100000" validate:"min=1"`

	// Heap size above which training subsamples the materialized set.
	MemoryPressureBytes uint64  `envconfig:"PIPELINE_MEMORY_PRESSURE_BYTES" default:"2147483648"`
	SubsampleRatio      float64 `envconfig:"PIPELINE_SUBSAMPLE_RATIO" default:"0.5" validate:"gt=0,lte=1"`

	MaxCategories  int     `envconfig:"PIPELINE_MAX_CATEGORIES" default:"64" validate:"min=1,max=1024"`
	RiskPercentile float64 `envconfig:"PIPELINE_RISK_PERCENTILE" default:"75" validate:"gt=0,lte=100"`

	ScoreChunkSize      int     `envconfig:"PIPELINE_SCORE_CHUNK_SIZE" default:"1000" validate:"min=1"`
	DefaultHorizonHours float64 `envconfig:"PIPELINE_DEFAULT_HORIZON_HOURS" default:"24" validate:"gt=0"`

	// Confidence tier thresholds.
	HighConfidenceMinSamples   int     `envconfig:"PIPELINE_HIGH_CONFIDENCE_MIN_SAMPLES" default:"60"`
	HighConfidenceMaxStdDev    float64 `envconfig:"PIPELINE_HIGH_CONFIDENCE_MAX_STDDEV" default:"0.15"`
	HighConfidenceMinScore     float64 `envconfig:"PIPELINE_HIGH_CONFIDENCE_MIN_SCORE" default:"0.7"`
	MediumConfidenceMinSamples int     `envconfig:"PIPELINE_MEDIUM_CONFIDENCE_MIN_SAMPLES" default:"25"`
	MediumConfidenceMinScore   float64 `envconfig:"PIPELINE_MEDIUM_CONFIDENCE_MIN_SCORE" default:"0.5"`

	GridGCEvery         int   `envconfig:"PIPELINE_GRID_GC_EVERY" default:"4" validate:"min=1"`
	MaxGridCombinations int   `envconfig:"PIPELINE_MAX_GRID_COMBINATIONS" default:"256" validate:"min=1"`
	SearchSeed          int64 `envconfig:"PIPELINE_SEARCH_SEED" default:"42"`

	// Artifact store backend. "file" keeps artifacts under ArtifactDir.
	ArtifactStore string        `envconfig:"ARTIFACT_STORE" default:"s3" validate:"oneof=s3 file"`
	ArtifactDir   string        `envconfig:"ARTIFACT_DIR" default:"./artifacts"`
	RunTimeout    time.Duration `envconfig:"PIPELINE_RUN_TIMEOUT" default:"14m"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Optional for the local CLI, which keeps everything on disk.
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"4"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	ArtifactBucket string `envconfig:"ARTIFACT_BUCKET"`
	ArtifactPrefix string `envconfig:"ARTIFACT_PREFIX" default:"artifacts"`
	DatasetBucket  string `envconfig:"DATASET_BUCKET"`
	DatasetPrefix  string `envconfig:"DATASET_PREFIX" default:"datasets"`
	RunQueueURL    string `envconfig:"SQS_RUN_QUEUE" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// RedisConfig configures the optional Redis run lock.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`

	// LockBackend selects where run locks live.
	LockBackend string        `envconfig:"RUN_LOCK_BACKEND" default:"postgres" validate:"oneof=postgres redis none"`
	LockTTL     time.Duration `envconfig:"RUN_LOCK_TTL" default:"15m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"RiskGrid"`
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"cloudwatch" validate:"oneof=cloudwatch prometheus none"`
	PrometheusAddr  string `envconfig:"PROMETHEUS_ADDR" default:":9102"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
