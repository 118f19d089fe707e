package runs

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"

	"riskgrid/internal/types"
)

// Metric result dimension values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Outcome is what the runner reports once a run ends.
type Outcome struct {
	Kind     types.RunKind
	Result   string
	Duration time.Duration
	Rows     int
	Skipped  int
}

// Metrics records run outcomes. Implementations must not fail the run.
type Metrics interface {
	RecordRun(ctx context.Context, o Outcome)
	RecordFallback(ctx context.Context, kind types.RunKind)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordRun(context.Context, Outcome) {}
func (NopMetrics) RecordFallback(context.Context, types.RunKind) {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes run metrics to CloudWatch.
//
// Metrics emitted:
//   - RunCompleted: Dims {RunKind, Result}
//   - RunDuration: Dims {RunKind}, milliseconds
//   - RowsProcessed, RowsSkipped: Dims {RunKind}
//   - ScoringFallback: Dims {RunKind}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics returns a recorder for namespace. An empty namespace
// uses types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordRun emits every run metric in one PutMetricData call.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, o Outcome) {
	kindDim := cwtypes.Dimension{Name: aws.String(types.DimRunKind), Value: aws.String(string(o.Kind))}
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricRunCompleted),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					kindDim,
					{Name: aws.String(types.DimResult), Value: aws.String(o.Result)},
				},
			},
			{
				MetricName: aws.String(types.MetricRunDuration),
				Value:      aws.Float64(float64(o.Duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{kindDim},
			},
			{
				MetricName: aws.String(types.MetricRowsProcessed),
				Value:      aws.Float64(float64(o.Rows)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{kindDim},
			},
			{
				MetricName: aws.String(types.MetricRowsSkipped),
				Value:      aws.Float64(float64(o.Skipped)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{kindDim},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record run metrics",
			types.LogKeyError, err.Error(),
			types.LogKeyRunKind, string(o.Kind),
			"result", o.Result,
		)
	}
}

// RecordFallback counts a prediction that fell back to the unfiltered dataset.
func (m *CloudWatchMetrics) RecordFallback(ctx context.Context, kind types.RunKind) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricScoringFallback),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimRunKind), Value: aws.String(string(kind))},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record fallback metric",
			types.LogKeyError, err.Error(),
			types.LogKeyRunKind, string(kind),
		)
	}
}

var _ Metrics = (*PrometheusMetrics)(nil)

// PrometheusMetrics keeps run metrics in a Prometheus registry.
type PrometheusMetrics struct {
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rows      *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
}

// NewPrometheusMetrics registers the run collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgrid",
				Subsystem: "pipeline",
				Name:      "runs_completed_total",
				Help:      "Pipeline runs finished, by kind and result.",
			},
			[]string{"kind", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "riskgrid",
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Wall time of pipeline runs.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"kind"},
		),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgrid",
				Subsystem: "pipeline",
				Name:      "rows_processed_total",
				Help:      "Dataset rows encoded or scored.",
			},
			[]string{"kind"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgrid",
				Subsystem: "pipeline",
				Name:      "rows_skipped_total",
				Help:      "Dataset rows dropped for an unparsable timestamp.",
			},
			[]string{"kind"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riskgrid",
				Subsystem: "prediction",
				Name:      "unfiltered_fallbacks_total",
				Help:      "Predictions rescored without filters because the filters matched no rows.",
			},
			[]string{"kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.completed, m.duration, m.rows, m.skipped, m.fallbacks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordRun(_ context.Context, o Outcome) {
	kind := string(o.Kind)
	m.completed.WithLabelValues(kind, o.Result).Inc()
	m.duration.WithLabelValues(kind).Observe(o.Duration.Seconds())
	m.rows.WithLabelValues(kind).Add(float64(o.Rows))
	m.skipped.WithLabelValues(kind).Add(float64(o.Skipped))
}

func (m *PrometheusMetrics) RecordFallback(_ context.Context, kind types.RunKind) {
	m.fallbacks.WithLabelValues(string(kind)).Inc()
}
