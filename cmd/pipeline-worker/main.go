// Package main is the entrypoint for the Pipeline Worker Lambda function.
//
// The worker consumes run messages from the run SQS queue and executes them
// through runs.Runner: training runs publish artifacts, evaluation runs
// re-score labelled datasets and prediction runs produce heatmaps.
//
// Cold Start (main):
//  1. Load configuration (SSM pointers resolved outside local).
//  2. Open the Postgres pool and apply migrations.
//  3. Build the artifact registry (S3 or local directory blobs, Postgres pointers).
//  4. Select the run lock backend and the metrics backend.
//  5. Register the handler and call lambda.Start.
//
// Records of distinct runs in one batch are processed concurrently. A record
// that fails with a retryable error is reported as a batch item failure so
// SQS redelivers only that record; data errors are acknowledged because the
// run record already holds the failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/config"
	"riskgrid/internal/dataset"
	"riskgrid/internal/db"
	"riskgrid/internal/prediction"
	"riskgrid/internal/runs"
	"riskgrid/internal/training"
	"riskgrid/internal/types"
)

// defaultConcurrency bounds the runs processed at once from one batch.
const defaultConcurrency = 4

// runHandler is implemented by *runs.Runner.
type runHandler interface {
	Handle(ctx context.Context, msg types.RunMessage) (json.RawMessage, error)
}

// Handler holds the dependencies for the worker Lambda handler.
type Handler struct {
	runner      runHandler
	logger      *slog.Logger
	concurrency int
}

// Handle processes an SQS event containing one or more run messages.
// Lambda SQS integration uses partial batch responses: messages that fail
// with a retryable error are returned in batchItemFailures.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		response events.SQSEventResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(h.concurrency, 1))
	for _, record := range sqsEvent.Records {
		g.Go(func() error {
			if h.processMessage(gctx, record) {
				return nil
			}
			mu.Lock()
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return response, nil
}

// processMessage runs one record and reports whether it may be acknowledged.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) bool {
	var msg types.RunMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal run message",
			"message_id", record.MessageId,
			types.LogKeyError, err.Error(),
		)
		// Permanent parse failure - do not retry.
		return true
	}

	_, err := h.runner.Handle(ctx, msg)
	if err == nil {
		return true
	}
	code := types.CodeOf(err)
	h.logger.ErrorContext(ctx, "run message failed",
		"message_id", record.MessageId,
		types.LogKeyRunID, msg.RunID,
		types.LogKeyError, err.Error(),
		"code", string(code),
		"retry", code.Retryable(),
	)
	return !code.Retryable()
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// datasetSource resolves dataset ids to CSV objects under the dataset prefix.
func datasetSource(client dataset.S3GetObjectAPI, bucket, prefix string) runs.SourceResolver {
	getter := dataset.S3Getter{Client: client}
	return func(_ context.Context, datasetID string) (dataset.RowSource, error) {
		if bucket == "" {
			return nil, types.NewAppError(types.ErrCodeNotFoundDataset, "DATASET_BUCKET is not configured", nil)
		}
		return dataset.NewObjectSource(getter, bucket, path.Join(prefix, datasetID+".csv")), nil
	}
}

func newLocker(cfg *config.Config, pool *pgxpool.Pool) (runs.Locker, func()) {
	switch cfg.Redis.LockBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		return runs.NewRedisLocker(rdb, ""), func() { _ = rdb.Close() }
	case "none":
		return runs.NopLocker{}, func() {}
	default:
		return db.NewRunLockRepository(pool), func() {}
	}
}

func newMetrics(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (runs.Metrics, error) {
	switch cfg.Observability.MetricsBackend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		m, err := runs.NewPrometheusMetrics(reg)
		if err != nil {
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			srv := &http.Server{Addr: cfg.Observability.PrometheusAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", types.LogKeyError, err.Error())
			}
		}()
		return m, nil
	case "none":
		return runs.NopMetrics{}, nil
	default:
		return runs.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger), nil
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Handler, func(), error) {
	if cfg.Database.URL.Unmask() == "" {
		return nil, nil, errors.New("DATABASE_URL is required by the worker")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			o.UsePathStyle = true
		}
	})

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	version, err := db.Migrate(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("database migrated", "schema_version", version)

	var blobs artifacts.BlobStore
	if cfg.Pipeline.ArtifactStore == "file" {
		fs, err := artifacts.NewFileStore(cfg.Pipeline.ArtifactDir)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		blobs = fs
	} else {
		blobs = artifacts.NewS3Store(s3Client, cfg.AWS.ArtifactBucket, cfg.AWS.ArtifactPrefix)
	}
	registry := artifacts.NewRegistry(blobs, db.NewArtifactRepository(pool), nil, logger)

	locker, closeLocker := newLocker(cfg, pool)
	metrics, err := newMetrics(cfg, awsCfg, logger)
	if err != nil {
		closeLocker()
		pool.Close()
		return nil, nil, err
	}

	trainOpts := training.OptionsFromConfig(cfg.Pipeline)
	runner := runs.NewRunner(runs.Config{
		Recorder:  db.NewRunRepository(pool),
		Locker:    locker,
		Sources:   datasetSource(s3Client, cfg.AWS.DatasetBucket, cfg.AWS.DatasetPrefix),
		Trainer:   training.NewTrainer(registry, trainOpts, logger),
		Evaluator: training.NewEvaluator(registry, trainOpts, logger),
		Predictor: prediction.NewScorer(registry, prediction.OptionsFromConfig(cfg.Pipeline), logger),
		Metrics:   metrics,
		Logger:    logger,
		LockTTL:   cfg.Redis.LockTTL,
		Timeout:   cfg.Pipeline.RunTimeout,
	})

	cleanup := func() {
		closeLocker()
		pool.Close()
	}
	return &Handler{runner: runner, logger: logger, concurrency: defaultConcurrency}, cleanup, nil
}

func main() {
	bootLogger := newLogger("info")
	bootLogger.Info("Pipeline Worker initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		bootLogger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel).With("service", cfg.Service, "version", cfg.Build.Version)

	ctx := context.Background()
	h, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize worker", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	logger.Info("Pipeline Worker initialized",
		"artifact_store", cfg.Pipeline.ArtifactStore,
		"lock_backend", cfg.Redis.LockBackend,
		"metrics_backend", cfg.Observability.MetricsBackend,
	)

	// Local mode: read one RunMessage from stdin instead of starting the
	// Lambda runtime.
	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading run message from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil || len(payload) == 0 {
			logger.Error("No input received on stdin", "error", err)
			os.Exit(1)
		}
		resp, _ := h.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local", Body: string(payload)}}})
		if len(resp.BatchItemFailures) > 0 {
			os.Exit(1)
		}
		return
	}

	lambda.Start(h.Handle)
}
