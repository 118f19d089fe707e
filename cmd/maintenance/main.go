// Package main is the entrypoint for the Maintenance Lambda function.
//
// The Maintenance Lambda acts as a multiplexer. EventBridge rules send JSON
// payloads indicating the TaskType, and the handler routes execution to the
// appropriate scheduler service.
//
// Handler flow:
//  1. Parse MaintenancePayload from EventBridge.
//  2. Acquire a distributed lock keyed by task and hour so overlapping
//     schedules run a task once.
//  3. Switch on TaskType and call the appropriate service method.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"

	"riskgrid/internal/config"
	"riskgrid/internal/db"
	"riskgrid/internal/runs"
	"riskgrid/internal/scheduler"
)

const (
	// staleGrace is added to the run timeout before a running record counts
	// as abandoned.
	staleGrace = 5 * time.Minute

	// lockTTL covers the typical Lambda execution duration with margin.
	lockTTL = 15 * time.Minute
)

// RunReconcilerService fails abandoned runs.
type RunReconcilerService interface {
	ReconcileStaleRuns(ctx context.Context, now time.Time, threshold time.Duration) (int64, error)
}

// LockPurgerService deletes expired run locks.
type LockPurgerService interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ServiceRegistry holds the service implementations the multiplexer routes to.
type ServiceRegistry struct {
	Reconciler RunReconcilerService
	Locks      LockPurgerService
}

// Handler holds the dependencies for the maintenance Lambda handler function.
type Handler struct {
	Services ServiceRegistry
	JobLock  runs.Locker
	WorkerID string
	// StaleAfter is how long a run may stay 'running' before it is failed.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Handle processes a MaintenancePayload from EventBridge.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "maintenance handler invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if !payload.Task.Valid() {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	lockID := fmt.Sprintf("maintenance:%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock",
			"lock_id", lockID,
			"error", err,
		)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing",
			"lock_id", lockID,
		)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	items, execErr := h.dispatch(ctx, payload.Task, now)
	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result,
		"task", taskStr,
		"items", items,
	)
	return result, nil
}

// dispatch routes a TaskType to the appropriate service method.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int64, error) {
	switch task {
	case scheduler.TaskReconcileRuns:
		return h.Services.Reconciler.ReconcileStaleRuns(ctx, now, h.StaleAfter)
	case scheduler.TaskPurgeRunLocks:
		return h.Services.Locks.PurgeExpired(ctx)
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("Maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL.Unmask() == "" {
		logger.Error("DATABASE_URL is required by the maintenance function")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to open database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var metrics runs.Metrics = runs.NopMetrics{}
	if cfg.Observability.MetricsBackend == "cloudwatch" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Error("Failed to load AWS config", "error", err)
			os.Exit(1)
		}
		metrics = runs.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}

	locks := db.NewRunLockRepository(pool)
	h := &Handler{
		Services: ServiceRegistry{
			Reconciler: scheduler.NewRunReconciler(scheduler.RunReconcilerConfig{
				DB:      db.NewRunRepository(pool),
				Metrics: metrics,
				Logger:  logger,
			}),
			Locks: locks,
		},
		JobLock:    locks,
		WorkerID:   uuid.New().String(),
		StaleAfter: cfg.Pipeline.RunTimeout + staleGrace,
		Logger:     logger,
	}

	logger.Info("Maintenance Lambda initialized", "worker_id", h.WorkerID, "stale_after", h.StaleAfter.String())
	lambda.Start(h.Handle)
}
