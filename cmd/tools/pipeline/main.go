// Package main implements the pipeline CLI tool for running training,
// evaluation and prediction against local CSV files, bypassing the worker
// Lambda and its queue.
//
// This tool is intended for local development and model experiments.
// Artifacts and their pointers are kept on disk under --artifacts (default
// ARTIFACT_DIR), so no database or bucket is needed.
//
// Usage:
//
//	go run ./cmd/tools/pipeline train --data crimes.csv --dataset nyc --family random_forest
//	go run ./cmd/tools/pipeline evaluate --data holdout.csv --dataset nyc
//	go run ./cmd/tools/pipeline predict --data recent.csv --dataset nyc --lat 40.71 --lon -74.0 --radius 2
//	go run ./cmd/tools/pipeline history --dataset nyc
//	go run ./cmd/tools/pipeline rollback --dataset nyc --artifact <id>
//	go run ./cmd/tools/pipeline enqueue --kind train --dataset nyc --request '{"search":true}'
//
// Results are printed to stdout as JSON. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/config"
	"riskgrid/internal/dataset"
	"riskgrid/internal/prediction"
	"riskgrid/internal/queue"
	"riskgrid/internal/training"
	"riskgrid/internal/types"
)

// localDefaults keep the CLI independent of Postgres, Redis and CloudWatch
// unless the environment says otherwise.
var localDefaults = map[string]string{
	"APP_ENV":          "local",
	"ARTIFACT_STORE":   "file",
	"RUN_LOCK_BACKEND": "none",
	"METRICS_BACKEND":  "none",
}

var commands = map[string]string{
	"train":    "Train a model on --data and publish it as the dataset's latest artifact",
	"evaluate": "Re-score labelled --data with a published artifact",
	"predict":  "Score --data and print the risk summary and heatmap",
	"history":  "List published artifacts for --dataset, newest first",
	"rollback": "Make --artifact the latest artifact of --dataset again",
	"enqueue":  "Send a run message to SQS_RUN_QUEUE for the worker",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: pipeline <command> [flags]\n\nCommands:\n")
	for _, name := range []string{"train", "evaluate", "predict", "history", "rollback", "enqueue"} {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name])
	}
	fmt.Fprintf(w, "\nRun 'pipeline <command> -h' for command flags.\n")
}

// app holds what every command needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *artifacts.Registry
	stdout   io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errors.New("a command is required")
	}
	cmd, rest := args[0], args[1:]
	if _, ok := commands[cmd]; !ok {
		usage(stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}

	for k, v := range localDefaults {
		if _, set := os.LookupEnv(k); !set {
			_ = os.Setenv(k, v)
		}
	}
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		dataPath    = fs.String("data", "", "Path to the dataset CSV file")
		datasetID   = fs.String("dataset", "", "Dataset identifier (required)")
		artifactDir = fs.String("artifacts", cfg.Pipeline.ArtifactDir, "Directory holding artifacts and pointers")
		artifactID  = fs.String("artifact", "", "Artifact identifier (default: the dataset's latest)")
		columnsJSON = fs.String("columns", "", "Column map JSON, e.g. {\"timestamp\":\"occurred_at\"}")
		family      = fs.String("family", "", "Model family (default: random_forest)")
		paramsJSON  = fs.String("params", "", "Hyperparameter overrides as a JSON object")
		gridJSON    = fs.String("grid", "", "Search grid as a JSON object; implies --search")
		doSearch    = fs.Bool("search", false, "Run grid search before the final fit")
		lat         = fs.Float64("lat", 0, "Prediction center latitude")
		lon         = fs.Float64("lon", 0, "Prediction center longitude")
		radius      = fs.Float64("radius", 0, "Prediction radius in km (requires --lat and --lon)")
		at          = fs.String("at", "", "Prediction reference time (RFC3339)")
		horizon     = fs.Float64("horizon", 0, "Prediction horizon in hours (default: PIPELINE_DEFAULT_HORIZON_HOURS)")
		limit       = fs.Int("limit", 20, "Maximum history entries")
		kind        = fs.String("kind", "", "Run kind for enqueue: train, evaluate or predict")
		requestJSON = fs.String("request", "", "Run request body JSON for enqueue")
		verbose     = fs.Bool("v", false, "Log debug output")
	)
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *datasetID == "" {
		return errors.New("--dataset is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	a := &app{
		cfg:    cfg,
		logger: slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})),
		stdout: stdout,
	}
	if cmd != "enqueue" {
		blobs, err := artifacts.NewFileStore(*artifactDir)
		if err != nil {
			return err
		}
		a.registry = artifacts.NewRegistry(blobs, artifacts.NewFilePointerStore(*artifactDir), nil, a.logger)
	}

	var columns types.ColumnMap
	if err := decodeFlag("columns", *columnsJSON, &columns); err != nil {
		return err
	}

	switch cmd {
	case "train":
		req := training.Request{DatasetID: *datasetID, Columns: columns, ModelFamily: *family, Search: *doSearch}
		if err := decodeFlag("params", *paramsJSON, &req.Hyperparameters); err != nil {
			return err
		}
		if err := decodeFlag("grid", *gridJSON, &req.Grid); err != nil {
			return err
		}
		src, err := fileSource(*dataPath)
		if err != nil {
			return err
		}
		trainer := training.NewTrainer(a.registry, training.OptionsFromConfig(cfg.Pipeline), a.logger)
		res, err := trainer.Train(ctx, src, req, a.progress())
		if err != nil {
			return err
		}
		return a.print(res)

	case "evaluate":
		src, err := fileSource(*dataPath)
		if err != nil {
			return err
		}
		evaluator := training.NewEvaluator(a.registry, training.OptionsFromConfig(cfg.Pipeline), a.logger)
		res, err := evaluator.Evaluate(ctx, src, training.EvaluateRequest{
			DatasetID: *datasetID, ArtifactID: *artifactID, Columns: columns,
		}, a.progress())
		if err != nil {
			return err
		}
		return a.print(res)

	case "predict":
		req := prediction.Request{
			DatasetID:    *datasetID,
			ArtifactID:   *artifactID,
			Columns:      columns,
			RadiusKm:     *radius,
			HorizonHours: *horizon,
		}
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if set["lat"] != set["lon"] {
			return errors.New("--lat and --lon must be given together")
		}
		if set["lat"] {
			req.Center = &types.Location{Lat: *lat, Lon: *lon}
		}
		if *at != "" {
			t, err := time.Parse(time.RFC3339, *at)
			if err != nil {
				return fmt.Errorf("invalid --at %q: %w", *at, err)
			}
			req.ObservedAt = &t
		}
		src, err := fileSource(*dataPath)
		if err != nil {
			return err
		}
		scorer := prediction.NewScorer(a.registry, prediction.OptionsFromConfig(cfg.Pipeline), a.logger)
		res, err := scorer.Score(ctx, src, req, a.progress())
		if err != nil {
			return err
		}
		return a.print(res)

	case "history":
		ptrs, err := a.registry.History(ctx, *datasetID, *limit)
		if err != nil {
			return err
		}
		return a.print(ptrs)

	case "rollback":
		if *artifactID == "" {
			return errors.New("--artifact is required")
		}
		if err := a.registry.Rollback(ctx, *datasetID, *artifactID); err != nil {
			return err
		}
		return a.print(map[string]string{"dataset_id": *datasetID, "artifact_id": *artifactID})

	case "enqueue":
		return a.enqueue(ctx, types.RunKind(*kind), *datasetID, *requestJSON)
	}
	return nil
}

func (a *app) enqueue(ctx context.Context, kind types.RunKind, datasetID, body string) error {
	var request json.RawMessage
	if body != "" {
		if !json.Valid([]byte(body)) {
			return errors.New("--request is not valid JSON")
		}
		request = json.RawMessage(body)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if a.cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(a.cfg.AWS.EndpointURL)
		}
	})

	trigger := queue.NewRunTrigger(client, a.cfg.AWS, a.logger)
	runID, err := trigger.Enqueue(ctx, kind, datasetID, request, "cli")
	if err != nil {
		return err
	}
	return a.print(map[string]string{"run_id": runID, "kind": string(kind), "dataset_id": datasetID})
}

func (a *app) progress() types.ProgressFunc {
	return func(percent int, message string) {
		a.logger.Debug("progress", "percent", percent, "message", message)
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fileSource(path string) (dataset.RowSource, error) {
	if path == "" {
		return nil, errors.New("--data is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dataset file: %w", err)
	}
	return dataset.NewFileSource(path), nil
}

func decodeFlag(name, raw string, dst any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("invalid --%s JSON: %w", name, err)
	}
	return nil
}
