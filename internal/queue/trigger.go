// Package queue provides the SQS producer that schedules pipeline runs for
// the worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"riskgrid/internal/config"
	"riskgrid/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RunTrigger serializes RunMessages onto the run queue.
type RunTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewRunTrigger creates a RunTrigger for the queue named in awsCfg.
func NewRunTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *RunTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunTrigger{
		client:   client,
		queueURL: awsCfg.RunQueueURL,
		logger:   logger,
	}
}

// Enqueue schedules a new run and returns its id. request is the
// kind-specific body (training.Request, training.EvaluateRequest or
// prediction.Request) and may be nil.
func (t *RunTrigger) Enqueue(ctx context.Context, kind types.RunKind, datasetID string, request any, reason string) (string, error) {
	if !kind.Valid() {
		return "", types.NewAppError(types.ErrCodeValidationRequest, fmt.Sprintf("unknown run kind %q", kind), nil)
	}
	if datasetID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "dataset_id is required", nil)
	}

	var body json.RawMessage
	if request != nil {
		raw, err := json.Marshal(request)
		if err != nil {
			return "", fmt.Errorf("queue: failed to marshal %s request: %w", kind, err)
		}
		body = raw
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("queue: failed to generate run id: %w", err)
	}
	msg := types.RunMessage{
		RunID:     id.String(),
		Kind:      kind,
		DatasetID: datasetID,
		TraceID:   uuid.New().String(),
		Request:   body,
	}
	if err := t.Send(ctx, msg, reason); err != nil {
		return "", err
	}
	return msg.RunID, nil
}

// Send dispatches a prepared RunMessage. Re-sending a message re-runs the
// same run id; the worker's run lock keeps copies from overlapping.
func (t *RunTrigger) Send(ctx context.Context, msg types.RunMessage, reason string) error {
	if t.queueURL == "" {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "run queue URL is not configured", nil)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal RunMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Kind)),
			},
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send run %s to %s", msg.RunID, t.queueURL), err)
	}

	t.logger.InfoContext(ctx, "run message sent",
		"queue_url", t.queueURL,
		types.LogKeyRunID, msg.RunID,
		types.LogKeyRunKind, string(msg.Kind),
		types.LogKeyDatasetID, msg.DatasetID,
		"trace_id", msg.TraceID,
		"reason", reason,
	)
	return nil
}
