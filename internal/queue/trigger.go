// Package queue provides the SQS producer that decouples webhook
// acknowledgment from lifecycle event processing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"planguard/internal/config"
	"planguard/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventDispatcher hands a verified, normalized lifecycle event off for
// processing. The webhook handler depends on this interface so deployments
// without a queue can wire an inline dispatcher instead.
type EventDispatcher interface {
	Dispatch(ctx context.Context, msg types.EventMessage) error
}

// EventTrigger implements EventDispatcher over SQS. The webhook endpoint
// acknowledges the provider as soon as the message is durably enqueued;
// the worker owns the state mutation and its retries.
type EventTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewEventTrigger creates an EventTrigger reading the queue URL from AWS
// configuration.
func NewEventTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *EventTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventTrigger{
		client:   client,
		queueURL: awsCfg.EventQueue,
		logger:   logger,
	}
}

// Dispatch serializes the event message and sends it to the event queue.
// A missing TraceID is filled in so downstream log lines always correlate.
func (t *EventTrigger) Dispatch(ctx context.Context, msg types.EventMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal EventMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Event.Provider)),
			},
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Event.Kind)),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send EventMessage to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "lifecycle event enqueued",
		"queue_url", t.queueURL,
		"trace_id", msg.TraceID,
		"provider", string(msg.Event.Provider),
		"kind", string(msg.Event.Kind),
		"external_id", msg.Event.ExternalID,
	)

	return nil
}

var _ EventDispatcher = (*EventTrigger)(nil)
