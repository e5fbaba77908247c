// Package main is the entrypoint for the event worker Lambda function.
//
// The worker consumes verified lifecycle events from the events SQS queue
// and runs them through the processing pipeline: user resolution, the plan
// state machine, and the transactional plan-save plus idempotency-ledger
// write. Lambda SQS integration uses partial batch responses: only messages
// that fail with a retryable error are reported back for redelivery;
// terminal outcomes are ledgered by the processor and acknowledged.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"planguard/internal/config"
	"planguard/internal/db"
	"planguard/internal/external"
	"planguard/internal/plan"
	"planguard/internal/processor"
	"planguard/internal/telemetry"
	"planguard/internal/types"
)

// Handler holds the worker's long-lived dependencies, built once at cold
// start.
type Handler struct {
	processor *processor.Processor
	logger    *slog.Logger
}

// Handle processes one SQS batch. Each message is handled independently;
// failures are reported per message so SQS retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "event processing failed, message will retry",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRecord handles a single queued event message. A nil return
// acknowledges the message; only retryable failures propagate.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var msg types.EventMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Permanent parse failure; retrying cannot fix the body.
		h.logger.ErrorContext(ctx, "dropping unparseable event message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}

	logger := h.logger.With(
		"message_id", record.MessageId,
		"trace_id", msg.TraceID,
		"provider", string(msg.Event.Provider),
		"external_id", msg.Event.ExternalID,
	)

	outcome, err := h.processor.Process(ctx, msg)
	if err != nil {
		if types.Retryable(err) {
			return err
		}
		// Non-retryable errors that escaped the processor's own terminal
		// handling; redelivery would fail identically.
		logger.ErrorContext(ctx, "dropping event after non-retryable failure",
			"error", err.Error())
		return nil
	}

	logger.InfoContext(ctx, "event processed", "outcome", outcome)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run performs cold-start initialization and hands control to the Lambda
// runtime.
func run() error {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("planguard event worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	catalog, err := plan.NewCatalog(cfg.Providers.Catalog)
	if err != nil {
		return fmt.Errorf("building plan catalog: %w", err)
	}

	var metrics *telemetry.Collector
	if cfg.Observability.EnableMetrics {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
		if cfg.AWS.EndpointURL != "" {
			opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		metrics = telemetry.NewCollector(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	} else {
		metrics = telemetry.NewCollector(nil, cfg.Observability.MetricNamespace, logger)
	}

	identity := external.NewIdentityClient(nil, external.IdentityClientConfig{
		BaseURL: cfg.Identity.BaseURL,
		APIKey:  cfg.Identity.APIKey.Unmask(),
		Logger:  logger,
	})
	var mailer external.WelcomeMailer
	if cfg.Email.Enabled && cfg.Email.SendGridAPIKey.Unmask() != "" {
		mailer = external.NewSendGridClient(nil, external.SendGridClientConfig{
			APIKey:          cfg.Email.SendGridAPIKey.Unmask(),
			FromAddress:     cfg.Email.FromAddress,
			FromName:        cfg.Email.FromName,
			WelcomeTemplate: cfg.Email.WelcomeTemplate,
			Logger:          logger,
		})
	}

	proc := processor.New(processor.Config{
		Stores: &processor.PgStores{
			PlanRepo:   db.NewPlanRepo(pool, logger),
			LedgerRepo: db.NewLedgerRepo(pool, logger),
			Tx:         db.NewTxRunner(pool),
		},
		Machine:  plan.NewMachine(catalog, logger),
		Identity: identity,
		Mailer:   mailer,
		Metrics:  metrics,
		Logger:   logger,
	})

	handler := &Handler{processor: proc, logger: logger}
	lambda.Start(handler.Handle)
	return nil
}
