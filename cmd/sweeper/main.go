// Package main is the entrypoint for the expiration sweeper job.
//
// The sweeper runs as a scheduled task (EventBridge-triggered Lambda or a
// cron container): it scans paid plan records in batches, durably downgrades
// the ones whose backing has lapsed, emits the run summary as metrics and a
// log line, and exits. Inside Lambda it registers a handler; elsewhere it
// performs one run and terminates, signaling partial failures through the
// exit code.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"planguard/internal/config"
	"planguard/internal/db"
	"planguard/internal/sweeper"
	"planguard/internal/telemetry"
	"planguard/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("planguard sweeper starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"batch_size", cfg.Sweeper.BatchSize,
		"concurrency", cfg.Sweeper.Concurrency,
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
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

	sweep := sweeper.New(db.NewPlanRepo(pool, logger), cfg.Sweeper, metrics, types.RealClock{}, logger)

	if isLambdaEnvironment() {
		lambda.Start(func(ctx context.Context) (types.SweepSummary, error) {
			summary, err := sweep.Run(ctx)
			if err != nil && len(summary.Errors) == 0 {
				return summary, err
			}
			// Partial failures are reported in the summary; the scheduled
			// invocation itself succeeded and must not trigger a retry that
			// would rescan the whole table.
			return summary, nil
		})
		return nil
	}

	defer pool.Close()
	summary, err := sweep.Run(ctx)
	if err != nil && len(summary.Errors) == 0 {
		return fmt.Errorf("sweep failed: %w", err)
	}
	if len(summary.Errors) > 0 {
		return fmt.Errorf("sweep completed with %d failed records", len(summary.Errors))
	}
	return nil
}

// isLambdaEnvironment reports whether the process runs inside the AWS Lambda
// runtime.
func isLambdaEnvironment() bool {
	_, ok := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	return ok
}
