// Package telemetry publishes operational metrics to CloudWatch: API
// request latency, webhook processing outcomes, and sweeper results.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"planguard/internal/types"
)

// Metric names.
const (
	metricAPIRequest     = "APIRequest"
	metricAPILatency     = "APIRequestLatency"
	metricEventProcessed = "EventProcessed"
	metricSweepScanned   = "SweepScanned"
	metricSweepDowngrade = "SweepDowngraded"
	metricSweepErrors    = "SweepErrors"
)

// Dimension names.
const (
	dimMethod   = "Method"
	dimEndpoint = "Endpoint"
	dimStatus   = "Status"
	dimProvider = "Provider"
	dimOutcome  = "Outcome"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Collector publishes metrics to a CloudWatch namespace. Emission failures
// are logged and swallowed: telemetry must never fail a webhook or a sweep.
type Collector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCollector creates a Collector publishing under the given namespace.
func NewCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRequest implements core.MetricsCollector: a count plus a latency
// datum per API request, dimensioned by method, route pattern, and status.
func (c *Collector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(dimMethod), Value: aws.String(method)},
		{Name: aws.String(dimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(dimStatus), Value: aws.String(status)},
	}

	c.put(context.Background(), []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricAPIRequest),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		{
			MetricName: aws.String(metricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims[:2],
		},
	})
}

// RecordEventOutcome counts one processed lifecycle event, dimensioned by
// provider and ledger outcome.
func (c *Collector) RecordEventOutcome(ctx context.Context, provider types.Provider, outcome string) {
	c.put(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(metricEventProcessed),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(dimProvider), Value: aws.String(string(provider))},
			{Name: aws.String(dimOutcome), Value: aws.String(outcome)},
		},
	}})
}

// RecordSweep publishes the summary counts of one sweeper run.
func (c *Collector) RecordSweep(ctx context.Context, summary types.SweepSummary) {
	c.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricSweepScanned),
			Value:      aws.Float64(float64(summary.Scanned)),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String(metricSweepDowngrade),
			Value:      aws.Float64(float64(summary.Downgraded)),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String(metricSweepErrors),
			Value:      aws.Float64(float64(len(summary.Errors))),
			Unit:       cwtypes.StandardUnitCount,
		},
	})
}

func (c *Collector) put(ctx context.Context, data []cwtypes.MetricDatum) {
	if c.client == nil {
		return
	}
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	}
	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.Error("failed to publish metrics",
			slog.String("namespace", c.namespace),
			slog.String("error", err.Error()))
	}
}
