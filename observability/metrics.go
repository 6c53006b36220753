// Package observability provides OpenTelemetry metrics and tracing for
// Conduit workers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/xraph/conduit"

// Metrics holds the metric instruments recorded by the workers.
type Metrics struct {
	EventsIngested     metric.Int64Counter
	DeliveriesTotal    metric.Int64Counter
	DeliveryLatency    metric.Float64Histogram
	RateLimitRejected  metric.Int64Counter
	DLQDepth           metric.Int64UpDownCounter
	WorkerTicks        metric.Int64Counter
	SourceSkippedRows  metric.Int64Counter
	ScheduledJobRuns   metric.Int64Counter
	TransformFailures  metric.Int64Counter
}

// NewMetrics creates Conduit metric instruments from the global meter
// provider. Instrument creation errors are programming errors and panic.
func NewMetrics() *Metrics {
	meter := otel.Meter(meterName)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			panic("conduit: create counter " + name + ": " + err.Error())
		}
		return c
	}

	latency, err := meter.Float64Histogram("conduit_delivery_latency_seconds",
		metric.WithDescription("Latency of outbound delivery attempts."),
		metric.WithUnit("s"))
	if err != nil {
		panic("conduit: create histogram: " + err.Error())
	}

	depth, err := meter.Int64UpDownCounter("conduit_dlq_depth",
		metric.WithDescription("Current number of DLQ entries awaiting retry."))
	if err != nil {
		panic("conduit: create updowncounter: " + err.Error())
	}

	return &Metrics{
		EventsIngested:    mustCounter("conduit_events_ingested_total", "Normalized events produced by source adapters."),
		DeliveriesTotal:   mustCounter("conduit_deliveries_total", "Delivery attempts by outcome."),
		DeliveryLatency:   latency,
		RateLimitRejected: mustCounter("conduit_rate_limit_rejected_total", "Deliveries rejected by fixed-window admission."),
		DLQDepth:          depth,
		WorkerTicks:       mustCounter("conduit_worker_ticks_total", "Worker loop iterations by worker name."),
		SourceSkippedRows: mustCounter("conduit_source_skipped_rows_total", "Source records skipped by category."),
		ScheduledJobRuns:  mustCounter("conduit_scheduled_job_runs_total", "Scheduled job executions by outcome."),
		TransformFailures: mustCounter("conduit_transform_failures_total", "Transformation failures."),
	}
}

// RecordDelivery records one delivery attempt outcome with its latency.
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.DeliveriesTotal.Add(ctx, 1, attrs)
	m.DeliveryLatency.Record(ctx, latencySeconds, attrs)
}

// RecordTick records one loop iteration of the named worker.
func (m *Metrics) RecordTick(ctx context.Context, worker string) {
	if m == nil {
		return
	}
	m.WorkerTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

// RecordJobRun records one scheduled job execution outcome.
func (m *Metrics) RecordJobRun(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ScheduledJobRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSkip records one skipped source record.
func (m *Metrics) RecordSkip(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.SourceSkippedRows.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}
