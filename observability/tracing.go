package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/conduit"

// Tracer provides OpenTelemetry tracing for delivery attempts.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Conduit tracer.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartDeliverySpan starts a span for one (event × integration) delivery.
func (t *Tracer) StartDeliverySpan(ctx context.Context, traceID, integrationID string, orgID int32) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "conduit.delivery",
		trace.WithAttributes(
			attribute.String("conduit.trace_id", traceID),
			attribute.String("conduit.integration_id", integrationID),
			attribute.Int("conduit.org_id", int(orgID)),
		),
	)
}

// EndDeliverySpan ends a delivery span with the final outcome.
func (t *Tracer) EndDeliverySpan(span trace.Span, status string, statusCode int, errMsg string) {
	span.SetAttributes(
		attribute.String("conduit.status", status),
		attribute.Int("http.status_code", statusCode),
	)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartJobSpan starts a span for one scheduled-job run.
func (t *Tracer) StartJobSpan(ctx context.Context, jobID string, orgID int32) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "conduit.scheduled_job",
		trace.WithAttributes(
			attribute.String("conduit.job_id", jobID),
			attribute.Int("conduit.org_id", int(orgID)),
		),
	)
}
