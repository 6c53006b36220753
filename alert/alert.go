// Package alert defines the operator alerting contract. Alerts fire when
// the DLQ crosses its size threshold, an entry is abandoned, or a source
// adapter hits an auth failure.
package alert

import (
	"context"
	"log/slog"
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	// Severity grades the alert.
	Severity Severity

	// Kind is a stable machine-readable alert name
	// (e.g. "dlq_abandoned", "dlq_threshold", "source_auth_failed").
	Kind string

	// OrgID is the affected tenant, 0 for process-wide alerts.
	OrgID int32

	// Message is the human-readable description.
	Message string

	// Fields carries structured context.
	Fields map[string]any
}

// Alerter delivers alerts to operators. Implementations must not block the
// calling worker.
type Alerter interface {
	Emit(ctx context.Context, a Alert)
}

// LogAlerter is the default Alerter: it writes alerts to the structured
// log, where the external alert center picks them up.
type LogAlerter struct {
	Logger *slog.Logger
}

// Emit implements Alerter.
func (l *LogAlerter) Emit(ctx context.Context, a Alert) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"alert_kind", a.Kind,
		"severity", string(a.Severity),
		"org_id", a.OrgID,
	}
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}

	if a.Severity == SeverityCritical {
		logger.ErrorContext(ctx, a.Message, attrs...)
		return
	}
	logger.WarnContext(ctx, a.Message, attrs...)
}
