// Package execlog records the full causal chain of every delivery attempt
// as an append-only execution trace.
package execlog

import (
	"fmt"
	"time"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
)

// Status is the state of a trace or step.
type Status string

// Trace and step statuses.
const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
	StatusAbandoned Status = "ABANDONED"
	StatusRejected  Status = "REJECTED"
	StatusSkipped   Status = "SKIPPED"
)

// Terminal reports whether the status is a terminal trace state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusAbandoned
}

// Well-known step names. Action-scoped steps are prefixed "action:<index>".
const (
	StepMatch        = "match"
	StepRateLimit    = "rate_limit"
	StepTransform    = "transform"
	StepAuth         = "auth"
	StepSign         = "sign"
	StepHTTPRequest  = "http_request"
	StepHTTPResponse = "http_response"
	StepRetry        = "retry"
	StepActionDelay  = "action_delay"
	StepDLQEnqueue   = "dlq_enqueue"
)

// StepActionName returns the "action:<index>" step name for action k.
func StepActionName(k int) string {
	return fmt.Sprintf("action:%d", k)
}

// TriggerType records what initiated a trace.
type TriggerType string

// Trigger types.
const (
	TriggerEvent     TriggerType = "EVENT"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerDLQRetry  TriggerType = "DLQ_RETRY"
	TriggerManual    TriggerType = "MANUAL"
)

// Step is one ordered record inside a trace. Timings are wall-clock deltas
// from the trace start.
type Step struct {
	// Name is the well-known step name, optionally "action:<i>" scoped.
	Name string `json:"name" bson:"name"`

	// Timestamp is when the step occurred.
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// DurationMs is the step's duration in milliseconds.
	DurationMs int64 `json:"duration_ms" bson:"duration_ms"`

	// Status is the step outcome.
	Status Status `json:"status" bson:"status"`

	// Metadata carries step-specific details (status codes, categories,
	// rejection reasons). Secret values are masked before persistence.
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// HTTPCapture is the persisted form of a request or response, with headers
// redacted and the body truncated.
type HTTPCapture struct {
	Method    string            `json:"method,omitempty" bson:"method,omitempty"`
	URL       string            `json:"url,omitempty" bson:"url,omitempty"`
	Status    int               `json:"status,omitempty" bson:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Body      string            `json:"body,omitempty" bson:"body,omitempty"`
	Truncated bool              `json:"truncated,omitempty" bson:"truncated,omitempty"`
}

// Log is the root document of one delivery attempt: the execution trace.
type Log struct {
	// TraceID is the unique trace identifier, also sent as X-Trace-Id.
	TraceID id.ID `json:"trace_id"`

	// MessageID identifies the outbound message for signing and receiver
	// dedup.
	MessageID id.ID `json:"message_id"`

	// OrgID is the owning tenant.
	OrgID int32 `json:"org_id"`

	// IntegrationID is the integration this trace ran.
	IntegrationID id.ID `json:"integration_id"`

	// Fingerprint is the event idempotency key.
	Fingerprint string `json:"fingerprint"`

	// Direction mirrors the integration's trigger direction.
	Direction integration.Direction `json:"direction"`

	// TriggerType records what initiated the attempt.
	TriggerType TriggerType `json:"trigger_type"`

	// Status is the trace state.
	Status Status `json:"status"`

	// StartedAt and FinishedAt bound the attempt; DurationMs is their
	// difference.
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	// Steps is the ordered list of step records.
	Steps []Step `json:"steps"`

	// Request and Response capture the last HTTP exchange.
	Request  *HTTPCapture `json:"request,omitempty"`
	Response *HTTPCapture `json:"response,omitempty"`

	// Error is the final category-tagged failure, if any.
	Error *fault.Error `json:"error,omitempty"`
}

// ListOpts configures filtering and pagination for trace listing.
type ListOpts struct {
	Offset int
	Limit  int
	Status *Status
	From   *time.Time
	To     *time.Time
}
