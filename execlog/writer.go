package execlog

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/signature"
)

// MaxBodyBytes caps persisted request and response bodies.
const MaxBodyBytes = 64 << 10

// TruncationMarker is appended to a capped body.
const TruncationMarker = "…[truncated]"

// Writer appends ordered step records to a trace. A Writer is bound to one
// trace; step writes are atomic pushes, so concurrent traces never
// interleave.
type Writer struct {
	store   Store
	logger  *slog.Logger
	log     *Log
	started time.Time
}

// NewWriter opens a trace: it persists the root document in PENDING state
// and returns the writer for it.
func NewWriter(ctx context.Context, store Store, logger *slog.Logger, l *Log) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if l.TraceID.IsNil() {
		l.TraceID = id.NewTraceID()
	}
	if l.MessageID.IsNil() {
		l.MessageID = id.NewMessageID()
	}
	l.Status = StatusPending
	l.StartedAt = time.Now().UTC()

	if err := store.CreateLog(ctx, l); err != nil {
		return nil, err
	}

	return &Writer{store: store, logger: logger, log: l, started: l.StartedAt}, nil
}

// Log returns the underlying trace document.
func (w *Writer) Log() *Log { return w.log }

// TraceID returns the trace identifier.
func (w *Writer) TraceID() id.ID { return w.log.TraceID }

// MessageID returns the message identifier used for signing.
func (w *Writer) MessageID() id.ID { return w.log.MessageID }

// Step appends one step. The step timestamp is set here; duration is the
// wall-clock delta the caller measured. Metadata is masked before
// persistence. Append failures are logged, never propagated: losing a step
// must not fail a delivery.
func (w *Writer) Step(ctx context.Context, name string, status Status, took time.Duration, metadata map[string]any) {
	step := Step{
		Name:       name,
		Timestamp:  time.Now().UTC(),
		DurationMs: took.Milliseconds(),
		Status:     status,
		Metadata:   maskMetadata(metadata),
	}
	w.log.Steps = append(w.log.Steps, step)

	if err := w.store.AppendStep(ctx, w.log.TraceID, step); err != nil {
		w.logger.ErrorContext(ctx, "append trace step failed",
			"trace_id", w.log.TraceID, "step", name, "error", err)
	}
}

// Finish closes the trace with a terminal status. Captures and error must
// already be set on the log by the caller.
func (w *Writer) Finish(ctx context.Context, status Status, ferr *fault.Error) {
	now := time.Now().UTC()
	w.log.Status = status
	w.log.FinishedAt = &now
	w.log.DurationMs = now.Sub(w.started).Milliseconds()
	w.log.Error = ferr

	if err := w.store.FinishLog(ctx, w.log); err != nil {
		w.logger.ErrorContext(ctx, "finish trace failed",
			"trace_id", w.log.TraceID, "status", status, "error", err)
	}
}

// SetRequest records the outbound request capture with redacted headers and
// a truncated body.
func (w *Writer) SetRequest(method, url string, headers http.Header, body []byte) {
	capture := &HTTPCapture{
		Method:  method,
		URL:     url,
		Headers: RedactHeaders(headers),
	}
	capture.Body, capture.Truncated = TruncateBody(body)
	w.log.Request = capture
}

// SetResponse records the response capture.
func (w *Writer) SetResponse(status int, headers http.Header, body []byte) {
	capture := &HTTPCapture{
		Status:  status,
		Headers: RedactHeaders(headers),
	}
	capture.Body, capture.Truncated = TruncateBody(body)
	w.log.Response = capture
}

// TruncateBody caps a body at MaxBodyBytes with a truncation marker.
func TruncateBody(body []byte) (string, bool) {
	if len(body) <= MaxBodyBytes {
		return string(body), false
	}
	return string(body[:MaxBodyBytes]) + TruncationMarker, true
}

// maskedValue replaces a secret in persisted output.
const maskedValue = "***"

// sensitiveHeaders are always masked regardless of casing.
var sensitiveHeaders = map[string]bool{
	"authorization":             true,
	"x-api-key":                 true,
	"proxy-authorization":       true,
	strings.ToLower(signature.HeaderSignature): true,
}

// RedactHeaders flattens headers to a map with secret values masked.
func RedactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = maskedValue
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// maskMetadata masks values under secret-named keys in step metadata.
func maskMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "secret") || strings.Contains(lk, "password") ||
			strings.Contains(lk, "token") || sensitiveHeaders[lk] {
			out[k] = maskedValue
			continue
		}
		out[k] = v
	}
	return out
}
