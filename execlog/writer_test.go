package execlog_test

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
)

// fakeLogStore records writer calls in memory.
type fakeLogStore struct {
	mu       sync.Mutex
	created  []*execlog.Log
	steps    []execlog.Step
	finished []*execlog.Log
}

func (f *fakeLogStore) CreateLog(_ context.Context, l *execlog.Log) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, l)
	return nil
}

func (f *fakeLogStore) AppendStep(_ context.Context, _ id.ID, s execlog.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, s)
	return nil
}

func (f *fakeLogStore) FinishLog(_ context.Context, l *execlog.Log) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, l)
	return nil
}

func (f *fakeLogStore) GetLog(_ context.Context, _ id.ID) (*execlog.Log, error) {
	return nil, nil
}

func (f *fakeLogStore) ListLogs(_ context.Context, _ int32, _ execlog.ListOpts) ([]*execlog.Log, error) {
	return nil, nil
}

func (f *fakeLogStore) HasTerminalLog(_ context.Context, _ int32, _ string, _ id.ID) (bool, error) {
	return false, nil
}

func newWriter(t *testing.T, store *fakeLogStore) *execlog.Writer {
	t.Helper()
	w, err := execlog.NewWriter(context.Background(), store, nil, &execlog.Log{
		OrgID:         1,
		IntegrationID: id.NewIntegrationID(),
		Fingerprint:   "fp-1",
		Direction:     integration.DirectionOutbound,
		TriggerType:   execlog.TriggerEvent,
	})
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	return w
}

func TestNewWriterOpensPendingTrace(t *testing.T) {
	store := &fakeLogStore{}
	w := newWriter(t, store)

	if len(store.created) != 1 {
		t.Fatalf("CreateLog called %d times, want 1", len(store.created))
	}
	l := store.created[0]
	if l.Status != execlog.StatusPending {
		t.Errorf("status = %s, want PENDING", l.Status)
	}
	if w.TraceID().IsNil() || w.TraceID().Prefix() != id.PrefixTrace {
		t.Errorf("trace ID = %v", w.TraceID())
	}
	if w.MessageID().IsNil() || w.MessageID().Prefix() != id.PrefixMessage {
		t.Errorf("message ID = %v", w.MessageID())
	}
	if l.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
}

func TestStepAppendsInOrder(t *testing.T) {
	store := &fakeLogStore{}
	w := newWriter(t, store)
	ctx := context.Background()

	w.Step(ctx, execlog.StepTransform, execlog.StatusSuccess, 5*time.Millisecond, nil)
	w.Step(ctx, execlog.StepAuth, execlog.StatusSuccess, 0, nil)
	w.Step(ctx, execlog.StepActionName(0), execlog.StatusFailed, 120*time.Millisecond, map[string]any{"status_code": 502})

	if len(store.steps) != 3 {
		t.Fatalf("persisted %d steps, want 3", len(store.steps))
	}
	if store.steps[0].Name != "transform" || store.steps[1].Name != "auth" || store.steps[2].Name != "action:0" {
		t.Errorf("step order: %v %v %v", store.steps[0].Name, store.steps[1].Name, store.steps[2].Name)
	}
	if store.steps[2].DurationMs != 120 {
		t.Errorf("duration = %d, want 120", store.steps[2].DurationMs)
	}
	if got := len(w.Log().Steps); got != 3 {
		t.Errorf("in-memory log has %d steps, want 3", got)
	}
}

func TestStepMasksSecretMetadata(t *testing.T) {
	store := &fakeLogStore{}
	w := newWriter(t, store)

	w.Step(context.Background(), execlog.StepSign, execlog.StatusSuccess, 0, map[string]any{
		"signing_secret": "whsec_abc",
		"client_token":   "tok",
		"Password":       "pw",
		"status_code":    200,
	})

	md := store.steps[0].Metadata
	for _, key := range []string{"signing_secret", "client_token", "Password"} {
		if md[key] != "***" {
			t.Errorf("%s = %v, want masked", key, md[key])
		}
	}
	if md["status_code"] != 200 {
		t.Errorf("status_code = %v, want 200", md["status_code"])
	}
}

func TestFinishSetsTerminalState(t *testing.T) {
	store := &fakeLogStore{}
	w := newWriter(t, store)

	ferr := fault.New(fault.CategoryServer, "bad_gateway", "502")
	w.Finish(context.Background(), execlog.StatusFailed, ferr)

	if len(store.finished) != 1 {
		t.Fatalf("FinishLog called %d times, want 1", len(store.finished))
	}
	l := store.finished[0]
	if l.Status != execlog.StatusFailed {
		t.Errorf("status = %s, want FAILED", l.Status)
	}
	if l.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if l.Error != ferr {
		t.Error("error not recorded")
	}
	if l.DurationMs < 0 {
		t.Errorf("DurationMs = %d", l.DurationMs)
	}
}

func TestSetRequestRedactsAndTruncates(t *testing.T) {
	store := &fakeLogStore{}
	w := newWriter(t, store)

	h := make(http.Header)
	h.Set("Authorization", "Bearer secret")
	h.Set("X-API-Key", "k")
	h.Set("Content-Type", "application/json")
	big := bytes.Repeat([]byte("a"), execlog.MaxBodyBytes+100)

	w.SetRequest(http.MethodPost, "https://example.com/hook", h, big)

	req := w.Log().Request
	if req.Headers["Authorization"] != "***" || req.Headers["X-Api-Key"] != "***" {
		t.Errorf("sensitive headers not masked: %v", req.Headers)
	}
	if req.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q", req.Headers["Content-Type"])
	}
	if !req.Truncated {
		t.Error("oversized body not marked truncated")
	}
	if !strings.HasSuffix(req.Body, execlog.TruncationMarker) {
		t.Error("truncation marker missing")
	}
	if len(req.Body) != execlog.MaxBodyBytes+len(execlog.TruncationMarker) {
		t.Errorf("body length = %d", len(req.Body))
	}
}

func TestSetResponseSmallBodyUntouched(t *testing.T) {
	store := &fakeLogStore{}
	w := newWriter(t, store)

	w.SetResponse(200, http.Header{"X-Request-Id": {"r1"}}, []byte(`{"ok":true}`))

	resp := w.Log().Response
	if resp.Status != 200 || resp.Truncated || resp.Body != `{"ok":true}` {
		t.Errorf("response capture = %+v", resp)
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status execlog.Status
		want   bool
	}{
		{execlog.StatusSuccess, true},
		{execlog.StatusFailed, true},
		{execlog.StatusAbandoned, true},
		{execlog.StatusPending, false},
		{execlog.StatusRetrying, false},
		{execlog.StatusRejected, false},
		{execlog.StatusSkipped, false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
