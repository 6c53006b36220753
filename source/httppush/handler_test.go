package httppush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xraph/conduit/source"
)

type fakeAuth struct {
	secret string
	schema any
}

func (f *fakeAuth) PushSecret(_ context.Context, orgID int32) (string, bool, error) {
	if orgID != 42 {
		return "", false, nil
	}
	return f.secret, true, nil
}

func (f *fakeAuth) PayloadSchema(_ context.Context, _ int32) (any, error) {
	return f.schema, nil
}

func newTestServer(auth *fakeAuth, queueCap int) (*httptest.Server, *source.MemoryQueue) {
	queue := source.NewMemoryQueue(queueCap)
	mux := http.NewServeMux()
	mux.Handle("POST /ingest/{org}", NewHandler(auth, queue, nil, nil))
	return httptest.NewServer(mux), queue
}

func push(t *testing.T, url, secret, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if secret != "" {
		req.Header.Set("X-Conduit-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerAcceptsValidPush(t *testing.T) {
	srv, queue := newTestServer(&fakeAuth{secret: "s3cret"}, 10)
	defer srv.Close()

	resp := push(t, srv.URL+"/ingest/42", "s3cret",
		`{"eventType":"invoice.created","entityRid":"inv_9","payload":{"total":10},"eventId":"row-1"}`)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["eventId"] != "row-1" || out["fingerprint"] == "" {
		t.Errorf("response = %v", out)
	}

	events, _ := queue.Pull(context.Background(), 10)
	if len(events) != 1 {
		t.Fatalf("queued events = %d, want 1", len(events))
	}
	evt := events[0]
	if evt.OrgID != 42 || evt.EventType != "invoice.created" || evt.EntityRID != "inv_9" {
		t.Errorf("event = %+v", evt)
	}
	if evt.SourceType != source.TypeHTTPPush {
		t.Errorf("sourceType = %q", evt.SourceType)
	}
}

func TestHandlerRejectsBadSecret(t *testing.T) {
	srv, queue := newTestServer(&fakeAuth{secret: "s3cret"}, 10)
	defer srv.Close()

	resp := push(t, srv.URL+"/ingest/42", "wrong", `{"eventType":"x"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp = push(t, srv.URL+"/ingest/42", "", `{"eventType":"x"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without secret = %d, want 401", resp.StatusCode)
	}

	if queue.Len() != 0 {
		t.Error("rejected push must not enqueue")
	}
}

func TestHandlerAcceptsBearerSecret(t *testing.T) {
	srv, _ := newTestServer(&fakeAuth{secret: "s3cret"}, 10)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ingest/42",
		strings.NewReader(`{"eventType":"x","payload":{}}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestHandlerUnknownOrg(t *testing.T) {
	srv, _ := newTestServer(&fakeAuth{secret: "s3cret"}, 10)
	defer srv.Close()

	resp := push(t, srv.URL+"/ingest/7", "s3cret", `{"eventType":"x"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandlerValidatesAgainstSchema(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"total"},
		"properties": map[string]any{
			"total": map[string]any{"type": "number"},
		},
	}
	srv, queue := newTestServer(&fakeAuth{secret: "s3cret", schema: schema}, 10)
	defer srv.Close()

	resp := push(t, srv.URL+"/ingest/42", "s3cret",
		`{"eventType":"invoice.created","payload":{"name":"no total"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if queue.Len() != 0 {
		t.Error("schema-rejected push must not enqueue")
	}

	resp = push(t, srv.URL+"/ingest/42", "s3cret",
		`{"eventType":"invoice.created","payload":{"total":12.5}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("valid payload status = %d, want 202", resp.StatusCode)
	}
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(&fakeAuth{secret: "s3cret"}, 10)
	defer srv.Close()

	resp := push(t, srv.URL+"/ingest/42", "s3cret", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp = push(t, srv.URL+"/ingest/42", "s3cret", `{"payload":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing eventType status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlerBackpressuresWhenBacklogFull(t *testing.T) {
	srv, queue := newTestServer(&fakeAuth{secret: "s3cret"}, 1)
	defer srv.Close()

	// Fill the single backlog slot.
	_ = queue.Enqueue(context.Background(), []*source.Event{{OrgID: 42, EventType: "x"}})

	resp := push(t, srv.URL+"/ingest/42", "s3cret", `{"eventType":"y","payload":{}}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}
