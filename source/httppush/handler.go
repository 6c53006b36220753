// Package httppush implements the HTTP-push source: an ingestion endpoint
// where external callers submit events directly, authenticated by a
// per-org shared secret.
package httppush

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/observability"
	"github.com/xraph/conduit/source"
)

// MaxBodyBytes caps an accepted push request body.
const MaxBodyBytes = 1 << 20

// enqueueWait bounds how long a push request waits for backlog space
// before the caller is told to back off.
const enqueueWait = 2 * time.Second

// OrgAuth resolves per-org push credentials and validation schemas.
type OrgAuth interface {
	// PushSecret returns the org's shared secret. ok is false when the
	// org has no HTTP-push source configured.
	PushSecret(ctx context.Context, orgID int32) (secret string, ok bool, err error)

	// PayloadSchema returns the org's JSON Schema for pushed payloads,
	// or nil when none is configured.
	PayloadSchema(ctx context.Context, orgID int32) (any, error)
}

// pushRequest is the accepted wire shape.
type pushRequest struct {
	EventType string         `json:"eventType"`
	EntityRID string         `json:"entityRid,omitempty"`
	Payload   map[string]any `json:"payload"`
	EventID   string         `json:"eventId,omitempty"`
}

// Handler accepts pushed events on POST /ingest/{org}.
type Handler struct {
	auth      OrgAuth
	validator *Validator
	sink      source.Sink
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewHandler creates the push handler.
func NewHandler(auth OrgAuth, sink source.Sink, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:      auth,
		validator: NewValidator(),
		sink:      sink,
		metrics:   metrics,
		logger:    logger,
	}
}

// ServeHTTP implements http.Handler. The route must bind the {org} path
// segment, e.g. mux.Handle("POST /ingest/{org}", h).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID64, err := strconv.ParseInt(r.PathValue("org"), 10, 32)
	if err != nil || orgID64 <= 0 {
		h.reject(w, http.StatusNotFound, "unknown org")
		return
	}
	orgID := int32(orgID64)

	secret, ok, err := h.auth.PushSecret(ctx, orgID)
	if err != nil {
		h.logger.ErrorContext(ctx, "push secret lookup failed", "org_id", orgID, "error", err)
		h.reject(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		h.reject(w, http.StatusNotFound, "unknown org")
		return
	}
	if !authorized(r, secret) {
		h.reject(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > MaxBodyBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.reject(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.EventType == "" {
		h.reject(w, http.StatusBadRequest, "eventType is required")
		return
	}

	schema, err := h.auth.PayloadSchema(ctx, orgID)
	if err != nil {
		h.logger.ErrorContext(ctx, "payload schema lookup failed", "org_id", orgID, "error", err)
		h.reject(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.validator.Validate(schema, anyPayload(req.Payload)); err != nil {
		h.reject(w, http.StatusBadRequest, "payload rejected by schema: "+err.Error())
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = id.NewMessageID().String()
	}
	evt := &source.Event{
		OrgID:         orgID,
		EventType:     req.EventType,
		EntityRID:     req.EntityRID,
		Payload:       req.Payload,
		SourceEventID: eventID,
		SourceType:    source.TypeHTTPPush,
		ProducedAt:    time.Now().UTC(),
	}

	// A push caller never blocks on a full backlog; it is told to retry.
	enqueueCtx, cancel := context.WithTimeout(ctx, enqueueWait)
	defer cancel()
	if err := h.sink.Enqueue(enqueueCtx, []*source.Event{evt}); err != nil {
		h.reject(w, http.StatusTooManyRequests, "backlog full, retry later")
		return
	}

	if h.metrics != nil {
		h.metrics.EventsIngested.Add(ctx, 1)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"eventId":     eventID,
		"fingerprint": evt.Fingerprint(),
	})
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// authorized checks the shared secret from either the X-Conduit-Secret
// header or a bearer token, in constant time.
func authorized(r *http.Request, secret string) bool {
	candidate := r.Header.Get("X-Conduit-Secret")
	if candidate == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			candidate = auth[7:]
		}
	}
	if candidate == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1
}

// anyPayload converts the payload for schema validation; the validator
// operates on decoded JSON values.
func anyPayload(p map[string]any) any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
