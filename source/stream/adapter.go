// Package stream implements the message-broker source adapter: a durable
// JetStream consumer per tenant topic whose acks double as the checkpoint.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/observability"
	"github.com/xraph/conduit/source"
)

// fetchWait bounds one consumer fetch.
const fetchWait = 5 * time.Second

// maxErrBackoff caps the transient-error backoff.
const maxErrBackoff = 5 * time.Minute

// Config is the stream adapter configuration for one tenant.
type Config struct {
	OrgID     int32
	URL       string
	Stream    string
	Subject   string
	BatchSize int

	// AckWait is how long the broker waits before redelivering an
	// unacked message. Zero uses the broker default.
	AckWait time.Duration
}

// envelope is the expected wire shape of one stream message.
type envelope struct {
	EventType string         `json:"eventType"`
	EntityRID string         `json:"entityRid,omitempty"`
	Payload   map[string]any `json:"payload"`
	EventID   string         `json:"eventId,omitempty"`
}

// Adapter consumes one tenant's topic. The durable consumer name is
// derived from (orgId, subject) so tenants never share delivery state;
// messages are acked only after the event is enqueued, which makes the
// broker offset the effective checkpoint.
type Adapter struct {
	config  Config
	sink    source.Sink
	alerter alert.Alerter
	metrics *observability.Metrics
	logger  *slog.Logger

	nc     *nats.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stream adapter.
func New(cfg Config, sink source.Sink, alerter alert.Alerter, metrics *observability.Metrics, logger *slog.Logger) (*Adapter, error) {
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, errors.New("stream: stream name and subject are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = &alert.LogAlerter{Logger: logger}
	}
	return &Adapter{
		config:  cfg,
		sink:    sink,
		alerter: alerter,
		metrics: metrics,
		logger:  logger.With("adapter", "stream", "org_id", cfg.OrgID),
	}, nil
}

// Type implements source.Adapter.
func (a *Adapter) Type() source.Type { return source.TypeStream }

// ConsumerName returns the durable consumer name for (orgId, subject).
func (a *Adapter) ConsumerName() string {
	subject := strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(a.config.Subject)
	return fmt.Sprintf("conduit-%d-%s", a.config.OrgID, subject)
}

// Start connects to the broker, binds the durable consumer, and begins
// consuming.
func (a *Adapter) Start(ctx context.Context) error {
	nc, err := nats.Connect(a.config.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		if isAuthError(err) {
			a.alerter.Emit(ctx, alert.Alert{
				Severity: alert.SeverityCritical,
				Kind:     "source_auth_failed",
				OrgID:    a.config.OrgID,
				Message:  "stream source rejected credentials",
				Fields:   map[string]any{"subject": a.config.Subject, "error": err.Error()},
			})
		}
		return fmt.Errorf("stream: connect: %w", err)
	}
	a.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("stream: jetstream: %w", err)
	}

	str, err := js.Stream(ctx, a.config.Stream)
	if err != nil {
		nc.Close()
		return fmt.Errorf("stream: bind stream %s: %w", a.config.Stream, err)
	}

	consumer, err := str.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       a.ConsumerName(),
		FilterSubject: a.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       a.config.AckWait,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("stream: create consumer: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume(ctx, consumer)
	}()
	return nil
}

// Stop halts consumption and drops the broker connection. The durable
// consumer survives, so a restart resumes from the last ack.
func (a *Adapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.nc != nil {
		a.nc.Close()
	}
	return nil
}

func (a *Adapter) consume(ctx context.Context, consumer jetstream.Consumer) {
	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(a.config.BatchSize, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			a.logger.WarnContext(ctx, "fetch failed", "failures", failures, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(failures)):
			}
			continue
		}
		failures = 0

		for msg := range msgs.Messages() {
			a.handle(ctx, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.WarnContext(ctx, "fetch drained with error", "error", err)
		}
	}
}

// handle parses and enqueues one message. Parse failures are acked so the
// offset advances past the poison message, with a warning and an audit
// count. Enqueue failures leave the message unacked for redelivery.
func (a *Adapter) handle(ctx context.Context, msg jetstream.Msg) {
	evt, err := a.normalize(msg)
	if err != nil {
		a.metrics.RecordSkip(ctx, string(source.SkipParse))
		a.logger.WarnContext(ctx, "unparseable stream message skipped",
			"subject", msg.Subject(), "error", err)
		if aerr := msg.Ack(); aerr != nil {
			a.logger.WarnContext(ctx, "ack failed", "error", aerr)
		}
		return
	}

	if err := a.sink.Enqueue(ctx, []*source.Event{evt}); err != nil {
		logFn := a.logger.WarnContext
		if ctx.Err() != nil {
			logFn = a.logger.DebugContext
		}
		logFn(ctx, "enqueue failed, message left for redelivery", "error", err)
		return
	}
	if err := msg.Ack(); err != nil {
		a.logger.WarnContext(ctx, "ack failed", "error", err)
	}
}

func (a *Adapter) normalize(msg jetstream.Msg) (*source.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return nil, err
	}
	if env.EventType == "" {
		return nil, errors.New("missing eventType")
	}

	eventID := env.EventID
	if eventID == "" {
		// Fall back to the broker's stream sequence, which is stable
		// across redeliveries.
		if meta, err := msg.Metadata(); err == nil {
			eventID = fmt.Sprintf("%s:%d", msg.Subject(), meta.Sequence.Stream)
		} else {
			return nil, errors.New("missing eventId and stream metadata")
		}
	}

	return &source.Event{
		OrgID:         a.config.OrgID,
		EventType:     env.EventType,
		EntityRID:     env.EntityRID,
		Payload:       env.Payload,
		SourceEventID: eventID,
		SourceType:    source.TypeStream,
		ProducedAt:    time.Now().UTC(),
	}, nil
}

func backoff(failures int) time.Duration {
	delay := time.Second << (failures - 1)
	if delay > maxErrBackoff || delay <= 0 {
		delay = maxErrBackoff
	}
	return delay
}

func isAuthError(err error) bool {
	return errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired)
}
