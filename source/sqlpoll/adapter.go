// Package sqlpoll implements the polling-SQL source adapter: a tenant
// table polled by ascending row ID with a persisted checkpoint.
package sqlpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/observability"
	"github.com/xraph/conduit/source"
)

// Clamp bounds for tenant-supplied configuration.
const (
	MinPollInterval = 1 * time.Second
	MaxPollInterval = 300 * time.Second
	MinBatchSize    = 1
	MaxBatchSize    = 100
	MinDBTimeout    = 1 * time.Second
	MaxDBTimeout    = 120 * time.Second
	MinConnections  = 1
	MaxConnections  = 5
)

// maxErrBackoff caps the transient-error backoff.
const maxErrBackoff = 5 * time.Minute

// ColumnMapping maps logical event fields to physical column names,
// discovered at source setup time.
type ColumnMapping struct {
	// ID is the monotonically increasing row ID column.
	ID string `json:"id"`

	// EventType is the event type column.
	EventType string `json:"event_type"`

	// EntityRID is the optional entity resource ID column.
	EntityRID string `json:"entity_rid,omitempty"`

	// Payload is the JSON payload column.
	Payload string `json:"payload"`
}

// Config is the polling-SQL adapter configuration for one tenant.
type Config struct {
	OrgID        int32
	ConnString   string
	Table        string
	Columns      ColumnMapping
	PollInterval time.Duration
	BatchSize    int
	DBTimeout    time.Duration
	Connections  int
	DefaultType  string // event type when no EventType column is mapped
}

// Normalize clamps tenant-supplied values into their allowed ranges.
func (c *Config) Normalize() {
	c.PollInterval = min(max(c.PollInterval, MinPollInterval), MaxPollInterval)
	c.BatchSize = min(max(c.BatchSize, MinBatchSize), MaxBatchSize)
	c.DBTimeout = min(max(c.DBTimeout, MinDBTimeout), MaxDBTimeout)
	c.Connections = min(max(c.Connections, MinConnections), MaxConnections)
}

// Adapter polls one tenant table. Restarting resumes from the stored
// checkpoint; duplicates across restarts are absorbed by the delivery-log
// idempotency check.
type Adapter struct {
	config      Config
	sink        source.Sink
	checkpoints source.CheckpointStore
	alerter     alert.Alerter
	metrics     *observability.Metrics
	logger      *slog.Logger

	pool   *pgxpool.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a polling-SQL adapter. The configuration is clamped here so
// a hostile or buggy tenant configuration cannot set a 1ms poll loop.
func New(cfg Config, sink source.Sink, checkpoints source.CheckpointStore, alerter alert.Alerter, metrics *observability.Metrics, logger *slog.Logger) (*Adapter, error) {
	if cfg.Table == "" || cfg.Columns.ID == "" || cfg.Columns.Payload == "" {
		return nil, errors.New("sqlpoll: table, id column, and payload column are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Normalize()
	if alerter == nil {
		alerter = &alert.LogAlerter{Logger: logger}
	}
	return &Adapter{
		config:      cfg,
		sink:        sink,
		checkpoints: checkpoints,
		alerter:     alerter,
		metrics:     metrics,
		logger:      logger.With("adapter", "sqlpoll", "org_id", cfg.OrgID),
	}, nil
}

// Type implements source.Adapter.
func (a *Adapter) Type() source.Type { return source.TypePollingSQL }

// Start connects the dedicated pool and begins polling.
func (a *Adapter) Start(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(a.config.ConnString)
	if err != nil {
		return fmt.Errorf("sqlpoll: parse connection string: %w", err)
	}
	poolCfg.MaxConns = int32(a.config.Connections)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("sqlpoll: create pool: %w", err)
	}
	a.pool = pool

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx)
	}()
	return nil
}

// Stop halts polling and releases the pool.
func (a *Adapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

func (a *Adapter) loop(ctx context.Context) {
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				delay := a.classifyFailure(ctx, err, failures)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}
			failures = 0
		}
	}
}

// classifyFailure logs a poll failure and returns the backoff before the
// next attempt. Auth failures escalate to the alerter; the checkpoint is
// never touched on any failure path.
func (a *Adapter) classifyFailure(ctx context.Context, err error, failures int) time.Duration {
	if isAuthError(err) {
		a.alerter.Emit(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Kind:     "source_auth_failed",
			OrgID:    a.config.OrgID,
			Message:  "polling-sql source rejected credentials",
			Fields:   map[string]any{"table": a.config.Table, "error": err.Error()},
		})
	} else {
		a.logger.WarnContext(ctx, "poll cycle failed", "failures", failures, "error", err)
	}

	delay := a.config.PollInterval << (failures - 1)
	if delay > maxErrBackoff || delay <= 0 {
		delay = maxErrBackoff
	}
	return delay
}

// poll runs one SELECT cycle and advances the checkpoint only after the
// whole batch is enqueued.
func (a *Adapter) poll(ctx context.Context) error {
	cp, err := a.checkpoints.GetCheckpoint(ctx, a.config.OrgID, source.TypePollingSQL)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, a.config.DBTimeout)
	defer cancel()

	rows, err := a.pool.Query(qctx, a.query(), cp.LastRowID, a.config.BatchSize)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}

	events, lastID, err := a.collect(ctx, rows, cp.LastRowID)
	if err != nil {
		return err
	}
	if lastID == cp.LastRowID {
		return nil
	}

	if err := a.sink.Enqueue(ctx, events); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	cp.OrgID = a.config.OrgID
	cp.SourceType = source.TypePollingSQL
	cp.LastRowID = lastID
	cp.Touch()
	if err := a.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (a *Adapter) query() string {
	cols := a.config.Columns
	selected := pgx.Identifier{cols.ID}.Sanitize() + ", " + pgx.Identifier{cols.Payload}.Sanitize()
	if cols.EventType != "" {
		selected += ", " + pgx.Identifier{cols.EventType}.Sanitize()
	}
	if cols.EntityRID != "" {
		selected += ", " + pgx.Identifier{cols.EntityRID}.Sanitize()
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2",
		selected,
		pgx.Identifier{a.config.Table}.Sanitize(),
		pgx.Identifier{cols.ID}.Sanitize(),
		pgx.Identifier{cols.ID}.Sanitize(),
	)
}

// collect scans the batch into normalized events. Corrupt rows are audited
// and skipped; the cursor still advances past them.
func (a *Adapter) collect(ctx context.Context, rows pgx.Rows, startID int64) ([]*source.Event, int64, error) {
	defer rows.Close()

	cols := a.config.Columns
	var (
		events []*source.Event
		lastID = startID
	)
	for rows.Next() {
		dest := []any{new(int64), new([]byte)}
		var eventType, entityRID *string
		if cols.EventType != "" {
			eventType = new(string)
			dest = append(dest, &eventType)
		}
		if cols.EntityRID != "" {
			entityRID = new(string)
			dest = append(dest, &entityRID)
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		rowID := *dest[0].(*int64)
		raw := *dest[1].(*[]byte)
		lastID = rowID

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			a.skip(ctx, rowID, source.SkipCorrupt, err)
			continue
		}

		evt := &source.Event{
			OrgID:         a.config.OrgID,
			EventType:     a.config.DefaultType,
			Payload:       payload,
			SourceEventID: fmt.Sprintf("%d", rowID),
			SourceType:    source.TypePollingSQL,
			ProducedAt:    time.Now().UTC(),
		}
		if eventType != nil && *eventType != "" {
			evt.EventType = *eventType
		}
		if entityRID != nil {
			evt.EntityRID = *entityRID
		}
		if evt.EventType == "" {
			a.skip(ctx, rowID, source.SkipUnmappable, errors.New("no event type"))
			continue
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows: %w", err)
	}
	return events, lastID, nil
}

func (a *Adapter) skip(ctx context.Context, rowID int64, cat source.SkipCategory, err error) {
	a.metrics.RecordSkip(ctx, string(cat))
	a.logger.WarnContext(ctx, "skipped source row",
		"row_id", rowID, "skip_category", string(cat), "error", err)
}

// isAuthError reports whether err is a credential rejection
// (SQLSTATE class 28).
func isAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "28"
	}
	return false
}
