// Package lookup provides per-org named mapping tables (sourceId→targetId
// with optional labels) used by transformations, with asynchronous hit/miss
// statistics.
package lookup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/internal/entity"
)

// Entry is one mapping row of a lookup table.
type Entry struct {
	// SourceID is the lookup key.
	SourceID string `json:"source_id" bson:"source_id"`

	// TargetID is the resolved value.
	TargetID string `json:"target_id" bson:"target_id"`

	// Label is an optional human-readable name for the entry.
	Label string `json:"label,omitempty" bson:"label,omitempty"`
}

// Table is a per-org named mapping.
type Table struct {
	entity.Entity

	// ID is the unique TypeID for this table.
	ID id.ID `json:"id"`

	// OrgID scopes the table to a tenant.
	OrgID int32 `json:"org_id"`

	// Name is the table name referenced by mappings and scripts.
	Name string `json:"name"`

	// Entries are the mapping rows.
	Entries []Entry `json:"entries"`
}

// Stats are the hit/miss counters of one table.
type Stats struct {
	Hits   int64 `json:"hits" bson:"hits"`
	Misses int64 `json:"misses" bson:"misses"`
}

// Store is the persistence contract for lookup tables.
type Store interface {
	// GetLookup returns a table by (orgID, name).
	GetLookup(ctx context.Context, orgID int32, name string) (*Table, error)

	// SaveLookup upserts a table keyed by (orgID, name).
	SaveLookup(ctx context.Context, t *Table) error

	// ListLookups returns all tables for an org.
	ListLookups(ctx context.Context, orgID int32) ([]*Table, error)

	// BumpLookupStats atomically adds to a table's hit/miss counters.
	BumpLookupStats(ctx context.Context, orgID int32, name string, hits, misses int64) error
}

// Service resolves lookups through a read-mostly cache and flushes stats
// asynchronously so resolution never waits on a counter write.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]*cached // keyed by orgID|name

	statsMu sync.Mutex
	pending map[string]*Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cached struct {
	table    *Table
	forward  map[string]Entry
	reverse  map[string]string
	loadedAt time.Time
}

// NewService creates a lookup service with the given cache TTL.
func NewService(store Store, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		tables:  make(map[string]*cached),
		pending: make(map[string]*Stats),
	}
}

// Start begins the asynchronous stats flush loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.flush(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				s.flush(ctx)
			}
		}
	}()
}

// Stop flushes remaining stats and halts the loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Lookup resolves key through the named table. ok is false on miss.
func (s *Service) Lookup(ctx context.Context, orgID int32, table, key string) (string, bool, error) {
	c, err := s.load(ctx, orgID, table)
	if err != nil {
		return "", false, err
	}
	e, ok := c.forward[key]
	s.record(orgID, table, ok)
	if !ok {
		return "", false, nil
	}
	return e.TargetID, true, nil
}

// LookupName resolves key to the entry's label.
func (s *Service) LookupName(ctx context.Context, orgID int32, table, key string) (string, bool, error) {
	c, err := s.load(ctx, orgID, table)
	if err != nil {
		return "", false, err
	}
	e, ok := c.forward[key]
	s.record(orgID, table, ok)
	if !ok || e.Label == "" {
		return "", false, nil
	}
	return e.Label, true, nil
}

// ReverseLookup inverts the relation: target value back to source key.
func (s *Service) ReverseLookup(ctx context.Context, orgID int32, table, value string) (string, bool, error) {
	c, err := s.load(ctx, orgID, table)
	if err != nil {
		return "", false, err
	}
	key, ok := c.reverse[value]
	s.record(orgID, table, ok)
	return key, ok, nil
}

// Invalidate drops a cached table.
func (s *Service) Invalidate(orgID int32, table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, cacheKey(orgID, table))
}

func (s *Service) load(ctx context.Context, orgID int32, name string) (*cached, error) {
	key := cacheKey(orgID, name)

	s.mu.RLock()
	c, ok := s.tables[key]
	s.mu.RUnlock()
	if ok && time.Since(c.loadedAt) < s.ttl {
		return c, nil
	}

	t, err := s.store.GetLookup(ctx, orgID, name)
	if err != nil {
		return nil, err
	}

	c = &cached{
		table:    t,
		forward:  make(map[string]Entry, len(t.Entries)),
		reverse:  make(map[string]string, len(t.Entries)),
		loadedAt: time.Now(),
	}
	for _, e := range t.Entries {
		c.forward[e.SourceID] = e
		c.reverse[e.TargetID] = e.SourceID
	}

	s.mu.Lock()
	s.tables[key] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Service) record(orgID int32, table string, hit bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	key := cacheKey(orgID, table)
	st, ok := s.pending[key]
	if !ok {
		st = &Stats{}
		s.pending[key] = st
	}
	if hit {
		st.Hits++
	} else {
		st.Misses++
	}
}

func (s *Service) flush(ctx context.Context) {
	s.statsMu.Lock()
	batch := s.pending
	s.pending = make(map[string]*Stats)
	s.statsMu.Unlock()

	for key, st := range batch {
		orgID, name := splitCacheKey(key)
		if err := s.store.BumpLookupStats(ctx, orgID, name, st.Hits, st.Misses); err != nil {
			s.logger.WarnContext(ctx, "lookup stats flush failed",
				"org_id", orgID, "table", name, "error", err)
		}
	}
}
