// Package memory provides an in-memory Store implementation for unit
// testing. Claim operations take the same lock as writes, so the CAS
// semantics of the persistent store hold here too.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/execlog"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/integration"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/lookup"
	"github.com/xraph/conduit/schedule"
	"github.com/xraph/conduit/source"
	conduitstore "github.com/xraph/conduit/store"
)

// compile-time interface check.
var _ conduitstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for testing.
type Store struct {
	mu sync.RWMutex

	integrations  map[string]*integration.Integration // keyed by ID string
	checkpoints   map[string]*source.Checkpoint       // keyed by orgID|sourceType
	sourceConfigs map[int32]*source.Config
	logs          map[string]*execlog.Log // keyed by trace ID string
	logOrder      []string
	dlqEntries    map[string]*dlq.Entry               // keyed by ID string
	windows       map[string]int64                    // keyed by intgID|windowStart
	pending       map[string]*schedule.PendingDelivery // keyed by ID string
	jobs          map[string]*job.ScheduledJob        // keyed by ID string
	jobLogs       []*job.Log
	lookups       map[string]*lookup.Table // keyed by orgID|name
	lookupStats   map[string]*lookup.Stats

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		integrations:  make(map[string]*integration.Integration),
		checkpoints:   make(map[string]*source.Checkpoint),
		sourceConfigs: make(map[int32]*source.Config),
		logs:          make(map[string]*execlog.Log),
		dlqEntries:    make(map[string]*dlq.Entry),
		windows:       make(map[string]int64),
		pending:       make(map[string]*schedule.PendingDelivery),
		jobs:          make(map[string]*job.ScheduledJob),
		lookups:       make(map[string]*lookup.Table),
		lookupStats:   make(map[string]*lookup.Stats),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports closure.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return conduit.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// integration.Store
// ──────────────────────────────────────────────────

// CreateIntegration persists a new integration version.
func (s *Store) CreateIntegration(_ context.Context, in *integration.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[in.ID.String()] = in
	return nil
}

// UpdateIntegration replaces an integration document.
func (s *Store) UpdateIntegration(_ context.Context, in *integration.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.integrations[in.ID.String()]; !ok {
		return conduit.ErrIntegrationNotFound
	}
	s.integrations[in.ID.String()] = in
	return nil
}

// GetIntegration returns an integration by ID.
func (s *Store) GetIntegration(_ context.Context, intgID id.ID) (*integration.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.integrations[intgID.String()]
	if !ok {
		return nil, conduit.ErrIntegrationNotFound
	}
	return in, nil
}

// ListIntegrations returns integrations for an org, oldest first.
func (s *Store) ListIntegrations(_ context.Context, orgID int32, opts integration.ListOpts) ([]*integration.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*integration.Integration
	for _, in := range s.integrations {
		if in.OrgID != orgID {
			continue
		}
		if opts.Direction != nil && in.Direction != *opts.Direction {
			continue
		}
		if opts.Active != nil && in.IsActive != *opts.Active {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ListDefaults returns the active default versions for (org, direction) in
// insertion order.
func (s *Store) ListDefaults(_ context.Context, orgID int32, dir integration.Direction) ([]*integration.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*integration.Integration
	for _, in := range s.integrations {
		if in.OrgID == orgID && in.Direction == dir && in.IsDefault && in.IsActive {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SwapDefault atomically moves the default flag for (orgID, name).
func (s *Store) SwapDefault(_ context.Context, orgID int32, name string, intgID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.integrations[intgID.String()]
	if !ok || target.OrgID != orgID || target.Name != name {
		return conduit.ErrIntegrationNotFound
	}
	for _, in := range s.integrations {
		if in.OrgID == orgID && in.Name == name {
			in.IsDefault = false
		}
	}
	target.IsDefault = true
	target.Touch()
	return nil
}

// DeleteIntegration removes an integration version.
func (s *Store) DeleteIntegration(_ context.Context, intgID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.integrations[intgID.String()]; !ok {
		return conduit.ErrIntegrationNotFound
	}
	delete(s.integrations, intgID.String())
	return nil
}

// ──────────────────────────────────────────────────
// source.CheckpointStore / source.ConfigStore
// ──────────────────────────────────────────────────

func checkpointKey(orgID int32, st source.Type) string {
	return fmt.Sprintf("%d|%s", orgID, st)
}

// GetCheckpoint returns the cursor for (orgID, sourceType), zero when
// absent.
func (s *Store) GetCheckpoint(_ context.Context, orgID int32, st source.Type) (*source.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cp, ok := s.checkpoints[checkpointKey(orgID, st)]; ok {
		return cp, nil
	}
	return &source.Checkpoint{OrgID: orgID, SourceType: st}, nil
}

// SaveCheckpoint upserts the cursor, refusing to move it backwards.
func (s *Store) SaveCheckpoint(_ context.Context, cp *source.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := checkpointKey(cp.OrgID, cp.SourceType)
	if existing, ok := s.checkpoints[key]; ok && cp.LastRowID < existing.LastRowID {
		return nil
	}
	s.checkpoints[key] = cp
	return nil
}

// GetSourceConfig returns the active source configuration for an org.
func (s *Store) GetSourceConfig(_ context.Context, orgID int32) (*source.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.sourceConfigs[orgID]
	if !ok {
		return nil, conduit.ErrSourceConfigNotFound
	}
	return cfg, nil
}

// ListSourceConfigs returns all active source configurations.
func (s *Store) ListSourceConfigs(_ context.Context) ([]*source.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*source.Config
	for _, cfg := range s.sourceConfigs {
		if cfg.IsActive {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out, nil
}

// SaveSourceConfig upserts an org's source configuration.
func (s *Store) SaveSourceConfig(_ context.Context, cfg *source.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceConfigs[cfg.OrgID] = cfg
	return nil
}

// ──────────────────────────────────────────────────
// execlog.Store
// ──────────────────────────────────────────────────

// CreateLog persists a new trace root document. The stored document is
// detached from the caller's: the writer keeps its own Steps slice while
// AppendStep grows the stored one.
func (s *Store) CreateLog(_ context.Context, l *execlog.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *l
	clone.Steps = append([]execlog.Step(nil), l.Steps...)
	key := l.TraceID.String()
	s.logs[key] = &clone
	s.logOrder = append(s.logOrder, key)
	return nil
}

// AppendStep atomically pushes one step onto a trace.
func (s *Store) AppendStep(_ context.Context, traceID id.ID, step execlog.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[traceID.String()]
	if !ok {
		return conduit.ErrTraceNotFound
	}
	l.Steps = append(l.Steps, step)
	return nil
}

// FinishLog sets the terminal fields of a trace.
func (s *Store) FinishLog(_ context.Context, l *execlog.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.logs[l.TraceID.String()]
	if !ok {
		return conduit.ErrTraceNotFound
	}
	stored.Status = l.Status
	stored.FinishedAt = l.FinishedAt
	stored.DurationMs = l.DurationMs
	stored.Request = l.Request
	stored.Response = l.Response
	stored.Error = l.Error
	return nil
}

// GetLog returns a trace by ID.
func (s *Store) GetLog(_ context.Context, traceID id.ID) (*execlog.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[traceID.String()]
	if !ok {
		return nil, conduit.ErrTraceNotFound
	}
	return l, nil
}

// ListLogs returns traces for an org, newest first.
func (s *Store) ListLogs(_ context.Context, orgID int32, opts execlog.ListOpts) ([]*execlog.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*execlog.Log
	for i := len(s.logOrder) - 1; i >= 0; i-- {
		l := s.logs[s.logOrder[i]]
		if l.OrgID != orgID {
			continue
		}
		if opts.Status != nil && l.Status != *opts.Status {
			continue
		}
		if opts.From != nil && l.StartedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && l.StartedAt.After(*opts.To) {
			continue
		}
		out = append(out, l)
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

// HasTerminalLog reports whether a terminal trace exists for
// (orgID, fingerprint, integrationID).
func (s *Store) HasTerminalLog(_ context.Context, orgID int32, fingerprint string, intgID id.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.logs {
		if l.OrgID == orgID && l.Fingerprint == fingerprint &&
			l.IntegrationID == intgID && l.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// PushDLQ persists a new entry, detached from the caller's copy.
func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.dlqEntries[entry.ID.String()] = &cp
	return nil
}

// ClaimDue atomically moves due PENDING_RETRY entries into RETRYING. The
// returned copies belong to the claiming worker; its mutations reach the
// store only through UpdateDLQ.
func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*dlq.Entry
	for _, e := range s.dlqEntries {
		if e.Status == dlq.StatusPendingRetry && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*dlq.Entry, 0, len(due))
	for _, e := range due {
		e.Status = dlq.StatusRetrying
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ClaimOne claims a single entry regardless of its nextRetryAt.
func (s *Store) ClaimOne(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok || (e.Status != dlq.StatusPendingRetry && e.Status != dlq.StatusAbandoned) {
		return nil, conduit.ErrDLQNotFound
	}
	e.Status = dlq.StatusRetrying
	cp := *e
	return &cp, nil
}

// UpdateDLQ replaces an entry document.
func (s *Store) UpdateDLQ(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlqEntries[entry.ID.String()]; !ok {
		return conduit.ErrDLQNotFound
	}
	cp := *entry
	s.dlqEntries[entry.ID.String()] = &cp
	return nil
}

// GetDLQ returns an entry by ID.
func (s *Store) GetDLQ(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return nil, conduit.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ListDLQ returns entries for an org, newest failure first.
func (s *Store) ListDLQ(_ context.Context, orgID int32, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*dlq.Entry
	for _, e := range s.dlqEntries {
		if e.OrgID != orgID {
			continue
		}
		if opts.Status != nil && e.Status != *opts.Status {
			continue
		}
		if opts.From != nil && e.FailedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && e.FailedAt.After(*opts.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// DeleteDLQ removes an entry.
func (s *Store) DeleteDLQ(_ context.Context, dlqID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlqEntries[dlqID.String()]; !ok {
		return conduit.ErrDLQNotFound
	}
	delete(s.dlqEntries, dlqID.String())
	return nil
}

// CountDLQ returns the number of entries for an org per status.
func (s *Store) CountDLQ(_ context.Context, orgID int32) (map[dlq.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[dlq.Status]int64)
	for _, e := range s.dlqEntries {
		if e.OrgID == orgID {
			counts[e.Status]++
		}
	}
	return counts, nil
}

// ──────────────────────────────────────────────────
// ratelimit.Store
// ──────────────────────────────────────────────────

// IncrementWindow atomically increments the (integrationID, windowStart)
// counter. The in-memory store ignores the TTL; tests create fresh stores.
func (s *Store) IncrementWindow(_ context.Context, _ int32, intgID id.ID, windowStart time.Time, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s|%d", intgID, windowStart.Unix())
	s.windows[key]++
	return s.windows[key], nil
}

// ──────────────────────────────────────────────────
// schedule.Store
// ──────────────────────────────────────────────────

// CreatePending persists a new scheduled delivery.
func (s *Store) CreatePending(_ context.Context, pd *schedule.PendingDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pd.ID.String()] = pd
	return nil
}

// ClaimDuePending atomically moves due PENDING rows into RUNNING.
func (s *Store) ClaimDuePending(_ context.Context, now time.Time, limit int) ([]*schedule.PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*schedule.PendingDelivery
	for _, pd := range s.pending {
		if pd.Status == schedule.StatusPending && !pd.ScheduledFor.After(now) {
			due = append(due, pd)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, pd := range due {
		pd.Status = schedule.StatusRunning
	}
	return due, nil
}

// UpdatePending replaces a row.
func (s *Store) UpdatePending(_ context.Context, pd *schedule.PendingDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[pd.ID.String()]; !ok {
		return conduit.ErrPendingNotFound
	}
	s.pending[pd.ID.String()] = pd
	return nil
}

// GetPending returns a row by ID, scoped to the tenant.
func (s *Store) GetPending(_ context.Context, orgID int32, pndID id.ID) (*schedule.PendingDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pd, ok := s.pending[pndID.String()]
	if !ok || pd.OrgID != orgID {
		return nil, conduit.ErrPendingNotFound
	}
	return pd, nil
}

// CancelPending moves a PENDING row to CANCELLED.
func (s *Store) CancelPending(_ context.Context, orgID int32, pndID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pd, ok := s.pending[pndID.String()]
	if !ok || pd.OrgID != orgID {
		return conduit.ErrPendingNotFound
	}
	if pd.Status == schedule.StatusPending {
		pd.Status = schedule.StatusCancelled
		pd.Touch()
	}
	return nil
}

// ──────────────────────────────────────────────────
// job.Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (s *Store) CreateJob(_ context.Context, j *job.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID.String()] = j
	return nil
}

// UpdateJob replaces a job document.
func (s *Store) UpdateJob(_ context.Context, j *job.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID.String()]; !ok {
		return conduit.ErrJobNotFound
	}
	s.jobs[j.ID.String()] = j
	return nil
}

// GetJob returns a job by ID, scoped to the tenant.
func (s *Store) GetJob(_ context.Context, orgID int32, jobID id.ID) (*job.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID.String()]
	if !ok || j.OrgID != orgID {
		return nil, conduit.ErrJobNotFound
	}
	return j, nil
}

// ListJobs returns jobs for a tenant.
func (s *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.ScheduledJob
	for _, j := range s.jobs {
		if j.OrgID == opts.OrgID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ListDueJobs returns active jobs with nextRunAt ≤ now.
func (s *Store) ListDueJobs(_ context.Context, now time.Time, limit int) ([]*job.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.ScheduledJob
	for _, j := range s.jobs {
		if j.IsActive && !j.NextRunAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimJob advances nextRunAt from prev to next only if it still equals
// prev.
func (s *Store) ClaimJob(_ context.Context, jobID id.ID, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok || !j.NextRunAt.Equal(prev) {
		return false, nil
	}
	j.NextRunAt = next
	return true, nil
}

// AppendJobLog persists one run log.
func (s *Store) AppendJobLog(_ context.Context, l *job.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobLogs = append(s.jobLogs, l)
	return nil
}

// ListJobLogs returns run logs, newest first.
func (s *Store) ListJobLogs(_ context.Context, opts job.ListOpts) ([]*job.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Log
	for i := len(s.jobLogs) - 1; i >= 0; i-- {
		l := s.jobLogs[i]
		if opts.OrgID != 0 && l.OrgID != opts.OrgID {
			continue
		}
		if !opts.JobID.IsNil() && l.JobID != opts.JobID {
			continue
		}
		out = append(out, l)
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// lookup.Store
// ──────────────────────────────────────────────────

func lookupKey(orgID int32, name string) string {
	return fmt.Sprintf("%d|%s", orgID, name)
}

// GetLookup returns a table by (orgID, name).
func (s *Store) GetLookup(_ context.Context, orgID int32, name string) (*lookup.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lookups[lookupKey(orgID, name)]
	if !ok {
		return nil, conduit.ErrLookupNotFound
	}
	return t, nil
}

// SaveLookup upserts a table keyed by (orgID, name).
func (s *Store) SaveLookup(_ context.Context, t *lookup.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups[lookupKey(t.OrgID, t.Name)] = t
	return nil
}

// ListLookups returns all tables for an org.
func (s *Store) ListLookups(_ context.Context, orgID int32) ([]*lookup.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*lookup.Table
	for _, t := range s.lookups {
		if t.OrgID == orgID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// BumpLookupStats atomically adds to a table's hit/miss counters.
func (s *Store) BumpLookupStats(_ context.Context, orgID int32, name string, hits, misses int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lookupKey(orgID, name)
	st, ok := s.lookupStats[key]
	if !ok {
		st = &lookup.Stats{}
		s.lookupStats[key] = st
	}
	st.Hits += hits
	st.Misses += misses
	return nil
}

// LookupStats returns the accumulated counters for a table. Test helper.
func (s *Store) LookupStats(orgID int32, name string) lookup.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.lookupStats[lookupKey(orgID, name)]; ok {
		return *st
	}
	return lookup.Stats{}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
