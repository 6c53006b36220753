package lookup_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/internal/entity"
	"github.com/xraph/conduit/lookup"
)

// fakeLookupStore serves canned tables and records stat bumps.
type fakeLookupStore struct {
	mu     sync.Mutex
	tables map[string]*lookup.Table
	gets   int
	bumps  map[string]lookup.Stats
}

func newFakeLookupStore() *fakeLookupStore {
	return &fakeLookupStore{
		tables: make(map[string]*lookup.Table),
		bumps:  make(map[string]lookup.Stats),
	}
}

func (f *fakeLookupStore) add(t *lookup.Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[t.Name] = t
}

func (f *fakeLookupStore) GetLookup(_ context.Context, _ int32, name string) (*lookup.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	t, ok := f.tables[name]
	if !ok {
		return nil, conduit.ErrLookupNotFound
	}
	return t, nil
}

func (f *fakeLookupStore) SaveLookup(_ context.Context, t *lookup.Table) error {
	f.add(t)
	return nil
}

func (f *fakeLookupStore) ListLookups(_ context.Context, _ int32) ([]*lookup.Table, error) {
	return nil, nil
}

func (f *fakeLookupStore) BumpLookupStats(_ context.Context, _ int32, name string, hits, misses int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.bumps[name]
	st.Hits += hits
	st.Misses += misses
	f.bumps[name] = st
	return nil
}

func (f *fakeLookupStore) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeLookupStore) bumped(name string) lookup.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bumps[name]
}

func accountsTable() *lookup.Table {
	return &lookup.Table{
		Entity: entity.New(),
		ID:     id.NewLookupID(),
		OrgID:  1,
		Name:   "accounts",
		Entries: []lookup.Entry{
			{SourceID: "acc_1", TargetID: "crm_900", Label: "Acme Inc"},
			{SourceID: "acc_2", TargetID: "crm_901"},
		},
	}
}

func TestLookupResolves(t *testing.T) {
	store := newFakeLookupStore()
	store.add(accountsTable())
	svc := lookup.NewService(store, time.Minute, nil)

	got, ok, err := svc.Lookup(context.Background(), 1, "accounts", "acc_1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || got != "crm_900" {
		t.Errorf("Lookup = %q ok=%v, want crm_900", got, ok)
	}

	_, ok, err = svc.Lookup(context.Background(), 1, "accounts", "acc_missing")
	if err != nil {
		t.Fatalf("Lookup miss: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown key")
	}
}

func TestLookupUnknownTable(t *testing.T) {
	svc := lookup.NewService(newFakeLookupStore(), time.Minute, nil)

	_, _, err := svc.Lookup(context.Background(), 1, "nope", "acc_1")
	if !errors.Is(err, conduit.ErrLookupNotFound) {
		t.Fatalf("error = %v, want ErrLookupNotFound", err)
	}
}

func TestLookupNameRequiresLabel(t *testing.T) {
	store := newFakeLookupStore()
	store.add(accountsTable())
	svc := lookup.NewService(store, time.Minute, nil)

	name, ok, err := svc.LookupName(context.Background(), 1, "accounts", "acc_1")
	if err != nil {
		t.Fatalf("LookupName: %v", err)
	}
	if !ok || name != "Acme Inc" {
		t.Errorf("LookupName = %q ok=%v, want Acme Inc", name, ok)
	}

	// acc_2 exists but carries no label.
	_, ok, err = svc.LookupName(context.Background(), 1, "accounts", "acc_2")
	if err != nil {
		t.Fatalf("LookupName: %v", err)
	}
	if ok {
		t.Error("expected miss for unlabeled entry")
	}
}

func TestReverseLookup(t *testing.T) {
	store := newFakeLookupStore()
	store.add(accountsTable())
	svc := lookup.NewService(store, time.Minute, nil)

	key, ok, err := svc.ReverseLookup(context.Background(), 1, "accounts", "crm_901")
	if err != nil {
		t.Fatalf("ReverseLookup: %v", err)
	}
	if !ok || key != "acc_2" {
		t.Errorf("ReverseLookup = %q ok=%v, want acc_2", key, ok)
	}

	_, ok, _ = svc.ReverseLookup(context.Background(), 1, "accounts", "crm_999")
	if ok {
		t.Error("expected miss for unknown target value")
	}
}

func TestLookupCachesWithinTTL(t *testing.T) {
	store := newFakeLookupStore()
	store.add(accountsTable())
	svc := lookup.NewService(store, time.Minute, nil)

	for i := 0; i < 5; i++ {
		if _, _, err := svc.Lookup(context.Background(), 1, "accounts", "acc_1"); err != nil {
			t.Fatalf("Lookup: %v", err)
		}
	}
	if store.getCount() != 1 {
		t.Errorf("store reads = %d, want 1", store.getCount())
	}
}

func TestLookupInvalidateForcesReload(t *testing.T) {
	store := newFakeLookupStore()
	store.add(accountsTable())
	svc := lookup.NewService(store, time.Hour, nil)

	if _, _, err := svc.Lookup(context.Background(), 1, "accounts", "acc_1"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	// Swap the backing table, then invalidate the cached copy.
	updated := accountsTable()
	updated.Entries = []lookup.Entry{{SourceID: "acc_1", TargetID: "crm_950"}}
	store.add(updated)
	svc.Invalidate(1, "accounts")

	got, ok, err := svc.Lookup(context.Background(), 1, "accounts", "acc_1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || got != "crm_950" {
		t.Errorf("Lookup after invalidate = %q, want crm_950", got)
	}
	if store.getCount() != 2 {
		t.Errorf("store reads = %d, want 2", store.getCount())
	}
}

func TestStopFlushesPendingStats(t *testing.T) {
	store := newFakeLookupStore()
	store.add(accountsTable())
	svc := lookup.NewService(store, time.Minute, nil)
	svc.Start(context.Background())

	if _, _, err := svc.Lookup(context.Background(), 1, "accounts", "acc_1"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, _, err := svc.Lookup(context.Background(), 1, "accounts", "acc_1"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, _, err := svc.Lookup(context.Background(), 1, "accounts", "acc_missing"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	svc.Stop()

	st := store.bumped("accounts")
	if st.Hits != 2 || st.Misses != 1 {
		t.Errorf("flushed stats = %+v, want 2 hits 1 miss", st)
	}
}
