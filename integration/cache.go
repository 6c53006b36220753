package integration

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// InvalidationChannel is the Redis pub/sub channel the control plane
// publishes org IDs on after mutating integration configuration.
const InvalidationChannel = "conduit:integrations:invalidate"

// snapshot is one immutable per-org view of the active default
// integrations. Snapshots are copy-on-write: readers hold them without
// locks, reloads swap the whole value.
type snapshot struct {
	version  uint64
	loadedAt time.Time
	byDir    map[Direction][]*Integration
}

// Cache is the read-mostly, tenant-scoped cache of compiled match
// configuration. It serves matcher reads from in-memory snapshots and
// refreshes them on Redis invalidation events or TTL expiry, whichever
// comes first. Reloads are single-flighted per org.
type Cache struct {
	store  Store
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	orgs  map[int32]*snapshot
	group singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CacheConfig configures the integration cache.
type CacheConfig struct {
	// TTL bounds snapshot staleness when no invalidation event arrives.
	TTL time.Duration
}

// NewCache creates an integration cache. The Redis client is optional;
// without it the cache falls back to TTL-only refresh.
func NewCache(store Store, rdb redis.UniversalClient, cfg CacheConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &Cache{
		store:  store,
		rdb:    rdb,
		ttl:    cfg.TTL,
		logger: logger,
		orgs:   make(map[int32]*snapshot),
	}
}

// Start subscribes to the invalidation channel. No-op without Redis.
func (c *Cache) Start(ctx context.Context) {
	if c.rdb == nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	sub := c.rdb.Subscribe(ctx, InvalidationChannel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				orgID, err := strconv.ParseInt(msg.Payload, 10, 32)
				if err != nil {
					c.logger.WarnContext(ctx, "bad invalidation payload",
						"payload", msg.Payload, "error", err)
					continue
				}
				c.Invalidate(int32(orgID))
			}
		}
	}()
}

// Stop cancels the subscription loop.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Defaults returns the active default integrations for an org and
// direction from the current snapshot, reloading it when stale or absent.
// The returned slice is shared and must not be mutated.
func (c *Cache) Defaults(ctx context.Context, orgID int32, dir Direction) ([]*Integration, error) {
	c.mu.RLock()
	snap, ok := c.orgs[orgID]
	c.mu.RUnlock()

	if ok && time.Since(snap.loadedAt) < c.ttl {
		return snap.byDir[dir], nil
	}

	snap, err := c.reload(ctx, orgID)
	if err != nil {
		// Serve the stale snapshot over failing the delivery path.
		if ok {
			c.logger.WarnContext(ctx, "integration cache reload failed, serving stale",
				"org_id", orgID, "error", err)
			return c.stale(orgID, dir), nil
		}
		return nil, err
	}

	return snap.byDir[dir], nil
}

// Version returns the snapshot version counter for an org. Zero means the
// org has never been loaded.
func (c *Cache) Version(orgID int32) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if snap, ok := c.orgs[orgID]; ok {
		return snap.version
	}
	return 0
}

// Invalidate drops the snapshot for an org, forcing a reload on next read.
func (c *Cache) Invalidate(orgID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap, ok := c.orgs[orgID]; ok {
		// Keep the entry but expire it, so a failed reload can still
		// serve the stale view.
		snap.loadedAt = time.Time{}
	}
}

// reload fetches a fresh snapshot for the org, single-flighted so
// concurrent deliveries do not stampede the store.
func (c *Cache) reload(ctx context.Context, orgID int32) (*snapshot, error) {
	v, err, _ := c.group.Do(strconv.FormatInt(int64(orgID), 10), func() (any, error) {
		byDir := make(map[Direction][]*Integration)
		for _, dir := range []Direction{DirectionOutbound, DirectionInbound, DirectionScheduled} {
			ins, err := c.store.ListDefaults(ctx, orgID, dir)
			if err != nil {
				return nil, fmt.Errorf("integration: load defaults org=%d dir=%s: %w", orgID, dir, err)
			}
			for _, in := range ins {
				in.Normalize()
			}
			byDir[dir] = ins
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		var version uint64 = 1
		if prev, ok := c.orgs[orgID]; ok {
			version = prev.version + 1
		}
		snap := &snapshot{
			version:  version,
			loadedAt: time.Now(),
			byDir:    byDir,
		}
		c.orgs[orgID] = snap
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (c *Cache) stale(orgID int32, dir Direction) []*Integration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if snap, ok := c.orgs[orgID]; ok {
		return snap.byDir[dir]
	}
	return nil
}
