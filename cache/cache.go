// Package cache implements the merge-aware metadata cache: an LRU memory
// layer over durable bbolt storage, with batched coalesced writes and
// type-aware TTL expiry.
//
// Reads degrade gracefully (a failed or expired lookup is indistinguishable
// from a miss, callers re-fetch upstream on nil); immediate writes are
// strict and surface their errors.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	metacache "github.com/strmkit/metacache"
	"github.com/strmkit/metacache/expiry"
	"github.com/strmkit/metacache/merge"
	"github.com/strmkit/metacache/store/lru"
	"github.com/strmkit/metacache/store/metadb"
	"github.com/strmkit/metacache/telemetry"
)

// DefaultFlushDelay is how long queued writes wait for more writes to
// coalesce before being flushed to durable storage.
const DefaultFlushDelay = 50 * time.Millisecond

// pendingWrite is a queued batched write. Last write per id wins.
type pendingWrite struct {
	data *metacache.Meta
	typ  string
}

// Cache is the metadata cache. Construct with New and share the instance;
// all methods are safe for concurrent use.
type Cache struct {
	db     metadb.MetaDB
	mem    *lru.Cache
	merge  merge.Policy
	expiry expiry.Policy
	logger *slog.Logger
	now    func() time.Time

	flushDelay time.Duration

	mu         sync.Mutex
	pending    map[string]pendingWrite
	flushTimer *time.Timer
	closed     bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithMemoryCapacity bounds the in-memory LRU entry count.
func WithMemoryCapacity(n int) Option {
	return func(c *Cache) {
		c.mem = lru.New(n)
	}
}

// WithFlushDelay sets the batched write coalescing window.
func WithFlushDelay(d time.Duration) Option {
	return func(c *Cache) {
		c.flushDelay = d
	}
}

// WithMergePolicy sets the user-field preservation policy.
func WithMergePolicy(p merge.Policy) Option {
	return func(c *Cache) {
		c.merge = p
	}
}

// WithExpiryPolicy sets the TTL policy.
func WithExpiryPolicy(p expiry.Policy) Option {
	return func(c *Cache) {
		c.expiry = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over an opened MetaDB.
func New(db metadb.MetaDB, opts ...Option) *Cache {
	c := &Cache{
		db:         db,
		mem:        lru.New(lru.DefaultCapacity),
		merge:      merge.DefaultPolicy(),
		expiry:     expiry.DefaultPolicy(),
		logger:     slog.Default(),
		now:        time.Now,
		flushDelay: DefaultFlushDelay,
		pending:    make(map[string]pendingWrite),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the payload for id, or nil on miss, expiry, or read error.
// The memory cache is consulted first, then the pending write queue, then
// durable storage.
func (c *Cache) Get(ctx context.Context, id string) *metacache.Meta {
	if data, found := c.mem.Get(id); found {
		if data == nil {
			telemetry.RecordLookup(ctx, telemetry.LookupNegativeHit)
			return nil
		}
		telemetry.RecordLookup(ctx, telemetry.LookupMemoryHit)
		return data
	}

	// A queued write may have been evicted from the memory cache before its
	// flush; it is still the freshest value for the id.
	c.mu.Lock()
	pw, queued := c.pending[id]
	c.mu.Unlock()
	if queued {
		c.memSet(ctx, id, pw.data)
		telemetry.RecordLookup(ctx, telemetry.LookupMemoryHit)
		return pw.data
	}

	rec, err := c.db.Get(ctx, id)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			c.memSet(ctx, id, nil)
			telemetry.RecordLookup(ctx, telemetry.LookupMiss)
			return nil
		}
		c.logger.Warn("metadata read failed", "id", id, "error", err)
		telemetry.RecordLookup(ctx, telemetry.LookupError)
		return nil
	}

	if c.expiry.Expired(rec.Type, rec.Data, rec.Timestamp, c.now()) {
		// Expired records stay in durable storage so embedded user state can
		// be resurrected by the next write; only the memory entry goes.
		c.mem.Remove(id)
		telemetry.RecordLookup(ctx, telemetry.LookupExpired)
		return nil
	}

	c.memSet(ctx, id, rec.Data)
	telemetry.RecordLookup(ctx, telemetry.LookupStoreHit)
	return rec.Data
}

// GetMany returns a map with an entry per requested id; nil values mark
// misses, expired records, and read errors. Durable misses are fetched in a
// single transaction and populate the memory cache, confirmed-absent ids
// included.
func (c *Cache) GetMany(ctx context.Context, ids []string) map[string]*metacache.Meta {
	result := make(map[string]*metacache.Meta, len(ids))
	var misses []string

	for _, id := range ids {
		if data, found := c.mem.Get(id); found {
			result[id] = data
			if data == nil {
				telemetry.RecordLookup(ctx, telemetry.LookupNegativeHit)
			} else {
				telemetry.RecordLookup(ctx, telemetry.LookupMemoryHit)
			}
			continue
		}

		c.mu.Lock()
		pw, queued := c.pending[id]
		c.mu.Unlock()
		if queued {
			c.memSet(ctx, id, pw.data)
			result[id] = pw.data
			telemetry.RecordLookup(ctx, telemetry.LookupMemoryHit)
			continue
		}

		misses = append(misses, id)
	}

	if len(misses) == 0 {
		return result
	}

	fetched, err := c.db.GetBatch(ctx, misses)
	if err != nil {
		// Degrade to nil for the whole batch; errors are not confirmed
		// absences, so nothing is negative-cached.
		c.logger.Warn("metadata batch read failed", "ids", len(misses), "error", err)
		for _, id := range misses {
			result[id] = nil
			telemetry.RecordLookup(ctx, telemetry.LookupError)
		}
		return result
	}

	now := c.now()
	for _, id := range misses {
		rec, ok := fetched[id]
		if !ok {
			c.memSet(ctx, id, nil)
			result[id] = nil
			telemetry.RecordLookup(ctx, telemetry.LookupMiss)
			continue
		}
		if c.expiry.Expired(rec.Type, rec.Data, rec.Timestamp, now) {
			c.mem.Remove(id)
			result[id] = nil
			telemetry.RecordLookup(ctx, telemetry.LookupExpired)
			continue
		}
		c.memSet(ctx, id, rec.Data)
		result[id] = rec.Data
		telemetry.RecordLookup(ctx, telemetry.LookupStoreHit)
	}

	return result
}

// GetAll returns every stored record matching the optional filter. It scans
// durable storage directly: the memory cache is neither consulted nor
// populated, and no expiry check is applied. Intended for maintenance and
// diagnostics, not hot-path reads.
func (c *Cache) GetAll(ctx context.Context, filter func(*metadb.Record) bool) ([]*metadb.Record, error) {
	records, err := c.db.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return records, nil
}

// Delete removes a record from the memory cache, the write queue, and
// durable storage.
func (c *Cache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	c.mem.Remove(id)

	if err := c.db.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// Clear empties durable storage and the memory cache, and discards any
// pending batched writes.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.pending = make(map[string]pendingWrite)
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()

	c.mem.Purge()

	if err := c.db.Clear(ctx); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	return nil
}

// CleanupExpired sweeps durable storage and deletes every record the expiry
// policy reports stale, removing matching memory entries as well. Returns
// the number of records deleted.
func (c *Cache) CleanupExpired(ctx context.Context) (int, error) {
	now := c.now()

	// Nothing younger than the shortest TTL can be expired, so the sweep is
	// a range scan over the timestamp index rather than a full decode pass.
	minTTL := c.expiry.SeriesTTL
	if c.expiry.MovieTTL < minTTL {
		minTTL = c.expiry.MovieTTL
	}

	candidates, err := c.db.OlderThan(ctx, now.Add(-minTTL), 0)
	if err != nil {
		return 0, fmt.Errorf("scanning for expired records: %w", err)
	}

	var ids []string
	for _, rec := range candidates {
		if c.expiry.Expired(rec.Type, rec.Data, rec.Timestamp, now) {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := c.db.DeleteBatch(ctx, ids); err != nil {
		return 0, fmt.Errorf("deleting expired records: %w", err)
	}
	for _, id := range ids {
		c.mem.Remove(id)
	}

	c.logger.Info("expired records cleaned up", "deleted", len(ids), "candidates", len(candidates))
	return len(ids), nil
}

// Stats contains cache-wide diagnostics.
type Stats struct {
	Total           int            `json:"total"`
	ByType          map[string]int `json:"by_type"`
	MemoryCacheSize int            `json:"memory_cache_size"`
	PendingWrites   int            `json:"pending_writes"`
	DBFileSize      int64          `json:"db_file_size"`
}

// Stats returns read-only diagnostics; no side effects.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	dbStats, err := c.db.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading store stats: %w", err)
	}

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return &Stats{
		Total:           dbStats.Total,
		ByType:          dbStats.ByType,
		MemoryCacheSize: c.mem.Len(),
		PendingWrites:   pending,
		DBFileSize:      dbStats.DBFileSize,
	}, nil
}

// memSet writes through to the memory cache and records any eviction.
func (c *Cache) memSet(ctx context.Context, id string, data *metacache.Meta) {
	if evicted := c.mem.Set(id, data); evicted != "" {
		telemetry.RecordMemoryEviction(ctx)
	}
}
