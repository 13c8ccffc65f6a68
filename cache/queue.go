package cache

import (
	"context"
	"fmt"
	"time"

	metacache "github.com/strmkit/metacache"
	"github.com/strmkit/metacache/store/metadb"
	"github.com/strmkit/metacache/telemetry"
)

// Put queues a batched write for id. The memory cache is updated
// synchronously so reads issued after this call see the new data; durable
// persistence happens after the coalescing window, so callers must not
// assume durability on return. Multiple Puts for one id within the window
// collapse into a single durable write, last value wins.
func (c *Cache) Put(ctx context.Context, id string, data *metacache.Meta, typ string) {
	c.memSet(ctx, id, data)

	c.mu.Lock()
	c.pending[id] = pendingWrite{data: data, typ: typ}
	c.scheduleFlushLocked()
	c.mu.Unlock()

	telemetry.RecordPut(ctx, "batched", "queued")
}

// PutImmediate performs the full read-merge-write cycle against durable
// storage within the call, then updates the memory cache. Use when a
// durability guarantee is needed before proceeding. Any queued batched write
// for the same id is superseded and dropped.
func (c *Cache) PutImmediate(ctx context.Context, id string, data *metacache.Meta, typ string) error {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	var stored *metacache.Meta
	outcome := "new"

	err := c.db.Update(ctx, id, func(existing *metadb.Record) (*metadb.Record, error) {
		merged, rec := c.mergeRecord(id, existing, data, typ)
		stored = merged
		switch {
		case existing == nil:
			outcome = "new"
		case merged == existing.Data:
			outcome = "unchanged"
		default:
			outcome = "merged"
		}
		return rec, nil
	})
	if err != nil {
		return fmt.Errorf("writing record %s: %w", id, err)
	}

	c.memSet(ctx, id, stored)
	telemetry.RecordPut(ctx, "immediate", outcome)
	return nil
}

// Flush drains the pending write queue into durable storage. Every drained
// write goes through the merge cycle inside a single transaction. On failure
// the drained writes are re-queued (newer queued writes win) and the flush
// timer re-armed; batched writes are never dropped.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	drained := c.pending
	c.pending = make(map[string]pendingWrite)
	c.mu.Unlock()

	ids := make([]string, 0, len(drained))
	for id := range drained {
		ids = append(ids, id)
	}

	start := c.now()
	err := c.db.UpdateBatch(ctx, ids, func(id string, existing *metadb.Record) (*metadb.Record, error) {
		pw := drained[id]
		_, rec := c.mergeRecord(id, existing, pw.data, pw.typ)
		return rec, nil
	})
	telemetry.RecordFlush(ctx, len(ids), time.Since(start), err != nil)

	if err != nil {
		c.requeue(drained)
		return fmt.Errorf("flushing %d writes: %w", len(ids), err)
	}

	c.logger.Debug("flushed batched writes", "count", len(ids))
	return nil
}

// Close stops the flush timer and flushes any pending writes. The cache must
// not be used afterwards; the underlying store is left open for its owner to
// close.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return c.Flush(context.Background())
}

// mergeRecord applies the merge policy and builds the record to store. The
// timestamp always advances, fast path included, so the TTL window resets on
// every successful write.
func (c *Cache) mergeRecord(id string, existing *metadb.Record, data *metacache.Meta, typ string) (*metacache.Meta, *metadb.Record) {
	var existingData *metacache.Meta
	if existing != nil {
		existingData = existing.Data
		if typ == "" {
			typ = existing.Type
		}
	}

	merged, _ := c.merge.Merge(existingData, data)

	return merged, &metadb.Record{
		ID:        id,
		Type:      typ,
		Data:      merged,
		Timestamp: c.now(),
	}
}

// scheduleFlushLocked arms the flush timer unless one is already armed.
// Callers hold c.mu.
func (c *Cache) scheduleFlushLocked() {
	if c.flushTimer != nil || c.closed {
		return
	}
	c.flushTimer = time.AfterFunc(c.flushDelay, func() {
		if err := c.Flush(context.Background()); err != nil {
			c.logger.Error("batched flush failed, writes re-queued", "error", err)
		}
	})
}

// requeue puts failed writes back into the queue without clobbering writes
// queued since the flush started, and re-arms the timer.
func (c *Cache) requeue(drained map[string]pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, pw := range drained {
		if _, exists := c.pending[id]; !exists {
			c.pending[id] = pw
		}
	}
	if len(c.pending) > 0 && !c.closed {
		c.scheduleFlushLocked()
	}
}
