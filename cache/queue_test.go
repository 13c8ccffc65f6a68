package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metacache "github.com/strmkit/metacache"
	"github.com/strmkit/metacache/store/metadb"
)

// flakyDB wraps a MetaDB and fails UpdateBatch on demand.
type flakyDB struct {
	metadb.MetaDB
	failFlush bool
}

func (f *flakyDB) UpdateBatch(ctx context.Context, ids []string, fn func(id string, existing *metadb.Record) (*metadb.Record, error)) error {
	if f.failFlush {
		return assert.AnError
	}
	return f.MetaDB.UpdateBatch(ctx, ids, fn)
}

func TestPutIsReadableBeforeFlush(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestCache(t, WithFlushDelay(time.Hour))

	c.Put(ctx, "tt1", seriesMeta("Dark"), "series")

	// Readable immediately from memory, not yet durable.
	got := c.Get(ctx, "tt1")
	require.NotNil(t, got)
	assert.Equal(t, "Dark", got.Name)

	_, err := db.Get(ctx, "tt1")
	require.ErrorIs(t, err, metadb.ErrNotFound)

	require.NoError(t, c.Flush(ctx))

	rec, err := db.Get(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, "Dark", rec.Data.Name)
}

func TestPutCoalesces(t *testing.T) {
	ctx := context.Background()
	c, db, clock := newTestCache(t, WithFlushDelay(time.Hour))

	// Rapid successive writes for one id collapse into a single durable
	// write carrying the last value.
	c.Put(ctx, "tt1", seriesMeta("v1"), "series")
	c.Put(ctx, "tt1", seriesMeta("v2"), "series")
	c.Put(ctx, "tt1", seriesMeta("v3"), "series")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingWrites)

	require.NoError(t, c.Flush(ctx))

	rec, err := db.Get(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, "v3", rec.Data.Name)
	assert.Equal(t, clock.Now(), rec.Timestamp)
}

func TestPutAutoFlushes(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestCache(t, WithFlushDelay(10*time.Millisecond))

	c.Put(ctx, "tt1", seriesMeta("Dark"), "series")

	require.Eventually(t, func() bool {
		_, err := db.Get(ctx, "tt1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestFlushMergePreservesWatched(t *testing.T) {
	ctx := context.Background()
	c, db, clock := newTestCache(t, WithFlushDelay(time.Hour))

	stored := seriesMeta("Dark")
	stored.Videos[0].Watched = boolPtr(true)
	require.NoError(t, db.Put(ctx, &metadb.Record{
		ID: "tt1", Type: "series", Data: stored, Timestamp: clock.Now(),
	}))

	// An upstream refresh without watched flags but with a new episode.
	incoming := seriesMeta("Dark")
	incoming.Videos = append(incoming.Videos, metacache.Video{Season: 1, Episode: 3})

	c.Put(ctx, "tt1", incoming, "series")
	require.NoError(t, c.Flush(ctx))

	rec, err := db.Get(ctx, "tt1")
	require.NoError(t, err)
	require.Len(t, rec.Data.Videos, 3)
	require.NotNil(t, rec.Data.Videos[0].Watched)
	assert.True(t, *rec.Data.Videos[0].Watched)
	assert.Nil(t, rec.Data.Videos[2].Watched)
}

func TestFlushAdvancesTimestampOnUnchangedContent(t *testing.T) {
	ctx := context.Background()
	c, db, clock := newTestCache(t, WithFlushDelay(time.Hour))

	first := clock.Now()
	require.NoError(t, db.Put(ctx, &metadb.Record{
		ID: "tt1", Type: "series", Data: seriesMeta("Dark"), Timestamp: first,
	}))

	clock.Advance(time.Hour)
	c.Put(ctx, "tt1", seriesMeta("Dark"), "series")
	require.NoError(t, c.Flush(ctx))

	rec, err := db.Get(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, first.Add(time.Hour), rec.Timestamp)
	assert.Equal(t, "Dark", rec.Data.Name)
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	c, _, _ := newTestCache(t)
	require.NoError(t, c.Flush(context.Background()))
}

func TestFlushFailureRequeues(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	flaky := &flakyDB{MetaDB: newTestDB(t, metadb.WithNow(clock.Now))}
	c := New(flaky, WithNow(clock.Now), WithFlushDelay(time.Hour))
	t.Cleanup(func() { _ = c.Close() })

	c.Put(ctx, "tt1", seriesMeta("Dark"), "series")

	flaky.failFlush = true
	require.Error(t, c.Flush(ctx))

	// The write is back in the queue and still readable.
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingWrites)
	require.NotNil(t, c.Get(ctx, "tt1"))

	// Once the store recovers, the retry lands.
	flaky.failFlush = false
	require.NoError(t, c.Flush(ctx))

	rec, err := flaky.Get(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, "Dark", rec.Data.Name)
}

func TestFlushFailureKeepsNewerWrite(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	flaky := &flakyDB{MetaDB: newTestDB(t, metadb.WithNow(clock.Now))}
	c := New(flaky, WithNow(clock.Now), WithFlushDelay(time.Hour))
	t.Cleanup(func() { _ = c.Close() })

	c.Put(ctx, "tt1", seriesMeta("v1"), "series")

	flaky.failFlush = true
	require.Error(t, c.Flush(ctx))

	// A write queued after the failed flush must not be clobbered by the
	// requeued older one.
	c.Put(ctx, "tt1", seriesMeta("v2"), "series")

	flaky.failFlush = false
	require.NoError(t, c.Flush(ctx))

	rec, err := flaky.Get(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Data.Name)
}

func TestPutImmediate(t *testing.T) {
	ctx := context.Background()

	t.Run("is durable on return", func(t *testing.T) {
		c, db, _ := newTestCache(t)

		require.NoError(t, c.PutImmediate(ctx, "tt1", seriesMeta("Dark"), "series"))

		rec, err := db.Get(ctx, "tt1")
		require.NoError(t, err)
		assert.Equal(t, "Dark", rec.Data.Name)
	})

	t.Run("merges against the stored record", func(t *testing.T) {
		c, db, clock := newTestCache(t)

		stored := seriesMeta("Dark")
		stored.Videos[1].Watched = boolPtr(true)
		require.NoError(t, db.Put(ctx, &metadb.Record{
			ID: "tt1", Type: "series", Data: stored, Timestamp: clock.Now(),
		}))

		incoming := seriesMeta("Dark")
		incoming.IMDBRating = "8.8"
		require.NoError(t, c.PutImmediate(ctx, "tt1", incoming, "series"))

		rec, err := db.Get(ctx, "tt1")
		require.NoError(t, err)
		assert.Equal(t, "8.8", rec.Data.IMDBRating)
		require.NotNil(t, rec.Data.Videos[1].Watched)
		assert.True(t, *rec.Data.Videos[1].Watched)
	})

	t.Run("supersedes a queued write", func(t *testing.T) {
		c, db, _ := newTestCache(t, WithFlushDelay(time.Hour))

		c.Put(ctx, "tt1", seriesMeta("queued"), "series")
		require.NoError(t, c.PutImmediate(ctx, "tt1", seriesMeta("immediate"), "series"))

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.PendingWrites)

		require.NoError(t, c.Flush(ctx))
		rec, err := db.Get(ctx, "tt1")
		require.NoError(t, err)
		assert.Equal(t, "immediate", rec.Data.Name)
	})

	t.Run("keeps the stored type when none is given", func(t *testing.T) {
		c, db, _ := newTestCache(t)

		require.NoError(t, c.PutImmediate(ctx, "tt1", seriesMeta("Dark"), "series"))

		refreshed := seriesMeta("Dark")
		refreshed.IMDBRating = "9.0"
		require.NoError(t, c.PutImmediate(ctx, "tt1", refreshed, ""))

		rec, err := db.Get(ctx, "tt1")
		require.NoError(t, err)
		assert.Equal(t, "series", rec.Type)
	})
}

func TestCloseFlushesPending(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	db := newTestDB(t, metadb.WithNow(clock.Now))
	c := New(db, WithNow(clock.Now), WithFlushDelay(time.Hour))

	c.Put(ctx, "tt1", seriesMeta("Dark"), "series")
	require.NoError(t, c.Close())

	rec, err := db.Get(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, "Dark", rec.Data.Name)
}
