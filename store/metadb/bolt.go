package metadb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path, creating it on first use.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketRecords,
			bucketRecordsByType,
			bucketRecordsByTS,
			bucketTSByID,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// Get retrieves a record by id.
func (b *BoltDB) Get(_ context.Context, id string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		var err error
		rec, err = b.codec.Decode(id, val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetBatch retrieves multiple records in one transaction. Missing ids are
// simply absent from the returned map.
func (b *BoltDB) GetBatch(_ context.Context, ids []string) (map[string]*Record, error) {
	found := make(map[string]*Record, len(ids))
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return nil
		}

		for _, id := range ids {
			val := bucket.Get([]byte(id))
			if val == nil {
				continue
			}
			rec, err := b.codec.Decode(id, val)
			if err != nil {
				return err
			}
			found[id] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Put upserts a record.
func (b *BoltDB) Put(_ context.Context, rec *Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.putInTx(tx, rec)
	})
}

// Update performs read-modify-write in a single transaction.
func (b *BoltDB) Update(_ context.Context, id string, fn func(existing *Record) (*Record, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.updateInTx(tx, id, func(existing *Record) (*Record, error) {
			return fn(existing)
		})
	})
}

// UpdateBatch applies fn per id, all within one transaction. This is the
// batched flush path: either every queued write commits or none do.
func (b *BoltDB) UpdateBatch(_ context.Context, ids []string, fn func(id string, existing *Record) (*Record, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			if err := b.updateInTx(tx, id, func(existing *Record) (*Record, error) {
				return fn(id, existing)
			}); err != nil {
				return fmt.Errorf("updating %s: %w", id, err)
			}
		}
		return nil
	})
}

func (b *BoltDB) updateInTx(tx *bbolt.Tx, id string, fn func(existing *Record) (*Record, error)) error {
	bucket := tx.Bucket(bucketRecords)
	if bucket == nil {
		return fmt.Errorf("records bucket not found")
	}

	var existing *Record
	if val := bucket.Get([]byte(id)); val != nil {
		var err error
		existing, err = b.codec.Decode(id, val)
		if err != nil {
			// A corrupt stored value is treated as absent so the write can
			// repair it; losing the broken record is the better outcome.
			b.logger.Warn("discarding undecodable record", "id", id, "error", err)
			existing = nil
		}
	}

	rec, err := fn(existing)
	if err != nil {
		return err
	}
	if rec == nil {
		return b.deleteInTx(tx, id)
	}
	return b.putInTx(tx, rec)
}

// putInTx writes the record and maintains both secondary indexes.
func (b *BoltDB) putInTx(tx *bbolt.Tx, rec *Record) error {
	bucket := tx.Bucket(bucketRecords)
	if bucket == nil {
		return fmt.Errorf("records bucket not found")
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = b.now()
	}

	id := []byte(rec.ID)

	// Drop index entries for the previous version, if any.
	if old := bucket.Get(id); old != nil {
		if err := b.removeIndexesInTx(tx, rec.ID, old); err != nil {
			return err
		}
	}

	val, err := b.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := bucket.Put(id, val); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}

	if typeBucket := tx.Bucket(bucketRecordsByType); typeBucket != nil {
		if err := typeBucket.Put(makeTypeKey(rec.Type, rec.ID), id); err != nil {
			return fmt.Errorf("putting type index: %w", err)
		}
	}

	tsBucket := tx.Bucket(bucketRecordsByTS)
	reverseBucket := tx.Bucket(bucketTSByID)
	if tsBucket != nil && reverseBucket != nil {
		if err := tsBucket.Put(makeTimestampKey(rec.Timestamp, rec.ID), id); err != nil {
			return fmt.Errorf("putting timestamp index: %w", err)
		}
		if err := reverseBucket.Put(id, encodeTimestamp(rec.Timestamp)); err != nil {
			return fmt.Errorf("putting timestamp reverse index: %w", err)
		}
	}

	return nil
}

// removeIndexesInTx removes secondary index entries for a stored value.
// The old frame header supplies the type; the reverse index supplies the
// timestamp, making overwrite re-indexing O(1).
func (b *BoltDB) removeIndexesInTx(tx *bbolt.Tx, id string, oldVal []byte) error {
	if typeBucket := tx.Bucket(bucketRecordsByType); typeBucket != nil {
		if hdr, err := headerOf(oldVal); err == nil {
			if err := typeBucket.Delete(makeTypeKey(hdr.Type, id)); err != nil {
				return fmt.Errorf("deleting type index: %w", err)
			}
		}
	}

	tsBucket := tx.Bucket(bucketRecordsByTS)
	reverseBucket := tx.Bucket(bucketTSByID)
	if tsBucket != nil && reverseBucket != nil {
		if tsBytes := reverseBucket.Get([]byte(id)); tsBytes != nil {
			oldTS := decodeTimestamp(tsBytes)
			if err := tsBucket.Delete(makeTimestampKey(oldTS, id)); err != nil {
				return fmt.Errorf("deleting timestamp index: %w", err)
			}
			if err := reverseBucket.Delete([]byte(id)); err != nil {
				return fmt.Errorf("deleting timestamp reverse index: %w", err)
			}
		}
	}

	return nil
}

// Delete removes a record and its index entries.
func (b *BoltDB) Delete(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.deleteInTx(tx, id)
	})
}

// DeleteBatch removes multiple records in one transaction.
func (b *BoltDB) DeleteBatch(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			if err := b.deleteInTx(tx, id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
		}
		return nil
	})
}

func (b *BoltDB) deleteInTx(tx *bbolt.Tx, id string) error {
	bucket := tx.Bucket(bucketRecords)
	if bucket == nil {
		return nil
	}

	old := bucket.Get([]byte(id))
	if old == nil {
		return nil
	}

	if err := b.removeIndexesInTx(tx, id, old); err != nil {
		return err
	}
	return bucket.Delete([]byte(id))
}

// List returns all records, optionally filtered. The filter runs after
// decoding; pass nil to list everything.
func (b *BoltDB) List(_ context.Context, filter func(*Record) bool) ([]*Record, error) {
	var records []*Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			rec, err := b.codec.Decode(string(k), v)
			if err != nil {
				b.logger.Warn("skipping undecodable record", "id", string(k), "error", err)
				continue
			}
			if filter != nil && !filter(rec) {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// OlderThan returns records written before the given time, oldest first,
// using the timestamp index as a range scan. limit <= 0 means no limit.
func (b *BoltDB) OlderThan(_ context.Context, before time.Time, limit int) ([]*Record, error) {
	var records []*Record
	cutoff := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		tsBucket := tx.Bucket(bucketRecordsByTS)
		bucket := tx.Bucket(bucketRecords)
		if tsBucket == nil || bucket == nil {
			return nil
		}

		cursor := tsBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff.
			if bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			if limit > 0 && len(records) >= limit {
				break
			}

			val := bucket.Get(v)
			if val == nil {
				continue
			}
			rec, err := b.codec.Decode(string(v), val)
			if err != nil {
				b.logger.Warn("skipping undecodable record", "id", string(v), "error", err)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Clear removes every record and index entry.
func (b *BoltDB) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketRecords,
			bucketRecordsByType,
			bucketRecordsByTS,
			bucketTSByID,
		}
		for _, name := range buckets {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("deleting bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Stats returns aggregate counts, using the type index for the per-type
// breakdown so no record payloads are decoded.
func (b *BoltDB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int)}

	err := b.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(bucketRecords); bucket != nil {
			stats.Total = bucket.Stats().KeyN
		}

		typeBucket := tx.Bucket(bucketRecordsByType)
		if typeBucket == nil {
			return nil
		}
		cursor := typeBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			typ, _ := parseTypeKey(k)
			stats.ByType[typ]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if b.db != nil {
		if fi, err := os.Stat(b.db.Path()); err == nil {
			stats.DBFileSize = fi.Size()
		}
	}

	return stats, nil
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
