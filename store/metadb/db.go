package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB provides durable storage for metadata records.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Single-record operations
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error

	// Update performs read-modify-write in a single transaction. fn
	// receives the current record (nil if absent); returning nil deletes
	// the entry, returning a record stores it.
	Update(ctx context.Context, id string, fn func(existing *Record) (*Record, error)) error

	// Batch operations, each in one transaction
	GetBatch(ctx context.Context, ids []string) (map[string]*Record, error)
	UpdateBatch(ctx context.Context, ids []string, fn func(id string, existing *Record) (*Record, error)) error
	DeleteBatch(ctx context.Context, ids []string) error

	// Scans
	List(ctx context.Context, filter func(*Record) bool) ([]*Record, error)
	OlderThan(ctx context.Context, before time.Time, limit int) ([]*Record, error)

	// Maintenance
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
}

// New creates a new MetaDB backed by bbolt.
func New() MetaDB {
	return NewBoltDB()
}
