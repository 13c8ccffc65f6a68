// Package metadb provides durable metadata record storage using bbolt.
package metadb

import (
	"time"

	metacache "github.com/strmkit/metacache"
)

// Record is the unit of storage: one per content id, upserted on write.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      *metacache.Meta `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stats contains aggregate counts over the stored records.
type Stats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	DBFileSize int64          `json:"db_file_size"`
}
