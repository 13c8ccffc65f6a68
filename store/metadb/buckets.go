package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// bucketRecords holds the records themselves: id -> framed record.
	bucketRecords = []byte("records")

	// bucketRecordsByType is the type lookup index: type+id -> id.
	bucketRecordsByType = []byte("records_by_type")

	// bucketRecordsByTS orders records by write time: timestamp+id -> id.
	// Keys sort chronologically, so age sweeps are range scans.
	bucketRecordsByTS = []byte("records_by_ts")

	// bucketTSByID is the reverse timestamp index: id -> 8-byte timestamp.
	// Allows O(1) removal of the old records_by_ts entry on overwrite.
	bucketTSByID = []byte("record_ts_by_id")
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so lexicographic key order matches chronological order. Uses an
// offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeTypeKey creates a key for the records_by_type index.
// Format: [type][separator][id]
func makeTypeKey(typ, id string) []byte {
	result := make([]byte, len(typ)+1+len(id))
	copy(result, typ)
	result[len(typ)] = 0 // null separator
	copy(result[len(typ)+1:], id)
	return result
}

// parseTypeKey extracts type and id from a records_by_type index key.
func parseTypeKey(data []byte) (typ, id string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeTimestampKey creates a key for the records_by_ts index.
// Format: [8-byte timestamp][id]
func makeTimestampKey(ts time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	copy(key[:8], encodeTimestamp(ts))
	copy(key[8:], id)
	return key
}
