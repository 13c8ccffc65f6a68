package metadb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	metacache "github.com/strmkit/metacache"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// MaxHeaderSize is the maximum allowed size for the frame header.
	MaxHeaderSize = 64 * 1024
)

// Payload encodings recorded in the frame header.
const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

var (
	// frameMagic is the 4-byte prefix for framed record values.
	frameMagic = []byte("MCR1")

	// ErrInvalidFrame is returned when a stored value is not a valid frame.
	ErrInvalidFrame = errors.New("invalid record frame")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// recordHeader is the JSON frame header stored ahead of the payload.
type recordHeader struct {
	Type            string `json:"type"`
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
	Encoding        string `json:"encoding"`
	PayloadSize     int    `json:"payload_size"`
	PayloadDigest   string `json:"payload_digest"`
}

// Codec encodes records into framed, optionally zstd-compressed values.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | header JSON | payload.
// Encoder and decoder are goroutine-safe and reused across operations.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames a record for storage.
func (c *Codec) Encode(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	hdr := recordHeader{
		Type:            rec.Type,
		TimestampUnixMs: rec.Timestamp.UnixMilli(),
		Encoding:        encodingIdentity,
		PayloadSize:     len(payload),
		PayloadDigest:   metacache.HashBytes(payload).String(),
	}

	if len(payload) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(payload, nil)
			if len(compressed) < len(payload) {
				payload = compressed
				hdr.Encoding = encodingZstd
			}
		}
	}

	headerBytes, err := json.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header too large", ErrInvalidFrame)
	}

	out := make([]byte, 0, 4+4+len(headerBytes)+len(payload))
	out = append(out, frameMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(headerBytes))) //nolint:gosec // bounds-checked above
	out = append(out, headerBytes...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses a framed record value.
func (c *Codec) Decode(id string, data []byte) (*Record, error) {
	hdr, payload, err := splitFrame(data)
	if err != nil {
		return nil, err
	}

	if hdr.Encoding == encodingZstd {
		if hdr.PayloadSize > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, fmt.Errorf("decoding record %s: codec closed", id)
		}
		payload, err = dec.DecodeAll(payload, make([]byte, 0, hdr.PayloadSize))
		if err != nil {
			return nil, fmt.Errorf("decompressing record %s: %w", id, err)
		}
		if len(payload) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
	}

	if hdr.PayloadDigest != "" && metacache.HashBytes(payload).String() != hdr.PayloadDigest {
		return nil, fmt.Errorf("record %s: %w", id, ErrCorrupted)
	}

	var data2 metacache.Meta
	if err := json.Unmarshal(payload, &data2); err != nil {
		return nil, fmt.Errorf("unmarshaling record %s: %w", id, err)
	}

	return &Record{
		ID:        id,
		Type:      hdr.Type,
		Data:      &data2,
		Timestamp: time.UnixMilli(hdr.TimestampUnixMs).UTC(),
	}, nil
}

// headerOf parses only the frame header, without touching the payload.
// Used on overwrite to locate the old index entries cheaply.
func headerOf(data []byte) (*recordHeader, error) {
	hdr, _, err := splitFrame(data)
	return hdr, err
}

func splitFrame(data []byte) (*recordHeader, []byte, error) {
	if len(data) < 8 || !bytes.Equal(data[:4], frameMagic) {
		return nil, nil, ErrInvalidFrame
	}
	headerLen := binary.BigEndian.Uint32(data[4:8])
	if headerLen > MaxHeaderSize || int(8+headerLen) > len(data) {
		return nil, nil, ErrInvalidFrame
	}

	var hdr recordHeader
	if err := json.Unmarshal(data[8:8+headerLen], &hdr); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling frame header: %w", err)
	}
	return &hdr, data[8+headerLen:], nil
}
