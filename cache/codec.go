package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the smallest value that is considered for zstd.
	CompressionThreshold = 2048

	// MaxValueSize caps both stored and decompressed values.
	MaxValueSize = 64 << 20

	// maxHeaderSize bounds the JSON header so a corrupt length cannot force
	// a large allocation.
	maxHeaderSize = 64 << 10
)

var magic = [4]byte{'M', 'C', 'E', '1'}

var (
	// ErrCorrupted is returned when a unit fails framing or digest checks.
	ErrCorrupted = errors.New("cache entry corrupted")

	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("cache value exceeds maximum size")
)

// Encoding is the body encoding recorded in the header.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

// header precedes the body in every storage unit. Times are unix
// milliseconds; ExpiresAt zero means the entry never expires.
type header struct {
	Key       string   `json:"key"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at"`
	Encoding  Encoding `json:"encoding"`
	Digest    string   `json:"digest"`
	Size      int      `json:"size"`
}

// codec frames values as magic, a big-endian header length, the JSON header
// and the body.
type codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxValueSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
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

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// encode fills in Encoding, Digest and Size on h and returns the framed unit.
func (c *codec) encode(h header, value []byte) ([]byte, error) {
	if len(value) > MaxValueSize {
		return nil, ErrValueTooLarge
	}

	h.Digest = digest(value)
	h.Size = len(value)
	h.Encoding = EncodingIdentity
	body := value

	if len(value) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(value, nil); len(compressed) < len(value) {
				body = compressed
				h.Encoding = EncodingZstd
			}
		}
	}

	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(magic) + 4 + len(hdr) + len(body))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(hdr)))
	buf.Write(hdr)
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeHeader parses the header and returns it with the raw body.
func decodeHeader(unit []byte) (header, []byte, error) {
	if len(unit) < len(magic)+4 || !bytes.Equal(unit[:len(magic)], magic[:]) {
		return header{}, nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	n := binary.BigEndian.Uint32(unit[len(magic):])
	rest := unit[len(magic)+4:]
	if n > maxHeaderSize || int(n) > len(rest) {
		return header{}, nil, fmt.Errorf("%w: header length %d", ErrCorrupted, n)
	}

	var h header
	if err := json.Unmarshal(rest[:n], &h); err != nil {
		return header{}, nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return h, rest[n:], nil
}

// decodeBody restores the value and verifies its digest.
func (c *codec) decodeBody(h header, body []byte) ([]byte, error) {
	var value []byte
	switch h.Encoding {
	case EncodingIdentity, "":
		value = body
	case EncodingZstd:
		if h.Size > MaxValueSize {
			return nil, ErrValueTooLarge
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder closed")
		}
		var err error
		value, err = dec.DecodeAll(body, make([]byte, 0, h.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrCorrupted, h.Encoding)
	}

	if len(value) != h.Size || digest(value) != h.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
	}
	return value, nil
}
