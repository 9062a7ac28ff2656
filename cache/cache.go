// Package cache is a key/value store with per-entry expiry, kept as one
// framed file per key under a storage backend.
//
// Reads never fail: missing, expired, corrupted or unreadable entries are all
// misses. Expired entries are deleted lazily on read and in bulk by
// CleanExpired.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"golang.org/x/sync/singleflight"

	mirror "github.com/wolfeidau/artifact-mirror"
	"github.com/wolfeidau/artifact-mirror/backend"
	"github.com/wolfeidau/artifact-mirror/telemetry"
)

// NoExpiry stores an entry that never expires.
const NoExpiry time.Duration = -1

const entriesPrefix = "entries"

// Stats summarizes the store at call time.
type Stats struct {
	Total     int   `json:"total"`
	Valid     int   `json:"valid"`
	Expired   int   `json:"expired"`
	SizeBytes int64 `json:"size_bytes"`
}

// Store is the cache.
type Store struct {
	backend    backend.Backend
	codec      *codec
	group      singleflight.Group
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithNow sets the clock used for expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithDefaultTTL sets the lifetime used when Set is called with a zero TTL.
// A zero default means such entries never expire.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		s.defaultTTL = d
	}
}

// New creates a Store over b.
func New(b backend.Backend, opts ...Option) (*Store, error) {
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend: b,
		codec:   c,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache")
	return s, nil
}

// Close releases the codec.
func (s *Store) Close() error {
	s.codec.close()
	return nil
}

// unitKey maps a cache key to its storage unit: entries/<hex[:2]>/<hex>.
func unitKey(key string) string {
	h := mirror.HashString(key)
	return path.Join(entriesPrefix, h.Dir(), h.String())
}

// expired reports whether h is strictly past its expiry. An entry is still
// valid at the instant it expires.
func (s *Store) expired(h header, now time.Time) bool {
	return h.ExpiresAt != 0 && now.UnixMilli() > h.ExpiresAt
}

// load reads and frames a unit. Any failure is a miss.
func (s *Store) load(ctx context.Context, unit string) (header, []byte, bool) {
	rc, err := s.backend.Read(ctx, unit)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			s.logger.Debug("reading cache unit", "unit", unit, "error", err)
		}
		return header{}, nil, false
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxValueSize+maxHeaderSize+8))
	if err != nil {
		s.logger.Debug("reading cache unit", "unit", unit, "error", err)
		return header{}, nil, false
	}

	h, body, err := decodeHeader(data)
	if err != nil {
		s.logger.Debug("decoding cache unit", "unit", unit, "error", err)
		return header{}, nil, false
	}
	return h, body, true
}

func (s *Store) evict(ctx context.Context, unit string) {
	if err := s.backend.Delete(ctx, unit); err != nil {
		s.logger.Debug("evicting cache unit", "unit", unit, "error", err)
	}
}

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	unit := unitKey(key)
	h, body, ok := s.load(ctx, unit)
	if !ok {
		telemetry.RecordCacheOp(ctx, "get", "miss")
		return nil, false
	}
	if h.Key != key {
		telemetry.RecordCacheOp(ctx, "get", "miss")
		return nil, false
	}
	if s.expired(h, s.now()) {
		s.evict(ctx, unit)
		telemetry.RecordCacheOp(ctx, "get", "expired")
		return nil, false
	}

	value, err := s.codec.decodeBody(h, body)
	if err != nil {
		s.logger.Debug("decoding cache value", "key", key, "error", err)
		s.evict(ctx, unit)
		telemetry.RecordCacheOp(ctx, "get", "corrupt")
		return nil, false
	}
	telemetry.RecordCacheOp(ctx, "get", "hit")
	return value, true
}

// Set stores value under key. A zero ttl uses the default TTL and NoExpiry
// (or any negative ttl) keeps the entry forever.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	h := header{Key: key, CreatedAt: now.UnixMilli()}
	if ttl > 0 {
		h.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	unit, err := s.codec.encode(h, value)
	if err != nil {
		return fmt.Errorf("encoding cache entry %q: %w", key, err)
	}
	if err := s.backend.Write(ctx, unitKey(key), bytes.NewReader(unit)); err != nil {
		telemetry.RecordCacheOp(ctx, "set", "error")
		return fmt.Errorf("writing cache entry %q: %w", key, err)
	}
	telemetry.RecordCacheOp(ctx, "set", "ok")
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, unitKey(key)); err != nil {
		return fmt.Errorf("deleting cache entry %q: %w", key, err)
	}
	telemetry.RecordCacheOp(ctx, "delete", "ok")
	return nil
}

// Has reports whether key holds an unexpired entry. Expired entries are
// evicted.
func (s *Store) Has(ctx context.Context, key string) bool {
	unit := unitKey(key)
	h, _, ok := s.load(ctx, unit)
	if !ok || h.Key != key {
		return false
	}
	if s.expired(h, s.now()) {
		s.evict(ctx, unit)
		return false
	}
	return true
}

func (s *Store) units(ctx context.Context) ([]string, error) {
	units, err := s.backend.List(ctx, entriesPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	return units, nil
}

// Clear removes every entry and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	units, err := s.units(ctx)
	if err != nil {
		return 0, err
	}
	var removed int
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.backend.Delete(ctx, unit); err != nil {
			return removed, fmt.Errorf("clearing cache: %w", err)
		}
		removed++
	}
	s.logger.Info("cache cleared", "removed", removed)
	return removed, nil
}

// Stats counts entries, judging expiry at call time. Unreadable units count
// as expired since the next read treats them as a miss.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	units, err := s.units(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := s.now()
	var st Stats
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		info, err := s.backend.Stat(ctx, unit)
		if err != nil {
			// Removed by a concurrent delete.
			continue
		}
		st.Total++
		st.SizeBytes += info.Size

		h, _, ok := s.load(ctx, unit)
		if !ok || s.expired(h, now) {
			st.Expired++
			continue
		}
		st.Valid++
	}
	return st, nil
}

// CleanExpired deletes expired and unreadable entries and returns how many
// were removed.
func (s *Store) CleanExpired(ctx context.Context) (int, error) {
	units, err := s.units(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var removed int
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		h, _, ok := s.load(ctx, unit)
		if ok && !s.expired(h, now) {
			continue
		}
		if err := s.backend.Delete(ctx, unit); err != nil {
			return removed, fmt.Errorf("deleting expired entry: %w", err)
		}
		removed++
	}
	return removed, nil
}
