package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON decodes the value under key into a T. A value that does not decode
// is a miss.
func GetJSON[T any](ctx context.Context, s *Store, key string) (T, bool) {
	var v T
	data, ok := s.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		s.logger.Debug("decoding cached json", "key", key, "error", err)
		var zero T
		return zero, false
	}
	return v, true
}

// SetJSON stores v as JSON under key.
func SetJSON[T any](ctx context.Context, s *Store, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value %q: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// Remember returns the cached value for key, or computes it with fn, stores
// it for ttl and returns it. Concurrent misses for the same key share one
// call to fn. A failed store write still returns the computed value.
func Remember[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := GetJSON[T](ctx, s, key); ok {
		return v, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		if v, ok := GetJSON[T](ctx, s, key); ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		if err := SetJSON(ctx, s, key, v, ttl); err != nil {
			s.logger.Warn("storing computed value", "key", key, "error", err)
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("cache key %q shared by different value types", key)
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
