package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/artifact-mirror/telemetry"
)

// Reaper periodically removes expired entries.
type Reaper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper. The default interval is one hour.
func NewReaper(s *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:    s,
		interval: time.Hour,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "cache-reaper")
	return r
}

// Run reaps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("cache reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("cache reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.ReapNow(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("cache reap failed", "error", err)
			}
		}
	}
}

// ReapNow runs one cleanup cycle and returns the number of entries removed.
func (r *Reaper) ReapNow(ctx context.Context) (int, error) {
	start := time.Now()
	deleted, err := r.store.CleanExpired(ctx)
	telemetry.RecordReaperCycle(ctx, "cache", deleted, time.Since(start))
	if deleted > 0 {
		r.logger.Info("reaped expired cache entries", "deleted", deleted, "duration", time.Since(start))
	}
	return deleted, err
}
