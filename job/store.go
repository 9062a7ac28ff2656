package job

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	MirrorType string
	Status     []Status
	// Limit caps the number of jobs returned. Zero means no limit.
	Limit int
}

func (f Filter) match(j *Job) bool {
	if f.MirrorType != "" && j.MirrorType != f.MirrorType {
		return false
	}
	if len(f.Status) > 0 && !slices.Contains(f.Status, j.Status) {
		return false
	}
	return true
}

// Store persists jobs.
//
// Claim is an atomic compare-and-set: at most one caller succeeds for a
// claimable job. Update is a read-modify-write that rejects terminal records
// with ErrTerminal before fn runs.
type Store interface {
	// Create assigns the next id to j and stores it.
	Create(ctx context.Context, j *Job) (uint64, error)
	Get(ctx context.Context, id uint64) (*Job, error)
	// List returns matching jobs, newest first.
	List(ctx context.Context, f Filter) ([]*Job, error)
	Claim(ctx context.Context, id uint64, owner string, lease time.Duration) (*Job, error)
	Update(ctx context.Context, id uint64, fn func(*Job) error) (*Job, error)
	// FindActive returns the newest pending or running job for mirrorType,
	// or ErrNotFound.
	FindActive(ctx context.Context, mirrorType string) (*Job, error)
	// Runnable returns ids of claimable jobs, oldest first.
	Runnable(ctx context.Context, limit int) ([]uint64, error)
	Close() error
}

// StoreOption configures a Store implementation.
type StoreOption func(*storeConfig)

type storeConfig struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = l
	}
}

// WithNow sets the clock used for claims and leases.
func WithNow(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}

func newStoreConfig(opts []StoreOption) storeConfig {
	c := storeConfig{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	c.logger = c.logger.With("component", "jobstore")
	return c
}

var activeStatuses = []Status{StatusPending, StatusRunning}
