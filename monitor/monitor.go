// Package monitor samples system load and the size of the mirrored content
// tree on a fixed cadence, keeps a bounded history of samples, and derives a
// health verdict from the latest one.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mirror "github.com/wolfeidau/artifact-mirror"
	"github.com/wolfeidau/artifact-mirror/cache"
	"github.com/wolfeidau/artifact-mirror/telemetry"
)

const (
	DefaultInterval     = time.Minute
	DefaultHistorySize  = 1440
	DefaultInventoryTTL = 5 * time.Minute

	historyKey   = "monitor:history"
	inventoryKey = "monitor:inventory"

	// otherCategory counts files that sit directly under the content root.
	otherCategory = "other"
)

// Resources is system utilisation in percent.
type Resources struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Inventory describes the content tree.
type Inventory struct {
	TotalSize  int64          `json:"total_size"`
	TotalFiles int            `json:"total_files"`
	LastUpdate time.Time      `json:"last_update"`
	Categories map[string]int `json:"categories"`
}

// Sample is one observation.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Resources Resources `json:"resources"`
	Inventory Inventory `json:"inventory"`
}

// ResourceSampler reads current system utilisation.
type ResourceSampler interface {
	Sample(ctx context.Context) (Resources, error)
}

// diskOnly reports disk usage and leaves cpu and memory at zero.
type diskOnly struct {
	root string
}

func (d diskOnly) Sample(context.Context) (Resources, error) {
	p, err := diskPercent(d.root)
	if err != nil {
		return Resources{}, err
	}
	return Resources{DiskPercent: p}, nil
}

// Monitor owns the sample history.
type Monitor struct {
	root         string
	cache        *cache.Store
	sampler      ResourceSampler
	thresholds   Thresholds
	interval     time.Duration
	historySize  int
	inventoryTTL time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	history *ring[Sample]

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithCache persists history and memoizes inventory walks in c.
func WithCache(c *cache.Store) Option {
	return func(m *Monitor) {
		m.cache = c
	}
}

// WithSampler replaces the platform resource sampler.
func WithSampler(s ResourceSampler) Option {
	return func(m *Monitor) {
		m.sampler = s
	}
}

// WithThresholds sets the health thresholds. Zero fields keep their defaults.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		m.thresholds = t.withDefaults()
	}
}

// WithInterval sets the sampling cadence used by Start.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithHistorySize bounds the number of retained samples.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithInventoryTTL sets how long a content tree walk is reused. Zero or
// negative walks the tree on every sample.
func WithInventoryTTL(d time.Duration) Option {
	return func(m *Monitor) {
		m.inventoryTTL = d
	}
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a Monitor over the content root and restores any persisted
// history.
func New(ctx context.Context, root string, opts ...Option) (*Monitor, error) {
	if root == "" {
		return nil, errors.New("monitor: content root is required")
	}
	m := &Monitor{
		root:         root,
		thresholds:   DefaultThresholds(),
		interval:     DefaultInterval,
		historySize:  DefaultHistorySize,
		inventoryTTL: DefaultInventoryTTL,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "monitor")
	if m.sampler == nil {
		m.sampler = newSystemSampler(root, m.logger)
	}

	m.history = newRing[Sample](m.historySize)
	if m.cache != nil {
		if saved, ok := cache.GetJSON[[]Sample](ctx, m.cache, historyKey); ok {
			for _, s := range saved {
				m.history.push(s)
			}
			m.logger.Debug("restored monitor history", "samples", m.history.len())
		}
	}
	return m, nil
}

// Sample takes an observation, appends it to the history and persists the
// history.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	res, err := m.sampler.Sample(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sampling resources: %w", err)
	}
	inv, err := m.inventory(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("walking content root: %w", err)
	}
	s := Sample{Timestamp: m.now().UTC(), Resources: res, Inventory: inv}

	m.mu.Lock()
	m.history.push(s)
	if m.cache != nil {
		if err := cache.SetJSON(ctx, m.cache, historyKey, m.history.items(), cache.NoExpiry); err != nil {
			m.logger.Warn("persisting monitor history failed", "error", err)
		}
	}
	m.mu.Unlock()

	telemetry.RecordMonitorSample(ctx, res.CPUPercent, res.MemoryPercent, res.DiskPercent, inv.TotalSize, inv.Categories)
	return s, nil
}

// Latest returns the newest sample, taking one if the history is empty.
func (m *Monitor) Latest(ctx context.Context) (Sample, error) {
	m.mu.Lock()
	s, ok := m.history.last()
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	return m.Sample(ctx)
}

// History returns samples taken within the trailing window d, oldest first.
// A non-positive d returns the whole history.
func (m *Monitor) History(d time.Duration) []Sample {
	m.mu.Lock()
	all := m.history.items()
	m.mu.Unlock()
	if d <= 0 {
		return all
	}
	cutoff := m.now().Add(-d)
	out := make([]Sample, 0, len(all))
	for _, s := range all {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Health evaluates the latest sample against the configured thresholds.
func (m *Monitor) Health(ctx context.Context) (Health, error) {
	s, err := m.Latest(ctx)
	if err != nil {
		return Health{}, err
	}
	return Evaluate(s, m.thresholds, m.now()), nil
}

// Start samples immediately and then on every interval until Stop or ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Debug("monitor started", "interval", m.interval)
		m.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("monitor stopped")
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
	})
}

func (m *Monitor) tick(ctx context.Context) {
	if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("monitor sample failed", "error", err)
	}
}

func (m *Monitor) inventory(ctx context.Context) (Inventory, error) {
	if m.cache == nil || m.inventoryTTL <= 0 {
		return walkInventory(ctx, m.root)
	}
	return cache.Remember(ctx, m.cache, inventoryKey, m.inventoryTTL, func(ctx context.Context) (Inventory, error) {
		return walkInventory(ctx, m.root)
	})
}

// walkInventory totals regular files under root. Hidden entries, including
// staged downloads, are skipped.
func walkInventory(ctx context.Context, root string) (Inventory, error) {
	inv := Inventory{Categories: map[string]int{}}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if mirror.IsHidden(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		inv.TotalFiles++
		inv.TotalSize += info.Size()
		if mt := info.ModTime().UTC(); mt.After(inv.LastUpdate) {
			inv.LastUpdate = mt
		}
		category := otherCategory
		if top, _, nested := strings.Cut(rel, "/"); nested {
			category = top
		}
		inv.Categories[category]++
		return nil
	})
	if err != nil {
		return Inventory{}, err
	}
	return inv, nil
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 100)
}
