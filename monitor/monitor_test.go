package monitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/artifact-mirror/backend"
	"github.com/wolfeidau/artifact-mirror/cache"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticSampler struct {
	mu  sync.Mutex
	res Resources
}

func (s *staticSampler) Sample(context.Context) (Resources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res, nil
}

func (s *staticSampler) set(r Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res = r
}

func writeFile(t *testing.T, root, rel string, size int, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	c, err := cache.New(fs, cache.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type env struct {
	root    string
	clock   *testClock
	sampler *staticSampler
	cache   *cache.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		root:    t.TempDir(),
		clock:   &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		sampler: &staticSampler{res: Resources{CPUPercent: 12, MemoryPercent: 40, DiskPercent: 55}},
		cache:   newTestCache(t),
	}
}

func (e *env) monitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()
	opts = append([]Option{
		WithLogger(discard),
		WithNow(e.clock.Now),
		WithSampler(e.sampler),
		WithCache(e.cache),
	}, opts...)
	m, err := New(context.Background(), e.root, opts...)
	require.NoError(t, err)
	return m
}

func TestInventory(t *testing.T) {
	e := newEnv(t)
	newest := e.clock.Now().Add(-2 * time.Hour)
	writeFile(t, e.root, "php/php-8.3.21.tar.gz", 100, newest.Add(-time.Hour))
	writeFile(t, e.root, "php/8.1/php-8.1.0.tar.gz", 50, newest)
	writeFile(t, e.root, "composer/composer.phar", 25, newest.Add(-3*time.Hour))
	writeFile(t, e.root, "README", 5, newest.Add(-4*time.Hour))
	writeFile(t, e.root, "php/.tmp-123", 1000, e.clock.Now())
	writeFile(t, e.root, ".hidden/secret", 1000, e.clock.Now())

	m := e.monitor(t)
	s, err := m.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, e.clock.Now(), s.Timestamp)
	assert.Equal(t, Resources{CPUPercent: 12, MemoryPercent: 40, DiskPercent: 55}, s.Resources)
	assert.Equal(t, int64(180), s.Inventory.TotalSize)
	assert.Equal(t, 4, s.Inventory.TotalFiles)
	assert.True(t, newest.Equal(s.Inventory.LastUpdate), "last update %s", s.Inventory.LastUpdate)
	assert.Equal(t, map[string]int{"php": 2, "composer": 1, "other": 1}, s.Inventory.Categories)
}

func TestInventoryEmptyRoot(t *testing.T) {
	inv, err := walkInventory(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Zero(t, inv.TotalFiles)
	assert.True(t, inv.LastUpdate.IsZero())
}

func TestHistoryIsBounded(t *testing.T) {
	e := newEnv(t)
	m := e.monitor(t, WithHistorySize(3), WithInventoryTTL(0))
	ctx := context.Background()

	for i := range 5 {
		e.sampler.set(Resources{CPUPercent: float64(i)})
		_, err := m.Sample(ctx)
		require.NoError(t, err)
		e.clock.Advance(time.Minute)
	}

	h := m.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, 2.0, h[0].Resources.CPUPercent)
	assert.Equal(t, 4.0, h[2].Resources.CPUPercent)

	latest, err := m.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, latest.Resources.CPUPercent)
}

func TestHistoryWindow(t *testing.T) {
	e := newEnv(t)
	m := e.monitor(t, WithInventoryTTL(0))
	ctx := context.Background()

	for range 6 {
		_, err := m.Sample(ctx)
		require.NoError(t, err)
		e.clock.Advance(20 * time.Minute)
	}
	// Samples at t0..t0+100m, now is t0+120m.
	assert.Len(t, m.History(time.Hour), 3)
	assert.Len(t, m.History(0), 6)
	assert.Empty(t, m.History(time.Minute))
}

func TestLatestSamplesWhenEmpty(t *testing.T) {
	e := newEnv(t)
	m := e.monitor(t)

	require.Empty(t, m.History(0))
	s, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.clock.Now(), s.Timestamp)
	assert.Len(t, m.History(0), 1)
}

func TestHistoryPersists(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.monitor(t, WithInventoryTTL(0))
	for i := range 3 {
		e.sampler.set(Resources{DiskPercent: float64(10 * (i + 1))})
		_, err := m.Sample(ctx)
		require.NoError(t, err)
		e.clock.Advance(time.Minute)
	}

	restored := e.monitor(t, WithHistorySize(2))
	h := restored.History(0)
	require.Len(t, h, 2)
	assert.Equal(t, 20.0, h[0].Resources.DiskPercent)
	assert.Equal(t, 30.0, h[1].Resources.DiskPercent)
}

func TestInventoryIsMemoized(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	writeFile(t, e.root, "php/a.tar.gz", 10, e.clock.Now())

	m := e.monitor(t)
	first, err := m.Sample(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Inventory.TotalFiles)

	writeFile(t, e.root, "php/b.tar.gz", 10, e.clock.Now())
	second, err := m.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Inventory.TotalFiles)

	fresh := e.monitor(t, WithInventoryTTL(0))
	third, err := fresh.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Inventory.TotalFiles)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	writeFile(t, e.root, "php/a.tar.gz", 10, e.clock.Now().Add(-time.Hour))

	m := e.monitor(t, WithInventoryTTL(0))
	ctx := context.Background()

	h, err := m.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Health{
		Overall:         StatusHealthy,
		CPU:             StatusNormal,
		Memory:          StatusNormal,
		Disk:            StatusNormal,
		MirrorFreshness: StatusFresh,
		SampledAt:       e.clock.Now(),
	}, h)

	e.sampler.set(Resources{DiskPercent: 93})
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	h, err = m.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHigh, h.Disk)
	assert.Equal(t, StatusWarning, h.Overall)
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := Inventory{LastUpdate: now.Add(-time.Hour)}

	tests := []struct {
		name   string
		sample Sample
		th     Thresholds
		want   Health
	}{
		{
			name:   "all normal",
			sample: Sample{Resources: Resources{CPUPercent: 10, MemoryPercent: 20, DiskPercent: 30}, Inventory: fresh},
			want:   Health{Overall: StatusHealthy, CPU: StatusNormal, Memory: StatusNormal, Disk: StatusNormal, MirrorFreshness: StatusFresh},
		},
		{
			name:   "disk at threshold",
			sample: Sample{Resources: Resources{DiskPercent: 90}, Inventory: fresh},
			want:   Health{Overall: StatusWarning, CPU: StatusNormal, Memory: StatusNormal, Disk: StatusHigh, MirrorFreshness: StatusFresh},
		},
		{
			name:   "cpu over custom threshold",
			sample: Sample{Resources: Resources{CPUPercent: 60}, Inventory: fresh},
			th:     Thresholds{CPUPercent: 50},
			want:   Health{Overall: StatusWarning, CPU: StatusHigh, Memory: StatusNormal, Disk: StatusNormal, MirrorFreshness: StatusFresh},
		},
		{
			name:   "memory high",
			sample: Sample{Resources: Resources{MemoryPercent: 99}, Inventory: fresh},
			want:   Health{Overall: StatusWarning, CPU: StatusNormal, Memory: StatusHigh, Disk: StatusNormal, MirrorFreshness: StatusFresh},
		},
		{
			name:   "stale mirror",
			sample: Sample{Inventory: Inventory{LastUpdate: now.Add(-25 * time.Hour)}},
			want:   Health{Overall: StatusWarning, CPU: StatusNormal, Memory: StatusNormal, Disk: StatusNormal, MirrorFreshness: StatusOutdated},
		},
		{
			name:   "no data is outdated",
			sample: Sample{},
			want:   Health{Overall: StatusWarning, CPU: StatusNormal, Memory: StatusNormal, Disk: StatusNormal, MirrorFreshness: StatusOutdated},
		},
		{
			name:   "custom staleness",
			sample: Sample{Inventory: fresh},
			th:     Thresholds{MaxStaleness: 30 * time.Minute},
			want:   Health{Overall: StatusWarning, CPU: StatusNormal, Memory: StatusNormal, Disk: StatusNormal, MirrorFreshness: StatusOutdated},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.sample, tt.th, now))
		})
	}
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	m := e.monitor(t, WithInterval(10*time.Millisecond), WithInventoryTTL(0))

	m.Start(context.Background())
	require.Eventually(t, func() bool { return len(m.History(0)) >= 2 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	n := len(m.History(0))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, m.History(0), n)
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	_, ok := r.last()
	require.False(t, ok)

	for i := 1; i <= 4; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{2, 3, 4}, r.items())
	last, ok := r.last()
	require.True(t, ok)
	assert.Equal(t, 4, last)
	assert.Equal(t, 3, r.len())
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, clampPercent(-3))
	assert.Equal(t, 100.0, clampPercent(140))
	assert.Equal(t, 42.5, clampPercent(42.5))
}
