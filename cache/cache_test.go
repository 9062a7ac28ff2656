package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/artifact-mirror/backend"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithNow(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	s, err := New(backend.NewInstrumentedBackend(fs, "cache"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock, fs
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, ok := s.Get(ctx, "missing")
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "listing:php", []byte(`{"entries":[]}`), time.Minute))
	v, ok := s.Get(ctx, "listing:php")
	require.True(t, ok)
	require.Equal(t, `{"entries":[]}`, string(v))
	require.True(t, s.Has(ctx, "listing:php"))

	require.NoError(t, s.Set(ctx, "listing:php", []byte("v2"), time.Minute))
	v, ok = s.Get(ctx, "listing:php")
	require.True(t, ok)
	require.Equal(t, "v2", string(v), "last writer wins")
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	s, _, fs := newTestStore(t)
	require.NoError(t, s.Set(ctx, "k", []byte("v"), NoExpiry))

	unit := unitKey("k")
	parts := strings.Split(unit, "/")
	require.Len(t, parts, 3)
	require.Equal(t, "entries", parts[0])
	require.Len(t, parts[2], 64)
	require.Equal(t, parts[2][:2], parts[1])

	data, err := os.ReadFile(fs.Path(unit))
	require.NoError(t, err)
	require.Equal(t, "MCE1", string(data[:4]))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock, fs := newTestStore(t)

	require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Second))
	clock.Advance(999 * time.Millisecond)
	require.True(t, s.Has(ctx, "short"))

	clock.Advance(time.Millisecond)
	require.True(t, s.Has(ctx, "short"), "valid at the instant it expires")

	clock.Advance(time.Millisecond)
	require.False(t, s.Has(ctx, "short"))
	_, err := os.Stat(fs.Path(unitKey("short")))
	require.True(t, os.IsNotExist(err), "expired entry evicted on read")

	require.NoError(t, s.Set(ctx, "again", []byte("x"), time.Second))
	clock.Advance(2 * time.Second)
	_, ok := s.Get(ctx, "again")
	require.False(t, ok)
	_, err = os.Stat(fs.Path(unitKey("again")))
	require.True(t, os.IsNotExist(err))
}

func TestExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)

	require.NoError(t, s.Set(ctx, "edge", []byte("x"), time.Second))
	clock.Advance(time.Second)

	removed, err := s.CleanExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Valid)

	v, ok := s.Get(ctx, "edge")
	require.True(t, ok)
	require.Equal(t, "x", string(v))
	require.True(t, s.Has(ctx, "edge"))

	clock.Advance(time.Millisecond)
	removed, err = s.CleanExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestNoExpiryAndDefaultTTL(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, WithDefaultTTL(time.Minute))

	require.NoError(t, s.Set(ctx, "forever", []byte("x"), NoExpiry))
	require.NoError(t, s.Set(ctx, "default", []byte("x"), 0))
	clock.Advance(24 * time.Hour)

	require.True(t, s.Has(ctx, "forever"))
	require.False(t, s.Has(ctx, "default"))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), NoExpiry))
	require.NoError(t, s.Delete(ctx, "k"))
	require.False(t, s.Has(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"), "idempotent")
}

func TestStatsAndCleanExpired(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, s.Set(ctx, "c", []byte("3"), time.Hour))
	require.NoError(t, s.Set(ctx, "d", []byte("4"), NoExpiry))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, st.Total)
	require.Equal(t, 4, st.Valid)
	require.Zero(t, st.Expired)
	require.Positive(t, st.SizeBytes)

	clock.Advance(2 * time.Minute)
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, st.Total)
	require.Equal(t, 2, st.Valid)
	require.Equal(t, 2, st.Expired, "expiry judged at call time")

	removed, err := s.CleanExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Valid: 2, SizeBytes: st.SizeBytes}, st)

	removed, err = s.CleanExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, k, []byte(k), NoExpiry))
	}

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Total)
}

func TestCorruptUnitIsMiss(t *testing.T) {
	ctx := context.Background()
	s, _, fs := newTestStore(t)

	require.NoError(t, s.Set(ctx, "k", []byte("value"), NoExpiry))
	path := fs.Path(unitKey("k"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, ok := s.Get(ctx, "k")
	require.False(t, ok)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "corrupt entry evicted")

	require.NoError(t, os.MkdirAll(filepath.Dir(fs.Path(unitKey("junk"))), 0o755))
	require.NoError(t, os.WriteFile(fs.Path(unitKey("junk")), []byte("not a cache file"), 0o644))
	_, ok = s.Get(ctx, "junk")
	require.False(t, ok)

	removed, err := s.CleanExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestLargeValueCompressed(t *testing.T) {
	ctx := context.Background()
	s, _, fs := newTestStore(t)

	value := []byte(strings.Repeat("php-8.3.21.tar.gz ", 1000))
	require.NoError(t, s.Set(ctx, "big", value, NoExpiry))

	info, err := os.Stat(fs.Path(unitKey("big")))
	require.NoError(t, err)
	require.Less(t, info.Size(), int64(len(value)))

	got, ok := s.Get(ctx, "big")
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	type point struct{ X, Y int }
	require.NoError(t, SetJSON(ctx, s, "p", point{1, 2}, NoExpiry))
	p, ok := GetJSON[point](ctx, s, "p")
	require.True(t, ok)
	require.Equal(t, point{1, 2}, p)

	require.NoError(t, s.Set(ctx, "bad", []byte("{"), NoExpiry))
	_, ok = GetJSON[point](ctx, s, "bad")
	require.False(t, ok)
}

func TestRemember(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)

	var calls atomic.Int32
	compute := func(context.Context) (int, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return 42, nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Remember(ctx, s, "answer", time.Minute, compute)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, calls.Load())

	clock.Advance(2 * time.Minute)
	v, err := Remember(ctx, s, "answer", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.EqualValues(t, 2, calls.Load())

	boom := errors.New("boom")
	_, err = Remember(ctx, s, "fails", time.Minute, func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, s.Has(ctx, "fails"))
}

func TestReaper(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t)
	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), NoExpiry))
	clock.Advance(time.Minute)

	r := NewReaper(s, WithReaperInterval(time.Hour), WithReaperLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	n, err := r.ReapNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		r.Run(runCtx)
		close(done)
	}()
	cancel()
	<-done
}

// syncBuffer collects log output from concurrent goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func valueFor(key string) []byte {
	if strings.HasSuffix(key, "0") {
		return []byte(strings.Repeat(key+" listing ", 500))
	}
	return []byte("value of " + key)
}

func TestConcurrentDistinctKeys(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := "listing:" + strconv.Itoa(w*5)
			for i := range 50 {
				value := append(valueFor(key), byte(i))
				if !assert.NoError(t, s.Set(ctx, key, value, time.Minute)) {
					return
				}
				got, ok := s.Get(ctx, key)
				assert.True(t, ok)
				assert.Equal(t, value, got)
			}
		}()
	}
	wg.Wait()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, st.Valid)
}

func TestConcurrentSetDuringClearAndClean(t *testing.T) {
	ctx := context.Background()
	logs := &syncBuffer{}
	s, clock, _ := newTestStore(t, WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	stop := make(chan struct{})
	cleanerDone := make(chan struct{})
	go func() {
		defer close(cleanerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := s.Clear(ctx)
			assert.NoError(t, err)
			clock.Advance(time.Millisecond)
			_, err = s.CleanExpired(ctx)
			assert.NoError(t, err)
			_, err = s.Stats(ctx)
			assert.NoError(t, err)
		}
	}()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := "k" + strconv.Itoa((w*100+i)%16)
				ttl := NoExpiry
				if i%3 == 0 {
					ttl = time.Millisecond
				}
				if !assert.NoError(t, s.Set(ctx, key, valueFor(key), ttl)) {
					return
				}
				if got, ok := s.Get(ctx, key); ok {
					assert.Equal(t, valueFor(key), got)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-cleanerDone

	require.NotContains(t, logs.String(), "decoding cache")
}
