package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/artifact-mirror/backend"
	"github.com/wolfeidau/artifact-mirror/catalog"
	"github.com/wolfeidau/artifact-mirror/fetch"
	"github.com/wolfeidau/artifact-mirror/syncer"
	"github.com/wolfeidau/artifact-mirror/validate"
)

var gzipBody = append([]byte{0x1f, 0x8b, 0x08}, []byte("compressed payload")...)

// bodyFetcher writes the next body from a script per URL; the last body
// repeats.
type bodyFetcher struct {
	mu     sync.Mutex
	bodies map[string][][]byte
	calls  map[string]int
}

func (f *bodyFetcher) Fetch(_ context.Context, url, dest string, _ fetch.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	script, ok := f.bodies[url]
	if !ok {
		return &fetch.Error{URL: url, StatusCode: 404, Reason: "Not Found"}
	}
	n := f.calls[url]
	f.calls[url]++
	return os.WriteFile(dest, script[min(n, len(script)-1)], 0o644)
}

type runnerEnv struct {
	store Store
	fs    *backend.Filesystem
	exec  *syncer.Executor
}

func newRunnerEnv(t *testing.T, f fetch.Fetcher) runnerEnv {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return runnerEnv{
		store: newTestBoltStore(t, &testClock{now: time.Now()}),
		fs:    fs,
		exec:  syncer.New(f, validate.New(validate.WithLogger(discard)), fs, syncer.WithLogger(discard)),
	}
}

func newTestCatalog(t *testing.T, mirrors ...catalog.Mirror) *catalog.Static {
	t.Helper()
	c, err := catalog.NewStatic(mirrors, catalog.Settings{MaxRetries: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return c
}

func createJob(t *testing.T, s Store, mirrorType string, force bool) uint64 {
	t.Helper()
	id, err := s.Create(context.Background(), New(mirrorType, force, time.Now()))
	require.NoError(t, err)
	return id
}

func messages(j *Job) []string {
	out := make([]string, len(j.Log))
	for i, e := range j.Log {
		out[i] = e.Message
	}
	return out
}

func matching(msgs []string, prefix string) []string {
	var out []string
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func TestRunner_UndersizedHTMLFailsJob(t *testing.T) {
	const url = "https://www.php.net/distributions/php-8.3.21.tar.gz"
	f := &bodyFetcher{bodies: map[string][][]byte{url: {[]byte("<html>404 ")}}}
	env := newRunnerEnv(t, f)
	cat := newTestCatalog(t, catalog.Mirror{
		Type: "php",
		Templates: []catalog.Template{{
			URL:         "https://www.php.net/distributions/php-{{.Version}}.tar.gz",
			Path:        "php/php-{{.Version}}.tar.gz",
			Versions:    []string{"8.3.21"},
			Constraints: validate.Constraints{MinSize: 5 << 20, Format: validate.FormatGzip},
		}},
	})

	id := createJob(t, env.store, "php", false)
	r := NewRunner(env.store, cat, env.exec, WithLogger(discard), WithOwner("w1"))
	require.NoError(t, r.Run(context.Background(), id))

	j, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, j.Status)
	require.Equal(t, 1, j.Failed)
	require.Equal(t, "1 of 1 artifacts failed", j.Error)
	require.NotNil(t, j.CompletedAt)
	require.Less(t, j.Progress, 100)

	msgs := messages(j)
	attempts := matching(msgs, "attempt ")
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		require.True(t, strings.HasPrefix(a, fmt.Sprintf("attempt %d/3 %s: failed: ", i+1, url)), a)
		require.Contains(t, a, "below minimum")
	}
	failed := matching(msgs, "failed php/php-8.3.21.tar.gz")
	require.Len(t, failed, 1)
	require.Contains(t, failed[0], "after 3 attempts")

	_, err = os.Stat(env.fs.Path("php/php-8.3.21.tar.gz"))
	require.True(t, os.IsNotExist(err))
}

func TestRunner_RetriesThenCompletes(t *testing.T) {
	const url = "https://example.com/php-8.3.1.tar.gz"
	html := []byte("<html><title>busy</title></html>")
	f := &bodyFetcher{bodies: map[string][][]byte{url: {html, html, gzipBody}}}
	env := newRunnerEnv(t, f)
	cat := newTestCatalog(t, catalog.Mirror{
		Type: "php",
		Artifacts: []catalog.Artifact{{
			URL:         url,
			Path:        "php/php-8.3.1.tar.gz",
			Constraints: validate.Constraints{Format: validate.FormatGzip},
		}},
	})

	id := createJob(t, env.store, "php", false)
	r := NewRunner(env.store, cat, env.exec, WithLogger(discard))
	require.NoError(t, r.Run(context.Background(), id))

	j, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, j.Status)
	require.Equal(t, 100, j.Progress)
	require.Equal(t, 1, j.Succeeded)
	require.Empty(t, j.ClaimedBy)

	attempts := matching(messages(j), "attempt ")
	require.Equal(t, []string{
		"attempt 1/3 " + url + ": failed: validation failed: missing gzip signature: upstream served HTML page \"busy\"",
		"attempt 2/3 " + url + ": failed: validation failed: missing gzip signature: upstream served HTML page \"busy\"",
		"attempt 3/3 " + url + ": ok",
	}, attempts)

	data, err := os.ReadFile(env.fs.Path("php/php-8.3.1.tar.gz"))
	require.NoError(t, err)
	require.Equal(t, gzipBody, data)

	var leftovers []string
	_ = filepath.WalkDir(env.fs.Root(), func(p string, d os.DirEntry, err error) error {
		if err == nil && strings.HasPrefix(d.Name(), ".tmp-") {
			leftovers = append(leftovers, p)
		}
		return nil
	})
	require.Empty(t, leftovers)
}

func TestRunner_SkipsPresentUnlessForced(t *testing.T) {
	const url = "https://example.com/a.tar.gz"
	f := &bodyFetcher{bodies: map[string][][]byte{url: {gzipBody}}}
	env := newRunnerEnv(t, f)
	cat := newTestCatalog(t, catalog.Mirror{
		Type:      "m",
		Artifacts: []catalog.Artifact{{URL: url, Path: "m/a.tar.gz", Constraints: validate.Constraints{Format: validate.FormatGzip}}},
	})
	r := NewRunner(env.store, cat, env.exec, WithLogger(discard))
	ctx := context.Background()

	first := createJob(t, env.store, "m", false)
	require.NoError(t, r.Run(ctx, first))

	second := createJob(t, env.store, "m", false)
	require.NoError(t, r.Run(ctx, second))
	j, err := env.store.Get(ctx, second)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, j.Status)
	require.Equal(t, 1, j.Skipped)
	require.Equal(t, 1, f.calls[url])

	forced := createJob(t, env.store, "m", true)
	require.NoError(t, r.Run(ctx, forced))
	j, err = env.store.Get(ctx, forced)
	require.NoError(t, err)
	require.Equal(t, 1, j.Succeeded)
	require.Equal(t, 2, f.calls[url])
}

func TestRunner_EmptyCatalogCompletes(t *testing.T) {
	env := newRunnerEnv(t, &bodyFetcher{})
	cat := newTestCatalog(t, catalog.Mirror{Type: "empty"})
	id := createJob(t, env.store, "empty", false)

	require.NoError(t, NewRunner(env.store, cat, env.exec, WithLogger(discard)).Run(context.Background(), id))
	j, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, j.Status)
	require.Equal(t, 100, j.Progress)
}

func TestRunner_UnknownMirrorFailsJob(t *testing.T) {
	env := newRunnerEnv(t, &bodyFetcher{})
	cat := newTestCatalog(t)
	id := createJob(t, env.store, "ghost", false)

	require.NoError(t, NewRunner(env.store, cat, env.exec, WithLogger(discard)).Run(context.Background(), id))
	j, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, j.Status)
	require.Contains(t, j.Error, "resolving catalog")
}

// fakeExecutor reports a scripted outcome per path and can hold a path until
// released.
type fakeExecutor struct {
	mu       sync.Mutex
	fail     map[string]bool
	err      map[string]error
	hold     map[string]chan struct{}
	started  chan string
	runs     []string
	inflight atomic.Int32
	peak     atomic.Int32
}

func (e *fakeExecutor) Run(ctx context.Context, url, dest string, opts syncer.Options, observe syncer.AttemptObserver) (syncer.Outcome, error) {
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}

	e.mu.Lock()
	e.runs = append(e.runs, dest)
	hold := e.hold[dest]
	fail := e.fail[dest]
	err := e.err[dest]
	e.mu.Unlock()

	if e.started != nil {
		e.started <- dest
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return syncer.Outcome{}, ctx.Err()
		}
	}
	if err != nil {
		return syncer.Outcome{Attempts: 1}, err
	}
	if fail {
		observe(syncer.Attempt{Number: 1, URL: url, Dest: dest, Reason: "status 500"})
		return syncer.Outcome{Attempts: 1, Reason: "status 500"}, nil
	}
	observe(syncer.Attempt{Number: 1, URL: url, Dest: dest, OK: true})
	return syncer.Outcome{OK: true, Attempts: 1, Size: 1}, nil
}

func (e *fakeExecutor) Present(string, validate.Constraints) (validate.Result, error) {
	return validate.Result{Reason: "file does not exist"}, nil
}

func (e *fakeExecutor) ran() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.runs...)
}

func artifacts(n int) []catalog.Artifact {
	out := make([]catalog.Artifact, n)
	for i := range out {
		out[i] = catalog.Artifact{URL: fmt.Sprintf("https://example.com/%d", i), Path: fmt.Sprintf("m/%d", i)}
	}
	return out
}

func TestRunner_CancelBetweenArtifacts(t *testing.T) {
	store := newTestBoltStore(t, &testClock{now: time.Now()})
	exec := &fakeExecutor{
		hold:    map[string]chan struct{}{"m/0": make(chan struct{})},
		started: make(chan string, 3),
	}
	cat := newTestCatalog(t, catalog.Mirror{Type: "m", Artifacts: artifacts(3)})
	id := createJob(t, store, "m", false)
	r := NewRunner(store, cat, exec, WithLogger(discard))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), id) }()

	require.Equal(t, "m/0", <-exec.started)
	_, err := store.Update(context.Background(), id, func(j *Job) error {
		_, err := j.RequestCancel(time.Now())
		return err
	})
	require.NoError(t, err)
	close(exec.hold["m/0"])
	require.NoError(t, <-done)

	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, j.Status)
	require.Equal(t, 1, j.Succeeded)
	require.Equal(t, []string{"m/0"}, exec.ran())
	require.Contains(t, messages(j), "cancelled after 1 of 3 artifacts")
}

// cancelAfterStore requests a cancel from outside the runner once the given
// number of outcomes has been saved.
type cancelAfterStore struct {
	Store
	after int
	once  sync.Once
}

func (s *cancelAfterStore) Update(ctx context.Context, id uint64, fn func(*Job) error) (*Job, error) {
	j, err := s.Store.Update(ctx, id, fn)
	if err == nil && j.Processed() == s.after {
		s.once.Do(func() {
			_, _ = s.Store.Update(ctx, id, func(j *Job) error {
				_, err := j.RequestCancel(time.Now())
				return err
			})
		})
	}
	return j, err
}

func TestRunner_CancelAfterOutcomeSaved(t *testing.T) {
	store := &cancelAfterStore{Store: newTestBoltStore(t, &testClock{now: time.Now()}), after: 1}
	exec := &fakeExecutor{}
	cat := newTestCatalog(t, catalog.Mirror{Type: "m", Artifacts: artifacts(3)})
	id := createJob(t, store, "m", false)

	require.NoError(t, NewRunner(store, cat, exec, WithLogger(discard)).Run(context.Background(), id))

	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, j.Status)
	require.Equal(t, 1, j.Succeeded)
	require.Equal(t, []string{"m/0"}, exec.ran())
	require.Contains(t, messages(j), "cancelled after 1 of 3 artifacts")
}

// cancellingFetcher requests a cancel on its first call and then serves the
// scripted bodies.
type cancellingFetcher struct {
	bodyFetcher
	once   sync.Once
	cancel func()
}

func (f *cancellingFetcher) Fetch(ctx context.Context, url, dest string, opts fetch.Options) error {
	f.once.Do(f.cancel)
	return f.bodyFetcher.Fetch(ctx, url, dest, opts)
}

func TestRunner_CancelStopsRetries(t *testing.T) {
	const url = "https://example.com/a.tar.gz"
	f := &cancellingFetcher{bodyFetcher: bodyFetcher{bodies: map[string][][]byte{
		url:                            {[]byte("<html>busy</html>")},
		"https://example.com/b.tar.gz": {gzipBody},
	}}}
	env := newRunnerEnv(t, f)
	cat := newTestCatalog(t, catalog.Mirror{
		Type: "m",
		Artifacts: []catalog.Artifact{
			{URL: url, Path: "m/a.tar.gz", Constraints: validate.Constraints{Format: validate.FormatGzip}},
			{URL: "https://example.com/b.tar.gz", Path: "m/b.tar.gz"},
		},
	})
	id := createJob(t, env.store, "m", false)
	f.cancel = func() {
		_, err := env.store.Update(context.Background(), id, func(j *Job) error {
			_, err := j.RequestCancel(time.Now())
			return err
		})
		assert.NoError(t, err)
	}

	require.NoError(t, NewRunner(env.store, cat, env.exec, WithLogger(discard)).Run(context.Background(), id))

	j, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, j.Status)
	require.Zero(t, j.Failed)
	require.Equal(t, 1, f.calls[url])
	require.Zero(t, f.calls["https://example.com/b.tar.gz"])

	msgs := messages(j)
	require.Len(t, matching(msgs, "attempt "), 1)
	require.Contains(t, msgs, "stopped m/a.tar.gz after 1 attempts")
	require.Contains(t, msgs, "cancelled after 0 of 2 artifacts")
}

func TestRunner_FailurePolicy(t *testing.T) {
	t.Run("zero tolerance stops at first failure", func(t *testing.T) {
		store := newTestBoltStore(t, &testClock{now: time.Now()})
		exec := &fakeExecutor{fail: map[string]bool{"m/1": true}}
		cat := newTestCatalog(t, catalog.Mirror{Type: "m", Artifacts: artifacts(4)})
		id := createJob(t, store, "m", false)

		require.NoError(t, NewRunner(store, cat, exec, WithLogger(discard)).Run(context.Background(), id))
		j, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, j.Status)
		require.Equal(t, "1 of 4 artifacts failed", j.Error)
		require.Equal(t, []string{"m/0", "m/1"}, exec.ran())
	})

	t.Run("tolerated failures complete", func(t *testing.T) {
		store := newTestBoltStore(t, &testClock{now: time.Now()})
		exec := &fakeExecutor{fail: map[string]bool{"m/1": true}}
		cat := newTestCatalog(t, catalog.Mirror{Type: "m", MaxFailurePercent: 30, Artifacts: artifacts(4)})
		id := createJob(t, store, "m", false)

		require.NoError(t, NewRunner(store, cat, exec, WithLogger(discard)).Run(context.Background(), id))
		j, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, j.Status)
		require.Equal(t, 3, j.Succeeded)
		require.Equal(t, 1, j.Failed)
		require.Equal(t, 100, j.Progress)
	})
}

func TestRunner_StorageFaultFailsJob(t *testing.T) {
	store := newTestBoltStore(t, &testClock{now: time.Now()})
	exec := &fakeExecutor{err: map[string]error{"m/0": fmt.Errorf("%w: disk full", backend.ErrStorage)}}
	cat := newTestCatalog(t, catalog.Mirror{Type: "m", Artifacts: artifacts(2)})
	id := createJob(t, store, "m", false)

	require.NoError(t, NewRunner(store, cat, exec, WithLogger(discard)).Run(context.Background(), id))
	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, j.Status)
	require.Contains(t, j.Error, "storage fault")
	require.Contains(t, j.Error, "disk full")
}

func TestRunner_BoundedParallelism(t *testing.T) {
	store := newTestBoltStore(t, &testClock{now: time.Now()})
	exec := &fakeExecutor{}
	cat := newTestCatalog(t, catalog.Mirror{Type: "m", Parallelism: 2, Artifacts: artifacts(8)})
	id := createJob(t, store, "m", false)

	require.NoError(t, NewRunner(store, cat, exec, WithLogger(discard)).Run(context.Background(), id))
	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, j.Status)
	require.Equal(t, 8, j.Succeeded)
	require.LessOrEqual(t, exec.peak.Load(), int32(2))
	require.Len(t, matching(messages(j), "attempt 1/3"), 8)
}

func TestRunner_ShutdownLeavesJobRunning(t *testing.T) {
	store := newTestBoltStore(t, &testClock{now: time.Now()})
	exec := &fakeExecutor{
		hold:    map[string]chan struct{}{"m/0": make(chan struct{})},
		started: make(chan string, 1),
	}
	cat := newTestCatalog(t, catalog.Mirror{Type: "m", Artifacts: artifacts(1)})
	id := createJob(t, store, "m", false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(store, cat, exec, WithLogger(discard)).Run(ctx, id) }()

	<-exec.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, j.Status)
	require.NotNil(t, j.ClaimUntil)
}

func TestRunner_ClaimRejected(t *testing.T) {
	store := newTestBoltStore(t, &testClock{now: time.Now()})
	cat := newTestCatalog(t, catalog.Mirror{Type: "m"})
	id := createJob(t, store, "m", false)
	_, err := store.Update(context.Background(), id, func(j *Job) error { return j.Cancel(time.Now()) })
	require.NoError(t, err)

	err = NewRunner(store, cat, &fakeExecutor{}, WithLogger(discard)).Run(context.Background(), id)
	require.True(t, errors.Is(err, ErrTerminal))
}
