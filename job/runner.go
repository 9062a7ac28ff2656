package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/artifact-mirror/backend"
	"github.com/wolfeidau/artifact-mirror/catalog"
	"github.com/wolfeidau/artifact-mirror/syncer"
	"github.com/wolfeidau/artifact-mirror/telemetry"
	"github.com/wolfeidau/artifact-mirror/validate"
)

// DefaultLease is how long a claim lasts without a recorded outcome.
const DefaultLease = 5 * time.Minute

// Catalog resolves the artifacts and settings of a mirror type.
type Catalog interface {
	Settings(mirrorType string) (catalog.Settings, error)
	Entries(ctx context.Context, mirrorType string) ([]catalog.Entry, error)
}

// Executor syncs a single artifact.
type Executor interface {
	Run(ctx context.Context, url, dest string, opts syncer.Options, observe syncer.AttemptObserver) (syncer.Outcome, error)
	Present(dest string, c validate.Constraints) (validate.Result, error)
}

// Runner drives one job from claim to a terminal status.
type Runner struct {
	store    Store
	catalog  Catalog
	exec     Executor
	owner    string
	lease    time.Duration
	identity string
	now      func() time.Time
	logger   *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithOwner sets the name recorded on claims. Defaults to the hostname
// plus a random suffix.
func WithOwner(owner string) RunnerOption {
	return func(r *Runner) {
		r.owner = owner
	}
}

// WithLease sets the claim lease.
func WithLease(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.lease = d
	}
}

// WithIdentity sets the User-Agent sent upstream.
func WithIdentity(identity string) RunnerOption {
	return func(r *Runner) {
		r.identity = identity
	}
}

// WithClock sets the clock used for log timestamps.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a Runner.
func NewRunner(store Store, cat Catalog, exec Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:   store,
		catalog: cat,
		exec:    exec,
		lease:   DefaultLease,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.owner == "" {
		host, _ := os.Hostname()
		r.owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	r.logger = r.logger.With("component", "runner", "owner", r.owner)
	return r
}

// Owner returns the claim owner name.
func (r *Runner) Owner() string {
	return r.owner
}

// Run claims job id and processes its catalog.
//
// Artifact failures are recorded on the job, not returned. Run returns an
// error when the claim fails, when the lease is lost, or when ctx ends; in the
// last case the job stays running and is reclaimed once the lease expires.
func (r *Runner) Run(ctx context.Context, id uint64) error {
	j, err := r.store.Claim(ctx, id, r.owner, r.lease)
	if err != nil {
		return fmt.Errorf("claiming job %d: %w", id, err)
	}

	mirrorType := j.MirrorType
	ctx = telemetry.WithMirrorContext(ctx, mirrorType)
	logger := r.logger.With("job", id, "mirror", mirrorType)
	start := r.now()
	logger.Info("job claimed", "force", j.Force)

	rec := &recorder{
		store: r.store,
		id:    id,
		owner: r.owner,
		lease: r.lease,
		now:   r.now,
	}

	settings, err := r.catalog.Settings(mirrorType)
	var entries []catalog.Entry
	if err == nil {
		entries, err = r.catalog.Entries(ctx, mirrorType)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("resolving catalog", "error", err)
		reason := "resolving catalog: " + err.Error()
		return r.finalize(ctx, rec, logger, start, func(j *Job, now time.Time) error {
			j.append(now, LevelError, reason)
			return j.Fail(reason, now)
		})
	}
	rec.policy = FailurePolicy{MaxFailurePercent: settings.MaxFailurePercent}

	err = rec.record(ctx, func(j *Job, now time.Time) error {
		if err := j.SetTotal(len(entries)); err != nil {
			return err
		}
		return j.Appendf(now, LevelInfo, "resolved %d artifacts (force=%t, parallelism=%d)",
			len(entries), j.Force, max(settings.Parallelism, 1))
	})
	if err != nil {
		return r.abandon(ctx, logger, err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go rec.heartbeat(hbCtx, r.lease/3)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(settings.Parallelism, 1))
	for _, e := range entries {
		if gctx.Err() != nil || rec.refresh(gctx) {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil || rec.refresh(gctx) {
				return nil
			}
			return r.process(gctx, rec, mirrorType, j.Force, settings, e)
		})
	}
	fatal := g.Wait()
	stopHeartbeat()

	switch {
	case ctx.Err() != nil:
		logger.Warn("job interrupted, leaving it for reclaim", "error", ctx.Err())
		return ctx.Err()
	case rec.lost() != nil:
		return r.abandon(ctx, logger, rec.lost())
	case fatal != nil:
		logger.Error("storage fault, failing job", "error", fatal)
		reason := "storage fault: " + fatal.Error()
		return r.finalize(ctx, rec, logger, start, func(j *Job, now time.Time) error {
			j.append(now, LevelError, reason)
			return j.Fail(reason, now)
		})
	case rec.cancelled.Load():
		return r.finalize(ctx, rec, logger, start, func(j *Job, now time.Time) error {
			j.append(now, LevelWarn, fmt.Sprintf("cancelled after %d of %d artifacts", j.Processed(), j.Total))
			return j.Cancel(now)
		})
	case rec.exceeded.Load():
		return r.finalize(ctx, rec, logger, start, func(j *Job, now time.Time) error {
			reason := fmt.Sprintf("%d of %d artifacts failed", j.Failed, j.Total)
			j.append(now, LevelError, reason)
			return j.Fail(reason, now)
		})
	}

	return r.finalize(ctx, rec, logger, start, func(j *Job, now time.Time) error {
		level := LevelInfo
		if j.Failed > 0 {
			level = LevelWarn
		}
		j.append(now, level, fmt.Sprintf("completed: %d synced, %d skipped, %d failed",
			j.Succeeded, j.Skipped, j.Failed))
		return j.Complete(now)
	})
}

func (r *Runner) process(ctx context.Context, rec *recorder, mirrorType string, force bool, s catalog.Settings, e catalog.Entry) error {
	if !force {
		res, err := r.exec.Present(e.Path, e.Constraints)
		if err != nil {
			return fmt.Errorf("%w: checking %s: %w", backend.ErrStorage, e.Path, err)
		}
		if res.OK {
			telemetry.RecordSyncArtifact(ctx, mirrorType, string(ResultSkipped))
			return rec.record(ctx, func(j *Job, now time.Time) error {
				j.append(now, LevelInfo, fmt.Sprintf("skipped %s: already present", e.Path))
				return j.RecordOutcome(ResultSkipped)
			})
		}
	}

	maxTries := max(s.MaxRetries, 1)
	observe := func(a syncer.Attempt) {
		level, status := LevelInfo, "ok"
		if !a.OK {
			level, status = LevelWarn, "failed: "+a.Reason
		}
		_ = rec.record(ctx, func(j *Job, now time.Time) error {
			return j.Appendf(now, level, "attempt %d/%d %s: %s", a.Number, maxTries, a.URL, status)
		})
	}

	out, err := r.exec.Run(ctx, e.URL, e.Path, syncer.Options{
		MaxRetries:  maxTries,
		RetryDelay:  s.RetryDelay,
		Timeout:     s.Timeout,
		Identity:    r.identity,
		Constraints: e.Constraints,
		ShouldStop:  func() bool { return rec.refresh(ctx) },
	}, observe)
	if err != nil {
		return err
	}

	if out.Stopped {
		return rec.record(ctx, func(j *Job, now time.Time) error {
			return j.Appendf(now, LevelWarn, "stopped %s after %d attempts", e.Path, out.Attempts)
		})
	}

	if out.OK {
		telemetry.RecordSyncArtifact(ctx, mirrorType, string(ResultSynced))
		return rec.record(ctx, func(j *Job, now time.Time) error {
			j.append(now, LevelInfo, fmt.Sprintf("synced %s (%d bytes, %s)", e.Path, out.Size, out.Checksum))
			return j.RecordOutcome(ResultSynced)
		})
	}

	telemetry.RecordSyncArtifact(ctx, mirrorType, string(ResultFailed))
	return rec.record(ctx, func(j *Job, now time.Time) error {
		j.append(now, LevelError, fmt.Sprintf("failed %s from %s after %d attempts: %s",
			e.Path, e.URL, out.Attempts, out.Reason))
		return j.RecordOutcome(ResultFailed)
	})
}

func (r *Runner) finalize(ctx context.Context, rec *recorder, logger *slog.Logger, start time.Time, fn func(*Job, time.Time) error) error {
	j, err := rec.finish(ctx, fn)
	if err != nil {
		return r.abandon(ctx, logger, err)
	}
	telemetry.RecordSyncJob(ctx, j.MirrorType, string(j.Status), r.now().Sub(start))
	logger.Info("job finished", "status", j.Status, "synced", j.Succeeded, "skipped", j.Skipped,
		"failed", j.Failed, "error", j.Error)
	return nil
}

// abandon handles a job this runner can no longer write: it was reclaimed
// elsewhere or already finished.
func (r *Runner) abandon(ctx context.Context, logger *slog.Logger, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger.Warn("lost job ownership", "error", err)
	return fmt.Errorf("recording job: %w", err)
}

// recorder serializes every write a runner makes to its job. Each record also
// renews the lease.
type recorder struct {
	mu     sync.Mutex
	store  Store
	id     uint64
	owner  string
	lease  time.Duration
	now    func() time.Time
	policy FailurePolicy

	stop      atomic.Bool
	cancelled atomic.Bool
	exceeded  atomic.Bool
	lostErr   error
}

func (rec *recorder) stopped() bool {
	return rec.stop.Load()
}

// refresh reloads the job so a cancel requested by another writer is seen
// before the next artifact or attempt starts. It reports whether work should
// stop.
func (rec *recorder) refresh(ctx context.Context) bool {
	if rec.stopped() {
		return true
	}
	j, err := rec.store.Get(ctx, rec.id)
	if err != nil {
		return rec.stopped()
	}
	if j.CancelRequested {
		rec.cancelled.Store(true)
		rec.stop.Store(true)
	}
	return rec.stopped()
}

func (rec *recorder) lost() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.lostErr
}

func (rec *recorder) record(ctx context.Context, fn func(*Job, time.Time) error) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.lostErr != nil {
		return rec.lostErr
	}

	j, err := rec.store.Update(ctx, rec.id, func(j *Job) error {
		now := rec.now()
		if err := j.Renew(rec.owner, rec.lease, now); err != nil {
			return err
		}
		return fn(j, now)
	})
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotFound)) {
			rec.lostErr = err
			rec.stop.Store(true)
		}
		return err
	}

	if j.CancelRequested {
		rec.cancelled.Store(true)
		rec.stop.Store(true)
	}
	if rec.policy.Exceeded(j.Failed, j.Total) {
		rec.exceeded.Store(true)
		rec.stop.Store(true)
	}
	return nil
}

// finish applies a terminal transition while the runner still holds the claim.
func (rec *recorder) finish(ctx context.Context, fn func(*Job, time.Time) error) (*Job, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.store.Update(ctx, rec.id, func(j *Job) error {
		if j.ClaimedBy != rec.owner {
			return ErrNotClaimable
		}
		return fn(j, rec.now())
	})
}

// heartbeat renews the lease while a long attempt records nothing.
func (rec *recorder) heartbeat(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = rec.record(ctx, func(*Job, time.Time) error { return nil })
		}
	}
}
