// Package syncer drives repeated fetch and validate attempts for a single
// artifact until it is committed or the retry budget runs out.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	mirror "github.com/wolfeidau/artifact-mirror"
	"github.com/wolfeidau/artifact-mirror/backend"
	"github.com/wolfeidau/artifact-mirror/fetch"
	"github.com/wolfeidau/artifact-mirror/telemetry"
	"github.com/wolfeidau/artifact-mirror/validate"
)

// Options control one executor run.
type Options struct {
	// MaxRetries is the total number of attempts. Values below 1 mean 1.
	MaxRetries int
	// RetryDelay is the constant wait between attempts.
	RetryDelay time.Duration
	// Timeout bounds each fetch attempt.
	Timeout time.Duration
	// Identity is sent upstream as the User-Agent.
	Identity    string
	Constraints validate.Constraints
	// ShouldStop is consulted before each attempt. When it returns true the
	// run ends with a stopped Outcome and no further attempts are made.
	ShouldStop func() bool
}

// Outcome is the terminal result of a run. A failed outcome is a normal
// result, not an error.
type Outcome struct {
	OK bool
	// Stopped is set when ShouldStop ended the run before the artifact was
	// committed or the retry budget was spent.
	Stopped  bool
	Attempts int
	Reason   string
	Size     int64
	Checksum mirror.Checksum
}

// Attempt describes a single try, reported to an AttemptObserver.
type Attempt struct {
	Number   int
	URL      string
	Dest     string
	OK       bool
	Reason   string
	Duration time.Duration
}

// AttemptObserver is called after every attempt, in order.
type AttemptObserver func(Attempt)

// Storage is where artifacts are staged and committed.
type Storage interface {
	backend.Stager
	backend.Locator
}

// Executor runs fetch attempts against a Fetcher and Validator.
type Executor struct {
	fetcher   fetch.Fetcher
	validator *validate.Validator
	storage   Storage
	group     singleflight.Group
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithNow sets the clock used for attempt durations.
func WithNow(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an Executor.
func New(f fetch.Fetcher, v *validate.Validator, s Storage, opts ...Option) *Executor {
	e := &Executor{
		fetcher:   f,
		validator: v,
		storage:   s,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "syncer")
	return e
}

var (
	// errAttempt marks a retryable attempt failure inside the backoff loop.
	errAttempt = errors.New("attempt failed")
	errStopped = errors.New("stop requested")
)

// Run fetches url into the content key dest. Concurrent runs for the same
// dest share one execution; followers get the leader's outcome and observer
// calls go to the leader only. When the leader is cancelled or stopped, a
// follower whose own context is still live runs the artifact again.
//
// The returned error is non-nil only for storage faults and context
// cancellation. Exhausted retries produce a failed Outcome.
func (e *Executor) Run(ctx context.Context, url, dest string, opts Options, observe AttemptObserver) (Outcome, error) {
	for {
		var led bool
		ch := e.group.DoChan(dest, func() (any, error) {
			led = true
			return e.run(ctx, url, dest, opts, observe)
		})

		select {
		case res := <-ch:
			out, _ := res.Val.(Outcome)
			if !led && ctx.Err() == nil && (out.Stopped || isContextErr(res.Err)) {
				e.logger.Debug("shared run abandoned by its leader, retrying", "dest", dest)
				continue
			}
			return out, res.Err
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Executor) run(ctx context.Context, url, dest string, opts Options, observe AttemptObserver) (Outcome, error) {
	maxTries := max(opts.MaxRetries, 1)
	logger := e.logger.With("url", url, "dest", dest)

	var (
		out   Outcome
		fatal error
	)

	op := func() (struct{}, error) {
		if opts.ShouldStop != nil && opts.ShouldStop() {
			out.Stopped = true
			return struct{}{}, backoff.Permanent(errStopped)
		}
		out.Attempts++
		start := e.now()

		res, err := e.attempt(ctx, url, dest, opts)
		if err != nil {
			fatal = err
			if ctx.Err() == nil {
				telemetry.RecordSyncAttempt(ctx, "storage_error")
			}
			return struct{}{}, backoff.Permanent(err)
		}

		out.Reason = res.reason
		if observe != nil {
			observe(Attempt{
				Number:   out.Attempts,
				URL:      url,
				Dest:     dest,
				OK:       res.reason == "",
				Reason:   res.reason,
				Duration: e.now().Sub(start),
			})
		}
		telemetry.RecordSyncAttempt(ctx, res.outcome)

		if res.reason != "" {
			return struct{}{}, fmt.Errorf("%w: %s", errAttempt, res.reason)
		}
		out.OK = true
		out.Size = res.size
		out.Checksum = res.checksum
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.RetryDelay)),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("retrying", "attempt", out.Attempts, "max", maxTries, "wait", wait, "reason", out.Reason)
		}),
	)

	switch {
	case ctx.Err() != nil:
		return out, ctx.Err()
	case fatal != nil:
		logger.Error("storage fault", "attempt", out.Attempts, "error", fatal)
		return out, fatal
	case out.Stopped:
		logger.Info("run stopped", "attempts", out.Attempts)
		return out, nil
	case err != nil:
		logger.Warn("retries exhausted", "attempts", out.Attempts, "reason", out.Reason)
		return out, nil
	}

	logger.Info("artifact committed", "attempts", out.Attempts, "size", out.Size)
	return out, nil
}

type attemptResult struct {
	reason   string
	outcome  string
	size     int64
	checksum mirror.Checksum
}

// attempt stages, fetches, validates and commits. The staged file is always
// either renamed into place or removed before returning.
func (e *Executor) attempt(ctx context.Context, url, dest string, opts Options) (attemptResult, error) {
	staged, err := e.storage.Stage(ctx, dest)
	if err != nil {
		return attemptResult{}, fmt.Errorf("staging %s: %w", dest, err)
	}

	failed := func(outcome, reason string) (attemptResult, error) {
		if err := staged.Abort(); err != nil {
			return attemptResult{}, fmt.Errorf("%w: discarding attempt: %w", backend.ErrStorage, err)
		}
		return attemptResult{reason: reason, outcome: outcome}, nil
	}

	err = e.fetcher.Fetch(ctx, url, staged.Path(), fetch.Options{Timeout: opts.Timeout, Identity: opts.Identity})
	if err != nil {
		if errors.Is(err, fetch.ErrStorage) {
			_ = staged.Abort()
			return attemptResult{}, err
		}
		if ctx.Err() != nil {
			_ = staged.Abort()
			return attemptResult{}, ctx.Err()
		}
		return failed("fetch_error", err.Error())
	}

	res, err := e.validator.Validate(staged.Path(), opts.Constraints)
	if err != nil {
		_ = staged.Abort()
		return attemptResult{}, fmt.Errorf("%w: validating: %w", backend.ErrStorage, err)
	}
	if !res.OK {
		return failed("invalid", "validation failed: "+res.Reason)
	}

	h, size, err := mirror.HashFile(staged.Path())
	if err != nil {
		_ = staged.Abort()
		return attemptResult{}, fmt.Errorf("%w: hashing: %w", backend.ErrStorage, err)
	}

	if err := staged.Commit(); err != nil {
		return attemptResult{}, err
	}

	return attemptResult{outcome: "success", size: size, checksum: mirror.NewChecksum(h)}, nil
}

// Present reports whether dest already exists and satisfies constraints.
// Non-forced syncs use this to skip artifacts already mirrored.
func (e *Executor) Present(dest string, c validate.Constraints) (validate.Result, error) {
	return e.validator.Validate(e.storage.Path(dest), c)
}
