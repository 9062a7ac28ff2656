// Package job tracks sync jobs: a state machine over Job records, durable
// stores with an atomic claim, and a Runner that drives the syncer across a
// mirror's catalog.
package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrTerminal is returned for any mutation of a completed, failed or
	// cancelled job.
	ErrTerminal = errors.New("job is terminal")

	// ErrNotClaimable is returned when a job is held by a live lease, or a
	// lease holder lost its claim.
	ErrNotClaimable = errors.New("job is not claimable")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogEntry is one line of a job's append-only trace.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Result is the final disposition of one artifact within a job.
type Result string

const (
	ResultSynced  Result = "synced"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

// Job is a sync job record.
type Job struct {
	ID         uint64 `json:"id"`
	MirrorType string `json:"mirror_type"`
	Force      bool   `json:"force"`
	Status     Status `json:"status"`
	Progress   int    `json:"progress"`

	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	Error           string `json:"error,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`

	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ClaimUntil *time.Time `json:"claim_until,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Log []LogEntry `json:"log"`
}

// New returns a pending job.
func New(mirrorType string, force bool, now time.Time) *Job {
	return &Job{
		MirrorType: mirrorType,
		Force:      force,
		Status:     StatusPending,
		CreatedAt:  now,
		Log:        []LogEntry{},
	}
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Log = append([]LogEntry(nil), j.Log...)
	if j.ClaimUntil != nil {
		t := *j.ClaimUntil
		c.ClaimUntil = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Processed is the number of artifacts with a recorded result.
func (j *Job) Processed() int {
	return j.Succeeded + j.Failed + j.Skipped
}

// Claimable reports whether a worker may claim the job at now: it is
// pending, or running under a lease that has expired.
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return true
	case StatusRunning:
		return j.ClaimUntil != nil && j.ClaimUntil.Before(now)
	}
	return false
}

// Claim moves the job to running under owner's lease.
func (j *Job) Claim(owner string, lease time.Duration, now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if !j.Claimable(now) {
		return ErrNotClaimable
	}

	if j.Status == StatusRunning {
		j.append(now, LevelWarn, fmt.Sprintf("reclaimed from %s after lease expiry", j.ClaimedBy))
	} else {
		j.StartedAt = &now
	}

	until := now.Add(lease)
	j.Status = StatusRunning
	j.ClaimedBy = owner
	j.ClaimUntil = &until
	j.append(now, LevelInfo, "claimed by "+owner)
	return nil
}

// Renew extends owner's lease. It fails if another owner holds the job.
func (j *Job) Renew(owner string, lease time.Duration, now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if j.Status != StatusRunning || j.ClaimedBy != owner {
		return ErrNotClaimable
	}
	until := now.Add(lease)
	j.ClaimUntil = &until
	return nil
}

// SetTotal records how many artifacts the job covers.
func (j *Job) SetTotal(total int) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.Total = total
	return nil
}

// RecordOutcome counts one artifact result and advances progress.
// Progress never decreases and stays below 100 until Complete.
func (j *Job) RecordOutcome(r Result) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}

	switch r {
	case ResultSynced:
		j.Succeeded++
	case ResultSkipped:
		j.Skipped++
	case ResultFailed:
		j.Failed++
	default:
		return fmt.Errorf("unknown result %q", r)
	}

	if j.Total > 0 {
		p := min(99, j.Processed()*100/j.Total)
		if p > j.Progress {
			j.Progress = p
		}
	}
	return nil
}

// Complete finishes the job successfully.
func (j *Job) Complete(now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.Progress = 100
	j.finish(StatusCompleted, now)
	return nil
}

// Fail finishes the job with reason.
func (j *Job) Fail(reason string, now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.Error = reason
	j.finish(StatusFailed, now)
	return nil
}

// Cancel finishes the job as cancelled.
func (j *Job) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.finish(StatusCancelled, now)
	return nil
}

// RequestCancel cancels a pending job at once and flags a running job so the
// runner stops before its next artifact. It reports whether the job was
// cancelled immediately.
func (j *Job) RequestCancel(now time.Time) (bool, error) {
	switch {
	case j.Status.Terminal():
		return false, ErrTerminal
	case j.Status == StatusPending:
		j.append(now, LevelWarn, "cancelled before start")
		return true, j.Cancel(now)
	default:
		if !j.CancelRequested {
			j.CancelRequested = true
			j.append(now, LevelWarn, "cancel requested")
		}
		return false, nil
	}
}

// Appendf adds a formatted entry to the log.
func (j *Job) Appendf(now time.Time, level Level, format string, args ...any) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.append(now, level, fmt.Sprintf(format, args...))
	return nil
}

func (j *Job) append(now time.Time, level Level, msg string) {
	j.Log = append(j.Log, LogEntry{Time: now, Level: level, Message: msg})
}

func (j *Job) finish(s Status, now time.Time) {
	j.Status = s
	j.CompletedAt = &now
	j.ClaimedBy = ""
	j.ClaimUntil = nil
}

// FailurePolicy decides when artifact failures fail the whole job.
type FailurePolicy struct {
	// MaxFailurePercent is the share of failed artifacts tolerated.
	// Zero means any failure fails the job.
	MaxFailurePercent float64
}

// Exceeded reports whether failed out of total breaks the policy.
func (p FailurePolicy) Exceeded(failed, total int) bool {
	if failed == 0 {
		return false
	}
	if p.MaxFailurePercent <= 0 || total <= 0 {
		return true
	}
	return float64(failed)*100/float64(total) > p.MaxFailurePercent
}
