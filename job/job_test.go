package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestClaim_FromPending(t *testing.T) {
	j := New("php", false, t0)
	require.True(t, j.Claimable(t0))

	require.NoError(t, j.Claim("w1", time.Minute, t0))
	require.Equal(t, StatusRunning, j.Status)
	require.Equal(t, "w1", j.ClaimedBy)
	require.Equal(t, t0.Add(time.Minute), *j.ClaimUntil)
	require.Equal(t, t0, *j.StartedAt)
	require.False(t, j.Claimable(t0.Add(30*time.Second)))

	err := j.Claim("w2", time.Minute, t0.Add(30*time.Second))
	require.ErrorIs(t, err, ErrNotClaimable)
}

func TestClaim_ReclaimAfterLeaseExpiry(t *testing.T) {
	j := New("php", false, t0)
	require.NoError(t, j.Claim("w1", time.Minute, t0))

	later := t0.Add(2 * time.Minute)
	require.True(t, j.Claimable(later))
	require.NoError(t, j.Claim("w2", time.Minute, later))
	require.Equal(t, "w2", j.ClaimedBy)
	require.Equal(t, t0, *j.StartedAt, "reclaim keeps the original start")
	require.Contains(t, j.Log[len(j.Log)-2].Message, "reclaimed from w1")
}

func TestRenew(t *testing.T) {
	j := New("php", false, t0)
	require.ErrorIs(t, j.Renew("w1", time.Minute, t0), ErrNotClaimable)

	require.NoError(t, j.Claim("w1", time.Minute, t0))
	require.NoError(t, j.Renew("w1", time.Minute, t0.Add(50*time.Second)))
	require.Equal(t, t0.Add(110*time.Second), *j.ClaimUntil)
	require.ErrorIs(t, j.Renew("w2", time.Minute, t0), ErrNotClaimable)
}

func TestProgress_MonotoneAndCompleteIs100(t *testing.T) {
	j := New("php", false, t0)
	require.NoError(t, j.Claim("w", time.Minute, t0))
	require.NoError(t, j.SetTotal(3))

	var seen []int
	for _, r := range []Result{ResultSynced, ResultFailed, ResultSkipped} {
		require.NoError(t, j.RecordOutcome(r))
		seen = append(seen, j.Progress)
	}
	require.Equal(t, []int{33, 66, 99}, seen, "never 100 before completion")
	require.Equal(t, 1, j.Succeeded)
	require.Equal(t, 1, j.Failed)
	require.Equal(t, 1, j.Skipped)

	require.NoError(t, j.Complete(t0.Add(time.Second)))
	require.Equal(t, 100, j.Progress)
	require.Equal(t, StatusCompleted, j.Status)
	require.NotNil(t, j.CompletedAt)
	require.Empty(t, j.ClaimedBy)
	require.Nil(t, j.ClaimUntil)
}

func TestProgress_DoesNotDecreaseWhenTotalGrows(t *testing.T) {
	j := New("php", false, t0)
	require.NoError(t, j.SetTotal(2))
	require.NoError(t, j.RecordOutcome(ResultSynced))
	require.Equal(t, 50, j.Progress)

	require.NoError(t, j.SetTotal(10))
	require.NoError(t, j.RecordOutcome(ResultSynced))
	require.Equal(t, 50, j.Progress)
}

func TestRecordOutcome_UnknownResult(t *testing.T) {
	j := New("php", false, t0)
	require.Error(t, j.RecordOutcome(Result("maybe")))
}

func TestTerminalRejectsMutation(t *testing.T) {
	terminal := map[string]func(*Job) error{
		"completed": func(j *Job) error { return j.Complete(t0) },
		"failed":    func(j *Job) error { return j.Fail("boom", t0) },
		"cancelled": func(j *Job) error { return j.Cancel(t0) },
	}
	for name, finish := range terminal {
		t.Run(name, func(t *testing.T) {
			j := New("php", false, t0)
			require.NoError(t, finish(j))
			require.True(t, j.Status.Terminal())
			completedAt := *j.CompletedAt

			require.ErrorIs(t, j.Complete(t0), ErrTerminal)
			require.ErrorIs(t, j.Fail("again", t0), ErrTerminal)
			require.ErrorIs(t, j.Cancel(t0), ErrTerminal)
			require.ErrorIs(t, j.RecordOutcome(ResultSynced), ErrTerminal)
			require.ErrorIs(t, j.SetTotal(5), ErrTerminal)
			require.ErrorIs(t, j.Appendf(t0, LevelInfo, "late"), ErrTerminal)
			require.ErrorIs(t, j.Claim("w", time.Minute, t0), ErrTerminal)
			_, err := j.RequestCancel(t0)
			require.ErrorIs(t, err, ErrTerminal)

			require.Equal(t, completedAt, *j.CompletedAt)
		})
	}
}

func TestRequestCancel(t *testing.T) {
	pending := New("php", false, t0)
	immediate, err := pending.RequestCancel(t0)
	require.NoError(t, err)
	require.True(t, immediate)
	require.Equal(t, StatusCancelled, pending.Status)

	running := New("php", false, t0)
	require.NoError(t, running.Claim("w", time.Minute, t0))
	immediate, err = running.RequestCancel(t0)
	require.NoError(t, err)
	require.False(t, immediate)
	require.Equal(t, StatusRunning, running.Status)
	require.True(t, running.CancelRequested)

	logged := len(running.Log)
	_, err = running.RequestCancel(t0)
	require.NoError(t, err)
	require.Len(t, running.Log, logged, "repeat requests log once")
}

func TestAppendf(t *testing.T) {
	j := New("php", false, t0)
	require.NoError(t, j.Appendf(t0, LevelWarn, "attempt %d/%d", 1, 3))
	require.Equal(t, LogEntry{Time: t0, Level: LevelWarn, Message: "attempt 1/3"}, j.Log[0])
}

func TestClone(t *testing.T) {
	j := New("php", false, t0)
	require.NoError(t, j.Claim("w", time.Minute, t0))
	c := j.Clone()

	c.Log[0].Message = "changed"
	*c.ClaimUntil = t0
	require.NotEqual(t, "changed", j.Log[0].Message)
	require.Equal(t, t0.Add(time.Minute), *j.ClaimUntil)
}

func TestFailurePolicy(t *testing.T) {
	tests := []struct {
		name          string
		pct           float64
		failed, total int
		want          bool
	}{
		{"no failures", 0, 0, 10, false},
		{"any failure with zero tolerance", 0, 1, 10, true},
		{"within tolerance", 25, 1, 4, false},
		{"at tolerance", 25, 2, 8, false},
		{"over tolerance", 25, 3, 8, true},
		{"empty total", 50, 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FailurePolicy{MaxFailurePercent: tt.pct}.Exceeded(tt.failed, tt.total))
		})
	}
}
