package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-auth-guard/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func failedRecord(failed, total, level int, windowStart time.Time) *models.RateLimitRecord {
	r := models.NewRateLimitRecord("a@x.com", models.ScopeIdentifier, windowStart)
	r.FailedAttempts = failed
	r.TotalFailedAttempts = total
	r.LockoutLevel = level
	return r
}

func TestEvaluate_NoHistory(t *testing.T) {
	d := Evaluate("a@x.com", models.ScopeIdentifier, nil, t0)

	assert.True(t, d.Allowed)
	assert.False(t, d.IsLocked)
	assert.Equal(t, 5, d.RemainingAttempts)
	assert.Zero(t, d.RetryAfter)
	assert.Nil(t, d.LockedUntil)
}

func TestEvaluate_RemainingAttempts(t *testing.T) {
	tests := []struct {
		name      string
		rec       *models.RateLimitRecord
		remaining int
	}{
		{name: "level 0 counts the window", rec: failedRecord(4, 9, 0, t0), remaining: 1},
		{name: "level 1 counts lifetime", rec: failedRecord(1, 6, 1, t0), remaining: 4},
		{name: "level 2 counts lifetime", rec: failedRecord(2, 12, 2, t0), remaining: 3},
		{name: "ceiling counts the window", rec: failedRecord(3, 30, 3, t0), remaining: 2},
		{name: "floored at zero", rec: failedRecord(7, 7, 0, t0), remaining: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.rec.Key, tt.rec.ScopeType, tt.rec, t0.Add(time.Minute))
			assert.True(t, d.Allowed)
			assert.Equal(t, tt.remaining, d.RemainingAttempts)
		})
	}
}

func TestEvaluate_Locked(t *testing.T) {
	rec := failedRecord(5, 5, 1, t0)
	until := t0.Add(15 * time.Minute)
	rec.LockedUntil = &until

	d := Evaluate(rec.Key, rec.ScopeType, rec, t0)
	assert.False(t, d.Allowed)
	assert.True(t, d.IsLocked)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)
	assert.Equal(t, 900, d.RetryAfterSeconds())
	assert.Equal(t, 5, d.FailedAttempts)
	assert.Equal(t, 10, d.NextLockoutAt)
	require.NotNil(t, d.LockedUntil)
	assert.True(t, until.Equal(*d.LockedUntil))
}

func TestEvaluate_LockedAtCeilingHasNoNextThreshold(t *testing.T) {
	rec := failedRecord(5, 15, 3, t0)
	until := t0.Add(time.Hour)
	rec.LockedUntil = &until

	d := Evaluate(rec.Key, rec.ScopeType, rec, t0)
	assert.True(t, d.IsLocked)
	assert.Zero(t, d.NextLockoutAt)
}

func TestEvaluate_RetryAfterNonIncreasing(t *testing.T) {
	rec := failedRecord(5, 5, 1, t0)
	until := t0.Add(15 * time.Minute)
	rec.LockedUntil = &until

	prev := time.Duration(1<<63 - 1)
	for now := t0; now.Before(until); now = now.Add(37 * time.Second) {
		d := Evaluate(rec.Key, rec.ScopeType, rec, now)
		require.False(t, d.Allowed)
		assert.LessOrEqual(t, d.RetryAfter, prev)
		prev = d.RetryAfter
	}
}

func TestEvaluate_LockExpiry(t *testing.T) {
	rec := failedRecord(5, 5, 1, t0)
	until := t0.Add(15 * time.Minute)
	rec.LockedUntil = &until

	d := Evaluate(rec.Key, rec.ScopeType, rec, t0.Add(16*time.Minute))
	assert.True(t, d.Allowed)
	assert.False(t, d.IsLocked)
	assert.Zero(t, d.FailedAttempts)
	assert.Equal(t, 1, d.LockoutLevel)
	assert.Equal(t, 5, d.TotalFailedAttempts)
	assert.Equal(t, 5, d.RemainingAttempts)

	// evaluation never mutates the stored record
	assert.Equal(t, 5, rec.FailedAttempts)
	assert.NotNil(t, rec.LockedUntil)
}

func TestNormalize(t *testing.T) {
	t.Run("window rollover keeps lifetime count", func(t *testing.T) {
		rec := failedRecord(3, 8, 0, t0)
		now := t0.Add(Window + time.Second)

		assert.True(t, Normalize(rec, now))
		assert.Zero(t, rec.FailedAttempts)
		assert.Equal(t, 8, rec.TotalFailedAttempts)
		assert.Equal(t, now, rec.WindowStart)
	})

	t.Run("exactly one window is still current", func(t *testing.T) {
		rec := failedRecord(3, 3, 0, t0)
		assert.False(t, Normalize(rec, t0.Add(Window)))
		assert.Equal(t, 3, rec.FailedAttempts)
	})

	t.Run("active lock is left alone", func(t *testing.T) {
		rec := failedRecord(5, 5, 1, t0)
		until := t0.Add(15 * time.Minute)
		rec.LockedUntil = &until
		assert.False(t, Normalize(rec, t0.Add(14*time.Minute)))
		assert.NotNil(t, rec.LockedUntil)
	})

	t.Run("expired lock clears and keeps level", func(t *testing.T) {
		rec := failedRecord(5, 5, 1, t0)
		until := t0.Add(15 * time.Minute)
		rec.LockedUntil = &until
		assert.True(t, Normalize(rec, until))
		assert.Nil(t, rec.LockedUntil)
		assert.Zero(t, rec.FailedAttempts)
		assert.Equal(t, 1, rec.LockoutLevel)
	})
}

func TestEscalate(t *testing.T) {
	tests := []struct {
		name     string
		rec      *models.RateLimitRecord
		ok       bool
		level    int
		duration time.Duration
	}{
		{name: "below first threshold", rec: failedRecord(4, 4, 0, t0)},
		{name: "first threshold", rec: failedRecord(5, 5, 0, t0), ok: true, level: 1, duration: 15 * time.Minute},
		{name: "level 1 below lifetime threshold", rec: failedRecord(4, 9, 1, t0)},
		{name: "second threshold", rec: failedRecord(5, 10, 1, t0), ok: true, level: 2, duration: 30 * time.Minute},
		{name: "third threshold", rec: failedRecord(5, 15, 2, t0), ok: true, level: 3, duration: time.Hour},
		{name: "ceiling relocks", rec: failedRecord(5, 40, 3, t0), ok: true, level: 3, duration: time.Hour},
		{name: "ceiling needs a fresh streak", rec: failedRecord(2, 40, 3, t0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, until, ok := Escalate(tt.rec, t0)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.level, level)
			assert.Equal(t, t0.Add(tt.duration), until)
		})
	}
}

func TestEscalate_AlreadyLocked(t *testing.T) {
	rec := failedRecord(9, 9, 1, t0)
	until := t0.Add(10 * time.Minute)
	rec.LockedUntil = &until

	_, _, ok := Escalate(rec, t0)
	assert.False(t, ok)
}

func TestCanApplyLockout(t *testing.T) {
	active := t0.Add(time.Minute)
	expired := t0.Add(-time.Minute)

	locked := failedRecord(5, 5, 1, t0)
	locked.LockedUntil = &active
	stale := failedRecord(5, 5, 1, t0)
	stale.LockedUntil = &expired

	assert.True(t, CanApplyLockout(failedRecord(5, 5, 0, t0), 1, t0))
	assert.False(t, CanApplyLockout(locked, 1, t0))
	assert.True(t, CanApplyLockout(locked, 2, t0))
	assert.True(t, CanApplyLockout(stale, 1, t0))
	assert.False(t, CanApplyLockout(failedRecord(0, 10, 2, t0), 1, t0))
}

func TestLockoutDuration(t *testing.T) {
	assert.Zero(t, LockoutDuration(0))
	assert.Equal(t, 15*time.Minute, LockoutDuration(1))
	assert.Equal(t, 30*time.Minute, LockoutDuration(2))
	assert.Equal(t, time.Hour, LockoutDuration(3))
	assert.Equal(t, time.Hour, LockoutDuration(7))
	assert.Equal(t, []int{5, 10, 15}, Thresholds())
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, Decision{RetryAfter: -time.Second}.RetryAfterSeconds())
	assert.Equal(t, 1, Decision{RetryAfter: time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 900, Decision{RetryAfter: 15 * time.Minute}.RetryAfterSeconds())
}
