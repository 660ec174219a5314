package ratelimit

import (
	"time"

	"chat-auth-guard/internal/models"
)

const (
	// Window is how long failed attempts accumulate before the count resets.
	Window = 15 * time.Minute

	MaxLockoutLevel = 3

	// RecordRetention is the idle age after which a record may be deleted.
	// It is well above the longest lockout.
	RecordRetention = 24 * time.Hour
)

var (
	thresholds       = [MaxLockoutLevel]int{5, 10, 15}
	lockoutDurations = [MaxLockoutLevel]time.Duration{15 * time.Minute, 30 * time.Minute, 60 * time.Minute}
)

// Thresholds returns the failure counts that trigger lockout levels 1..3.
func Thresholds() []int {
	out := make([]int, len(thresholds))
	copy(out, thresholds[:])
	return out
}

// LockoutDuration returns how long a lockout at level lasts. Levels above the
// ceiling get the ceiling duration.
func LockoutDuration(level int) time.Duration {
	switch {
	case level <= 0:
		return 0
	case level >= MaxLockoutLevel:
		return lockoutDurations[MaxLockoutLevel-1]
	default:
		return lockoutDurations[level-1]
	}
}

// Decision is the outcome of evaluating one scope.
type Decision struct {
	Scope               models.ScopeType
	Key                 string
	Allowed             bool
	RetryAfter          time.Duration
	IsLocked            bool
	LockedUntil         *time.Time
	LockoutLevel        int
	FailedAttempts      int
	TotalFailedAttempts int
	RemainingAttempts   int
	// NextLockoutAt is set while locked: the lifetime failure count that
	// escalates to the next level, zero at the ceiling.
	NextLockoutAt int
	// FailOpen marks a decision produced because the store was unavailable.
	FailOpen bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never negative.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// Normalize applies lock expiry and window rollover to r in place and reports
// whether anything changed. Every Store implements this same rule inside its
// atomic increment.
func Normalize(r *models.RateLimitRecord, now time.Time) bool {
	if r.LockedUntil != nil {
		if now.Before(*r.LockedUntil) {
			return false
		}
		r.LockedUntil = nil
		r.FailedAttempts = 0
		r.SuccessfulAttempts = 0
		r.WindowStart = now
		return true
	}
	if now.Sub(r.WindowStart) > Window {
		r.FailedAttempts = 0
		r.SuccessfulAttempts = 0
		r.WindowStart = now
		return true
	}
	return false
}

// ApplyDelta normalizes r at d.At and adds the delta's counters.
func ApplyDelta(r *models.RateLimitRecord, d models.RateLimitDelta) {
	Normalize(r, d.At)
	r.FailedAttempts += d.Failed
	r.TotalFailedAttempts += d.Failed
	r.SuccessfulAttempts += d.Successful
	r.UpdatedAt = d.At
}

// Evaluate decides whether an attempt against rec is allowed at now. A nil rec
// is a scope with no history. rec is not modified.
func Evaluate(key string, scope models.ScopeType, rec *models.RateLimitRecord, now time.Time) Decision {
	r := rec.Clone()
	if r == nil {
		r = models.NewRateLimitRecord(key, scope, now)
	}

	d := Decision{
		Scope:               scope,
		Key:                 key,
		LockoutLevel:        r.LockoutLevel,
		TotalFailedAttempts: r.TotalFailedAttempts,
	}

	if r.LockedUntil != nil && now.Before(*r.LockedUntil) {
		until := *r.LockedUntil
		d.IsLocked = true
		d.LockedUntil = &until
		d.RetryAfter = until.Sub(now)
		d.FailedAttempts = r.FailedAttempts
		d.NextLockoutAt = nextLockoutAt(r)
		return d
	}

	Normalize(r, now)
	progress, threshold := escalationProgress(r)

	d.Allowed = true
	d.FailedAttempts = r.FailedAttempts
	d.RemainingAttempts = max(threshold-progress, 0)
	return d
}

// Escalate reports the lockout a freshly incremented record has earned, if
// any. Records that are already locked earn nothing further.
func Escalate(r *models.RateLimitRecord, now time.Time) (level int, lockedUntil time.Time, ok bool) {
	if r.LockedUntil != nil && now.Before(*r.LockedUntil) {
		return 0, time.Time{}, false
	}
	progress, threshold := escalationProgress(r)
	if progress < threshold {
		return 0, time.Time{}, false
	}
	level = min(r.LockoutLevel+1, MaxLockoutLevel)
	return level, now.Add(LockoutDuration(level)), true
}

// CanApplyLockout reports whether a lockout at level may replace cur's state.
// Levels only advance; an equal level is only re-applied once the previous
// lockout has expired, so concurrent escalations of the same record collapse
// into one.
func CanApplyLockout(cur *models.RateLimitRecord, level int, now time.Time) bool {
	if level > cur.LockoutLevel {
		return true
	}
	if level == cur.LockoutLevel {
		return cur.LockedUntil == nil || !now.Before(*cur.LockedUntil)
	}
	return false
}

// escalationProgress returns the counter compared against the next threshold.
// Level 0 counts the current window only, so a quiet window is a clean slate.
// Levels 1-2 count lifetime failures, so repeat offenders escalate faster.
// At the ceiling a fresh streak of the first threshold re-locks.
func escalationProgress(r *models.RateLimitRecord) (progress, threshold int) {
	switch {
	case r.LockoutLevel <= 0:
		return r.FailedAttempts, thresholds[0]
	case r.LockoutLevel < MaxLockoutLevel:
		return r.TotalFailedAttempts, thresholds[r.LockoutLevel]
	default:
		return r.FailedAttempts, thresholds[0]
	}
}

func nextLockoutAt(r *models.RateLimitRecord) int {
	if r.LockoutLevel <= 0 || r.LockoutLevel >= MaxLockoutLevel {
		return 0
	}
	for _, t := range thresholds[r.LockoutLevel:] {
		if t > r.TotalFailedAttempts {
			return t
		}
	}
	return 0
}
