package ratelimit

import (
	"context"
	"errors"
	"time"

	"chat-auth-guard/internal/models"
)

var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store persists RateLimitRecords, one per (key, scope).
//
// UpsertIncrement creates the record on first use, applies Normalize at
// delta.At and adds the delta as a single atomic step; concurrent calls for
// the same record never lose an increment. SetLockout is a conditional update
// governed by CanApplyLockout and reports whether it took effect.
type Store interface {
	FindRecord(ctx context.Context, key string, scope models.ScopeType) (*models.RateLimitRecord, error)
	UpsertIncrement(ctx context.Context, key string, scope models.ScopeType, delta models.RateLimitDelta) (*models.RateLimitRecord, error)
	SetLockout(ctx context.Context, key string, scope models.ScopeType, level int, lockedUntil, now time.Time) (bool, error)
	DeleteOlderThan(ctx context.Context, age time.Duration, now time.Time) (int64, error)
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reports wall-clock UTC time.
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}
