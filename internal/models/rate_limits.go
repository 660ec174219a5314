package models

import (
	"fmt"
	"time"
)

// ScopeType names the dimension a RateLimitRecord tracks.
type ScopeType string

const (
	ScopeAddress    ScopeType = "address"
	ScopeIdentifier ScopeType = "identifier"
)

func (s ScopeType) Valid() bool {
	return s == ScopeAddress || s == ScopeIdentifier
}

func ParseScopeType(v string) (ScopeType, error) {
	s := ScopeType(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown scope type %q", v)
	}
	return s, nil
}

// RateLimitRecord is the durable counter row for one (Key, ScopeType) pair.
type RateLimitRecord struct {
	Key                 string     `json:"key" bson:"key" db:"scope_key"`
	ScopeType           ScopeType  `json:"scope_type" bson:"scope_type" db:"scope_type"`
	WindowStart         time.Time  `json:"window_start" bson:"window_start" db:"window_start"`
	FailedAttempts      int        `json:"failed_attempts" bson:"failed_attempts" db:"failed_attempts"`
	SuccessfulAttempts  int        `json:"successful_attempts" bson:"successful_attempts" db:"successful_attempts"`
	TotalFailedAttempts int        `json:"total_failed_attempts" bson:"total_failed_attempts" db:"total_failed_attempts"`
	LockoutLevel        int        `json:"lockout_level" bson:"lockout_level" db:"lockout_level"`
	LockedUntil         *time.Time `json:"locked_until,omitempty" bson:"locked_until" db:"locked_until"`
	UpdatedAt           time.Time  `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// NewRateLimitRecord returns an empty record whose window opens at now.
func NewRateLimitRecord(key string, scope ScopeType, now time.Time) *RateLimitRecord {
	return &RateLimitRecord{
		Key:         key,
		ScopeType:   scope,
		WindowStart: now,
		UpdatedAt:   now,
	}
}

func (r *RateLimitRecord) Clone() *RateLimitRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LockedUntil != nil {
		t := *r.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

// RateLimitDelta is the increment applied by one recorded attempt.
type RateLimitDelta struct {
	Failed     int
	Successful int
	At         time.Time
}
