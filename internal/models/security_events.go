package models

import "time"

type SecurityEventType string

const (
	EventAttemptSucceeded SecurityEventType = "auth_attempt_succeeded"
	EventAttemptFailed    SecurityEventType = "auth_attempt_failed"
	EventLockoutTriggered SecurityEventType = "lockout_triggered"
)

// SecurityEvent is published for every recorded attempt and every lockout
// transition. Scope fields are only set on lockout events.
type SecurityEvent struct {
	EventID             string            `json:"event_id"`
	EventType           SecurityEventType `json:"event_type"`
	EventTime           time.Time         `json:"event_time"`
	Address             string            `json:"address,omitempty"`
	Identifier          string            `json:"identifier,omitempty"`
	ScopeType           ScopeType         `json:"scope_type,omitempty"`
	ScopeKey            string            `json:"scope_key,omitempty"`
	FailedAttempts      int               `json:"failed_attempts"`
	TotalFailedAttempts int               `json:"total_failed_attempts"`
	LockoutLevel        int               `json:"lockout_level"`
	LockedUntil         *time.Time        `json:"locked_until,omitempty"`
}

// PartitionKey is the key events are ordered by downstream.
func (e SecurityEvent) PartitionKey() string {
	if e.ScopeKey != "" {
		return string(e.ScopeType) + ":" + e.ScopeKey
	}
	return "identifier:" + e.Identifier
}
