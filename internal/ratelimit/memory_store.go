package ratelimit

import (
	"context"
	"sync"
	"time"

	"chat-auth-guard/internal/models"
)

type memoryKey struct {
	key   string
	scope models.ScopeType
}

// MemoryStore keeps records in process memory. Each instance is independent,
// so it only suits single-instance development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]*models.RateLimitRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memoryKey]*models.RateLimitRecord)}
}

func (s *MemoryStore) FindRecord(_ context.Context, key string, scope models.ScopeType) (*models.RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[memoryKey{key, scope}].Clone(), nil
}

func (s *MemoryStore) UpsertIncrement(_ context.Context, key string, scope models.ScopeType, delta models.RateLimitDelta) (*models.RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{key, scope}
	rec, ok := s.records[k]
	if !ok {
		rec = models.NewRateLimitRecord(key, scope, delta.At)
		s.records[k] = rec
	}
	ApplyDelta(rec, delta)
	return rec.Clone(), nil
}

func (s *MemoryStore) SetLockout(_ context.Context, key string, scope models.ScopeType, level int, lockedUntil, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memoryKey{key, scope}]
	if !ok || !CanApplyLockout(rec, level, now) {
		return false, nil
	}
	until := lockedUntil
	rec.LockoutLevel = level
	rec.LockedUntil = &until
	rec.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, age time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-age)
	var deleted int64
	for k, rec := range s.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.records, k)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
