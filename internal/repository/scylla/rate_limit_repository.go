package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"chat-auth-guard/internal/bucketing"
	"chat-auth-guard/internal/models"
	"chat-auth-guard/internal/ratelimit"
	"chat-auth-guard/internal/util"
)

var ErrCASContention = errors.New("rate limit record contended, retries exhausted")

// RateLimitRepository stores records partitioned by a murmur3 bucket of the
// scope key. Writes are lightweight transactions on a revision column, so
// concurrent increments retry instead of overwriting each other.
type RateLimitRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	ttl       int
}

var _ ratelimit.Store = (*RateLimitRepository)(nil)

func NewRateLimitRepository(client *ScyllaClient, bm *bucketing.BucketingManager) *RateLimitRepository {
	return &RateLimitRepository{
		client:    client,
		bucketing: bm,
		ttl:       int(ratelimit.RecordRetention / time.Second),
	}
}

func (r *RateLimitRepository) bucket(key string, scope models.ScopeType) int {
	return r.bucketing.RecordBucket(string(scope), key)
}

func (r *RateLimitRepository) FindRecord(ctx context.Context, key string, scope models.ScopeType) (*models.RateLimitRecord, error) {
	rec, _, err := r.load(ctx, key, scope, gocql.LocalQuorum)
	return rec, err
}

// load reads a record and its revision. A nil record means none exists.
func (r *RateLimitRepository) load(ctx context.Context, key string, scope models.ScopeType, cons gocql.Consistency) (*models.RateLimitRecord, int64, error) {
	var (
		rec         models.RateLimitRecord
		scopeType   string
		lockedUntil time.Time
		revision    int64
	)
	err := r.client.Query(ctx, r.client.Statements.SelectRecord, r.bucket(key, scope), string(scope), key).
		Consistency(cons).
		Scan(&scopeType, &rec.Key, &rec.WindowStart, &rec.FailedAttempts, &rec.SuccessfulAttempts,
			&rec.TotalFailedAttempts, &rec.LockoutLevel, &lockedUntil, &rec.UpdatedAt, &revision)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load rate limit record: %w", err)
	}

	rec.ScopeType = models.ScopeType(scopeType)
	rec.WindowStart = rec.WindowStart.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if !lockedUntil.IsZero() {
		until := lockedUntil.UTC()
		rec.LockedUntil = &until
	}
	return &rec, revision, nil
}

func (r *RateLimitRepository) UpsertIncrement(ctx context.Context, key string, scope models.ScopeType, delta models.RateLimitDelta) (*models.RateLimitRecord, error) {
	for attempt := range r.client.casRetries {
		cur, rev, err := r.load(ctx, key, scope, gocql.Consistency(gocql.LocalSerial))
		if err != nil {
			return nil, err
		}

		var applied bool
		if cur == nil {
			cur = models.NewRateLimitRecord(key, scope, delta.At)
			ratelimit.ApplyDelta(cur, delta)
			applied, err = r.insert(ctx, cur)
		} else {
			ratelimit.ApplyDelta(cur, delta)
			applied, err = r.compareAndSet(ctx, cur, rev)
		}
		if err != nil {
			return nil, err
		}
		if applied {
			return cur, nil
		}

		util.Debug("Rate limit record CAS conflict",
			zap.String("scope", string(scope)),
			zap.String("key", key),
			zap.Int("attempt", attempt+1))
	}
	return nil, ErrCASContention
}

func (r *RateLimitRepository) SetLockout(ctx context.Context, key string, scope models.ScopeType, level int, lockedUntil, now time.Time) (bool, error) {
	for range r.client.casRetries {
		cur, rev, err := r.load(ctx, key, scope, gocql.Consistency(gocql.LocalSerial))
		if err != nil {
			return false, err
		}
		if cur == nil || !ratelimit.CanApplyLockout(cur, level, now) {
			return false, nil
		}

		until := lockedUntil
		cur.LockoutLevel = level
		cur.LockedUntil = &until
		cur.UpdatedAt = now

		applied, err := r.compareAndSet(ctx, cur, rev)
		if err != nil {
			return false, err
		}
		if applied {
			return true, nil
		}
	}
	return false, ErrCASContention
}

func (r *RateLimitRepository) insert(ctx context.Context, rec *models.RateLimitRecord) (bool, error) {
	applied, err := r.client.Query(ctx, r.client.Statements.InsertRecord,
		r.bucket(rec.Key, rec.ScopeType), string(rec.ScopeType), rec.Key,
		rec.WindowStart, rec.FailedAttempts, rec.SuccessfulAttempts, rec.TotalFailedAttempts,
		rec.LockoutLevel, nullableTime(rec.LockedUntil), rec.UpdatedAt, int64(1), r.ttl,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to insert rate limit record: %w", err)
	}
	return applied, nil
}

func (r *RateLimitRepository) compareAndSet(ctx context.Context, rec *models.RateLimitRecord, rev int64) (bool, error) {
	applied, err := r.client.Query(ctx, r.client.Statements.UpdateRecord,
		r.ttl,
		rec.WindowStart, rec.FailedAttempts, rec.SuccessfulAttempts, rec.TotalFailedAttempts,
		rec.LockoutLevel, nullableTime(rec.LockedUntil), rec.UpdatedAt, rev+1,
		r.bucket(rec.Key, rec.ScopeType), string(rec.ScopeType), rec.Key, rev,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to update rate limit record: %w", err)
	}
	return applied, nil
}

// DeleteOlderThan scans every bucket partition. The table TTL already
// expires idle rows; this removes rows written before a TTL change.
func (r *RateLimitRepository) DeleteOlderThan(ctx context.Context, age time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-age)
	var deleted int64

	for bucket := range r.bucketing.RecordBuckets() {
		iter := r.client.Query(ctx, r.client.Statements.SelectBucketAges, bucket).Iter()

		var (
			scopeType, key string
			updatedAt      time.Time
		)
		for iter.Scan(&scopeType, &key, &updatedAt) {
			if !updatedAt.Before(cutoff) {
				continue
			}
			applied, err := r.client.Query(ctx, r.client.Statements.DeleteStaleRecord, bucket, scopeType, key, cutoff).
				MapScanCAS(map[string]interface{}{})
			if err != nil {
				_ = iter.Close()
				return deleted, fmt.Errorf("failed to delete stale record: %w", err)
			}
			if applied {
				deleted++
			}
		}
		if err := iter.Close(); err != nil {
			return deleted, fmt.Errorf("failed to scan bucket %d: %w", bucket, err)
		}
	}
	return deleted, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
