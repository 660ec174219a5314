package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"chat-auth-guard/internal/models"
	"chat-auth-guard/internal/ratelimit"
	"chat-auth-guard/internal/util"
)

const upsertRetries = 2

// RateLimitStore keeps one document per (key, scope_type). Increments are a
// single pipeline update, so rollover and increment happen together.
type RateLimitStore struct {
	coll *mongo.Collection
}

var _ ratelimit.Store = (*RateLimitStore)(nil)

func NewRateLimitStore(db *mongo.Database, collection string) *RateLimitStore {
	return &RateLimitStore{coll: db.Collection(collection)}
}

// EnsureIndexes creates the uniqueness index that backs upserts and the TTL
// index that expires idle records.
func (s *RateLimitStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}, {Key: "scope_type", Value: 1}},
			Options: options.Index().SetName("key_scope_unique").SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().
				SetName("updated_at_ttl").
				SetExpireAfterSeconds(int32(ratelimit.RecordRetention / time.Second)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create rate limit indexes: %w", err)
	}
	return nil
}

func recordFilter(key string, scope models.ScopeType) bson.M {
	return bson.M{"key": key, "scope_type": scope}
}

func (s *RateLimitStore) FindRecord(ctx context.Context, key string, scope models.ScopeType) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	err := s.coll.FindOne(ctx, recordFilter(key, scope)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit record: %w", err)
	}
	return normalizeTimes(&rec), nil
}

func (s *RateLimitStore) UpsertIncrement(ctx context.Context, key string, scope models.ScopeType, delta models.RateLimitDelta) (*models.RateLimitRecord, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var (
		rec models.RateLimitRecord
		err error
	)
	// Two concurrent first writes can both try to insert; the loser retries
	// as an update.
	for range upsertRetries {
		err = s.coll.FindOneAndUpdate(ctx, recordFilter(key, scope), incrementPipeline(delta), opts).Decode(&rec)
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		util.Error("Failed to increment rate limit record",
			zap.String("scope", string(scope)),
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to increment rate limit record: %w", err)
	}
	return normalizeTimes(&rec), nil
}

// incrementPipeline applies lock expiry and window rollover, then adds the
// delta, all from the document's prior state.
func incrementPipeline(delta models.RateLimitDelta) bson.A {
	now := delta.At
	lockedUntil := bson.M{"$ifNull": bson.A{"$locked_until", nil}}
	windowStart := bson.M{"$ifNull": bson.A{"$window_start", now}}

	lockExpired := bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{lockedUntil, nil}},
		bson.M{"$lte": bson.A{lockedUntil, now}},
	}}
	windowStale := bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{lockedUntil, nil}},
		bson.M{"$gt": bson.A{bson.M{"$subtract": bson.A{now, windowStart}}, ratelimit.Window.Milliseconds()}},
	}}

	counter := func(field string, add int) bson.M {
		return bson.M{"$add": bson.A{
			bson.M{"$cond": bson.A{"$_rollover", 0, bson.M{"$ifNull": bson.A{"$" + field, 0}}}},
			add,
		}}
	}

	return bson.A{
		bson.M{"$set": bson.M{"_rollover": bson.M{"$or": bson.A{lockExpired, windowStale}}}},
		bson.M{"$set": bson.M{
			"window_start":          bson.M{"$cond": bson.A{"$_rollover", now, windowStart}},
			"failed_attempts":       counter("failed_attempts", delta.Failed),
			"successful_attempts":   counter("successful_attempts", delta.Successful),
			"total_failed_attempts": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$total_failed_attempts", 0}}, delta.Failed}},
			"lockout_level":         bson.M{"$ifNull": bson.A{"$lockout_level", 0}},
			"locked_until":          bson.M{"$cond": bson.A{"$_rollover", nil, lockedUntil}},
			"updated_at":            now,
		}},
		bson.M{"$unset": "_rollover"},
	}
}

func (s *RateLimitStore) SetLockout(ctx context.Context, key string, scope models.ScopeType, level int, lockedUntil, now time.Time) (bool, error) {
	filter := recordFilter(key, scope)
	filter["$or"] = bson.A{
		bson.M{"lockout_level": bson.M{"$lt": level}},
		bson.M{
			"lockout_level": level,
			"$or": bson.A{
				bson.M{"locked_until": nil},
				bson.M{"locked_until": bson.M{"$lte": now}},
			},
		},
	}
	update := bson.M{"$set": bson.M{
		"lockout_level": level,
		"locked_until":  lockedUntil,
		"updated_at":    now,
	}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to set lockout: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *RateLimitStore) DeleteOlderThan(ctx context.Context, age time.Duration, now time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"updated_at": bson.M{"$lt": now.Add(-age)}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale rate limit records: %w", err)
	}
	return res.DeletedCount, nil
}

func normalizeTimes(rec *models.RateLimitRecord) *models.RateLimitRecord {
	rec.WindowStart = rec.WindowStart.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.LockedUntil != nil {
		until := rec.LockedUntil.UTC()
		rec.LockedUntil = &until
	}
	return rec
}
