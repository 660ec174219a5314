package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-auth-guard/internal/client"
	"chat-auth-guard/internal/models"
	"chat-auth-guard/internal/ratelimit"
	"chat-auth-guard/internal/util"
)

// Records are hashes at "<prefix>:<scope>:<key>". Timestamps are unix
// milliseconds; a zero locked_until means unlocked.
const (
	fieldWindowStart  = "window_start"
	fieldFailed       = "failed_attempts"
	fieldSuccessful   = "successful_attempts"
	fieldTotalFailed  = "total_failed_attempts"
	fieldLockoutLevel = "lockout_level"
	fieldLockedUntil  = "locked_until"
	fieldUpdatedAt    = "updated_at"

	scanBatchSize = 500
)

var upsertScript = redis.NewScript(`
local function num(v, d)
    if v then return tonumber(v) end
    return d
end

local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local add_failed = tonumber(ARGV[3])
local add_successful = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local h = redis.call('HMGET', key, 'window_start', 'failed_attempts', 'successful_attempts',
    'total_failed_attempts', 'lockout_level', 'locked_until')
local window_start = num(h[1], now)
local failed = num(h[2], 0)
local successful = num(h[3], 0)
local total_failed = num(h[4], 0)
local level = num(h[5], 0)
local locked_until = num(h[6], 0)

if locked_until > 0 then
    if now >= locked_until then
        locked_until = 0
        failed = 0
        successful = 0
        window_start = now
    end
elseif now - window_start > window then
    failed = 0
    successful = 0
    window_start = now
end

failed = failed + add_failed
total_failed = total_failed + add_failed
successful = successful + add_successful

redis.call('HSET', key,
    'window_start', window_start,
    'failed_attempts', failed,
    'successful_attempts', successful,
    'total_failed_attempts', total_failed,
    'lockout_level', level,
    'locked_until', locked_until,
    'updated_at', now)
redis.call('PEXPIRE', key, ttl)

return {window_start, failed, successful, total_failed, level, locked_until, now}
`)

var lockoutScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
    return 0
end

local level = tonumber(ARGV[1])
local locked_until = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local h = redis.call('HMGET', key, 'lockout_level', 'locked_until')
local cur_level = tonumber(h[1] or '0') or 0
local cur_until = tonumber(h[2] or '0') or 0

if level > cur_level or (level == cur_level and (cur_until == 0 or cur_until <= now)) then
    redis.call('HSET', key, 'lockout_level', level, 'locked_until', locked_until, 'updated_at', now)
    redis.call('PEXPIRE', key, ttl)
    return 1
end
return 0
`)

var deleteIfStaleScript = redis.NewScript(`
local updated = tonumber(redis.call('HGET', KEYS[1], 'updated_at') or '0') or 0
if updated < tonumber(ARGV[1]) then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RateLimitStore keeps RateLimitRecords in Redis hashes. Increments and
// lockout transitions run as Lua scripts so each is atomic per record.
type RateLimitStore struct {
	client *client.RedisClient
	prefix string
}

var _ ratelimit.Store = (*RateLimitStore)(nil)

func NewRateLimitStore(client *client.RedisClient, prefix string) *RateLimitStore {
	if prefix == "" {
		prefix = "auth_rl"
	}
	return &RateLimitStore{client: client, prefix: prefix}
}

func (s *RateLimitStore) recordKey(key string, scope models.ScopeType) string {
	return s.prefix + ":" + string(scope) + ":" + key
}

func (s *RateLimitStore) FindRecord(ctx context.Context, key string, scope models.ScopeType) (*models.RateLimitRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key, scope))
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	ints := make(map[string]int64, len(fields))
	for name, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit field %s=%q: %w", name, raw, err)
		}
		ints[name] = v
	}
	return recordFromFields(key, scope, [7]int64{
		ints[fieldWindowStart],
		ints[fieldFailed],
		ints[fieldSuccessful],
		ints[fieldTotalFailed],
		ints[fieldLockoutLevel],
		ints[fieldLockedUntil],
		ints[fieldUpdatedAt],
	}), nil
}

func (s *RateLimitStore) UpsertIncrement(ctx context.Context, key string, scope models.ScopeType, delta models.RateLimitDelta) (*models.RateLimitRecord, error) {
	res, err := s.client.RunScript(ctx, upsertScript, []string{s.recordKey(key, scope)},
		delta.At.UnixMilli(),
		ratelimit.Window.Milliseconds(),
		delta.Failed,
		delta.Successful,
		ratelimit.RecordRetention.Milliseconds(),
	)
	if err != nil {
		util.Error("Failed to increment rate limit record",
			zap.String("scope", string(scope)),
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to increment rate limit record: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 7 {
		return nil, fmt.Errorf("unexpected result format from upsert script")
	}
	var fields [7]int64
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected value type %T from upsert script", v)
		}
		fields[i] = n
	}
	return recordFromFields(key, scope, fields), nil
}

func (s *RateLimitStore) SetLockout(ctx context.Context, key string, scope models.ScopeType, level int, lockedUntil, now time.Time) (bool, error) {
	res, err := s.client.RunScript(ctx, lockoutScript, []string{s.recordKey(key, scope)},
		level,
		lockedUntil.UnixMilli(),
		now.UnixMilli(),
		ratelimit.RecordRetention.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to set lockout: %w", err)
	}
	applied, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result format from lockout script")
	}
	return applied == 1, nil
}

// DeleteOlderThan walks the key space with SCAN. Native key expiry does most
// of the work; this catches keys whose TTL was lost.
func (s *RateLimitStore) DeleteOlderThan(ctx context.Context, age time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-age).UnixMilli()
	pattern := s.prefix + ":*"

	var deleted int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize)
		if err != nil {
			return deleted, fmt.Errorf("failed to scan rate limit records: %w", err)
		}
		for _, k := range keys {
			res, err := s.client.RunScript(ctx, deleteIfStaleScript, []string{k}, cutoff)
			if err != nil {
				return deleted, fmt.Errorf("failed to delete stale record %s: %w", k, err)
			}
			if n, ok := res.(int64); ok {
				deleted += n
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

func recordFromFields(key string, scope models.ScopeType, f [7]int64) *models.RateLimitRecord {
	rec := &models.RateLimitRecord{
		Key:                 key,
		ScopeType:           scope,
		WindowStart:         time.UnixMilli(f[0]).UTC(),
		FailedAttempts:      int(f[1]),
		SuccessfulAttempts:  int(f[2]),
		TotalFailedAttempts: int(f[3]),
		LockoutLevel:        int(f[4]),
		UpdatedAt:           time.UnixMilli(f[6]).UTC(),
	}
	if f[5] > 0 {
		until := time.UnixMilli(f[5]).UTC()
		rec.LockedUntil = &until
	}
	return rec
}
