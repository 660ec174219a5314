package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-auth-guard/internal/models"
	"chat-auth-guard/internal/util"
)

const createAttemptsTable = `CREATE TABLE IF NOT EXISTS auth_attempts (
    event_id String,
    event_type LowCardinality(String),
    event_time DateTime64(3, 'UTC'),
    address String,
    identifier String,
    scope_type LowCardinality(String),
    scope_key String,
    failed_attempts UInt32,
    total_failed_attempts UInt32,
    lockout_level UInt8,
    locked_until Nullable(DateTime64(3, 'UTC'))
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_time)
ORDER BY (event_type, event_time)
TTL toDateTime(event_time) + INTERVAL 180 DAY`

const insertAttempts = `INSERT INTO auth_attempts (
    event_id, event_type, event_time, address, identifier, scope_type, scope_key,
    failed_attempts, total_failed_attempts, lockout_level, locked_until)`

type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink buffers events and writes them to auth_attempts in batches,
// either when BatchSize rows are pending or every FlushInterval.
type ClickHouseSink struct {
	inserter  BatchInserter
	batchSize int
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	pending [][]interface{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClickHouseSink(inserter BatchInserter, batchSize int, flushInterval time.Duration) *ClickHouseSink {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	s := &ClickHouseSink{
		inserter:  inserter,
		batchSize: max(batchSize, 1),
		timeout:   10 * time.Second,
		logger:    util.Get().Named("clickhouse_sink"),
		stop:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop(flushInterval)
	return s
}

func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.inserter.Exec(ctx, createAttemptsTable); err != nil {
		return fmt.Errorf("failed to create auth_attempts table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Handle(ctx context.Context, event models.SecurityEvent) error {
	s.mu.Lock()
	s.pending = append(s.pending, attemptRow(event))
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes all pending rows. Rows from a failed write are dropped.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := s.inserter.BatchInsert(ctx, insertAttempts, rows); err != nil {
		return fmt.Errorf("failed to insert %d auth attempts: %w", len(rows), err)
	}
	return nil
}

func (s *ClickHouseSink) flushLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("periodic clickhouse flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *ClickHouseSink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.Flush(ctx)
}

func attemptRow(e models.SecurityEvent) []interface{} {
	var lockedUntil *time.Time
	if e.LockedUntil != nil {
		t := e.LockedUntil.UTC()
		lockedUntil = &t
	}
	return []interface{}{
		e.EventID,
		string(e.EventType),
		e.EventTime.UTC(),
		e.Address,
		e.Identifier,
		string(e.ScopeType),
		e.ScopeKey,
		uint32(e.FailedAttempts),
		uint32(e.TotalFailedAttempts),
		uint8(e.LockoutLevel),
		lockedUntil,
	}
}
