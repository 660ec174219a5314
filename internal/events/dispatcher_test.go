package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/models"
)

type recordingSink struct {
	name   string
	err    error
	block  chan struct{}
	mu     sync.Mutex
	events []models.SecurityEvent
	closed bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(_ context.Context, ev models.SecurityEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func lockoutEvent(id string) models.SecurityEvent {
	until := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	return models.SecurityEvent{
		EventID:      id,
		EventType:    models.EventLockoutTriggered,
		EventTime:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Identifier:   "a@x.com",
		ScopeType:    models.ScopeIdentifier,
		ScopeKey:     "a@x.com",
		LockoutLevel: 1,
		LockedUntil:  &until,
	}
}

func TestDispatcher_FansOutToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("downstream unavailable")}
	d := NewDispatcher(config.EventsConfig{BufferSize: 16, Workers: 2, Timeout: time.Second}, a, b)

	for i := range 10 {
		d.Publish(lockoutEvent(string(rune('a' + i))))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 10, a.count())
	assert.Equal(t, 10, b.count())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Zero(t, d.Dropped())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &recordingSink{name: "slow", block: block}
	d := NewDispatcher(config.EventsConfig{BufferSize: 2, Workers: 1, Timeout: time.Second}, sink)

	for range 10 {
		d.Publish(lockoutEvent("x"))
	}
	assert.Positive(t, d.Dropped())

	close(block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, uint64(10), d.Dropped()+uint64(sink.count()))
}

func TestDispatcher_IgnoresPublishAfterClose(t *testing.T) {
	sink := &recordingSink{name: "a"}
	d := NewDispatcher(config.EventsConfig{BufferSize: 4, Workers: 1}, sink)
	require.NoError(t, d.Close(context.Background()))

	d.Publish(lockoutEvent("late"))
	assert.Zero(t, sink.count())

	var nilDispatcher *Dispatcher
	assert.NotPanics(t, func() { nilDispatcher.Publish(lockoutEvent("nil")) })
}

type fakeProducer struct {
	key     []byte
	value   []byte
	headers map[string]string
}

func (p *fakeProducer) ProduceMessage(_ context.Context, key, value []byte, headers map[string]string) error {
	p.key, p.value, p.headers = key, value, headers
	return nil
}

func TestKafkaSink_Handle(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewKafkaSink(producer)

	require.NoError(t, sink.Handle(context.Background(), lockoutEvent("ev-1")))

	assert.Equal(t, "identifier:a@x.com", string(producer.key))
	assert.Equal(t, "lockout_triggered", producer.headers["event_type"])
	assert.Equal(t, "ev-1", producer.headers["event_id"])

	var decoded models.SecurityEvent
	require.NoError(t, json.Unmarshal(producer.value, &decoded))
	assert.Equal(t, 1, decoded.LockoutLevel)
}

type fakeIndexer struct {
	index, id string
	calls     int
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, _ interface{}) error {
	f.index, f.id = index, id
	f.calls++
	return nil
}

func TestElasticsearchSink_IndexesLockoutsOnly(t *testing.T) {
	indexer := &fakeIndexer{}
	sink := NewElasticsearchSink(indexer, "auth-lockouts", func(t time.Time) string { return t.Format("2006.01.02") })
	ctx := context.Background()

	require.NoError(t, sink.Handle(ctx, models.SecurityEvent{EventID: "attempt", EventType: models.EventAttemptFailed}))
	assert.Zero(t, indexer.calls)

	require.NoError(t, sink.Handle(ctx, lockoutEvent("ev-2")))
	assert.Equal(t, 1, indexer.calls)
	assert.Equal(t, "auth-lockouts-2026.03.01", indexer.index)
	assert.Equal(t, "ev-2", indexer.id)
}

type fakeInserter struct {
	mu      sync.Mutex
	batches [][][]interface{}
	execs   []string
}

func (f *fakeInserter) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeInserter) BatchInsert(_ context.Context, _ string, rows [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeInserter) rowCounts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, b := range f.batches {
		out = append(out, len(b))
	}
	return out
}

func TestClickHouseSink_Batches(t *testing.T) {
	inserter := &fakeInserter{}
	sink := NewClickHouseSink(inserter, 3, time.Hour)
	ctx := context.Background()

	require.NoError(t, sink.EnsureSchema(ctx))
	assert.Len(t, inserter.execs, 1)

	for range 4 {
		require.NoError(t, sink.Handle(ctx, models.SecurityEvent{EventID: "x", EventType: models.EventAttemptFailed}))
	}
	assert.Equal(t, []int{3}, inserter.rowCounts())

	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, []int{3, 1}, inserter.rowCounts())
}

func TestClickHouseSink_PeriodicFlush(t *testing.T) {
	inserter := &fakeInserter{}
	sink := NewClickHouseSink(inserter, 100, 10*time.Millisecond)
	defer sink.Close(context.Background())

	require.NoError(t, sink.Handle(context.Background(), lockoutEvent("tick")))
	assert.Eventually(t, func() bool {
		return len(inserter.rowCounts()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAttemptRow(t *testing.T) {
	row := attemptRow(lockoutEvent("row"))
	require.Len(t, row, 11)
	assert.Equal(t, uint8(1), row[9])
	lockedUntil, ok := row[10].(*time.Time)
	require.True(t, ok)
	assert.NotNil(t, lockedUntil)

	row = attemptRow(models.SecurityEvent{EventType: models.EventAttemptSucceeded})
	assert.Nil(t, row[10].(*time.Time))
}
