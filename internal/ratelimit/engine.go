package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chat-auth-guard/internal/models"
	"chat-auth-guard/internal/util"
)

// EventPublisher receives security events. Publish must not block.
type EventPublisher interface {
	Publish(event models.SecurityEvent)
}

type Options struct {
	CheckTimeout  time.Duration
	RecordTimeout time.Duration
	// MaxInFlight bounds concurrent asynchronous recordings; further ones
	// are dropped.
	MaxInFlight int
	Clock       Clock
	Publisher   EventPublisher
	Logger      *zap.Logger
}

// CombinedDecision is the merged outcome for one request.
type CombinedDecision struct {
	Decision
	Address    Decision
	Identifier Decision
}

type Engine struct {
	store         Store
	clock         Clock
	publisher     EventPublisher
	logger        *zap.Logger
	checkTimeout  time.Duration
	recordTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	slots      chan struct{}
	wg         sync.WaitGroup
	dropLogger rate.Sometimes
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 300 * time.Millisecond
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 2 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 256
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = util.Get()
	}
	return &Engine{
		store:         store,
		clock:         opts.Clock,
		publisher:     opts.Publisher,
		logger:        opts.Logger.Named("ratelimit"),
		checkTimeout:  opts.CheckTimeout,
		recordTimeout: opts.RecordTimeout,
		slots:         make(chan struct{}, opts.MaxInFlight),
		dropLogger:    rate.Sometimes{Interval: 10 * time.Second},
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Millisecond)
}

// Check evaluates both scopes and returns the more restrictive decision.
// Any store failure or timeout yields an allowing decision with FailOpen set.
func (e *Engine) Check(ctx context.Context, address, identifier string) CombinedDecision {
	address = util.NormalizeAddress(address)
	identifier = util.NormalizeIdentifier(identifier)
	now := e.now()

	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()

	var addrRec, idRec *models.RateLimitRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		addrRec, err = e.store.FindRecord(gctx, address, models.ScopeAddress)
		return err
	})
	g.Go(func() error {
		var err error
		idRec, err = e.store.FindRecord(gctx, identifier, models.ScopeIdentifier)
		return err
	})
	if err := g.Wait(); err != nil {
		e.logger.Warn("rate limit check failed, allowing request",
			zap.String("address", address),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return failOpen(address, identifier)
	}

	addrDec := Evaluate(address, models.ScopeAddress, addrRec, now)
	idDec := Evaluate(identifier, models.ScopeIdentifier, idRec, now)
	return CombinedDecision{
		Decision:   Merge(addrDec, idDec),
		Address:    addrDec,
		Identifier: idDec,
	}
}

func failOpen(address, identifier string) CombinedDecision {
	addr := Decision{Scope: models.ScopeAddress, Key: address, Allowed: true, FailOpen: true}
	id := Decision{Scope: models.ScopeIdentifier, Key: identifier, Allowed: true, FailOpen: true}
	return CombinedDecision{Decision: id, Address: addr, Identifier: id}
}

// Merge picks the more restrictive of two decisions. A deny beats an allow;
// between two denies the longer wait wins; between two allows the one with
// fewer remaining attempts wins. Ties go to a.
func Merge(a, b Decision) Decision {
	switch {
	case a.Allowed != b.Allowed:
		if !a.Allowed {
			return a
		}
		return b
	case !a.Allowed:
		if b.RetryAfter > a.RetryAfter {
			return b
		}
		return a
	default:
		if b.RemainingAttempts < a.RemainingAttempts {
			return b
		}
		return a
	}
}

// Inspect returns the record, with lock expiry and window rollover applied
// as of now, and its current decision for one scope. The record is nil when
// the scope has no history. The store itself is not written.
func (e *Engine) Inspect(ctx context.Context, scope models.ScopeType, key string) (*models.RateLimitRecord, Decision, error) {
	if scope == models.ScopeAddress {
		key = util.NormalizeAddress(key)
	} else {
		key = util.NormalizeIdentifier(key)
	}
	rec, err := e.store.FindRecord(ctx, key, scope)
	if err != nil {
		return nil, Decision{}, err
	}
	now := e.now()
	if rec != nil {
		// Show the record as the next increment will see it.
		rec = rec.Clone()
		Normalize(rec, now)
	}
	return rec, Evaluate(key, scope, rec, now), nil
}

// Record commits one attempt outcome to both scopes. Store errors are logged
// and dropped.
func (e *Engine) Record(ctx context.Context, address, identifier string, success bool) {
	address = util.NormalizeAddress(address)
	identifier = util.NormalizeIdentifier(identifier)
	now := e.now()

	delta := models.RateLimitDelta{At: now}
	if success {
		delta.Successful = 1
	} else {
		delta.Failed = 1
	}

	var g errgroup.Group
	g.Go(func() error { return e.recordScope(ctx, address, identifier, models.ScopeAddress, address, delta) })
	g.Go(func() error {
		return e.recordScope(ctx, address, identifier, models.ScopeIdentifier, identifier, delta)
	})
	if err := g.Wait(); err != nil {
		e.logger.Warn("failed to record auth attempt",
			zap.String("address", address),
			zap.String("identifier", identifier),
			zap.Bool("success", success),
			zap.Error(err),
		)
	}

	eventType := models.EventAttemptFailed
	if success {
		eventType = models.EventAttemptSucceeded
	}
	e.publish(models.SecurityEvent{
		EventType:  eventType,
		EventTime:  now,
		Address:    address,
		Identifier: identifier,
	})
}

func (e *Engine) recordScope(ctx context.Context, address, identifier string, scope models.ScopeType, key string, delta models.RateLimitDelta) error {
	rec, err := e.store.UpsertIncrement(ctx, key, scope, delta)
	if err != nil {
		return err
	}
	if delta.Failed == 0 {
		return nil
	}

	level, until, ok := Escalate(rec, delta.At)
	if !ok {
		return nil
	}
	applied, err := e.store.SetLockout(ctx, key, scope, level, until, delta.At)
	if err != nil || !applied {
		return err
	}

	e.logger.Info("lockout triggered",
		zap.String("scope", string(scope)),
		zap.String("key", key),
		zap.Int("level", level),
		zap.Time("locked_until", until),
		zap.Int("total_failed_attempts", rec.TotalFailedAttempts),
	)
	e.publish(models.SecurityEvent{
		EventType:           models.EventLockoutTriggered,
		EventTime:           delta.At,
		Address:             address,
		Identifier:          identifier,
		ScopeType:           scope,
		ScopeKey:            key,
		FailedAttempts:      rec.FailedAttempts,
		TotalFailedAttempts: rec.TotalFailedAttempts,
		LockoutLevel:        level,
		LockedUntil:         &until,
	})
	return nil
}

func (e *Engine) publish(ev models.SecurityEvent) {
	if e.publisher == nil {
		return
	}
	ev.EventID = uuid.NewString()
	e.publisher.Publish(ev)
}

// RecordAsync records in the background with its own timeout, detached from
// the request. It never blocks: when MaxInFlight recordings are already
// running, the attempt is dropped.
func (e *Engine) RecordAsync(address, identifier string, success bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	select {
	case e.slots <- struct{}{}:
	default:
		e.mu.Unlock()
		e.dropLogger.Do(func() {
			e.logger.Warn("record queue full, dropping auth attempt", zap.Int("capacity", cap(e.slots)))
		})
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer func() {
			<-e.slots
			e.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), e.recordTimeout)
		defer cancel()
		e.Record(ctx, address, identifier, success)
	}()
}

// Wait stops accepting asynchronous recordings and waits for running ones to
// finish or for ctx to end.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
