package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chat-auth-guard/internal/util"
)

// Sweeper periodically deletes records idle for longer than RecordRetention.
// Stores with native expiry still run it to catch rows the TTL missed.
type Sweeper struct {
	store    Store
	clock    Clock
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(store Store, interval time.Duration, clock Clock) *Sweeper {
	if clock == nil {
		clock = SystemClock()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		clock:    clock,
		interval: interval,
		logger:   util.Get().Named("sweeper"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	deleted, err := s.store.DeleteOlderThan(ctx, RecordRetention, s.clock.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("rate limit sweep failed", zap.Error(err))
		}
		return 0
	}
	if deleted > 0 {
		s.logger.Info("rate limit sweep removed stale records", zap.Int64("deleted", deleted))
	}
	return deleted
}
