package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/models"
	"chat-auth-guard/internal/util"
)

// Sink delivers security events to one downstream system.
type Sink interface {
	Name() string
	Handle(ctx context.Context, event models.SecurityEvent) error
	// Close flushes anything buffered.
	Close(ctx context.Context) error
}

// Dispatcher fans security events out to sinks from a bounded queue. Publish
// never blocks; events that do not fit are dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger

	ch         chan models.SecurityEvent
	done       chan struct{}
	wg         sync.WaitGroup
	dropped    atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
	dropLogger rate.Sometimes
}

func NewDispatcher(cfg config.EventsConfig, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		sinks:      sinks,
		timeout:    cfg.Timeout,
		logger:     util.Get().Named("events"),
		ch:         make(chan models.SecurityEvent, max(cfg.BufferSize, 1)),
		done:       make(chan struct{}),
		dropLogger: rate.Sometimes{Interval: 10 * time.Second},
	}
	if d.timeout <= 0 {
		d.timeout = 5 * time.Second
	}

	for range max(cfg.Workers, 1) {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Handle(ctx, event); err != nil {
				d.logger.Warn("security event delivery failed",
					zap.String("sink", sink.Name()),
					zap.String("event_id", event.EventID),
					zap.String("event_type", string(event.EventType)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) Publish(event models.SecurityEvent) {
	if d == nil || d.closed.Load() || len(d.sinks) == 0 {
		return
	}
	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
		d.dropLogger.Do(func() {
			d.logger.Warn("security event queue full, dropping events",
				zap.Uint64("dropped_total", d.dropped.Load()))
		})
	}
}

// Close stops intake, drains queued events and flushes every sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()

		g, gctx := errgroup.WithContext(ctx)
		for _, sink := range d.sinks {
			g.Go(func() error { return sink.Close(gctx) })
		}
		err = g.Wait()
	})
	return err
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
