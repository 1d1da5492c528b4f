// Package events fans security events out to sinks off the request path.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"reqshield/internal/config"
	"reqshield/internal/logging"
	"reqshield/internal/model"
)

const maxBatch = 100

type Sink interface {
	Name() string
	Write(ctx context.Context, events []model.SecurityEvent) error
}

// Dispatcher queues events on a buffered channel and delivers them in
// batches from one worker goroutine. Publish never blocks: events beyond
// the admission rate or the buffer are dropped and counted.
type Dispatcher struct {
	ch      chan model.SecurityEvent
	limiter *rate.Limiter
	sinks   []Sink
	logger  *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64

	wg   sync.WaitGroup
	once sync.Once
}

func NewDispatcher(cfg config.EventsConfig, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	limit := rate.Inf
	burst := cfg.BufferSize
	if cfg.MaxPerSecond > 0 {
		limit = rate.Limit(cfg.MaxPerSecond)
		burst = max(1, int(cfg.MaxPerSecond))
	}
	return &Dispatcher{
		ch:      make(chan model.SecurityEvent, cfg.BufferSize),
		limiter: rate.NewLimiter(limit, burst),
		sinks:   sinks,
		logger:  logging.OrNop(logger),
	}
}

func (d *Dispatcher) Publish(ev model.SecurityEvent) bool {
	if !d.limiter.Allow() {
		d.drop(ev, "rate limited")
		return false
	}
	select {
	case d.ch <- ev:
		d.published.Add(1)
		return true
	default:
		d.drop(ev, "buffer full")
		return false
	}
}

// drop logs the first drop and then every thousandth, so a flood does not
// turn into a log flood.
func (d *Dispatcher) drop(ev model.SecurityEvent, why string) {
	n := d.dropped.Add(1)
	if n == 1 || n%1000 == 0 {
		d.logger.Warn("dropping security event",
			zap.String("why", why),
			zap.String("client_id", ev.ClientID),
			zap.Int64("dropped_total", n),
		)
	}
}

func (d *Dispatcher) Stats() (published, dropped int64) {
	return d.published.Load(), d.dropped.Load()
}

// Start runs the worker until ctx is done, then flushes what is queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case ev := <-d.ch:
				d.deliver(d.collect(ev))
			case <-ctx.Done():
				d.flush()
				return
			}
		}
	}()
}

// Wait blocks until the worker has flushed and exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) collect(first model.SecurityEvent) []model.SecurityEvent {
	batch := []model.SecurityEvent{first}
	for len(batch) < maxBatch {
		select {
		case ev := <-d.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (d *Dispatcher) flush() {
	d.once.Do(func() {
		for {
			select {
			case ev := <-d.ch:
				d.deliver(d.collect(ev))
			default:
				return
			}
		}
	})
}

func (d *Dispatcher) deliver(batch []model.SecurityEvent) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Write(ctx, batch); err != nil {
			d.logger.Error("event sink write failed",
				zap.String("sink", s.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
}
