package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"reqshield/internal/logging"
	"reqshield/internal/model"
)

// Failover serves from primary and falls back to an in-memory store for
// any call that fails with ErrStoreUnavailable. While primary is down it is
// retried at most once per retry interval. Each transition is logged once.
type Failover struct {
	primary  Store
	fallback *Memory
	retry    time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	down     bool
	downedAt time.Time
}

func NewFailover(primary Store, fallback *Memory, retry time.Duration, logger *zap.Logger) *Failover {
	if fallback == nil {
		fallback = NewMemory()
	}
	return &Failover{
		primary:  primary,
		fallback: fallback,
		retry:    retry,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Degraded reports whether calls are currently served from memory.
func (f *Failover) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *Failover) usePrimary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down || f.now().Sub(f.downedAt) >= f.retry
}

func (f *Failover) observe(err error) bool {
	failed := errors.Is(err, ErrStoreUnavailable)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case failed && !f.down:
		f.down = true
		f.downedAt = f.now()
		f.logger.Warn("shared store unavailable, using in-memory fallback", zap.Error(err))
	case failed:
		f.downedAt = f.now()
	case f.down:
		f.down = false
		f.logger.Info("shared store recovered")
	}
	return failed
}

func (f *Failover) RecordHit(ctx context.Context, clientID string, now time.Time, windows []time.Duration) ([]int64, error) {
	if f.usePrimary() {
		counts, err := f.primary.RecordHit(ctx, clientID, now, windows)
		if !f.observe(err) {
			return counts, err
		}
	}
	return f.fallback.RecordHit(ctx, clientID, now, windows)
}

func (f *Failover) GetState(ctx context.Context, clientID string) (model.ClientState, error) {
	if f.usePrimary() {
		st, err := f.primary.GetState(ctx, clientID)
		if !f.observe(err) {
			return st, err
		}
	}
	return f.fallback.GetState(ctx, clientID)
}

func (f *Failover) UpdateState(ctx context.Context, clientID string, fn UpdateFunc) (model.ClientState, error) {
	if f.usePrimary() {
		st, err := f.primary.UpdateState(ctx, clientID, fn)
		if !f.observe(err) {
			return st, err
		}
	}
	return f.fallback.UpdateState(ctx, clientID, fn)
}

// DeleteState clears both stores so a record written during an outage
// does not outlive an operator clear.
func (f *Failover) DeleteState(ctx context.Context, clientID string) error {
	_ = f.fallback.DeleteState(ctx, clientID)
	if f.usePrimary() {
		err := f.primary.DeleteState(ctx, clientID)
		if !f.observe(err) {
			return err
		}
	}
	return nil
}

func (f *Failover) Sweep(ctx context.Context, now time.Time) error {
	_ = f.fallback.Sweep(ctx, now)
	if f.usePrimary() {
		err := f.primary.Sweep(ctx, now)
		if !f.observe(err) {
			return err
		}
	}
	return nil
}

// Ping probes primary regardless of the retry interval, so maintenance can
// bring it back as soon as it answers.
func (f *Failover) Ping(ctx context.Context) error {
	err := f.primary.Ping(ctx)
	f.observe(err)
	return err
}

func (f *Failover) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
