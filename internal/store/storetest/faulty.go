// Package storetest provides store doubles for tests.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"reqshield/internal/model"
	"reqshield/internal/store"
)

// Faulty wraps a store and fails every call with ErrStoreUnavailable while
// Down is set.
type Faulty struct {
	Inner store.Store
	Down  atomic.Bool
	Calls atomic.Int64
}

func NewFaulty(inner store.Store) *Faulty {
	return &Faulty{Inner: inner}
}

func (f *Faulty) fail() error {
	f.Calls.Add(1)
	if f.Down.Load() {
		return fmt.Errorf("%w: injected fault", store.ErrStoreUnavailable)
	}
	return nil
}

func (f *Faulty) RecordHit(ctx context.Context, clientID string, now time.Time, windows []time.Duration) ([]int64, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Inner.RecordHit(ctx, clientID, now, windows)
}

func (f *Faulty) GetState(ctx context.Context, clientID string) (model.ClientState, error) {
	if err := f.fail(); err != nil {
		return model.ClientState{}, err
	}
	return f.Inner.GetState(ctx, clientID)
}

func (f *Faulty) UpdateState(ctx context.Context, clientID string, fn store.UpdateFunc) (model.ClientState, error) {
	if err := f.fail(); err != nil {
		return model.ClientState{}, err
	}
	return f.Inner.UpdateState(ctx, clientID, fn)
}

func (f *Faulty) DeleteState(ctx context.Context, clientID string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Inner.DeleteState(ctx, clientID)
}

func (f *Faulty) Sweep(ctx context.Context, now time.Time) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Inner.Sweep(ctx, now)
}

func (f *Faulty) Ping(ctx context.Context) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Inner.Ping(ctx)
}

func (f *Faulty) Close() error { return f.Inner.Close() }
