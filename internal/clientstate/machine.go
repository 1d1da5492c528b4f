// Package clientstate tracks CLEAN, CHALLENGED and BLOCKED clients. Expiry
// is lazy: a record past its ExpiresAt reads as CLEAN.
package clientstate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"reqshield/internal/config"
	"reqshield/internal/model"
	"reqshield/internal/store"
)

type Timeouts struct {
	Challenge  time.Duration
	Block      time.Duration
	RenewBlock bool
}

func TimeoutsFrom(cfg config.ClientStateConfig) Timeouts {
	return Timeouts{
		Challenge:  cfg.ChallengeTimeout.Std(),
		Block:      cfg.BlockTimeout.Std(),
		RenewBlock: cfg.RenewBlock,
	}
}

type Machine struct {
	store    store.Store
	now      func() time.Time
	timeouts atomic.Pointer[Timeouts]
}

func New(st store.Store, t Timeouts) *Machine {
	m := &Machine{store: st, now: time.Now}
	m.SetTimeouts(t)
	return m
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) SetTimeouts(t Timeouts) {
	m.timeouts.Store(&t)
}

func clean(clientID string) model.ClientState {
	return model.ClientState{ClientID: clientID, Status: model.StatusClean}
}

// Status returns the effective state. Missing and expired records are CLEAN.
func (m *Machine) Status(ctx context.Context, clientID string) (model.ClientState, error) {
	st, err := m.store.GetState(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return clean(clientID), nil
	}
	if err != nil {
		return clean(clientID), err
	}
	if !st.Active(m.now()) {
		return clean(clientID), nil
	}
	return st, nil
}

// Challenge moves a CLEAN client to CHALLENGED. Active CHALLENGED and
// BLOCKED records are left alone. changed reports whether a write happened.
func (m *Machine) Challenge(ctx context.Context, clientID, reason string, source model.Source) (st model.ClientState, changed bool, err error) {
	t := m.timeouts.Load()
	now := m.now()
	st, err = m.store.UpdateState(ctx, clientID, func(cur model.ClientState, found bool) (model.ClientState, bool) {
		// fn reruns on every CAS retry.
		changed = false
		if found && cur.Active(now) {
			return cur, false
		}
		changed = true
		return model.ClientState{
			ClientID:  clientID,
			Status:    model.StatusChallenged,
			Reason:    reason,
			Source:    source,
			EnteredAt: now,
			ExpiresAt: now.Add(t.Challenge),
		}, true
	})
	if err != nil {
		return clean(clientID), false, err
	}
	return st, changed, nil
}

// Block moves a CLEAN or CHALLENGED client to BLOCKED. An active block keeps
// its expiry unless RenewBlock is set.
func (m *Machine) Block(ctx context.Context, clientID, reason string, source model.Source) (st model.ClientState, changed bool, err error) {
	t := m.timeouts.Load()
	now := m.now()
	st, err = m.store.UpdateState(ctx, clientID, func(cur model.ClientState, found bool) (model.ClientState, bool) {
		changed = false
		if found && cur.Active(now) && cur.Status == model.StatusBlocked && !t.RenewBlock {
			return cur, false
		}
		changed = true
		return model.ClientState{
			ClientID:  clientID,
			Status:    model.StatusBlocked,
			Reason:    reason,
			Source:    source,
			EnteredAt: now,
			ExpiresAt: now.Add(t.Block),
		}, true
	})
	if err != nil {
		return clean(clientID), false, err
	}
	return st, changed, nil
}

// Clear is the operator override back to CLEAN.
func (m *Machine) Clear(ctx context.Context, clientID string) error {
	return m.store.DeleteState(ctx, clientID)
}
