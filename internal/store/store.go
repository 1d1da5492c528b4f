// Package store keeps per-client rate markers and client state, either in
// process memory or in Redis shared by all instances.
package store

import (
	"context"
	"errors"
	"time"

	"reqshield/internal/model"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")

	// ErrContention means a compare-and-swap kept losing to other writers.
	// The store is reachable, so Failover stays on it and callers fail open.
	ErrContention = errors.New("store contention")
)

// Retention is how long rate markers are kept. It is the longest window the
// limiter counts.
const Retention = time.Hour

// UpdateFunc computes the next state from the current one. found is false
// when the client has no record. Returning ok=false leaves the record as is.
type UpdateFunc func(cur model.ClientState, found bool) (next model.ClientState, ok bool)

type Store interface {
	// RecordHit adds a marker at now and returns, for each window, the
	// number of markers in (now-window, now]. Recording and counting are
	// one atomic step.
	RecordHit(ctx context.Context, clientID string, now time.Time, windows []time.Duration) ([]int64, error)
	GetState(ctx context.Context, clientID string) (model.ClientState, error)
	// UpdateState applies fn as a compare-and-swap and returns the state
	// that is stored afterwards.
	UpdateState(ctx context.Context, clientID string, fn UpdateFunc) (model.ClientState, error)
	DeleteState(ctx context.Context, clientID string) error
	// Sweep drops markers past Retention and expired state records.
	Sweep(ctx context.Context, now time.Time) error
	Ping(ctx context.Context) error
	Close() error
}
