package storetest

import (
	"context"

	"reqshield/internal/model"
	"reqshield/internal/store"
)

// Retrying replays a lost compare-and-swap on every UpdateState: fn first
// sees an empty record whose write is discarded, then runs again against
// the real one. It mirrors a WATCH transaction that failed once.
type Retrying struct {
	store.Store
}

func (r Retrying) UpdateState(ctx context.Context, clientID string, fn store.UpdateFunc) (model.ClientState, error) {
	fn(model.ClientState{ClientID: clientID}, false)
	return r.Store.UpdateState(ctx, clientID, fn)
}
