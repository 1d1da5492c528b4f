package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"reqshield/internal/model"
)

type clientRecord struct {
	hits  []time.Time
	state *model.ClientState
}

// Memory is a single-process Store. One mutex covers all clients.
type Memory struct {
	mu      sync.Mutex
	clients map[string]*clientRecord
}

func NewMemory() *Memory {
	return &Memory{clients: make(map[string]*clientRecord)}
}

func (m *Memory) record(clientID string) *clientRecord {
	rec, ok := m.clients[clientID]
	if !ok {
		rec = &clientRecord{}
		m.clients[clientID] = rec
	}
	return rec
}

func (m *Memory) RecordHit(_ context.Context, clientID string, now time.Time, windows []time.Duration) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(clientID)

	i := sort.Search(len(rec.hits), func(i int) bool { return rec.hits[i].After(now) })
	rec.hits = append(rec.hits, time.Time{})
	copy(rec.hits[i+1:], rec.hits[i:])
	rec.hits[i] = now
	rec.hits = trimBefore(rec.hits, now.Add(-Retention))

	counts := make([]int64, len(windows))
	for wi, w := range windows {
		cutoff := now.Add(-w)
		lo := sort.Search(len(rec.hits), func(i int) bool { return rec.hits[i].After(cutoff) })
		hi := sort.Search(len(rec.hits), func(i int) bool { return rec.hits[i].After(now) })
		counts[wi] = int64(hi - lo)
	}
	return counts, nil
}

// trimBefore drops markers at or before cutoff.
func trimBefore(hits []time.Time, cutoff time.Time) []time.Time {
	n := sort.Search(len(hits), func(i int) bool { return hits[i].After(cutoff) })
	if n == 0 {
		return hits
	}
	return append(hits[:0], hits[n:]...)
}

func (m *Memory) GetState(_ context.Context, clientID string) (model.ClientState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.clients[clientID]
	if !ok || rec.state == nil {
		return model.ClientState{}, ErrNotFound
	}
	return *rec.state, nil
}

func (m *Memory) UpdateState(_ context.Context, clientID string, fn UpdateFunc) (model.ClientState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(clientID)
	var cur model.ClientState
	found := rec.state != nil
	if found {
		cur = *rec.state
	}
	next, ok := fn(cur, found)
	if !ok {
		return cur, nil
	}
	next.ClientID = clientID
	rec.state = &next
	return next, nil
}

func (m *Memory) DeleteState(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.clients[clientID]; ok {
		rec.state = nil
		if len(rec.hits) == 0 {
			delete(m.clients, clientID)
		}
	}
	return nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-Retention)
	for id, rec := range m.clients {
		rec.hits = trimBefore(rec.hits, cutoff)
		if rec.state != nil && !rec.state.Active(now) {
			rec.state = nil
		}
		if len(rec.hits) == 0 && rec.state == nil {
			delete(m.clients, id)
		}
	}
	return nil
}

// Len reports how many clients have markers or state.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
