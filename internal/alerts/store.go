// Package alerts keeps the most recent security events in memory for the
// admin API.
package alerts

import (
	"context"
	"sync"
	"time"

	"reqshield/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.SecurityEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(ev)
}

func (s *Store) addLocked(ev model.SecurityEvent) {
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

func (s *Store) Name() string { return "alerts" }

// Write lets the store act as an event sink.
func (s *Store) Write(_ context.Context, events []model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.addLocked(ev)
	}
	return nil
}

// List returns up to limit most recent events, oldest first.
func (s *Store) List(limit int) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.SecurityEvent, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SecurityEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
