// Package metrics keeps the last observed window counts per client and the
// Prometheus collectors for decisions, rules, store health and traffic.
package metrics

import (
	"sync"
	"time"

	"reqshield/internal/model"
)

type ClientCounts struct {
	Counts    model.Counts `json:"counts"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Store struct {
	mu       sync.RWMutex
	byClient map[string]ClientCounts
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byClient: make(map[string]ClientCounts),
		limit:    limit,
	}
}

func (s *Store) Update(clientID string, counts model.Counts, at time.Time) {
	if clientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byClient[clientID] = ClientCounts{Counts: counts, UpdatedAt: at}
	if len(s.byClient) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(clientID string) (ClientCounts, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byClient[clientID]
	return c, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byClient)
}

func (s *Store) GetAll() map[string]ClientCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ClientCounts, len(s.byClient))
	for id, c := range s.byClient {
		out[id] = c
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestClient string
	var oldest time.Time
	for id, c := range s.byClient {
		if oldestClient == "" || c.UpdatedAt.Before(oldest) {
			oldestClient = id
			oldest = c.UpdatedAt
		}
	}
	if oldestClient != "" {
		delete(s.byClient, oldestClient)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byClient = make(map[string]ClientCounts)
}
