package rules

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type ruleStat struct {
	hits    atomic.Int64
	lastHit atomic.Int64
}

// Stats counts rule hits. It outlives catalog swaps so counts survive
// reloads.
type Stats struct {
	byID sync.Map
}

type RuleStat struct {
	RuleID  string    `json:"rule_id"`
	Hits    int64     `json:"hits"`
	LastHit time.Time `json:"last_hit"`
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) Record(ruleID string, at time.Time) {
	v, _ := s.byID.LoadOrStore(ruleID, &ruleStat{})
	st := v.(*ruleStat)
	st.hits.Add(1)
	st.lastHit.Store(at.UnixNano())
}

func (s *Stats) Hits(ruleID string) int64 {
	v, ok := s.byID.Load(ruleID)
	if !ok {
		return 0
	}
	return v.(*ruleStat).hits.Load()
}

// Snapshot lists rules by hit count, highest first.
func (s *Stats) Snapshot() []RuleStat {
	out := make([]RuleStat, 0)
	s.byID.Range(func(key, value any) bool {
		st := value.(*ruleStat)
		out = append(out, RuleStat{
			RuleID:  key.(string),
			Hits:    st.hits.Load(),
			LastHit: time.Unix(0, st.lastHit.Load()).UTC(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func (s *Stats) Reset() {
	s.byID.Range(func(key, _ any) bool {
		s.byID.Delete(key)
		return true
	})
}
