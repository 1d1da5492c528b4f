// Package analyzer keeps process-wide traffic statistics: request totals,
// distinct clients, a ring of rate samples and recent suspicious patterns.
package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"reqshield/internal/config"
	"reqshield/internal/model"
)

const (
	HealthHealthy     = "healthy"
	HealthElevated    = "elevated"
	HealthUnderAttack = "under_attack"

	sampleCapacity   = 720
	maxTrackedClient = 100000
)

type Observation struct {
	ClientID   string
	Method     string
	Path       string
	UserAgent  string
	Suspicious bool
	Reason     string
	RuleIDs    []string
	At         time.Time
}

type Sample struct {
	At         time.Time `json:"at"`
	Total      int64     `json:"total"`
	Suspicious int64     `json:"suspicious"`
}

type Pattern struct {
	Fingerprint string    `json:"fingerprint"`
	Reason      string    `json:"reason"`
	RuleIDs     []string  `json:"rule_ids,omitempty"`
	Path        string    `json:"path"`
	Count       int64     `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

type Analyzer struct {
	total      atomic.Int64
	suspicious atomic.Int64

	clients  *lru.Cache[string, time.Time]
	patterns *expirable.LRU[string, *Pattern]
	policy   atomic.Pointer[config.AdaptiveConfig]

	mu      sync.Mutex
	window  time.Duration
	samples []Sample
	head    int
	size    int
}

func New(cfg config.AnalyzerConfig, policy config.AdaptiveConfig) *Analyzer {
	clients, _ := lru.New[string, time.Time](maxTrackedClient)
	a := &Analyzer{
		clients:  clients,
		patterns: expirable.NewLRU[string, *Pattern](cfg.MaxFingerprints, nil, cfg.FingerprintTTL.Std()),
		window:   cfg.Window.Std(),
		samples:  make([]Sample, sampleCapacity),
	}
	a.SetPolicy(policy)
	return a
}

func (a *Analyzer) SetPolicy(p config.AdaptiveConfig) {
	a.policy.Store(&p)
}

func (a *Analyzer) Record(obs Observation) {
	a.total.Add(1)
	if obs.ClientID != "" {
		a.clients.Add(obs.ClientID, obs.At)
	}
	if !obs.Suspicious {
		return
	}
	a.suspicious.Add(1)

	key := fingerprint(obs)
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.patterns.Get(key); ok {
		p.Count++
		p.LastSeen = obs.At
		return
	}
	a.patterns.Add(key, &Pattern{
		Fingerprint: key,
		Reason:      obs.Reason,
		RuleIDs:     append([]string(nil), obs.RuleIDs...),
		Path:        obs.Path,
		Count:       1,
		FirstSeen:   obs.At,
		LastSeen:    obs.At,
	})
}

func fingerprint(obs Observation) string {
	ids := append([]string(nil), obs.RuleIDs...)
	sort.Strings(ids)
	parts := []string{
		obs.Reason,
		strings.Join(ids, ","),
		obs.Method,
		obs.Path,
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:16])
}

// Sample appends the current totals to the ring buffer.
func (a *Analyzer) Sample(now time.Time) {
	s := Sample{At: now, Total: a.total.Load(), Suspicious: a.suspicious.Load()}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples[(a.head+a.size)%len(a.samples)] = s
	if a.size < len(a.samples) {
		a.size++
	} else {
		a.head = (a.head + 1) % len(a.samples)
	}
}

// Prune drops samples and client entries older than the analysis window.
// Patterns expire on their own TTL.
func (a *Analyzer) Prune(now time.Time) {
	cutoff := now.Add(-a.window)
	a.mu.Lock()
	for a.size > 1 && a.samples[a.head].At.Before(cutoff) {
		a.head = (a.head + 1) % len(a.samples)
		a.size--
	}
	a.mu.Unlock()

	for {
		_, seen, ok := a.clients.GetOldest()
		if !ok || !seen.Before(cutoff) {
			return
		}
		a.clients.RemoveOldest()
	}
}

func (a *Analyzer) Samples() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sample, a.size)
	for i := 0; i < a.size; i++ {
		out[i] = a.samples[(a.head+i)%len(a.samples)]
	}
	return out
}

// Snapshot derives rates from the oldest and newest samples in the window.
func (a *Analyzer) Snapshot(now time.Time) model.TrafficSnapshot {
	snap := model.TrafficSnapshot{
		Timestamp:          now,
		TotalRequests:      a.total.Load(),
		UniqueClients:      a.clients.Len(),
		SuspiciousPatterns: a.patterns.Len(),
	}
	samples := a.Samples()
	if n := len(samples); n >= 2 {
		first, last := samples[0], samples[n-1]
		if elapsed := last.At.Sub(first.At).Seconds(); elapsed > 0 {
			snap.RequestsPerSecond = float64(last.Total-first.Total) / elapsed
		}
		if d := last.Total - first.Total; d > 0 {
			snap.SuspiciousRatio = float64(last.Suspicious-first.Suspicious) / float64(d)
		}
	}
	snap.Health = a.health(snap)
	return snap
}

func (a *Analyzer) health(s model.TrafficSnapshot) string {
	p := a.policy.Load()
	switch {
	case p.HighRPS > 0 && s.RequestsPerSecond > p.HighRPS,
		p.SuspiciousRatio > 0 && s.SuspiciousRatio > p.SuspiciousRatio:
		return HealthUnderAttack
	case p.HighRPS > 0 && s.RequestsPerSecond > p.HighRPS/2,
		p.SuspiciousRatio > 0 && s.SuspiciousRatio > p.SuspiciousRatio/2:
		return HealthElevated
	}
	return HealthHealthy
}

// TopPatterns returns up to n patterns with the highest counts.
func (a *Analyzer) TopPatterns(n int) []Pattern {
	a.mu.Lock()
	values := a.patterns.Values()
	out := make([]Pattern, 0, len(values))
	for _, p := range values {
		out = append(out, *p)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (a *Analyzer) Reset() {
	a.total.Store(0)
	a.suspicious.Store(0)
	a.clients.Purge()
	a.patterns.Purge()
	a.mu.Lock()
	a.head, a.size = 0, 0
	a.mu.Unlock()
}
