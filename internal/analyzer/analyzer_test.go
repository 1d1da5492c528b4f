package analyzer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/config"
	"reqshield/internal/model"
	"reqshield/internal/ratelimit"
)

func newAnalyzer() *Analyzer {
	cfg := config.DefaultConfig()
	return New(cfg.Analyzer, cfg.Adaptive)
}

func TestRecordCountsClientsAndPatterns(t *testing.T) {
	a := newAnalyzer()
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		a.Record(Observation{ClientID: "c1", Path: "/", At: now})
	}
	a.Record(Observation{ClientID: "c2", Path: "/search", Suspicious: true, Reason: "waf", RuleIDs: []string{"SQLI-002"}, At: now})
	a.Record(Observation{ClientID: "c3", Path: "/search", Suspicious: true, Reason: "waf", RuleIDs: []string{"SQLI-002"}, At: now.Add(time.Second)})

	snap := a.Snapshot(now)
	assert.EqualValues(t, 5, snap.TotalRequests)
	assert.Equal(t, 3, snap.UniqueClients)
	assert.Equal(t, 1, snap.SuspiciousPatterns)

	top := a.TopPatterns(10)
	require.Len(t, top, 1)
	assert.EqualValues(t, 2, top[0].Count)
	assert.Equal(t, now.Add(time.Second), top[0].LastSeen)
}

func TestSnapshotRates(t *testing.T) {
	a := newAnalyzer()
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	a.Sample(now)
	for i := 0; i < 100; i++ {
		a.Record(Observation{ClientID: fmt.Sprintf("c%d", i%10), At: now, Suspicious: i%4 == 0, Reason: "ddos"})
	}
	a.Sample(now.Add(10 * time.Second))

	snap := a.Snapshot(now.Add(10 * time.Second))
	assert.InDelta(t, 10.0, snap.RequestsPerSecond, 0.001)
	assert.InDelta(t, 0.25, snap.SuspiciousRatio, 0.001)
	assert.Equal(t, HealthUnderAttack, snap.Health)
}

func TestHealthLevels(t *testing.T) {
	a := newAnalyzer()
	assert.Equal(t, HealthHealthy, a.health(model.TrafficSnapshot{RequestsPerSecond: 10}))
	assert.Equal(t, HealthElevated, a.health(model.TrafficSnapshot{RequestsPerSecond: 300}))
	assert.Equal(t, HealthUnderAttack, a.health(model.TrafficSnapshot{RequestsPerSecond: 600}))
	assert.Equal(t, HealthElevated, a.health(model.TrafficSnapshot{SuspiciousRatio: 0.15}))
}

func TestPruneDropsOldSamplesAndClients(t *testing.T) {
	a := newAnalyzer()
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	a.Record(Observation{ClientID: "old", At: now})
	a.Sample(now)
	a.Sample(now.Add(50 * time.Second))
	a.Record(Observation{ClientID: "new", At: now.Add(90 * time.Second)})
	a.Sample(now.Add(90 * time.Second))

	a.Prune(now.Add(100 * time.Second))
	samples := a.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, now.Add(90*time.Second), samples[1].At)
	assert.Equal(t, 1, a.Snapshot(now.Add(100*time.Second)).UniqueClients)
}

func TestSampleRingWraps(t *testing.T) {
	a := newAnalyzer()
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < sampleCapacity+5; i++ {
		a.Sample(now.Add(time.Duration(i) * time.Second))
	}
	samples := a.Samples()
	require.Len(t, samples, sampleCapacity)
	assert.Equal(t, now.Add(5*time.Second), samples[0].At)
}

func TestRecommend(t *testing.T) {
	a := newAnalyzer()
	base := ratelimit.ThresholdsFrom(config.DefaultConfig().RateLimit)

	same := a.Recommend(base, model.TrafficSnapshot{Health: HealthElevated})
	assert.Equal(t, base, same)

	tight := a.Recommend(base, model.TrafficSnapshot{Health: HealthUnderAttack})
	assert.Equal(t, 5, tight.RequestsPerSecond)
	assert.Equal(t, 50, tight.ChallengeThreshold)
	assert.Equal(t, 100, tight.BlockThreshold)
	assert.Equal(t, 25, tight.BurstSize)
	assert.Equal(t, base.BurstWindow, tight.BurstWindow)

	base.RequestsPerSecond = 1
	assert.Equal(t, 1, a.Recommend(base, model.TrafficSnapshot{Health: HealthUnderAttack}).RequestsPerSecond)
}
