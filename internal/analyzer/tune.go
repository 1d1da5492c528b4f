package analyzer

import (
	"math"

	"reqshield/internal/model"
	"reqshield/internal/ratelimit"
)

// Recommend returns base scaled by the tighten factor while snap reports an
// attack, and base unchanged otherwise. Scaled values never drop below 1.
func (a *Analyzer) Recommend(base ratelimit.Thresholds, snap model.TrafficSnapshot) ratelimit.Thresholds {
	p := a.policy.Load()
	if snap.Health != HealthUnderAttack || p.TightenFactor <= 0 || p.TightenFactor >= 1 {
		return base
	}
	scale := func(v int) int {
		return max(1, int(math.Floor(float64(v)*p.TightenFactor)))
	}
	out := base
	out.RequestsPerSecond = scale(base.RequestsPerSecond)
	out.ChallengeThreshold = scale(base.ChallengeThreshold)
	out.BlockThreshold = max(out.ChallengeThreshold, scale(base.BlockThreshold))
	out.BurstSize = scale(base.BurstSize)
	return out
}
