// Package ratelimit classifies a client's request rate over sliding
// windows kept in the shared store.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"reqshield/internal/config"
	"reqshield/internal/model"
	"reqshield/internal/store"
)

const (
	ReasonPerSecond = "excessive_requests_per_second"
	ReasonPerMinute = "excessive_requests_per_minute"
	ReasonHighRate  = "high_request_rate"
	ReasonBurst     = "burst_detected"
)

type Thresholds struct {
	RequestsPerSecond  int           `json:"requests_per_second"`
	ChallengeThreshold int           `json:"challenge_threshold"`
	BlockThreshold     int           `json:"block_threshold"`
	BurstSize          int           `json:"burst_size"`
	BurstWindow        time.Duration `json:"burst_window"`
}

func ThresholdsFrom(cfg config.RateLimitConfig) Thresholds {
	return Thresholds{
		RequestsPerSecond:  cfg.RequestsPerSecond,
		ChallengeThreshold: cfg.ChallengeThreshold,
		BlockThreshold:     cfg.BlockThreshold,
		BurstSize:          cfg.BurstSize,
		BurstWindow:        cfg.BurstWindow.Std(),
	}
}

// Limiter never writes client state; callers act on the verdict.
type Limiter struct {
	store     store.Store
	base      atomic.Pointer[Thresholds]
	effective atomic.Pointer[Thresholds]
}

func New(st store.Store, t Thresholds) *Limiter {
	l := &Limiter{store: st}
	l.SetBase(t)
	return l
}

// SetBase installs configured thresholds and drops any override.
func (l *Limiter) SetBase(t Thresholds) {
	l.base.Store(&t)
	l.effective.Store(&t)
}

// Override replaces the thresholds in effect until the next SetBase or
// Override.
func (l *Limiter) Override(t Thresholds) {
	l.effective.Store(&t)
}

func (l *Limiter) Base() Thresholds {
	return *l.base.Load()
}

func (l *Limiter) Thresholds() Thresholds {
	return *l.effective.Load()
}

// Classify records the request, then checks the windows in fixed order:
// per-second block, per-minute block, per-minute challenge, burst challenge.
func (l *Limiter) Classify(ctx context.Context, clientID string, now time.Time) (model.Verdict, error) {
	t := l.Thresholds()
	counts, err := l.store.RecordHit(ctx, clientID, now, []time.Duration{
		time.Second,
		time.Minute,
		time.Hour,
		t.BurstWindow,
	})
	if err != nil {
		return model.Verdict{Action: model.ActionAllow}, fmt.Errorf("classify %s: %w", clientID, err)
	}
	c := model.Counts{
		PerSecond: counts[0],
		PerMinute: counts[1],
		PerHour:   counts[2],
		Burst:     counts[3],
	}
	return Decide(c, t), nil
}

func Decide(c model.Counts, t Thresholds) model.Verdict {
	v := model.Verdict{Action: model.ActionAllow, Counts: c}
	switch {
	case c.PerSecond > int64(2*t.RequestsPerSecond):
		v.Action, v.Reason = model.ActionBlock, ReasonPerSecond
	case c.PerMinute > int64(t.BlockThreshold):
		v.Action, v.Reason = model.ActionBlock, ReasonPerMinute
	case c.PerMinute > int64(t.ChallengeThreshold):
		v.Action, v.Reason = model.ActionChallenge, ReasonHighRate
	case c.Burst > int64(t.BurstSize):
		v.Action, v.Reason = model.ActionChallenge, ReasonBurst
	}
	return v
}
