package engine

import (
	"time"

	"reqshield/internal/model"
)

// Response types carried in the "type" field of a rejection body.
const (
	TypeDDoSBlock     = "ddos_protection_block"
	TypeWAFBlock      = "waf_block"
	TypeDDoSChallenge = "ddos_protection_challenge"
)

type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Duration
}

type Decision struct {
	ClientID string
	Action   model.Action
	// Type is set for CHALLENGE and BLOCK.
	Type       string
	Reason     string
	Source     model.Source
	RetryAfter time.Duration
	// RuleID and Severity describe the top violation of a WAF block.
	RuleID       string
	Severity     model.Severity
	ChallengeID  string
	Score        int
	RuleIDs      []string
	RulesChecked int
	Counts       model.Counts
	RateLimit    RateLimitInfo

	Whitelisted bool
	// Monitored is set in monitor mode when enforcement was skipped.
	Monitored bool
	FailOpen  bool
	Elapsed   time.Duration
}

func (d Decision) Allowed() bool {
	return d.Action == "" || d.Action == model.ActionAllow
}

// RetryAfterSeconds rounds up and never returns less than 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
