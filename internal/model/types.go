package model

import "time"

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from INFO (0) to CRITICAL (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionChallenge Action = "CHALLENGE"
	ActionBlock     Action = "BLOCK"
)

type Status string

const (
	StatusClean      Status = "CLEAN"
	StatusChallenged Status = "CHALLENGED"
	StatusBlocked    Status = "BLOCKED"
)

// Source says which subsystem produced a decision.
type Source string

const (
	SourceDDoS Source = "ddos"
	SourceWAF  Source = "waf"
)

type Target struct {
	Location string `json:"location"`
	Value    string `json:"value"`
}

type Violation struct {
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Category  string    `json:"category"`
	Severity  Severity  `json:"severity"`
	Score     int       `json:"score"`
	Location  string    `json:"location"`
	Snippet   string    `json:"snippet"`
	Timestamp time.Time `json:"timestamp"`
}

type Verdict struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	Counts Counts `json:"counts"`
}

// Counts are the sliding-window request counts observed for one client.
type Counts struct {
	PerSecond int64 `json:"per_second"`
	PerMinute int64 `json:"per_minute"`
	PerHour   int64 `json:"per_hour"`
	Burst     int64 `json:"burst"`
}

type ClientState struct {
	ClientID  string    `json:"client_id"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	Source    Source    `json:"source"`
	EnteredAt time.Time `json:"entered_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the record still has effect at now.
func (s ClientState) Active(now time.Time) bool {
	if s.Status == "" || s.Status == StatusClean {
		return false
	}
	return now.Before(s.ExpiresAt)
}

type SecurityEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	Action    string    `json:"action"`
	Source    Source    `json:"source"`
	Reason    string    `json:"reason"`
	Score     int       `json:"score"`
	RuleIDs   []string  `json:"rule_ids,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Monitored bool      `json:"monitored,omitempty"`
}

type TrafficSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	TotalRequests      int64     `json:"total_requests"`
	RequestsPerSecond  float64   `json:"requests_per_second"`
	UniqueClients      int       `json:"unique_clients"`
	SuspiciousRatio    float64   `json:"suspicious_ratio"`
	SuspiciousPatterns int       `json:"suspicious_patterns"`
	Health             string    `json:"health"`
}
