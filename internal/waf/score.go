package waf

import "reqshield/internal/config"

type Level int

const (
	LevelNone Level = iota
	LevelNotice
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNotice:
		return "notice"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	}
	return "none"
}

// LevelFor maps a total anomaly score onto the configured thresholds.
// A score of zero is always LevelNone.
func LevelFor(score int, a config.AnomalyConfig) Level {
	switch {
	case score <= 0:
		return LevelNone
	case score >= a.Critical:
		return LevelCritical
	case score >= a.Error:
		return LevelError
	case score >= a.Warning:
		return LevelWarning
	case score >= a.Notice:
		return LevelNotice
	}
	return LevelNone
}
