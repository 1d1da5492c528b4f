// Package waf runs the rule catalog over request targets and scores the
// result.
package waf

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"reqshield/internal/config"
	"reqshield/internal/logging"
	"reqshield/internal/model"
	"reqshield/internal/rules"
)

var ErrBudgetExceeded = errors.New("evaluation budget exceeded")

// RuleEvaluationError is recorded when a rule could not be evaluated
// against a target. The rule counts as not matched.
type RuleEvaluationError struct {
	RuleID   string
	Location string
	Err      error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s at %s: %v", e.RuleID, e.Location, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

type Options struct {
	MaxValueLength int
	SnippetLength  int
	Budget         time.Duration
	Now            func() time.Time
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		MaxValueLength: cfg.Inspection.MaxValueLength,
		SnippetLength:  cfg.Inspection.SnippetLength,
		Budget:         cfg.Inspection.EvaluationBudget.Std(),
	}
}

type Result struct {
	Violations   []model.Violation
	TotalScore   int
	RulesChecked int
	Errors       []*RuleEvaluationError
}

// Highest returns the violation with the highest severity, then score.
func (r Result) Highest() (model.Violation, bool) {
	if len(r.Violations) == 0 {
		return model.Violation{}, false
	}
	best := r.Violations[0]
	for _, v := range r.Violations[1:] {
		if v.Severity.Rank() > best.Severity.Rank() ||
			(v.Severity.Rank() == best.Severity.Rank() && v.Score > best.Score) {
			best = v
		}
	}
	return best, true
}

func (r Result) RuleIDs() []string {
	seen := make(map[string]struct{}, len(r.Violations))
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if _, ok := seen[v.RuleID]; ok {
			continue
		}
		seen[v.RuleID] = struct{}{}
		out = append(out, v.RuleID)
	}
	return out
}

// Matcher is immutable; build a new one when the catalog or limits change.
type Matcher struct {
	catalog *rules.Catalog
	stats   *rules.Stats
	opts    Options
	logger  *zap.Logger
	match   func(rules.Rule, string) bool
}

func NewMatcher(catalog *rules.Catalog, stats *rules.Stats, opts Options, logger *zap.Logger) *Matcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if stats == nil {
		stats = rules.NewStats()
	}
	return &Matcher{
		catalog: catalog,
		stats:   stats,
		opts:    opts,
		logger:  logging.OrNop(logger),
		match:   rules.Rule.Match,
	}
}

func (m *Matcher) Catalog() *rules.Catalog { return m.catalog }

// Evaluate checks every rule against every target. Scores are summed with
// no deduplication, so one rule matching two targets counts twice.
func (m *Matcher) Evaluate(targets []model.Target) Result {
	list := m.catalog.Rules()
	res := Result{RulesChecked: len(list)}
	if len(list) == 0 || len(targets) == 0 {
		return res
	}
	start := m.opts.Now()
	var deadline time.Time
	if m.opts.Budget > 0 {
		deadline = start.Add(m.opts.Budget)
	}

	for _, target := range targets {
		value := capValue(target.Value, m.opts.MaxValueLength)
		for _, rule := range list {
			if !deadline.IsZero() && m.opts.Now().After(deadline) {
				res.Errors = append(res.Errors, &RuleEvaluationError{RuleID: rule.ID, Location: target.Location, Err: ErrBudgetExceeded})
				m.logger.Warn("rule evaluation budget exceeded",
					zap.String("rule_id", rule.ID),
					zap.String("location", target.Location),
					zap.Duration("budget", m.opts.Budget),
				)
				return res
			}
			matched, err := m.safeMatch(rule, value)
			if err != nil {
				res.Errors = append(res.Errors, &RuleEvaluationError{RuleID: rule.ID, Location: target.Location, Err: err})
				m.logger.Error("rule evaluation error", zap.String("rule_id", rule.ID), zap.Error(err))
				continue
			}
			if !matched {
				continue
			}
			now := m.opts.Now()
			res.Violations = append(res.Violations, model.Violation{
				RuleID:    rule.ID,
				RuleName:  rule.Name,
				Category:  rule.Category,
				Severity:  rule.Severity,
				Score:     rule.Score,
				Location:  target.Location,
				Snippet:   truncate(value, m.opts.SnippetLength),
				Timestamp: now,
			})
			res.TotalScore += rule.Score
			m.stats.Record(rule.ID, now)
		}
	}
	return res
}

func (m *Matcher) safeMatch(rule rules.Rule, value string) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.match(rule, value), nil
}

func capValue(v string, limit int) string {
	if limit <= 0 || len(v) <= limit {
		return v
	}
	return v[:limit]
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
