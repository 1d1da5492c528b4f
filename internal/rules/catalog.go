// Package rules holds the detection rule catalog: patterns plus metadata,
// compiled once and swapped as a whole on configuration updates.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"reqshield/internal/config"
	"reqshield/internal/model"
)

type Rule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Category    string         `json:"category"`
	Severity    model.Severity `json:"severity"`
	Score       int            `json:"score"`
	Description string         `json:"description"`
	Pattern     string         `json:"pattern"`
	regex       *regexp.Regexp
}

func (r Rule) Match(value string) bool {
	return r.regex != nil && r.regex.MatchString(value)
}

type Catalog struct {
	rules []Rule
	byID  map[string]int
}

// Compile merges the default rules with cfg.Rules (same id replaces,
// Disabled drops, new ids append) and keeps the categories enabled in cfg.
func Compile(cfg *config.Config) (*Catalog, error) {
	merged := DefaultRules()
	index := make(map[string]int, len(merged))
	for i, rc := range merged {
		index[rc.ID] = i
	}
	for _, rc := range cfg.Rules {
		rc.ID = strings.TrimSpace(rc.ID)
		if i, ok := index[rc.ID]; ok {
			merged[i] = rc
			continue
		}
		index[rc.ID] = len(merged)
		merged = append(merged, rc)
	}

	c := &Catalog{byID: make(map[string]int, len(merged))}
	for _, rc := range merged {
		if rc.Disabled {
			continue
		}
		r, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		if !cfg.CategoryEnabled(r.Category) {
			continue
		}
		c.byID[r.ID] = len(c.rules)
		c.rules = append(c.rules, r)
	}
	return c, nil
}

// NewCatalog compiles exactly the given rules, ignoring defaults and
// category flags.
func NewCatalog(list []config.RuleConfig) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int, len(list))}
	for _, rc := range list {
		r, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		c.byID[r.ID] = len(c.rules)
		c.rules = append(c.rules, r)
	}
	return c, nil
}

func (c *Catalog) Rules() []Rule {
	if c == nil {
		return nil
	}
	return c.rules
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

func (c *Catalog) Get(id string) (Rule, bool) {
	if c == nil {
		return Rule{}, false
	}
	i, ok := c.byID[id]
	if !ok {
		return Rule{}, false
	}
	return c.rules[i], true
}

func compileRule(rc config.RuleConfig) (Rule, error) {
	id := strings.TrimSpace(rc.ID)
	if id == "" {
		return Rule{}, fmt.Errorf("rule id is required")
	}
	pat := strings.TrimSpace(rc.Pattern)
	if pat == "" {
		return Rule{}, fmt.Errorf("rule %s has empty pattern", id)
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s invalid pattern: %w", id, err)
	}
	sev := model.Severity(strings.ToUpper(strings.TrimSpace(rc.Severity)))
	if sev == "" {
		sev = model.SeverityWarning
	}
	if !sev.Valid() {
		return Rule{}, fmt.Errorf("rule %s: unknown severity %q", id, rc.Severity)
	}
	score := rc.Score
	if score <= 0 {
		score = ScoreFor(sev)
	}
	category := strings.ToUpper(strings.TrimSpace(rc.Category))
	if category == "" {
		category = categoryFromID(id)
	}
	name := rc.Name
	if name == "" {
		name = id
	}
	return Rule{
		ID:          id,
		Name:        name,
		Category:    category,
		Severity:    sev,
		Score:       score,
		Description: rc.Description,
		Pattern:     pat,
		regex:       re,
	}, nil
}

// ScoreFor is the score a rule gets when its config leaves it at zero.
func ScoreFor(sev model.Severity) int {
	switch sev {
	case model.SeverityCritical:
		return 5
	case model.SeverityError:
		return 4
	case model.SeverityWarning:
		return 3
	}
	return 2
}

func categoryFromID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return strings.ToUpper(id[:i])
	}
	return "CUSTOM"
}
