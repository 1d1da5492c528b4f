package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/config"
	"reqshield/internal/model"
)

func TestDefaultCatalogCompiles(t *testing.T) {
	c, err := Compile(config.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRules()), c.Len())

	for _, r := range c.Rules() {
		assert.True(t, r.Severity.Valid(), r.ID)
		assert.Positive(t, r.Score, r.ID)
	}
}

func TestDefaultRulesMatch(t *testing.T) {
	c, err := Compile(config.DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		rule  string
		value string
		want  bool
	}{
		{"SQLI-001", "1 UNION ALL SELECT password FROM users", true},
		{"SQLI-002", "' OR '1'='1", true},
		{"SQLI-002", "o'reilly books", false},
		{"SQLI-004", "1; SELECT pg_sleep(10)", true},
		{"XSS-001", "<script>alert(1)</script>", true},
		{"XSS-001", "a description of scripts", false},
		{"XSS-002", `<img src=x onerror=alert(1)>`, true},
		{"LFI-001", "../../etc/passwd", true},
		{"LFI-001", "%2e%2e%2fetc", true},
		{"RCE-001", "file.txt; cat /etc/shadow", true},
		{"SCANNER-001", "sqlmap/1.7.2#stable", true},
		{"SCANNER-001", "Mozilla/5.0 (X11; Linux x86_64)", false},
		{"PROTO-001", "name%0d%0aSet-Cookie: x=1", true},
	}
	for _, tt := range tests {
		r, ok := c.Get(tt.rule)
		require.True(t, ok, tt.rule)
		assert.Equal(t, tt.want, r.Match(tt.value), "%s on %q", tt.rule, tt.value)
	}
}

func TestCompileOverridesAndAppends(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Rules = []config.RuleConfig{
		{ID: "XSS-001", Pattern: `(?i)<script`, Severity: "warning"},
		{ID: "SQLI-003", Disabled: true},
		{ID: "BOOKING-001", Pattern: `(?i)promo=FREE`, Category: "booking"},
	}
	c, err := Compile(cfg)
	require.NoError(t, err)

	xss, ok := c.Get("XSS-001")
	require.True(t, ok)
	assert.Equal(t, model.SeverityWarning, xss.Severity)
	assert.Equal(t, 3, xss.Score)

	_, ok = c.Get("SQLI-003")
	assert.False(t, ok)

	custom, ok := c.Get("BOOKING-001")
	require.True(t, ok)
	assert.Equal(t, "BOOKING", custom.Category)
	assert.Equal(t, len(DefaultRules()), c.Len())
}

func TestCompileCategoryFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Categories["xss"] = false
	c, err := Compile(cfg)
	require.NoError(t, err)
	for _, r := range c.Rules() {
		assert.NotEqual(t, "XSS", r.Category)
	}
	_, ok := c.Get("SQLI-002")
	assert.True(t, ok)
}

func TestCompileRejectsBadPattern(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Rules = []config.RuleConfig{{ID: "X-1", Pattern: "(a"}}
	_, err := Compile(cfg)
	require.Error(t, err)
}

func TestStatsSnapshotOrder(t *testing.T) {
	s := NewStats()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Record("XSS-001", at)
	s.Record("SQLI-002", at)
	s.Record("SQLI-002", at.Add(time.Second))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "SQLI-002", snap[0].RuleID)
	assert.EqualValues(t, 2, snap[0].Hits)
	assert.True(t, at.Add(time.Second).Equal(snap[0].LastHit))
	assert.EqualValues(t, 1, s.Hits("XSS-001"))

	s.Reset()
	assert.Empty(t, s.Snapshot())
}
