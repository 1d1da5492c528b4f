package rules

import "reqshield/internal/config"

// DefaultRules returns a fresh copy of the built-in catalog. Patterns are
// RE2, so matching time is linear in the input.
func DefaultRules() []config.RuleConfig {
	return []config.RuleConfig{
		{
			ID:          "SQLI-001",
			Name:        "SQL injection: UNION SELECT",
			Pattern:     `(?i)\bunion\b[\s(/*]+(all\s+)?select\b`,
			Severity:    "CRITICAL",
			Score:       5,
			Category:    "SQLI",
			Description: "UNION-based extraction of data from another query",
		},
		{
			ID:          "SQLI-002",
			Name:        "SQL injection: boolean tautology",
			Pattern:     `(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`,
			Severity:    "CRITICAL",
			Score:       5,
			Category:    "SQLI",
			Description: "Quote break-out followed by an always-true comparison such as ' OR '1'='1",
		},
		{
			ID:          "SQLI-003",
			Name:        "SQL injection: stacked query or comment",
			Pattern:     `(?i)(;\s*(drop|delete|insert|update|truncate|shutdown|exec)\b|'\s*--|/\*.*\*/)`,
			Severity:    "ERROR",
			Score:       4,
			Category:    "SQLI",
			Description: "Statement chaining or comment used to cut off the rest of a query",
		},
		{
			ID:          "SQLI-004",
			Name:        "SQL injection: time-based blind",
			Pattern:     `(?i)(\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b)`,
			Severity:    "CRITICAL",
			Score:       5,
			Category:    "SQLI",
			Description: "Timing primitives used for blind injection",
		},
		{
			ID:          "SQLI-005",
			Name:        "SQL injection: schema enumeration",
			Pattern:     `(?i)\b(information_schema|sysobjects|pg_catalog|sqlite_master)\b`,
			Severity:    "ERROR",
			Score:       4,
			Category:    "SQLI",
			Description: "References to database metadata tables",
		},
		{
			ID:          "XSS-001",
			Name:        "XSS: script tag",
			Pattern:     `(?i)<\s*script\b`,
			Severity:    "CRITICAL",
			Score:       5,
			Category:    "XSS",
			Description: "Inline script element",
		},
		{
			ID:          "XSS-002",
			Name:        "XSS: event handler attribute",
			Pattern:     `(?i)\bon(error|load|click|mouseover|focus|submit|animationstart)\s*=`,
			Severity:    "ERROR",
			Score:       4,
			Category:    "XSS",
			Description: "HTML event handler attribute carrying script",
		},
		{
			ID:          "XSS-003",
			Name:        "XSS: javascript URI",
			Pattern:     `(?i)(javascript|vbscript)\s*:`,
			Severity:    "ERROR",
			Score:       4,
			Category:    "XSS",
			Description: "Script-bearing URI scheme",
		},
		{
			ID:          "XSS-004",
			Name:        "XSS: embedded active content",
			Pattern:     `(?i)<\s*(iframe|object|embed|svg)\b`,
			Severity:    "WARNING",
			Score:       3,
			Category:    "XSS",
			Description: "Elements that can host active content",
		},
		{
			ID:          "LFI-001",
			Name:        "Path traversal",
			Pattern:     `(?i)(\.\./|\.\.\\|%2e%2e(%2f|/|%5c)|\.\.%2f)`,
			Severity:    "CRITICAL",
			Score:       5,
			Category:    "LFI",
			Description: "Directory traversal sequences, plain or percent-encoded",
		},
		{
			ID:          "LFI-002",
			Name:        "Sensitive file access",
			Pattern:     `(?i)(/etc/(passwd|shadow|hosts)\b|/proc/self/|\bboot\.ini\b|/\.htaccess\b|/\.env\b|\bweb\.config\b)`,
			Severity:    "ERROR",
			Score:       4,
			Category:    "LFI",
			Description: "Well-known system and secret files",
		},
		{
			ID:          "RCE-001",
			Name:        "Command injection",
			Pattern:     "(?i)(;|\\|\\|?|&&|\\$\\(|`)\\s*(cat|ls|id|whoami|uname|wget|curl|nc|bash|sh|powershell)\\b",
			Severity:    "CRITICAL",
			Score:       5,
			Category:    "RCE",
			Description: "Shell metacharacter followed by a common command",
		},
		{
			ID:          "RCE-002",
			Name:        "Code evaluation call",
			Pattern:     `(?i)\b(eval|exec|system|passthru|shell_exec|popen|proc_open)\s*\(`,
			Severity:    "ERROR",
			Score:       4,
			Category:    "RCE",
			Description: "Calls into interpreters or the shell",
		},
		{
			ID:          "SCANNER-001",
			Name:        "Known scanner user agent",
			Pattern:     `(?i)\b(sqlmap|nikto|nmap|masscan|zgrab|acunetix|nessus|wpscan|dirbuster|gobuster|ffuf)\b`,
			Severity:    "WARNING",
			Score:       3,
			Category:    "SCANNER",
			Description: "Automated vulnerability scanner signatures",
		},
		{
			ID:          "PROTO-001",
			Name:        "Null byte or CRLF injection",
			Pattern:     `(?i)(%00|\x00|%0d%0a|\r\n)`,
			Severity:    "ERROR",
			Score:       4,
			Category:    "PROTOCOL",
			Description: "Null bytes and header-splitting sequences",
		},
	}
}
