package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeBlock   = "block"
	ModeMonitor = "monitor"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogJSON     bool              `json:"log_json" yaml:"log_json"`
	Mode        string            `json:"mode" yaml:"mode"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	ClientState ClientStateConfig `json:"client_state" yaml:"client_state"`
	Anomaly     AnomalyConfig     `json:"anomaly" yaml:"anomaly"`
	Inspection  InspectionConfig  `json:"inspection" yaml:"inspection"`
	Whitelist   WhitelistConfig   `json:"whitelist" yaml:"whitelist"`
	Categories  map[string]bool   `json:"categories" yaml:"categories"`
	Rules       []RuleConfig      `json:"rules" yaml:"rules"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Events      EventsConfig      `json:"events" yaml:"events"`
	Analyzer    AnalyzerConfig    `json:"analyzer" yaml:"analyzer"`
	Adaptive    AdaptiveConfig    `json:"adaptive" yaml:"adaptive"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	API         APIConfig         `json:"api" yaml:"api"`
	Proxy       ProxyConfig       `json:"proxy" yaml:"proxy"`
}

type RateLimitConfig struct {
	RequestsPerSecond  int      `json:"requests_per_second" yaml:"requests_per_second"`
	ChallengeThreshold int      `json:"challenge_threshold" yaml:"challenge_threshold"`
	BlockThreshold     int      `json:"block_threshold" yaml:"block_threshold"`
	BurstSize          int      `json:"burst_size" yaml:"burst_size"`
	BurstWindow        Duration `json:"burst_window" yaml:"burst_window"`
}

type ClientStateConfig struct {
	ChallengeTimeout Duration `json:"challenge_timeout" yaml:"challenge_timeout"`
	BlockTimeout     Duration `json:"block_timeout" yaml:"block_timeout"`
	// RenewBlock re-issues a block with a fresh TTL when a blocked client
	// violates again. Off by default: an active block keeps its expiry.
	RenewBlock bool `json:"renew_block" yaml:"renew_block"`
}

// AnomalyConfig holds score thresholds. Critical is the block threshold;
// Error is the challenge threshold when ChallengeOnError is set.
type AnomalyConfig struct {
	Notice           int  `json:"notice" yaml:"notice"`
	Warning          int  `json:"warning" yaml:"warning"`
	Error            int  `json:"error" yaml:"error"`
	Critical         int  `json:"critical" yaml:"critical"`
	ChallengeOnError bool `json:"challenge_on_error" yaml:"challenge_on_error"`
}

type InspectionConfig struct {
	MaxBodyBytes     int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	MaxValueLength   int      `json:"max_value_length" yaml:"max_value_length"`
	MaxTargets       int      `json:"max_targets" yaml:"max_targets"`
	SnippetLength    int      `json:"snippet_length" yaml:"snippet_length"`
	EvaluationBudget Duration `json:"evaluation_budget" yaml:"evaluation_budget"`
}

type WhitelistConfig struct {
	IPs             []string `json:"ips" yaml:"ips"`
	PrivateNetworks bool     `json:"private_networks" yaml:"private_networks"`
}

type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Severity    string `json:"severity" yaml:"severity"`
	Score       int    `json:"score" yaml:"score"`
	Category    string `json:"category" yaml:"category"`
	Description string `json:"description" yaml:"description"`
	Disabled    bool   `json:"disabled" yaml:"disabled"`
}

type StoreConfig struct {
	Driver        string   `json:"driver" yaml:"driver"`
	Addr          string   `json:"addr" yaml:"addr"`
	Password      string   `json:"password" yaml:"password"`
	DB            int      `json:"db" yaml:"db"`
	KeyPrefix     string   `json:"key_prefix" yaml:"key_prefix"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	RetryInterval Duration `json:"retry_interval" yaml:"retry_interval"`
}

type EventsConfig struct {
	BufferSize   int           `json:"buffer_size" yaml:"buffer_size"`
	MaxPerSecond float64       `json:"max_per_second" yaml:"max_per_second"`
	RingSize     int           `json:"ring_size" yaml:"ring_size"`
	Storage      StorageConfig `json:"storage" yaml:"storage"`
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type AnalyzerConfig struct {
	Window          Duration `json:"window" yaml:"window"`
	MaxFingerprints int      `json:"max_fingerprints" yaml:"max_fingerprints"`
	FingerprintTTL  Duration `json:"fingerprint_ttl" yaml:"fingerprint_ttl"`
}

type AdaptiveConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	HighRPS         float64 `json:"high_rps" yaml:"high_rps"`
	SuspiciousRatio float64 `json:"suspicious_ratio" yaml:"suspicious_ratio"`
	TightenFactor   float64 `json:"tighten_factor" yaml:"tighten_factor"`
}

type MaintenanceConfig struct {
	Interval Duration `json:"interval" yaml:"interval"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr"`
	TokenHash string `json:"token_hash" yaml:"token_hash"`
}

type ProxyConfig struct {
	Listen   string `json:"listen" yaml:"listen"`
	Upstream string `json:"upstream" yaml:"upstream"`
}

// Categories known to the default rule catalog.
var DefaultCategories = []string{"sqli", "xss", "lfi", "rce", "scanner", "protocol"}

func DefaultConfig() *Config {
	categories := make(map[string]bool, len(DefaultCategories))
	for _, c := range DefaultCategories {
		categories[c] = true
	}
	return &Config{
		LogLevel: "info",
		LogJSON:  true,
		Mode:     ModeBlock,
		RateLimit: RateLimitConfig{
			RequestsPerSecond:  10,
			ChallengeThreshold: 100,
			BlockThreshold:     200,
			BurstSize:          50,
			BurstWindow:        Duration(10 * time.Second),
		},
		ClientState: ClientStateConfig{
			ChallengeTimeout: Duration(300 * time.Second),
			BlockTimeout:     Duration(3600 * time.Second),
		},
		Anomaly: AnomalyConfig{
			Notice:           2,
			Warning:          3,
			Error:            4,
			Critical:         5,
			ChallengeOnError: true,
		},
		Inspection: InspectionConfig{
			MaxBodyBytes:     64 << 10,
			MaxValueLength:   4096,
			MaxTargets:       200,
			SnippetLength:    100,
			EvaluationBudget: Duration(50 * time.Millisecond),
		},
		Whitelist:  WhitelistConfig{PrivateNetworks: true},
		Categories: categories,
		Store: StoreConfig{
			Driver:        "memory",
			Addr:          "127.0.0.1:6379",
			KeyPrefix:     "reqshield:",
			Timeout:       Duration(100 * time.Millisecond),
			RetryInterval: Duration(5 * time.Second),
		},
		Events: EventsConfig{
			BufferSize:   1024,
			MaxPerSecond: 200,
			RingSize:     1000,
			Storage:      StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:reqshield.db?_pragma=busy_timeout(5000)"},
			Kafka:        KafkaConfig{Enabled: false, Topic: "reqshield.security-events"},
		},
		Analyzer: AnalyzerConfig{
			Window:          Duration(60 * time.Second),
			MaxFingerprints: 10000,
			FingerprintTTL:  Duration(10 * time.Minute),
		},
		Adaptive: AdaptiveConfig{
			Enabled:         false,
			HighRPS:         500,
			SuspiciousRatio: 0.2,
			TightenFactor:   0.5,
		},
		Maintenance: MaintenanceConfig{Interval: Duration(5 * time.Second)},
		API:         APIConfig{Enabled: true, Addr: "127.0.0.1:9090"},
		Proxy:       ProxyConfig{Listen: ":8080", Upstream: "http://127.0.0.1:3000"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON over the defaults, then validates.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode config: %w", decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Clone returns a deep copy, so callers can edit without racing readers
// of the active config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Whitelist.IPs = append([]string(nil), c.Whitelist.IPs...)
	out.Rules = append([]RuleConfig(nil), c.Rules...)
	out.Events.Kafka.Brokers = append([]string(nil), c.Events.Kafka.Brokers...)
	out.Categories = make(map[string]bool, len(c.Categories))
	for k, v := range c.Categories {
		out.Categories[k] = v
	}
	return &out
}

func (c *Config) Monitoring() bool {
	return strings.EqualFold(c.Mode, ModeMonitor)
}

// CategoryEnabled treats categories missing from the map as enabled.
func (c *Config) CategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, ok := c.Categories[strings.ToLower(category)]
	return !ok || enabled
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = ModeBlock
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.RateLimit.BurstWindow <= 0 {
		cfg.RateLimit.BurstWindow = def.RateLimit.BurstWindow
	}
	if cfg.ClientState.ChallengeTimeout <= 0 {
		cfg.ClientState.ChallengeTimeout = def.ClientState.ChallengeTimeout
	}
	if cfg.ClientState.BlockTimeout <= 0 {
		cfg.ClientState.BlockTimeout = def.ClientState.BlockTimeout
	}
	if cfg.Inspection.MaxBodyBytes <= 0 {
		cfg.Inspection.MaxBodyBytes = def.Inspection.MaxBodyBytes
	}
	if cfg.Inspection.MaxValueLength <= 0 {
		cfg.Inspection.MaxValueLength = def.Inspection.MaxValueLength
	}
	if cfg.Inspection.MaxTargets <= 0 {
		cfg.Inspection.MaxTargets = def.Inspection.MaxTargets
	}
	if cfg.Inspection.SnippetLength <= 0 {
		cfg.Inspection.SnippetLength = def.Inspection.SnippetLength
	}
	if cfg.Inspection.EvaluationBudget <= 0 {
		cfg.Inspection.EvaluationBudget = def.Inspection.EvaluationBudget
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = def.Store.KeyPrefix
	}
	if cfg.Store.Timeout <= 0 {
		cfg.Store.Timeout = def.Store.Timeout
	}
	if cfg.Store.RetryInterval <= 0 {
		cfg.Store.RetryInterval = def.Store.RetryInterval
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = def.Events.BufferSize
	}
	if cfg.Events.RingSize <= 0 {
		cfg.Events.RingSize = def.Events.RingSize
	}
	if cfg.Analyzer.Window <= 0 {
		cfg.Analyzer.Window = def.Analyzer.Window
	}
	if cfg.Analyzer.MaxFingerprints <= 0 {
		cfg.Analyzer.MaxFingerprints = def.Analyzer.MaxFingerprints
	}
	if cfg.Analyzer.FingerprintTTL <= 0 {
		cfg.Analyzer.FingerprintTTL = def.Analyzer.FingerprintTTL
	}
	if cfg.Adaptive.TightenFactor <= 0 {
		cfg.Adaptive.TightenFactor = def.Adaptive.TightenFactor
	}
	if cfg.Maintenance.Interval <= 0 {
		cfg.Maintenance.Interval = def.Maintenance.Interval
	}
	if cfg.Categories == nil {
		cfg.Categories = def.Categories
	}
}

// ValidationError reports an invalid setting. It is fatal at startup and
// rejected on hot reload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return invalid("config", "is nil")
	}
	if cfg.Mode != ModeBlock && cfg.Mode != ModeMonitor {
		return invalid("mode", "must be %q or %q, got %q", ModeBlock, ModeMonitor, cfg.Mode)
	}
	rl := cfg.RateLimit
	if rl.RequestsPerSecond <= 0 {
		return invalid("rate_limit.requests_per_second", "must be > 0")
	}
	if rl.ChallengeThreshold <= 0 {
		return invalid("rate_limit.challenge_threshold", "must be > 0")
	}
	if rl.BlockThreshold < rl.ChallengeThreshold {
		return invalid("rate_limit.block_threshold", "must be >= challenge_threshold (%d)", rl.ChallengeThreshold)
	}
	if rl.BurstSize <= 0 {
		return invalid("rate_limit.burst_size", "must be > 0")
	}
	if rl.BurstWindow.Std() > time.Hour {
		return invalid("rate_limit.burst_window", "must not exceed 1h")
	}
	an := cfg.Anomaly
	if an.Critical <= 0 {
		return invalid("anomaly.critical", "must be > 0")
	}
	if an.Notice < 0 || an.Notice > an.Warning || an.Warning > an.Error || an.Error > an.Critical {
		return invalid("anomaly", "thresholds must satisfy 0 <= notice <= warning <= error <= critical")
	}
	for _, ip := range cfg.Whitelist.IPs {
		if strings.TrimSpace(ip) == "" {
			return invalid("whitelist.ips", "contains an empty entry")
		}
		if _, err := ParseWhitelistEntry(ip); err != nil {
			return invalid("whitelist.ips", "%v", err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return invalid(field+".id", "is required")
		}
		if _, dup := seen[id]; dup {
			return invalid(field+".id", "duplicate rule id %q", id)
		}
		seen[id] = struct{}{}
		if rc.Disabled {
			continue
		}
		if strings.TrimSpace(rc.Pattern) == "" {
			return invalid(field+".pattern", "is required for rule %s", id)
		}
		if _, err := regexp.Compile(rc.Pattern); err != nil {
			return invalid(field+".pattern", "rule %s: %v", id, err)
		}
		if rc.Score < 0 {
			return invalid(field+".score", "must be >= 0")
		}
		if rc.Severity != "" {
			switch strings.ToUpper(rc.Severity) {
			case "INFO", "WARNING", "ERROR", "CRITICAL":
			default:
				return invalid(field+".severity", "unknown severity %q", rc.Severity)
			}
		}
	}
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory":
	case "redis":
		if cfg.Store.Addr == "" {
			return invalid("store.addr", "required when store.driver is redis")
		}
	default:
		return invalid("store.driver", "unsupported driver %q", cfg.Store.Driver)
	}
	if cfg.Events.Storage.Enabled {
		switch strings.ToLower(cfg.Events.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return invalid("events.storage.driver", "unsupported driver %q", cfg.Events.Storage.Driver)
		}
	}
	if cfg.Events.Kafka.Enabled && (len(cfg.Events.Kafka.Brokers) == 0 || cfg.Events.Kafka.Topic == "") {
		return invalid("events.kafka", "requires brokers and topic")
	}
	if cfg.Adaptive.TightenFactor > 1 {
		return invalid("adaptive.tighten_factor", "must be in (0, 1]")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return invalid("api.addr", "required when api.enabled is true")
	}
	return nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

// ParseWhitelistEntry accepts a single address or a CIDR range. IPv4-mapped
// IPv6 forms are reduced to plain IPv4.
func ParseWhitelistEntry(raw string) (netip.Prefix, error) {
	entry := strings.TrimSpace(raw)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("whitelist entry %q: %w", raw, err)
		}
		if prefix.Addr().Is4In6() {
			prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("whitelist entry %q: %w", raw, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
