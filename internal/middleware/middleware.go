// Package middleware puts the decision engine in front of an http.Handler.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"reqshield/internal/config"
	"reqshield/internal/engine"
	"reqshield/internal/inspect"
	"reqshield/internal/logging"
	"reqshield/internal/model"
)

type Inspector interface {
	Inspect(ctx context.Context, req inspect.Request) engine.Decision
	Config() *config.Config
}

type Middleware struct {
	inspector Inspector
	logger    *zap.Logger
}

func New(inspector Inspector, logger *zap.Logger) *Middleware {
	return &Middleware{inspector: inspector, logger: logging.OrNop(logger)}
}

// Handler allows, challenges or blocks each request before it reaches next.
// A failure inside inspection lets the request through unchanged.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := m.inspect(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if d.Allowed() {
			setAllowHeaders(w.Header(), d)
			next.ServeHTTP(w, r)
			return
		}
		reject(w, d)
	})
}

func (m *Middleware) inspect(r *http.Request) (d engine.Decision, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("request inspection panicked, passing request through",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
			)
			ok = false
		}
	}()
	req, err := inspect.FromHTTP(r, m.inspector.Config().Inspection.MaxBodyBytes)
	if err != nil {
		m.logger.Debug("request body not inspected", zap.Error(err))
	}
	req.ClientID = ClientID(r)
	return m.inspector.Inspect(r.Context(), req), true
}

// ClientID resolves the client address from CF-Connecting-IP, the first
// X-Forwarded-For hop, X-Real-IP and finally the peer address. It returns
// "" when none is usable.
func ClientID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return normalize(v)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if v := strings.TrimSpace(first); v != "" {
			return normalize(v)
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return normalize(v)
	}
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalize(r.RemoteAddr)
	}
	return normalize(host)
}

func normalize(v string) string {
	if addr, err := netip.ParseAddr(v); err == nil {
		return addr.Unmap().WithZone("").String()
	}
	return v
}

func setAllowHeaders(h http.Header, d engine.Decision) {
	if d.RateLimit.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(int(d.RateLimit.Reset.Seconds())))
	}
	h.Set("X-WAF-Status", "ALLOWED")
	h.Set("X-WAF-Processing-Time", strconv.FormatInt(d.Elapsed.Milliseconds(), 10)+"ms")
	h.Set("X-WAF-Rules-Checked", strconv.Itoa(d.RulesChecked))
	h.Set("X-DDoS-Protection", "active")
}

type rejection struct {
	Error      string     `json:"error"`
	Message    string     `json:"message"`
	RetryAfter int        `json:"retryAfter"`
	Type       string     `json:"type"`
	RuleID     string     `json:"ruleId,omitempty"`
	Severity   string     `json:"severity,omitempty"`
	Challenge  *challenge `json:"challenge,omitempty"`
}

type challenge struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func reject(w http.ResponseWriter, d engine.Decision) {
	body := rejection{RetryAfter: d.RetryAfterSeconds(), Type: d.Type}
	status := http.StatusTooManyRequests
	switch {
	case d.Action == model.ActionChallenge:
		body.Error = "Challenge Required"
		body.Message = "Unusual traffic detected from your address. Complete the challenge to continue."
		body.Challenge = &challenge{ID: d.ChallengeID, Type: "captcha"}
	case d.Type == engine.TypeWAFBlock:
		status = http.StatusForbidden
		body.Error = "Forbidden"
		body.Message = "Request blocked by security policy."
		body.RuleID = d.RuleID
		body.Severity = string(d.Severity)
	default:
		body.Error = "Too Many Requests"
		body.Message = "Request rate exceeded. Access is temporarily blocked."
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("X-DDoS-Protection", "active")
	if d.Action == model.ActionBlock {
		h.Set("X-WAF-Status", "BLOCKED")
	}
	if status == http.StatusTooManyRequests {
		h.Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
