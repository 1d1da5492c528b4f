package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/config"
	"reqshield/internal/engine"
	"reqshield/internal/inspect"
	"reqshield/internal/store"
	"reqshield/internal/store/storetest"
)

var fixedNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newHandler(t *testing.T, cfg *config.Config, st store.Store) (http.Handler, *int) {
	t.Helper()
	eng, err := engine.NewEngine(cfg, engine.Options{Store: st, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	calls := new(int)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return New(eng, nil).Handler(next), calls
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAllowAddsHeaders(t *testing.T) {
	h, calls := newHandler(t, config.DefaultConfig(), nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/hotels?city=paris", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, "ALLOWED", rec.Header().Get("X-WAF-Status"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "active", rec.Header().Get("X-DDoS-Protection"))
	assert.NotEmpty(t, rec.Header().Get("X-WAF-Rules-Checked"))
	assert.True(t, strings.HasSuffix(rec.Header().Get("X-WAF-Processing-Time"), "ms"))
}

func TestRuleBlockResponse(t *testing.T) {
	h, calls := newHandler(t, config.DefaultConfig(), nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/search?q=1%20UNION%20SELECT%20card%20FROM%20payments", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, *calls)
	assert.Equal(t, "BLOCKED", rec.Header().Get("X-WAF-Status"))
	body := decodeBody(t, rec)
	assert.Equal(t, "waf_block", body["type"])
	assert.Equal(t, "SQLI-001", body["ruleId"])
	assert.Equal(t, "CRITICAL", body["severity"])
	assert.Equal(t, float64(3600), body["retryAfter"])
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestRateBlockResponse(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.RequestsPerSecond = 1
	h, calls := newHandler(t, cfg, nil)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, "BLOCKED", rec.Header().Get("X-WAF-Status"))
	body := decodeBody(t, rec)
	assert.Equal(t, "ddos_protection_block", body["type"])
	assert.NotContains(t, body, "ruleId")
}

func TestChallengeResponse(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.BurstSize = 1
	h, _ := newHandler(t, cfg, nil)

	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, "ddos_protection_challenge", body["type"])
	ch, ok := body["challenge"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, ch["id"])
	assert.Equal(t, "captcha", ch["type"])
}

func TestLoopbackNeverBlocked(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.RequestsPerSecond = 1
	h, calls := newHandler(t, cfg, nil)
	for i := 0; i < 20; i++ {
		r := httptest.NewRequest(http.MethodGet, "/?q=%3Cscript%3Ealert(1)%3C/script%3E", nil)
		r.RemoteAddr = "127.0.0.1:40000"
		assert.Equal(t, http.StatusOK, serve(h, r).Code)
	}
	assert.Equal(t, 20, *calls)
}

func TestStoreFailureAllowsRequests(t *testing.T) {
	faulty := storetest.NewFaulty(store.NewMemory())
	faulty.Down.Store(true)
	cfg := config.DefaultConfig()
	cfg.RateLimit.RequestsPerSecond = 1
	h, calls := newHandler(t, cfg, faulty)
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
	assert.Equal(t, 10, *calls)
}

type panickingInspector struct{}

func (panickingInspector) Inspect(context.Context, inspect.Request) engine.Decision {
	panic("boom")
}

func (panickingInspector) Config() *config.Config { return config.DefaultConfig() }

func TestPanicFailsOpen(t *testing.T) {
	reached := false
	h := New(panickingInspector{}, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
}

func TestBodyReachesNextHandler(t *testing.T) {
	eng, err := engine.NewEngine(config.DefaultConfig(), engine.Options{})
	require.NoError(t, err)
	var got string
	h := New(eng, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}))
	r := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(`{"hotel":"h1","nights":2}`))
	r.Header.Set("Content-Type", "application/json")
	serve(h, r)
	assert.Equal(t, `{"hotel":"h1","nights":2}`, got)
}

func TestJSONBodyIsInspected(t *testing.T) {
	h, calls := newHandler(t, config.DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(`{"name":"<script>alert(1)</script>"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := serve(h, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, *calls)
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"cloudflare first", map[string]string{"CF-Connecting-IP": "198.51.100.1", "X-Forwarded-For": "198.51.100.2"}, "192.0.2.1:80", "198.51.100.1"},
		{"first forwarded hop", map[string]string{"X-Forwarded-For": " 198.51.100.2 , 10.0.0.1"}, "192.0.2.1:80", "198.51.100.2"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.3"}, "192.0.2.1:80", "198.51.100.3"},
		{"peer address", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 peer", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"mapped ipv4", map[string]string{"X-Real-IP": "::ffff:198.51.100.4"}, "", "198.51.100.4"},
		{"nothing", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientID(r))
		})
	}
}
