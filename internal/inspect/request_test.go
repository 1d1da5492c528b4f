package inspect

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/model"
)

func locations(targets []model.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Location
	}
	return out
}

func TestExtractOrder(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/hotels/search?q=paris&adults=2", strings.NewReader(`{"city":"Paris","filters":{"stars":4},"page":2}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Referer", "https://example.com/")
	r.Header.Set("Accept", "text/html")
	r.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	r.AddCookie(&http.Cookie{Name: "currency", Value: "EUR"})

	req, err := FromHTTP(r, 1<<16)
	require.NoError(t, err)
	targets := Extract(req, 0)

	assert.Equal(t, []string{
		"url_path",
		"query_param:adults",
		"query_param:q",
		"body_param:city",
		"body_param:filters",
		"body_param:page",
		"header:user-agent",
		"header:referer",
		"cookie:currency",
		"cookie:session",
	}, locations(targets))
	assert.Equal(t, "/api/hotels/search", targets[0].Value)
	assert.JSONEq(t, `{"stars":4}`, targets[4].Value)
	assert.Equal(t, "2", targets[5].Value)
}

func TestFromHTTPRestoresBody(t *testing.T) {
	payload := strings.Repeat("x", 300)
	r := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(payload))
	r.Header.Set("Content-Type", "text/plain")

	req, err := FromHTTP(r, 100)
	require.NoError(t, err)
	assert.Len(t, req.Body[rawBodyField], 100)

	rest, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(rest))
}

type brokenReader struct {
	data []byte
	err  error
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func TestFromHTTPKeepsPartialBodyOnReadError(t *testing.T) {
	reset := errors.New("connection reset")
	r := httptest.NewRequest(http.MethodPost, "/upload", &brokenReader{data: []byte("partial payload"), err: reset})
	_, err := FromHTTP(r, 1024)
	require.ErrorIs(t, err, reset)

	got, err := io.ReadAll(r.Body)
	assert.ErrorIs(t, err, reset)
	assert.Equal(t, "partial payload", string(got))
}

func TestFromHTTPForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("user=admin&pass=%27+OR+%271%27%3D%271"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	req, err := FromHTTP(r, 1<<16)
	require.NoError(t, err)
	assert.Equal(t, "' OR '1'='1", req.Body["pass"])
	assert.Equal(t, "admin", req.Body["user"])
}

func TestExtractMaxTargets(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?a=1&b=2&c=3&d=4", nil)
	req, err := FromHTTP(r, 1<<16)
	require.NoError(t, err)
	targets := Extract(req, 3)
	assert.Equal(t, []string{"url_path", "query_param:a", "query_param:b"}, locations(targets))
}

func TestExtractNoBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	req, err := FromHTTP(r, 1<<16)
	require.NoError(t, err)
	assert.Nil(t, req.Body)
	assert.Equal(t, []string{"url_path"}, locations(Extract(req, 0)))
}
