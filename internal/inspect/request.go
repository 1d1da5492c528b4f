// Package inspect turns an HTTP request into the ordered list of targets
// the rule matcher scans.
package inspect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"reqshield/internal/model"
)

// Body fields that are not a JSON object or a form are inspected as one
// value under this name.
const rawBodyField = "_raw"

var inspectedHeaders = []string{"user-agent", "referer", "x-forwarded-for"}

type Request struct {
	ClientID   string
	Method     string
	Path       string
	Query      url.Values
	Body       map[string]string
	Header     http.Header
	Cookies    []*http.Cookie
	RemoteAddr string
}

func (r Request) UserAgent() string {
	return r.Header.Get("User-Agent")
}

// FromHTTP snapshots r for inspection. At most maxBody bytes of the body
// are read; the body is restored so the next handler sees it unchanged.
func FromHTTP(r *http.Request, maxBody int64) (Request, error) {
	req := Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Header:     r.Header,
		Cookies:    r.Cookies(),
		RemoteAddr: r.RemoteAddr,
	}
	if r.Body == nil || r.Body == http.NoBody || maxBody <= 0 {
		return req, nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	r.Body = restoredBody{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}
	req.Body = parseBody(r.Header.Get("Content-Type"), head)
	return req, nil
}

type restoredBody struct {
	io.Reader
	io.Closer
}

func parseBody(contentType string, body []byte) map[string]string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			break
		}
		out := make(map[string]string, len(values))
		for k, v := range values {
			out[k] = strings.Join(v, ",")
		}
		return out
	case strings.HasPrefix(mediaType, "multipart/"):
		return nil
	case trimmed[0] == '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			break
		}
		return flatten(obj)
	}
	return map[string]string{rawBodyField: string(trimmed)}
}

// flatten keeps one level of keys; nested values are re-encoded as JSON.
func flatten(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		case map[string]any, []any:
			enc, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(enc)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// Extract lists targets in a fixed order: path, query params, body fields,
// inspected headers, cookies. Names are sorted within each group. The list
// is cut at maxTargets when maxTargets > 0.
func Extract(req Request, maxTargets int) []model.Target {
	targets := make([]model.Target, 0, 8)
	add := func(location, value string) bool {
		if maxTargets > 0 && len(targets) >= maxTargets {
			return false
		}
		targets = append(targets, model.Target{Location: location, Value: value})
		return true
	}

	if !add("url_path", req.Path) {
		return targets
	}
	for _, name := range sortedKeys(req.Query) {
		for _, v := range req.Query[name] {
			if !add("query_param:"+name, v) {
				return targets
			}
		}
	}
	for _, name := range sortedKeys(req.Body) {
		if !add("body_param:"+name, req.Body[name]) {
			return targets
		}
	}
	for _, name := range inspectedHeaders {
		for _, v := range req.Header.Values(name) {
			if !add("header:"+name, v) {
				return targets
			}
		}
	}
	cookies := append([]*http.Cookie(nil), req.Cookies...)
	sort.SliceStable(cookies, func(i, j int) bool { return cookies[i].Name < cookies[j].Name })
	for _, c := range cookies {
		if !add("cookie:"+c.Name, c.Value) {
			return targets
		}
	}
	return targets
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
