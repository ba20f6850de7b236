package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/liamcoop/redirects/invalidation"
	"github.com/liamcoop/redirects/redirects"
)

type fakeDB struct{ err error }

func (f fakeDB) PingContext(ctx context.Context) error { return f.err }

type testEnv struct {
	server *Server
	cache  *redirects.RuleCache
	bus    *invalidation.MemoryBus
	admin  *httptest.Server
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()

	store := redirects.NewInMemoryRuleStore()
	cache := redirects.NewRuleCache(store, redirects.DefaultCacheConfig())
	bus := invalidation.NewMemoryBus()

	ctx, cancel := context.WithCancel(context.Background())
	if err := invalidation.Listen(ctx, bus, cache); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}

	service := redirects.NewService(store, cache, bus)
	resolver := redirects.NewResolver(cache, redirects.ResolverOptions{})
	server := NewServer(fakeDB{}, cache, service, resolver, token)
	admin := httptest.NewServer(server)

	t.Cleanup(func() {
		admin.Close()
		cancel()
		bus.Close()
	})

	return &testEnv{server: server, cache: cache, bus: bus, admin: admin}
}

func doRequest(t *testing.T, method, target string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("Failed to decode response %q: %v", raw, err)
		}
	}
	return resp, result
}

func createRule(t *testing.T, env *testEnv, body map[string]any) int64 {
	t.Helper()
	resp, result := doRequest(t, http.MethodPost, env.admin.URL+"/api/v1/rules", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d, body = %v", resp.StatusCode, result)
	}
	return int64(result["id"].(float64))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	resp, result := doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK || result["status"] != "healthy" {
		t.Errorf("health = %d %v", resp.StatusCode, result)
	}

	env.server.db = fakeDB{err: errors.New("connection refused")}
	resp, result = doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/health", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || result["status"] != "unhealthy" {
		t.Errorf("health with failing db = %d %v", resp.StatusCode, result)
	}
}

func TestRuleLifecycleOverAPI(t *testing.T) {
	env := newTestEnv(t, "")
	redirect := httptest.NewServer(env.server.RedirectHandler())
	defer redirect.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
	}

	id := createRule(t, env, map[string]any{
		"inboundProtocol":  "http",
		"inboundHost":      "old.example.com",
		"outboundProtocol": "https",
		"outboundHost":     "new.example.com",
		"keepPath":         true,
	})

	// Send a request for old.example.com to the redirect listener
	req, _ := http.NewRequest(http.MethodGet, redirect.URL+"/a/b", nil)
	req.Host = "old.example.com"
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("redirect request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("redirect status = %d, want 301", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://new.example.com/a/b" {
		t.Errorf("Location = %q", loc)
	}

	// Switch to a temporary redirect
	resp, result := doRequest(t, http.MethodPut, fmt.Sprintf("%s/api/v1/rules/%d", env.admin.URL, id),
		map[string]any{"statusCode": 302}, nil)
	if resp.StatusCode != http.StatusOK || result["statusCode"] != float64(302) {
		t.Fatalf("update = %d %v", resp.StatusCode, result)
	}
	if result["inboundHost"] != "old.example.com" {
		t.Error("partial update should keep other fields")
	}

	req, _ = http.NewRequest(http.MethodGet, redirect.URL+"/", nil)
	req.Host = "old.example.com"
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("redirect request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("temporary redirect = %d, Cache-Control %q", resp.StatusCode, resp.Header.Get("Cache-Control"))
	}

	// Fetch by both identifiers
	resp, result = doRequest(t, http.MethodGet, fmt.Sprintf("%s/api/v1/rules/%d", env.admin.URL, id), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get = %d %v", resp.StatusCode, result)
	}
	uniqueID := result["uniqueId"].(string)

	resp, result = doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/rules/unique/"+uniqueID, nil, nil)
	if resp.StatusCode != http.StatusOK || result["id"] != float64(id) {
		t.Errorf("get by unique id = %d %v", resp.StatusCode, result)
	}

	// Delete and confirm the host is no longer redirected
	resp, _ = doRequest(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/rules/%d", env.admin.URL, id), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, redirect.URL+"/a/b", nil)
	req.Host = "old.example.com"
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("redirect request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted rule status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, fmt.Sprintf("%s/api/v1/rules/%d", env.admin.URL, id), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted rule status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateRuleErrors(t *testing.T) {
	env := newTestEnv(t, "")

	createRule(t, env, map[string]any{
		"inboundProtocol": "http", "inboundHost": "old.example.com",
		"outboundProtocol": "https", "outboundHost": "new.example.com",
	})

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"duplicate inbound", map[string]any{
			"inboundProtocol": "HTTP", "inboundHost": "OLD.example.com", "inboundPort": 80,
			"outboundProtocol": "https", "outboundHost": "other.example.com",
		}, http.StatusConflict},
		{"missing host", map[string]any{
			"inboundProtocol": "http", "outboundProtocol": "https", "outboundHost": "new.example.com",
		}, http.StatusBadRequest},
		{"bad protocol", map[string]any{
			"inboundProtocol": "ftp", "inboundHost": "a.example.com",
			"outboundProtocol": "https", "outboundHost": "new.example.com",
		}, http.StatusBadRequest},
		{"not json", "just a string", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, result := doRequest(t, http.MethodPost, env.admin.URL+"/api/v1/rules", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tt.status, result)
			}
			if result["error"] == nil {
				t.Error("error responses should carry an error message")
			}
		})
	}
}

func TestRuleIDValidation(t *testing.T) {
	env := newTestEnv(t, "")

	for _, path := range []string{"/api/v1/rules/abc", "/api/v1/rules/0", "/api/v1/rules/unique/not-a-uuid"} {
		resp, _ := doRequest(t, http.MethodGet, env.admin.URL+path, nil, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, resp.StatusCode)
		}
	}

	resp, _ := doRequest(t, http.MethodDelete, env.admin.URL+"/api/v1/rules/999", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete unknown rule status = %d, want 404", resp.StatusCode)
	}
}

func TestListRulesWithFilter(t *testing.T) {
	env := newTestEnv(t, "")

	createRule(t, env, map[string]any{
		"inboundProtocol": "http", "inboundHost": "a.example.com",
		"outboundProtocol": "https", "outboundHost": "new.example.com",
	})
	createRule(t, env, map[string]any{
		"inboundProtocol": "http", "inboundHost": "b.example.org",
		"outboundProtocol": "https", "outboundHost": "new.example.com", "statusCode": 307,
	})

	resp, result := doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/rules", nil, nil)
	if resp.StatusCode != http.StatusOK || result["count"] != float64(2) {
		t.Fatalf("list = %d %v", resp.StatusCode, result)
	}

	resp, result = doRequest(t, http.MethodGet, env.admin.URL+`/api/v1/rules?filter=rule.inboundHost.endsWith(%22.org%22)`, nil, nil)
	if resp.StatusCode != http.StatusOK || result["count"] != float64(1) {
		t.Fatalf("filtered list = %d %v", resp.StatusCode, result)
	}

	resp, _ = doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/rules?filter=rule.%3D%3D", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want 400", resp.StatusCode)
	}

	// Compiles, but fails at evaluation on the first rule
	resp, result = doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/rules?filter="+url.QueryEscape(`rule.nosuch == "x"`), nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("failing filter status = %d, want 400 (%v)", resp.StatusCode, result)
	}
}

func TestRefreshCache(t *testing.T) {
	env := newTestEnv(t, "")
	_ = env.cache.Rebuild(context.Background())

	resp, _ := doRequest(t, http.MethodPost, env.admin.URL+"/api/v1/cache/refresh", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	if env.cache.Loaded() {
		t.Error("refresh should drop the cache")
	}
}

func TestAdminTokenRequired(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	resp, _ := doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/rules", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/rules", nil, map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/rules", nil, map[string]string{"Authorization": "Bearer s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", resp.StatusCode)
	}

	// Health stays open for load balancers
	resp, _ = doRequest(t, http.MethodGet, env.admin.URL+"/api/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.admin.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	for _, name := range []string{"go_goroutines", "redirects_log_errors_total", "redirects_log_warnings_total"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Errorf("metrics body missing %s", name)
		}
	}
}

func TestRedirectHandlerServesMatchingHost(t *testing.T) {
	env := newTestEnv(t, "")
	createRule(t, env, map[string]any{
		"inboundProtocol": "http", "inboundHost": "old.example.com",
		"outboundProtocol": "https", "outboundHost": "new.example.com", "keepPath": true,
	})

	handler := env.server.RedirectHandler()
	for _, path := range []string{"/", "/a/b", "/a%2Fb/c"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://old.example.com"+path, nil))

		if rec.Code != http.StatusMovedPermanently {
			t.Errorf("GET %s status = %d, want 301", path, rec.Code)
			continue
		}
		if loc := rec.Header().Get("Location"); loc != "https://new.example.com"+path {
			t.Errorf("GET %s Location = %q", path, loc)
		}
	}
}

func TestRedirectHandlerUnknownHost(t *testing.T) {
	env := newTestEnv(t, "")

	rec := httptest.NewRecorder()
	env.server.RedirectHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://nobody.example.com/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
