//go:build integration

// Package integration provides end-to-end tests over the assembled broker.
// Run with: go test -tags integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/engine"
	"github.com/hookline/hookline/internal/mgmt"
)

func newEngine(t *testing.T, mutate func(*config.Config)) (*engine.Engine, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.ConfigDir = t.TempDir()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Dispatch.CheckIntervalMillis = 50
	cfg.Server.RateLimitPerMinute = 0
	if mutate != nil {
		mutate(cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(context.Background(), cfg, log)
	require.NoError(t, err)

	ts := httptest.NewServer(eng.Server)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng, ts
}

// waitForProjections blocks until the management projections have replayed the
// seeded admin user.
func waitForProjections(t *testing.T, eng *engine.Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for eng.Projections.Users.GetByEmail(mgmt.DefaultAdminEmail) == nil {
		require.False(t, time.Now().After(deadline), "projections never caught up")
		time.Sleep(20 * time.Millisecond)
	}
}

func doJSON(t *testing.T, method, url string, body interface{}, auth func(*http.Request)) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		auth(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &parsed))
	}
	return resp, parsed
}

func TestPublishAndConsumeFlow(t *testing.T) {
	eng, ts := newEngine(t, nil)
	waitForProjections(t, eng)

	// Create a governed topic.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/topics", map[string]interface{}{
		"name": "orders",
		"schemas": []map[string]interface{}{{
			"eventType": "order.created",
			"schema": map[string]interface{}{
				"type":     "object",
				"required": []string{"id"},
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"type": "string"},
				},
			},
		}},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Publish a batch.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/events", []map[string]interface{}{
		{"topic": "orders", "type": "order.created", "payload": map[string]interface{}{"id": "A"}},
		{"topic": "orders", "type": "order.created", "payload": map[string]interface{}{"id": "B"}},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, body["eventIds"], 2)

	// Register a webhook consumer and wait for both deliveries.
	received := make(chan map[string]interface{}, 10)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []map[string]interface{} `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		for _, ev := range payload.Events {
			received <- ev
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/consumers/register", map[string]interface{}{
		"callback": hook.URL,
		"topics":   map[string]interface{}{"orders": nil},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["consumerId"])

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-received:
			seen[ev["id"].(string)] = true
		case <-timeout:
			t.Fatalf("timed out waiting for deliveries, got %v", seen)
		}
	}
	assert.True(t, seen["orders-1"])
	assert.True(t, seen["orders-2"])

	// Reading past the first event returns only the second.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/topics/orders/events?sinceEventId=orders-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "orders-2", events[0].(map[string]interface{})["id"])
}

func TestAuthEnabledSingleTenantScope(t *testing.T) {
	eng, ts := newEngine(t, func(c *config.Config) {
		c.Security.Auth.Enabled = true
	})
	waitForProjections(t, eng)

	basic := func(r *http.Request) { r.SetBasicAuth(mgmt.DefaultAdminEmail, mgmt.DefaultAdminPassword) }

	// The seeded grant on the default tenant folds in asynchronously.
	require.Eventually(t, func() bool {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/topics", nil, basic)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "admin never authorized on the default scope")

	// With tenancy disabled the implicit default/default scope accepts
	// authenticated writes.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/topics", map[string]interface{}{"name": "orders"}, basic)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/events", []map[string]interface{}{
		{"topic": "orders", "type": "order.created", "payload": map[string]interface{}{"id": "A"}},
	}, basic)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, body["eventIds"], 1)

	// An API key issued on this surface authenticates follow-up requests
	// once the key projection folds it.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api-keys", map[string]interface{}{"name": "ci"}, basic)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rawKey, _ := body["apiKey"].(string)
	require.NotEmpty(t, rawKey)

	withKey := func(r *http.Request) { r.Header.Set("X-API-Key", rawKey) }
	require.Eventually(t, func() bool {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/topics", nil, withKey)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "api key never authenticated")
}

func TestAuthenticatedManagementFlow(t *testing.T) {
	eng, ts := newEngine(t, func(c *config.Config) {
		c.Security.Auth.Enabled = true
		c.Server.MultiTenantEnabled = true
	})
	waitForProjections(t, eng)

	// Unauthenticated requests are challenged.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/topics", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Bad credentials are rejected by the login endpoint.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/login", map[string]string{
		"email":    mgmt.DefaultAdminEmail,
		"password": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The seeded admin logs in and gets a bearer token.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/auth/login", map[string]string{
		"email":    mgmt.DefaultAdminEmail,
		"password": mgmt.DefaultAdminPassword,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }

	// The admin's tenant-wide ADMIN grant covers the system scope.
	scoped := ts.URL + "/tenants/$system/namespaces/$management"
	resp, _ = doJSON(t, http.MethodPost, scoped+"/topics", map[string]interface{}{"name": "audits"}, bearer)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, scoped+"/events", []map[string]interface{}{
		{"topic": "audits", "type": "audit.recorded", "payload": map[string]interface{}{"action": "login"}},
	}, bearer)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, body["eventIds"], 1)

	resp, body = doJSON(t, http.MethodGet, scoped+"/topics/audits/events", nil, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 1)

	// Basic auth works too.
	basic := func(r *http.Request) { r.SetBasicAuth(mgmt.DefaultAdminEmail, mgmt.DefaultAdminPassword) }
	resp, _ = doJSON(t, http.MethodGet, scoped+"/topics", nil, basic)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
