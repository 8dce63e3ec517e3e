package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hookline/hookline/internal/api/handlers"
	"github.com/hookline/hookline/internal/auth"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/mgmt"
	"github.com/hookline/hookline/internal/publish"
	"github.com/hookline/hookline/internal/schema"
	"github.com/hookline/hookline/internal/topic"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.ConfigDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	topics, err := topic.NewStore(cfg.Storage.ConfigDir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	events := eventstore.NewStore(cfg.Storage.DataDir)
	schemas := schema.NewRegistry()
	registry := consumer.NewRegistry()
	manager := dispatch.NewManager(context.Background(), events, registry, dispatch.Options{CheckInterval: time.Hour}, log, nil)
	t.Cleanup(manager.StopAllDispatchers)
	pub := publish.NewService(topics, schemas, events, manager, log, nil)

	tokens, err := auth.NewTokenIssuer(cfg.Security.Auth.JWT)
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}
	authn := auth.NewAuthenticator(cfg.Security.Auth, mgmt.NewUserProjection(), mgmt.NewAPIKeyProjection(), tokens, nil)

	h := handlers.New(handlers.Config{
		Topics:    topics,
		Events:    events,
		Consumers: registry,
		Manager:   manager,
		Publisher: pub,
		Schemas:   schemas,
		Auth:      authn,
	})

	return NewServer(cfg, Deps{Handlers: h, Authenticator: authn, Metrics: metrics.New()}, log)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, nil)

	// Drive one request through so the HTTP metrics have something to report.
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hookline_") {
		t.Errorf("expected broker metrics in output")
	}
}

func TestServer_BodyLimit(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Server.MaxBodyBytes = 64
	})

	big := bytes.Repeat([]byte("x"), 1024)
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

func TestServer_MultiTenantRouting(t *testing.T) {
	single := newTestServer(t, nil)
	multi := newTestServer(t, func(c *config.Config) {
		c.Server.MultiTenantEnabled = true
	})

	path := "/tenants/default/namespaces/default/topics"
	req := httptest.NewRequest(http.MethodGet, path, nil)

	rec := httptest.NewRecorder()
	single.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("single-tenant server should not expose tenant routes, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	multi.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on the tenant route, got %d: %s", rec.Code, rec.Body.String())
	}

	// The implicit default scope stays available either way.
	rec = httptest.NewRecorder()
	multi.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/topics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on the root route, got %d", rec.Code)
	}
}

func TestServer_RateLimitHeaders(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimitPerMinute = 2
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/topics", nil)
		req.RemoteAddr = "10.1.2.3:4567"
		last = httptest.NewRecorder()
		srv.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 on the third request, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") != "60" {
		t.Errorf("missing Retry-After header")
	}
}
