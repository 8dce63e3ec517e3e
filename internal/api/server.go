// Package api provides the HTTP server and routing.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hookline/hookline/internal/api/handlers"
	"github.com/hookline/hookline/internal/auth"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/metrics"
)

// Server represents the HTTP server.
type Server struct {
	config  *config.Config
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Deps bundles what the server wires into its routes.
type Deps struct {
	Handlers      *handlers.Handler
	Authenticator *auth.Authenticator
	Metrics       *metrics.Metrics
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: deps.Metrics,
	}

	s.setupRouter(deps)
	return s
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter(deps Deps) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.bodyLimitMiddleware)

	limiter := auth.NewRateLimiter(s.config.Server.RateLimitPerMinute, s.metrics)
	r.Use(limiter.Middleware)

	h := deps.Handlers

	// Unauthenticated surface.
	r.Get("/health", h.Health)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.metrics.Handler().ServeHTTP(w, req)
	})
	r.Post("/auth/login", h.Login)

	core := func(r chi.Router) {
		r.Use(deps.Authenticator.Middleware)

		r.Post("/topics", h.CreateTopic)
		r.Get("/topics", h.ListTopics)
		r.Get("/topics/{topic}", h.GetTopic)
		r.Put("/topics/{topic}", h.UpdateTopic)
		r.Get("/topics/{topic}/events", h.GetEvents)

		r.Post("/events", h.PublishEvents)

		r.Post("/consumers/register", h.RegisterConsumer)
		r.Get("/consumers", h.ListConsumers)
		r.Delete("/consumers/{id}", h.DeleteConsumer)

		r.Post("/users", h.CreateUser)
		r.Post("/api-keys", h.CreateAPIKey)
	}

	// Single-tenant surface: implicit default/default scope.
	r.Group(core)

	// Multi-tenant surface with explicit scope in the path.
	if s.config.Server.MultiTenantEnabled {
		r.Route("/tenants/{tenantName}/namespaces/{namespaceName}", core)
	}

	s.router = r
}

// bodyLimitMiddleware rejects oversized request bodies with 413.
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > s.config.Server.MaxBodyBytes {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.config.Address())
}
