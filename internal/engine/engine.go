// Package engine assembles the broker: stores, dispatchers, management plane
// and the HTTP server.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hookline/hookline/internal/api"
	"github.com/hookline/hookline/internal/api/handlers"
	"github.com/hookline/hookline/internal/audit"
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

// Engine owns every long-lived component of the broker process.
type Engine struct {
	cfg    *config.Config
	log    *slog.Logger
	cancel context.CancelFunc

	Topics      *topic.Store
	Events      *eventstore.Store
	Schemas     *schema.Registry
	Consumers   *consumer.Registry
	Manager     *dispatch.Manager
	Publisher   *publish.Service
	Projections *mgmt.Projections
	Authorizer  *mgmt.Authorizer
	Metrics     *metrics.Metrics
	Audit       *audit.Logger
	Server      *api.Server
}

// New builds the engine from configuration. Stores are loaded from disk, the
// management stream is bootstrapped and the projections start replaying, but
// the HTTP server is not yet listening.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(ctx)

	e := &Engine{
		cfg:    cfg,
		log:    log,
		cancel: cancel,
	}

	e.Metrics = metrics.New()
	e.Audit = audit.NewLogger(cfg.Security.Audit)

	topics, err := topic.NewStore(cfg.Storage.ConfigDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load topic store: %w", err)
	}
	e.Topics = topics
	e.Events = eventstore.NewStore(cfg.Storage.DataDir)

	// Rebuild the compiled schema registry from the persisted topic configs.
	e.Schemas = schema.NewRegistry()
	for qualified, tc := range topics.AllConfigs() {
		if len(tc.Schemas) == 0 {
			continue
		}
		if err := e.Schemas.Register(qualified, tc.Schemas); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to compile schemas for %s: %w", qualified, err)
		}
	}

	e.Consumers = consumer.NewRegistry()
	e.Consumers.SetGauge(e.Metrics.ConsumersRegistered)
	e.Manager = dispatch.NewManager(ctx, e.Events, e.Consumers, dispatch.Options{
		CheckInterval:  time.Duration(cfg.Dispatch.CheckIntervalMillis) * time.Millisecond,
		BaseRetryDelay: time.Duration(cfg.Dispatch.BaseRetryMillis) * time.Millisecond,
		MaxRetries:     cfg.Dispatch.MaxRetries,
	}, log, e.Metrics)
	e.Manager.SetAuditLogger(e.Audit)

	e.Publisher = publish.NewService(e.Topics, e.Schemas, e.Events, e.Manager, log, e.Metrics)

	// Management plane: projections replay their streams through the normal
	// delivery pipeline, then bootstrap seeds a fresh store.
	e.Projections = mgmt.NewProjections()
	if err := e.Projections.Register(e.Consumers, e.Manager); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register projections: %w", err)
	}

	bootstrapper := mgmt.NewBootstrapper(e.Topics, e.Events, e.Publisher, log,
		cfg.Security.Auth.AdminEmail, cfg.Security.Auth.AdminPassword)
	if err := bootstrapper.Run(ctx); err != nil {
		cancel()
		return nil, err
	}

	e.Authorizer = mgmt.NewAuthorizer(e.Projections.Tenants, e.Projections.Namespaces,
		e.Projections.Permissions, e.Topics)

	tokens, err := auth.NewTokenIssuer(cfg.Security.Auth.JWT)
	if err != nil {
		cancel()
		return nil, err
	}
	authenticator := auth.NewAuthenticator(cfg.Security.Auth, e.Projections.Users,
		e.Projections.APIKeys, tokens, e.Audit)

	h := handlers.New(handlers.Config{
		Topics:      e.Topics,
		Events:      e.Events,
		Consumers:   e.Consumers,
		Manager:     e.Manager,
		Publisher:   e.Publisher,
		Schemas:     e.Schemas,
		Authorizer:  e.Authorizer,
		Tenants:     e.Projections.Tenants,
		Namespaces:  e.Projections.Namespaces,
		Auth:        authenticator,
		AuthEnabled: cfg.Security.Auth.Enabled,
		Audit:       e.Audit,
	})

	e.Server = api.NewServer(cfg, api.Deps{
		Handlers:      h,
		Authenticator: authenticator,
		Metrics:       e.Metrics,
	}, log)

	return e, nil
}

// Start runs the HTTP server until it is shut down.
func (e *Engine) Start() error {
	return e.Server.Start()
}

// Stop shuts down the HTTP server, stops every dispatcher and closes the
// audit log.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.Server.Shutdown(ctx)
	e.cancel()
	e.Manager.StopAllDispatchers()
	if cerr := e.Audit.Close(); err == nil {
		err = cerr
	}
	return err
}
