package mgmt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/publish"
	"github.com/hookline/hookline/internal/schema"
	"github.com/hookline/hookline/internal/topic"
)

// Fallback identity for the seeded admin when no override is configured.
const (
	DefaultAdminEmail    = "admin@hookline.local"
	DefaultAdminPassword = "hookline-admin"
)

// Bootstrapper ensures the management stream exists and is seeded on first
// start. Every step is idempotent, so restarting mid-bootstrap is safe.
type Bootstrapper struct {
	topics  *topic.Store
	events  *eventstore.Store
	publish *publish.Service
	log     *slog.Logger

	adminEmail    string
	adminPassword string
}

// NewBootstrapper creates a bootstrapper. Empty admin credentials fall back to
// the package defaults.
func NewBootstrapper(topics *topic.Store, events *eventstore.Store, pub *publish.Service, log *slog.Logger, adminEmail, adminPassword string) *Bootstrapper {
	if adminEmail == "" {
		adminEmail = DefaultAdminEmail
	}
	if adminPassword == "" {
		adminPassword = DefaultAdminPassword
	}
	return &Bootstrapper{
		topics:        topics,
		events:        events,
		publish:       pub,
		log:           log,
		adminEmail:    adminEmail,
		adminPassword: adminPassword,
	}
}

// Run creates any missing management topics and, when the tenants stream is
// empty, publishes the seed batch: the system and default tenants with their
// namespaces, the admin user, its tenant assignments and a tenant-wide ADMIN
// grant on each tenant. The default tenant makes the single-tenant surface
// authorizable when auth is enabled.
func (b *Bootstrapper) Run(ctx context.Context) error {
	sysTenantRID, sysNsRID, err := b.ensureTopics()
	if err != nil {
		return fmt.Errorf("bootstrap topics: %w", err)
	}

	latest, err := b.events.GetLatestEventID(ManagementTopicRef(TopicTenants))
	if err != nil {
		return fmt.Errorf("bootstrap: read tenants stream: %w", err)
	}
	if latest != "" {
		b.log.Debug("management stream already seeded", slog.String("latestEventId", latest))
		return nil
	}

	return b.seed(ctx, sysTenantRID, sysNsRID)
}

// ensureTopics creates each management topic that does not exist yet. The
// system tenant and namespace resourceIds are recovered from an existing
// tenants topic config so a partially bootstrapped store keeps its identity.
func (b *Bootstrapper) ensureTopics() (sysTenantRID, sysNsRID string, err error) {
	if cfg, err := b.topics.GetTopic(TopicTenants, SystemTenant, ManagementNamespace); err == nil {
		sysTenantRID = cfg.TenantResourceID
		sysNsRID = cfg.NamespaceResourceID
	} else if !errors.Is(err, topic.ErrTopicNotFound) {
		return "", "", err
	}
	if sysTenantRID == "" {
		sysTenantRID = uuid.NewString()
	}
	if sysNsRID == "" {
		sysNsRID = uuid.NewString()
	}

	for _, name := range ManagementTopics {
		if b.topics.TopicExists(name, SystemTenant, ManagementNamespace) {
			continue
		}
		cfg := topic.Config{
			ResourceID:          uuid.NewString(),
			TenantResourceID:    sysTenantRID,
			NamespaceResourceID: sysNsRID,
			Name:                name,
			Schemas:             []schema.Definition{},
		}
		if err := b.topics.CreateTopic(cfg, SystemTenant, ManagementNamespace); err != nil {
			if errors.Is(err, topic.ErrTopicExists) {
				continue
			}
			return "", "", err
		}
		b.log.Info("created management topic", slog.String("topic", name))
	}
	return sysTenantRID, sysNsRID, nil
}

// seed publishes the first-start management events.
func (b *Bootstrapper) seed(ctx context.Context, sysTenantRID, sysNsRID string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(b.adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("bootstrap: hash admin password: %w", err)
	}
	adminRID := uuid.NewString()
	defaultTenantRID := uuid.NewString()
	defaultNsRID := uuid.NewString()

	batch := []struct {
		topic   string
		typ     string
		payload interface{}
	}{
		{TopicTenants, EventTenantCreated, TenantPayload{
			ResourceID: sysTenantRID,
			Name:       SystemTenant,
			CreatedBy:  "system",
		}},
		{TopicNamespaces, EventNamespaceCreated, NamespacePayload{
			ResourceID:       sysNsRID,
			TenantResourceID: sysTenantRID,
			Name:             ManagementNamespace,
			CreatedBy:        "system",
		}},
		{TopicUsers, EventUserCreated, UserPayload{
			ResourceID:   adminRID,
			Email:        b.adminEmail,
			Name:         "System Administrator",
			PasswordHash: string(hash),
			CreatedBy:    "system",
		}},
		{TopicUsers, EventUserTenantAssigned, UserTenantPayload{
			UserResourceID:   adminRID,
			TenantResourceID: sysTenantRID,
			AssignedBy:       "system",
		}},
		{TopicPermissions, EventPermissionGranted, Grant{
			ResourceID:       uuid.NewString(),
			PrincipalID:      adminRID,
			ResourceType:     ResourceTenant,
			TargetResourceID: "",
			TenantResourceID: sysTenantRID,
			Permissions:      []Permission{PermissionAdmin},
			GrantedBy:        "system",
		}},
		{TopicTenants, EventTenantCreated, TenantPayload{
			ResourceID: defaultTenantRID,
			Name:       DefaultTenant,
			CreatedBy:  "system",
		}},
		{TopicNamespaces, EventNamespaceCreated, NamespacePayload{
			ResourceID:       defaultNsRID,
			TenantResourceID: defaultTenantRID,
			Name:             DefaultNamespace,
			CreatedBy:        "system",
		}},
		{TopicUsers, EventUserTenantAssigned, UserTenantPayload{
			UserResourceID:   adminRID,
			TenantResourceID: defaultTenantRID,
			AssignedBy:       "system",
		}},
		{TopicPermissions, EventPermissionGranted, Grant{
			ResourceID:       uuid.NewString(),
			PrincipalID:      adminRID,
			ResourceType:     ResourceTenant,
			TargetResourceID: "",
			TenantResourceID: defaultTenantRID,
			Permissions:      []Permission{PermissionAdmin},
			GrantedBy:        "system",
		}},
	}

	reqs := make([]publish.Request, 0, len(batch))
	for _, item := range batch {
		payload, err := encodePayload(item.payload)
		if err != nil {
			return fmt.Errorf("bootstrap: encode %s payload: %w", item.typ, err)
		}
		reqs = append(reqs, publish.Request{Topic: item.topic, Type: item.typ, Payload: payload})
	}

	ids, err := b.publish.Publish(ctx, SystemTenant, ManagementNamespace, reqs)
	if err != nil {
		return fmt.Errorf("bootstrap: seed management stream: %w", err)
	}
	b.log.Info("seeded management stream",
		slog.String("adminEmail", b.adminEmail),
		slog.Int("events", len(ids)),
	)
	return nil
}
