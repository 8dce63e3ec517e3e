package mgmt

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/event"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/publish"
	"github.com/hookline/hookline/internal/schema"
	"github.com/hookline/hookline/internal/topic"
)

type bootstrapFixture struct {
	topics *topic.Store
	events *eventstore.Store
	boot   *Bootstrapper
}

func newBootstrapFixture(t *testing.T, configDir, dataDir string) *bootstrapFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	topics, err := topic.NewStore(configDir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	events := eventstore.NewStore(dataDir)
	registry := consumer.NewRegistry()
	manager := dispatch.NewManager(context.Background(), events, registry, dispatch.Options{CheckInterval: time.Hour}, log, nil)
	t.Cleanup(manager.StopAllDispatchers)
	pub := publish.NewService(topics, schema.NewRegistry(), events, manager, log, nil)

	return &bootstrapFixture{
		topics: topics,
		events: events,
		boot:   NewBootstrapper(topics, events, pub, log, "", ""),
	}
}

func TestBootstrapper_SeedsOnFirstRun(t *testing.T) {
	f := newBootstrapFixture(t, t.TempDir(), t.TempDir())

	if err := f.boot.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, name := range ManagementTopics {
		if !f.topics.TopicExists(name, SystemTenant, ManagementNamespace) {
			t.Errorf("management topic %s was not created", name)
		}
	}

	// Fold the seeded streams directly and check the resulting read models.
	p := NewProjections()
	applies := []struct {
		topic string
		apply func([]event.Event) error
	}{
		{TopicTenants, p.Tenants.Apply},
		{TopicNamespaces, p.Namespaces.Apply},
		{TopicUsers, p.Users.Apply},
		{TopicPermissions, p.Permissions.Apply},
	}
	for _, a := range applies {
		events, err := f.events.GetEvents(ManagementTopicRef(a.topic), "", "", 0)
		if err != nil {
			t.Fatalf("GetEvents(%s) failed: %v", a.topic, err)
		}
		if err := a.apply(events); err != nil {
			t.Fatalf("Apply(%s) failed: %v", a.topic, err)
		}
	}

	sysTenant := p.Tenants.GetByName(SystemTenant)
	if sysTenant == nil {
		t.Fatal("system tenant was not seeded")
	}
	if p.Namespaces.GetByName(sysTenant.ResourceID, ManagementNamespace) == nil {
		t.Error("management namespace was not seeded")
	}

	admin := p.Users.GetByEmail(DefaultAdminEmail)
	if admin == nil {
		t.Fatal("admin user was not seeded")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(DefaultAdminPassword)); err != nil {
		t.Error("seeded password hash does not verify against the default password")
	}
	if len(admin.Tenants) != 2 || admin.Tenants[0] != sysTenant.ResourceID {
		t.Errorf("admin not assigned to both seeded tenants: %v", admin.Tenants)
	}

	grants := p.Permissions.GetPermissionGrants(admin.ResourceID, sysTenant.ResourceID, "", "")
	if len(grants) != 1 || !grants[0].Has(PermissionAdmin) {
		t.Errorf("expected a single ADMIN grant for the admin user, got %+v", grants)
	}
	if grants[0].TargetResourceID != "" {
		t.Errorf("admin grant should cover all tenant resources, got target %q", grants[0].TargetResourceID)
	}
}

func TestBootstrapper_SeedsDefaultTenantScope(t *testing.T) {
	f := newBootstrapFixture(t, t.TempDir(), t.TempDir())

	if err := f.boot.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	p := NewProjections()
	applies := []struct {
		topic string
		apply func([]event.Event) error
	}{
		{TopicTenants, p.Tenants.Apply},
		{TopicNamespaces, p.Namespaces.Apply},
		{TopicUsers, p.Users.Apply},
		{TopicPermissions, p.Permissions.Apply},
	}
	for _, a := range applies {
		events, err := f.events.GetEvents(ManagementTopicRef(a.topic), "", "", 0)
		if err != nil {
			t.Fatalf("GetEvents(%s) failed: %v", a.topic, err)
		}
		if err := a.apply(events); err != nil {
			t.Fatalf("Apply(%s) failed: %v", a.topic, err)
		}
	}

	defTenant := p.Tenants.GetByName(DefaultTenant)
	if defTenant == nil {
		t.Fatal("default tenant was not seeded")
	}
	if p.Namespaces.GetByName(defTenant.ResourceID, DefaultNamespace) == nil {
		t.Error("default namespace was not seeded")
	}

	// The single-tenant surface authorizes against the default scope, so the
	// seeded admin must hold an ADMIN grant there.
	admin := p.Users.GetByEmail(DefaultAdminEmail)
	if admin == nil {
		t.Fatal("admin user was not seeded")
	}
	authz := NewAuthorizer(p.Tenants, p.Namespaces, p.Permissions, f.topics)
	if err := authz.CheckPermission(admin.ResourceID, ResourceTopic, "orders",
		PermissionWrite, DefaultTenant, DefaultNamespace, "", nil); err != nil {
		t.Errorf("admin denied on the default scope: %v", err)
	}
}

func TestBootstrapper_Idempotent(t *testing.T) {
	configDir, dataDir := t.TempDir(), t.TempDir()
	f := newBootstrapFixture(t, configDir, dataDir)

	if err := f.boot.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	before, err := f.topics.GetTopic(TopicTenants, SystemTenant, ManagementNamespace)
	if err != nil {
		t.Fatalf("GetTopic failed: %v", err)
	}

	// A second run over the same stores, as after a restart, must not seed
	// again or mint new identities.
	f2 := newBootstrapFixture(t, configDir, dataDir)
	if err := f2.boot.Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	events, err := f2.events.GetEvents(ManagementTopicRef(TopicTenants), "", "", 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 tenant events after rerun, got %d", len(events))
	}

	after, err := f2.topics.GetTopic(TopicTenants, SystemTenant, ManagementNamespace)
	if err != nil {
		t.Fatalf("GetTopic after rerun failed: %v", err)
	}
	if after.TenantResourceID != before.TenantResourceID || after.NamespaceResourceID != before.NamespaceResourceID {
		t.Error("rerun changed the system tenant or namespace identity")
	}
}
