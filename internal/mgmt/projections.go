package mgmt

import (
	"sort"
	"sync"
	"time"

	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/event"
)

// Tenant is the folded read model of a tenant's event stream.
type Tenant struct {
	ResourceID string
	Name       string
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Deleted    bool
}

// TenantProjection folds tenant.* events into an in-memory map keyed by
// resourceId with a secondary name index. Soft deletes drop the name index
// entry but keep the tombstone in the resourceId map.
type TenantProjection struct {
	mu     sync.RWMutex
	byID   map[string]*Tenant
	byName map[string]string
}

// NewTenantProjection creates an empty tenant projection.
func NewTenantProjection() *TenantProjection {
	return &TenantProjection{
		byID:   make(map[string]*Tenant),
		byName: make(map[string]string),
	}
}

// Apply folds a batch of tenant events. It is the in-process delivery handler
// registered with the dispatcher, so it only ever runs single-threaded.
func (p *TenantProjection) Apply(events []event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		var payload TenantPayload
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		switch ev.Type {
		case EventTenantCreated:
			t := &Tenant{
				ResourceID: payload.ResourceID,
				Name:       payload.Name,
				CreatedBy:  payload.CreatedBy,
				CreatedAt:  ev.Timestamp,
				UpdatedAt:  ev.Timestamp,
			}
			p.byID[t.ResourceID] = t
			p.byName[t.Name] = t.ResourceID
		case EventTenantUpdated:
			t, ok := p.byID[payload.ResourceID]
			if !ok || t.Deleted {
				continue
			}
			if payload.Name != "" && payload.Name != t.Name {
				delete(p.byName, t.Name)
				t.Name = payload.Name
				p.byName[t.Name] = t.ResourceID
			}
			t.UpdatedAt = ev.Timestamp
		case EventTenantDeleted:
			t, ok := p.byID[payload.ResourceID]
			if !ok {
				continue
			}
			delete(p.byName, t.Name)
			t.Deleted = true
			t.UpdatedAt = ev.Timestamp
		}
	}
	return nil
}

// GetByName returns the active tenant with the given name, or nil.
func (p *TenantProjection) GetByName(name string) *Tenant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byName[name]
	if !ok {
		return nil
	}
	return copyTenant(p.byID[id])
}

// GetByID returns the tenant with the given resourceId, including tombstones.
func (p *TenantProjection) GetByID(id string) *Tenant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyTenant(p.byID[id])
}

// List returns the active tenants sorted by name.
func (p *TenantProjection) List() []*Tenant {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Tenant, 0, len(p.byName))
	for _, id := range p.byName {
		out = append(out, copyTenant(p.byID[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyTenant(t *Tenant) *Tenant {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

// Namespace is the folded read model of a namespace's event stream.
type Namespace struct {
	ResourceID       string
	TenantResourceID string
	Name             string
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Deleted          bool
}

// NamespaceProjection folds namespace.* events. The name index is scoped per
// tenant since namespace names are only unique within a tenant.
type NamespaceProjection struct {
	mu     sync.RWMutex
	byID   map[string]*Namespace
	byName map[string]string // "<tenantResourceId>/<name>" -> resourceId
}

// NewNamespaceProjection creates an empty namespace projection.
func NewNamespaceProjection() *NamespaceProjection {
	return &NamespaceProjection{
		byID:   make(map[string]*Namespace),
		byName: make(map[string]string),
	}
}

func nsNameKey(tenantResourceID, name string) string {
	return tenantResourceID + "/" + name
}

// Apply folds a batch of namespace events.
func (p *NamespaceProjection) Apply(events []event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		var payload NamespacePayload
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		switch ev.Type {
		case EventNamespaceCreated:
			ns := &Namespace{
				ResourceID:       payload.ResourceID,
				TenantResourceID: payload.TenantResourceID,
				Name:             payload.Name,
				CreatedBy:        payload.CreatedBy,
				CreatedAt:        ev.Timestamp,
				UpdatedAt:        ev.Timestamp,
			}
			p.byID[ns.ResourceID] = ns
			p.byName[nsNameKey(ns.TenantResourceID, ns.Name)] = ns.ResourceID
		case EventNamespaceUpdated:
			ns, ok := p.byID[payload.ResourceID]
			if !ok || ns.Deleted {
				continue
			}
			if payload.Name != "" && payload.Name != ns.Name {
				delete(p.byName, nsNameKey(ns.TenantResourceID, ns.Name))
				ns.Name = payload.Name
				p.byName[nsNameKey(ns.TenantResourceID, ns.Name)] = ns.ResourceID
			}
			ns.UpdatedAt = ev.Timestamp
		case EventNamespaceDeleted:
			ns, ok := p.byID[payload.ResourceID]
			if !ok {
				continue
			}
			delete(p.byName, nsNameKey(ns.TenantResourceID, ns.Name))
			ns.Deleted = true
			ns.UpdatedAt = ev.Timestamp
		}
	}
	return nil
}

// GetByName returns the active namespace with the given name within a tenant.
func (p *NamespaceProjection) GetByName(tenantResourceID, name string) *Namespace {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byName[nsNameKey(tenantResourceID, name)]
	if !ok {
		return nil
	}
	return copyNamespace(p.byID[id])
}

// GetByID returns the namespace with the given resourceId, including tombstones.
func (p *NamespaceProjection) GetByID(id string) *Namespace {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyNamespace(p.byID[id])
}

// ListByTenant returns the active namespaces of a tenant sorted by name.
func (p *NamespaceProjection) ListByTenant(tenantResourceID string) []*Namespace {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Namespace
	for _, id := range p.byName {
		ns := p.byID[id]
		if ns.TenantResourceID == tenantResourceID {
			out = append(out, copyNamespace(ns))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyNamespace(ns *Namespace) *Namespace {
	if ns == nil {
		return nil
	}
	out := *ns
	return &out
}

// User is the folded read model of a user's event stream.
type User struct {
	ResourceID   string
	Email        string
	Name         string
	PasswordHash string
	Tenants      []string // tenant resourceIds the user is assigned to
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Deleted      bool
}

// UserProjection folds user.* events with a secondary email index.
type UserProjection struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewUserProjection creates an empty user projection.
func NewUserProjection() *UserProjection {
	return &UserProjection{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

// Apply folds a batch of user events.
func (p *UserProjection) Apply(events []event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		switch ev.Type {
		case EventUserCreated:
			var payload UserPayload
			if err := decodePayload(ev.Payload, &payload); err != nil {
				return err
			}
			u := &User{
				ResourceID:   payload.ResourceID,
				Email:        payload.Email,
				Name:         payload.Name,
				PasswordHash: payload.PasswordHash,
				CreatedAt:    ev.Timestamp,
				UpdatedAt:    ev.Timestamp,
			}
			p.byID[u.ResourceID] = u
			p.byEmail[u.Email] = u.ResourceID
		case EventUserUpdated:
			var payload UserPayload
			if err := decodePayload(ev.Payload, &payload); err != nil {
				return err
			}
			u, ok := p.byID[payload.ResourceID]
			if !ok || u.Deleted {
				continue
			}
			if payload.Email != "" && payload.Email != u.Email {
				delete(p.byEmail, u.Email)
				u.Email = payload.Email
				p.byEmail[u.Email] = u.ResourceID
			}
			if payload.Name != "" {
				u.Name = payload.Name
			}
			u.UpdatedAt = ev.Timestamp
		case EventUserPasswordChanged:
			var payload UserPayload
			if err := decodePayload(ev.Payload, &payload); err != nil {
				return err
			}
			u, ok := p.byID[payload.ResourceID]
			if !ok || u.Deleted {
				continue
			}
			u.PasswordHash = payload.PasswordHash
			u.UpdatedAt = ev.Timestamp
		case EventUserTenantAssigned:
			var payload UserTenantPayload
			if err := decodePayload(ev.Payload, &payload); err != nil {
				return err
			}
			u, ok := p.byID[payload.UserResourceID]
			if !ok || u.Deleted {
				continue
			}
			if !containsString(u.Tenants, payload.TenantResourceID) {
				u.Tenants = append(u.Tenants, payload.TenantResourceID)
			}
			u.UpdatedAt = ev.Timestamp
		case EventUserTenantRemoved:
			var payload UserTenantPayload
			if err := decodePayload(ev.Payload, &payload); err != nil {
				return err
			}
			u, ok := p.byID[payload.UserResourceID]
			if !ok {
				continue
			}
			u.Tenants = removeString(u.Tenants, payload.TenantResourceID)
			u.UpdatedAt = ev.Timestamp
		}
	}
	return nil
}

// GetByEmail returns the active user with the given email, or nil.
func (p *UserProjection) GetByEmail(email string) *User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byEmail[email]
	if !ok {
		return nil
	}
	return copyUser(p.byID[id])
}

// GetByID returns the user with the given resourceId.
func (p *UserProjection) GetByID(id string) *User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyUser(p.byID[id])
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Tenants = append([]string(nil), u.Tenants...)
	return &out
}

// APIKey is the folded read model of an API key's event stream.
type APIKey struct {
	ResourceID     string
	UserResourceID string
	Name           string
	KeyHash        string
	KeyPrefix      string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	Revoked        bool
}

// APIKeyProjection folds api-key.* events with a hash lookup index.
type APIKeyProjection struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string
}

// NewAPIKeyProjection creates an empty API key projection.
func NewAPIKeyProjection() *APIKeyProjection {
	return &APIKeyProjection{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

// Apply folds a batch of API key events.
func (p *APIKeyProjection) Apply(events []event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		var payload APIKeyPayload
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		switch ev.Type {
		case EventAPIKeyCreated:
			k := &APIKey{
				ResourceID:     payload.ResourceID,
				UserResourceID: payload.UserResourceID,
				Name:           payload.Name,
				KeyHash:        payload.KeyHash,
				KeyPrefix:      payload.KeyPrefix,
				ExpiresAt:      payload.ExpiresAt,
				CreatedAt:      ev.Timestamp,
			}
			p.byID[k.ResourceID] = k
			p.byHash[k.KeyHash] = k.ResourceID
		case EventAPIKeyRevoked:
			k, ok := p.byID[payload.ResourceID]
			if !ok {
				continue
			}
			delete(p.byHash, k.KeyHash)
			k.Revoked = true
		}
	}
	return nil
}

// LookupByHash returns the valid API key with the given hash, or nil when
// absent, revoked or expired.
func (p *APIKeyProjection) LookupByHash(hash string) *APIKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byHash[hash]
	if !ok {
		return nil
	}
	k := p.byID[id]
	if k == nil || k.Revoked {
		return nil
	}
	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return nil
	}
	out := *k
	return &out
}

// Projections bundles every management read model.
type Projections struct {
	Tenants     *TenantProjection
	Namespaces  *NamespaceProjection
	Users       *UserProjection
	APIKeys     *APIKeyProjection
	Permissions *PermissionProjection
}

// NewProjections creates the full set of empty projections.
func NewProjections() *Projections {
	return &Projections{
		Tenants:     NewTenantProjection(),
		Namespaces:  NewNamespaceProjection(),
		Users:       NewUserProjection(),
		APIKeys:     NewAPIKeyProjection(),
		Permissions: NewPermissionProjection(),
	}
}

// Register wires each projection to its management topic as an in-process
// consumer and ensures the corresponding dispatchers are running. Rebuilding
// after a restart rides the normal delivery pipeline: each projection starts
// with an empty cursor and is replayed from the beginning of its stream.
func (p *Projections) Register(consumers *consumer.Registry, manager *dispatch.Manager) error {
	bindings := []struct {
		id      string
		topic   string
		handler consumer.Handler
	}{
		{"projection-tenants", TopicTenants, p.Tenants.Apply},
		{"projection-namespaces", TopicNamespaces, p.Namespaces.Apply},
		{"projection-users", TopicUsers, p.Users.Apply},
		{"projection-permissions", TopicPermissions, p.Permissions.Apply},
		{"projection-api-keys", TopicAPIKeys, p.APIKeys.Apply},
	}

	topics := make([]string, 0, len(bindings))
	for _, b := range bindings {
		qualified := ManagementTopicRef(b.topic).String()
		c, err := consumer.NewInProcess(b.id, b.handler, map[string]string{qualified: ""})
		if err != nil {
			return err
		}
		consumers.Save(c)
		topics = append(topics, qualified)
	}

	manager.EnsureDispatchersRunning(topics)
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(values []string, v string) []string {
	out := values[:0]
	for _, s := range values {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
