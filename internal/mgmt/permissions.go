package mgmt

import (
	"sync"
	"time"

	"github.com/hookline/hookline/internal/event"
)

// ResourceType identifies what kind of resource a permission grant targets.
type ResourceType string

const (
	ResourceTenant    ResourceType = "TENANT"
	ResourceNamespace ResourceType = "NAMESPACE"
	ResourceTopic     ResourceType = "TOPIC"
	ResourceEvent     ResourceType = "EVENT"
	ResourceConsumer  ResourceType = "CONSUMER"
	ResourceUser      ResourceType = "USER"
)

// Permission is a single operation class a grant can allow.
type Permission string

const (
	PermissionRead   Permission = "READ"
	PermissionWrite  Permission = "WRITE"
	PermissionDelete Permission = "DELETE"
	// PermissionAdmin implies every permission at the grant's scope and at
	// all scopes nested inside it.
	PermissionAdmin Permission = "ADMIN"
)

// Constraints narrow when a grant admits a request. Zero values mean
// unconstrained.
type Constraints struct {
	// EventTypes restricts the grant to requests concerning these event types.
	EventTypes []string `json:"eventTypes,omitempty"`
	// MaxAgeSeconds restricts reads to events no older than this.
	MaxAgeSeconds int64 `json:"maxAgeSeconds,omitempty"`
	// TimeWindowStart/End restrict the grant to a daily UTC window ("HH:MM").
	TimeWindowStart string `json:"timeWindowStart,omitempty"`
	TimeWindowEnd   string `json:"timeWindowEnd,omitempty"`
}

// Grant is a folded permission grant. An empty TargetResourceID means "all
// resources of this type within the declared scope"; empty namespace/topic
// scope fields widen the grant to the whole tenant or namespace.
type Grant struct {
	ResourceID          string       `json:"resourceId"`
	PrincipalID         string       `json:"principalId"`
	ResourceType        ResourceType `json:"resourceType"`
	TargetResourceID    string       `json:"targetResourceId,omitempty"`
	TenantResourceID    string       `json:"tenantResourceId"`
	NamespaceResourceID string       `json:"namespaceResourceId,omitempty"`
	TopicResourceID     string       `json:"topicResourceId,omitempty"`
	Permissions         []Permission `json:"permissions"`
	Constraints         Constraints  `json:"constraints,omitempty"`
	ExpiresAt           *time.Time   `json:"expiresAt,omitempty"`
	GrantedBy           string       `json:"grantedBy,omitempty"`
}

// Has reports whether the grant carries the permission.
func (g *Grant) Has(p Permission) bool {
	for _, perm := range g.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// expired reports whether the grant has passed its expiry at the given time.
func (g *Grant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// revokePayload is the body of permission.revoked events.
type revokePayload struct {
	ResourceID  string `json:"resourceId"`
	PrincipalID string `json:"principalId"`
	RevokedBy   string `json:"revokedBy,omitempty"`
}

// PermissionProjection folds permission.granted by union and
// permission.revoked by set difference. Expired grants are filtered at query
// time, not at fold time, so replay from any starting point converges to the
// same state.
type PermissionProjection struct {
	mu          sync.RWMutex
	byPrincipal map[string]map[string]*Grant // principalId -> grantId -> grant
	cache       map[string][]*Grant          // per-(principal, scope) result cache
}

// NewPermissionProjection creates an empty permission projection.
func NewPermissionProjection() *PermissionProjection {
	return &PermissionProjection{
		byPrincipal: make(map[string]map[string]*Grant),
		cache:       make(map[string][]*Grant),
	}
}

// Apply folds a batch of permission events. Cache entries of every touched
// principal are invalidated.
func (p *PermissionProjection) Apply(events []event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		switch ev.Type {
		case EventPermissionGranted:
			var grant Grant
			if err := decodePayload(ev.Payload, &grant); err != nil {
				return err
			}
			grants, ok := p.byPrincipal[grant.PrincipalID]
			if !ok {
				grants = make(map[string]*Grant)
				p.byPrincipal[grant.PrincipalID] = grants
			}
			grants[grant.ResourceID] = &grant
			p.invalidate(grant.PrincipalID)
		case EventPermissionRevoked:
			var payload revokePayload
			if err := decodePayload(ev.Payload, &payload); err != nil {
				return err
			}
			if grants, ok := p.byPrincipal[payload.PrincipalID]; ok {
				delete(grants, payload.ResourceID)
			}
			p.invalidate(payload.PrincipalID)
		}
	}
	return nil
}

// invalidate drops cached scope sets for a principal. Caller holds p.mu.
func (p *PermissionProjection) invalidate(principalID string) {
	prefix := principalID + "|"
	for key := range p.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(p.cache, key)
		}
	}
}

// GetPermissionGrants returns the principal's grants whose scope is equal to
// or less specific than the queried (tenant, namespace?, topic?) scope.
// Expired grants are filtered out at query time.
func (p *PermissionProjection) GetPermissionGrants(principalID, tenantResourceID, namespaceResourceID, topicResourceID string) []*Grant {
	key := principalID + "|" + tenantResourceID + "|" + namespaceResourceID + "|" + topicResourceID

	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()

	if !ok {
		// Compute and store under one critical section. A result computed
		// outside the lock could be stored after Apply invalidated the key,
		// pinning a pre-Apply grant set in the cache.
		p.mu.Lock()
		cached, ok = p.cache[key]
		if !ok {
			cached = p.computeGrantsLocked(principalID, tenantResourceID, namespaceResourceID, topicResourceID)
			p.cache[key] = cached
		}
		p.mu.Unlock()
	}

	now := time.Now()
	out := make([]*Grant, 0, len(cached))
	for _, g := range cached {
		if g.expired(now) {
			continue
		}
		copied := *g
		out = append(out, &copied)
	}
	return out
}

// computeGrantsLocked filters the principal's grants by scope. Caller holds
// p.mu.
func (p *PermissionProjection) computeGrantsLocked(principalID, tenantResourceID, namespaceResourceID, topicResourceID string) []*Grant {
	var out []*Grant
	for _, g := range p.byPrincipal[principalID] {
		if g.TenantResourceID != tenantResourceID {
			continue
		}
		// A grant applies to the queried scope when its own scope is equal
		// or broader: an empty scope field is tenant- or namespace-wide.
		if g.NamespaceResourceID != "" && g.NamespaceResourceID != namespaceResourceID {
			continue
		}
		if g.TopicResourceID != "" && g.TopicResourceID != topicResourceID {
			continue
		}
		out = append(out, g)
	}
	return out
}

// AllGrants returns every live grant of a principal, expiry-filtered.
func (p *PermissionProjection) AllGrants(principalID string) []*Grant {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var out []*Grant
	for _, g := range p.byPrincipal[principalID] {
		if g.expired(now) {
			continue
		}
		copied := *g
		out = append(out, &copied)
	}
	return out
}
