package mgmt

import (
	"errors"
	"fmt"
	"time"

	"github.com/hookline/hookline/internal/topic"
)

// Common errors
var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrForbidden         = errors.New("forbidden")
)

// RequestContext carries per-request facts that grant constraints are checked
// against. A nil context skips constraint checks that need it.
type RequestContext struct {
	EventType string
	EventAge  time.Duration
	Now       time.Time
}

func (rc *RequestContext) now() time.Time {
	if rc == nil || rc.Now.IsZero() {
		return time.Now().UTC()
	}
	return rc.Now
}

// Authorizer answers allow/deny questions from the management projections.
type Authorizer struct {
	tenants    *TenantProjection
	namespaces *NamespaceProjection
	perms      *PermissionProjection
	topics     *topic.Store
}

// NewAuthorizer creates an authorizer over the given projections and topic
// store.
func NewAuthorizer(tenants *TenantProjection, namespaces *NamespaceProjection, perms *PermissionProjection, topics *topic.Store) *Authorizer {
	return &Authorizer{
		tenants:    tenants,
		namespaces: namespaces,
		perms:      perms,
		topics:     topics,
	}
}

// CheckPermission reports whether the principal may perform the required
// operation on the named resource within the (tenant, namespace?, topic?)
// scope. A nil return means allow.
//
// A grant applies when its resource type matches (or it is a tenant-scope
// grant, which folds into every nested scope), its target resourceId is
// empty or equals the target's, its constraints admit the request and it has
// not expired. A matching grant permits the request when it carries the
// required permission or ADMIN.
func (a *Authorizer) CheckPermission(principalID string, rt ResourceType, resourceName string, required Permission, tenantName, namespaceName, topicName string, reqCtx *RequestContext) error {
	tenant := a.tenants.GetByName(tenantName)
	if tenant == nil {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantName)
	}

	namespaceResourceID := ""
	if namespaceName != "" {
		ns := a.namespaces.GetByName(tenant.ResourceID, namespaceName)
		if ns == nil {
			return fmt.Errorf("%w: %s/%s", ErrNamespaceNotFound, tenantName, namespaceName)
		}
		namespaceResourceID = ns.ResourceID
	}

	topicResourceID := ""
	if topicName != "" {
		cfg, err := a.topics.GetTopic(topicName, tenantName, namespaceName)
		if err != nil {
			return err
		}
		topicResourceID = cfg.ResourceID
	}

	targetResourceID := a.resolveTarget(rt, resourceName, tenant.ResourceID, tenantName, namespaceName)

	grants := a.perms.GetPermissionGrants(principalID, tenant.ResourceID, namespaceResourceID, topicResourceID)
	for _, g := range grants {
		if !grantApplies(g, rt, targetResourceID, tenant.ResourceID) {
			continue
		}
		if !constraintsAdmit(g.Constraints, reqCtx) {
			continue
		}
		if g.Has(required) || g.Has(PermissionAdmin) {
			return nil
		}
	}

	return fmt.Errorf("%w: principal %s lacks %s on %s %q", ErrForbidden, principalID, required, rt, resourceName)
}

// resolveTarget maps the target resource name to its resourceId. An unknown
// name resolves to "", in which case only grants covering all resources of
// the type can match.
func (a *Authorizer) resolveTarget(rt ResourceType, resourceName, tenantResourceID, tenantName, namespaceName string) string {
	if resourceName == "" {
		return ""
	}
	switch rt {
	case ResourceTenant:
		if t := a.tenants.GetByName(resourceName); t != nil {
			return t.ResourceID
		}
	case ResourceNamespace:
		if ns := a.namespaces.GetByName(tenantResourceID, resourceName); ns != nil {
			return ns.ResourceID
		}
	case ResourceTopic:
		if cfg, err := a.topics.GetTopic(resourceName, tenantName, namespaceName); err == nil {
			return cfg.ResourceID
		}
	}
	return ""
}

// grantApplies checks resource type and target matching. Tenant-scope grants
// fold into every nested scope of the tenant they cover.
func grantApplies(g *Grant, rt ResourceType, targetResourceID, tenantResourceID string) bool {
	if g.ResourceType == rt {
		return g.TargetResourceID == "" || g.TargetResourceID == targetResourceID
	}
	if g.ResourceType == ResourceTenant && rt != ResourceTenant {
		return g.TargetResourceID == "" || g.TargetResourceID == tenantResourceID
	}
	return false
}

// constraintsAdmit checks the grant's event-type filter, max-age and daily
// time window against the request context.
func constraintsAdmit(c Constraints, reqCtx *RequestContext) bool {
	if len(c.EventTypes) > 0 {
		if reqCtx == nil || reqCtx.EventType == "" {
			return false
		}
		if !containsString(c.EventTypes, reqCtx.EventType) {
			return false
		}
	}

	if c.MaxAgeSeconds > 0 && reqCtx != nil && reqCtx.EventAge > 0 {
		if reqCtx.EventAge > time.Duration(c.MaxAgeSeconds)*time.Second {
			return false
		}
	}

	if c.TimeWindowStart != "" && c.TimeWindowEnd != "" {
		now := reqCtx.now()
		current := now.Format("15:04")
		if current < c.TimeWindowStart || current > c.TimeWindowEnd {
			return false
		}
	}

	return true
}
