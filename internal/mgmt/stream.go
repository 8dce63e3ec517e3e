// Package mgmt implements the event-sourced management plane: the reserved
// system event stream, the in-memory projections folded from it, startup
// bootstrap and authorization.
package mgmt

import (
	"encoding/json"
	"time"

	"github.com/hookline/hookline/internal/publish"
	"github.com/hookline/hookline/internal/topic"
)

// Reserved location of the management event stream.
const (
	SystemTenant        = "$system"
	ManagementNamespace = "$management"
)

// DefaultTenant and DefaultNamespace are the implicit scope of single-tenant
// deployments. Bootstrap seeds both so authorization resolves the scope even
// when tenancy is disabled.
const (
	DefaultTenant    = "default"
	DefaultNamespace = "default"
)

// Management topics.
const (
	TopicTenants     = "tenants"
	TopicNamespaces  = "namespaces"
	TopicUsers       = "users"
	TopicPermissions = "permissions"
	TopicAPIKeys     = "api-keys"
)

// ManagementTopics lists every topic of the management stream.
var ManagementTopics = []string{
	TopicTenants,
	TopicNamespaces,
	TopicUsers,
	TopicPermissions,
	TopicAPIKeys,
}

// Management event types.
const (
	EventTenantCreated = "tenant.created"
	EventTenantUpdated = "tenant.updated"
	EventTenantDeleted = "tenant.deleted"

	EventNamespaceCreated = "namespace.created"
	EventNamespaceUpdated = "namespace.updated"
	EventNamespaceDeleted = "namespace.deleted"

	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventUserPasswordChanged = "user.password.changed"
	EventUserTenantAssigned  = "user.tenant.assigned"
	EventUserTenantRemoved   = "user.tenant.removed"

	EventPermissionGranted = "permission.granted"
	EventPermissionRevoked = "permission.revoked"

	EventAPIKeyCreated = "api-key.created"
	EventAPIKeyRevoked = "api-key.revoked"
)

// ManagementTopicRef returns the topic reference for a management topic.
func ManagementTopicRef(name string) topic.Ref {
	return topic.Ref{Tenant: SystemTenant, Namespace: ManagementNamespace, Name: name}
}

// TenantPayload is the body of tenant.* events.
type TenantPayload struct {
	ResourceID string `json:"resourceId"`
	Name       string `json:"name,omitempty"`
	CreatedBy  string `json:"createdBy,omitempty"`
	UpdatedBy  string `json:"updatedBy,omitempty"`
	DeletedBy  string `json:"deletedBy,omitempty"`
}

// NamespacePayload is the body of namespace.* events.
type NamespacePayload struct {
	ResourceID       string `json:"resourceId"`
	TenantResourceID string `json:"tenantResourceId"`
	Name             string `json:"name,omitempty"`
	CreatedBy        string `json:"createdBy,omitempty"`
	UpdatedBy        string `json:"updatedBy,omitempty"`
	DeletedBy        string `json:"deletedBy,omitempty"`
}

// UserPayload is the body of user.created / user.updated /
// user.password.changed events.
type UserPayload struct {
	ResourceID   string `json:"resourceId"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	PasswordHash string `json:"passwordHash,omitempty"`
	CreatedBy    string `json:"createdBy,omitempty"`
	UpdatedBy    string `json:"updatedBy,omitempty"`
	ChangedBy    string `json:"changedBy,omitempty"`
}

// UserTenantPayload is the body of user.tenant.assigned / user.tenant.removed.
type UserTenantPayload struct {
	UserResourceID   string `json:"userResourceId"`
	TenantResourceID string `json:"tenantResourceId"`
	AssignedBy       string `json:"assignedBy,omitempty"`
	RemovedBy        string `json:"removedBy,omitempty"`
}

// APIKeyPayload is the body of api-key.* events. The raw key is never stored;
// only its SHA-256 hash and a display prefix survive.
type APIKeyPayload struct {
	ResourceID     string     `json:"resourceId"`
	UserResourceID string     `json:"userResourceId,omitempty"`
	Name           string     `json:"name,omitempty"`
	KeyHash        string     `json:"keyHash,omitempty"`
	KeyPrefix      string     `json:"keyPrefix,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	RevokedBy      string     `json:"revokedBy,omitempty"`
}

// ManagementRequest builds a publish request for a management event from a
// typed payload. Callers publish it to the $system/$management stream.
func ManagementRequest(topicName, eventType string, payload interface{}) (publish.Request, error) {
	p, err := encodePayload(payload)
	if err != nil {
		return publish.Request{}, err
	}
	return publish.Request{Topic: topicName, Type: eventType, Payload: p}, nil
}

// decodePayload converts a parsed JSON payload into a typed struct.
func decodePayload(payload map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// encodePayload converts a typed payload into the map form events carry.
func encodePayload(in interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
