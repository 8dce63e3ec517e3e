// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/api/types"
	"github.com/hookline/hookline/internal/audit"
	"github.com/hookline/hookline/internal/auth"
	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/mgmt"
	"github.com/hookline/hookline/internal/publish"
	"github.com/hookline/hookline/internal/schema"
	"github.com/hookline/hookline/internal/topic"
)

// DefaultTenant and DefaultNamespace are the implicit scope when tenancy is
// disabled or the request carries no tenant prefix.
const (
	DefaultTenant    = mgmt.DefaultTenant
	DefaultNamespace = mgmt.DefaultNamespace
)

// Handler provides HTTP handlers for the broker.
type Handler struct {
	topics      *topic.Store
	events      *eventstore.Store
	consumers   *consumer.Registry
	manager     *dispatch.Manager
	publisher   *publish.Service
	schemas     *schema.Registry
	authz       *mgmt.Authorizer
	authn       *auth.Authenticator
	authEnabled bool
	audit       *audit.Logger
	tenants     *mgmt.TenantProjection
	namespaces  *mgmt.NamespaceProjection
}

// Config holds the handler dependencies.
type Config struct {
	Topics      *topic.Store
	Events      *eventstore.Store
	Consumers   *consumer.Registry
	Manager     *dispatch.Manager
	Publisher   *publish.Service
	Schemas     *schema.Registry
	Authorizer  *mgmt.Authorizer
	Auth        *auth.Authenticator
	AuthEnabled bool
	Audit       *audit.Logger
	Tenants     *mgmt.TenantProjection
	Namespaces  *mgmt.NamespaceProjection
}

// New creates a new Handler.
func New(cfg Config) *Handler {
	return &Handler{
		topics:      cfg.Topics,
		events:      cfg.Events,
		consumers:   cfg.Consumers,
		manager:     cfg.Manager,
		publisher:   cfg.Publisher,
		schemas:     cfg.Schemas,
		authz:       cfg.Authorizer,
		authn:       cfg.Auth,
		authEnabled: cfg.AuthEnabled,
		audit:       cfg.Audit,
		tenants:     cfg.Tenants,
		namespaces:  cfg.Namespaces,
	}
}

// scope resolves the tenant/namespace of a request from the URL, defaulting
// to the single-tenant scope.
func scope(r *http.Request) (tenant, namespace string) {
	tenant = chi.URLParam(r, "tenantName")
	namespace = chi.URLParam(r, "namespaceName")
	if tenant == "" {
		tenant = DefaultTenant
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return tenant, namespace
}

// authorize checks the principal's permission for an operation. With auth
// disabled every operation is allowed.
func (h *Handler) authorize(r *http.Request, rt mgmt.ResourceType, resourceName string, required mgmt.Permission, topicName string) error {
	if !h.authEnabled {
		return nil
	}
	principal := auth.GetPrincipal(r.Context())
	if principal == nil {
		return mgmt.ErrForbidden
	}
	tenant, namespace := scope(r)
	return h.authz.CheckPermission(principal.ID, rt, resourceName, required, tenant, namespace, topicName, nil)
}

// CreateTopic handles POST /topics
func (h *Handler) CreateTopic(w http.ResponseWriter, r *http.Request) {
	var req types.CreateTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.authorize(r, mgmt.ResourceTopic, req.Name, mgmt.PermissionWrite, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	if req.Schemas == nil {
		req.Schemas = []schema.Definition{}
	}
	cfg := topic.Config{
		ResourceID: uuid.NewString(),
		Name:       req.Name,
		Schemas:    req.Schemas,
	}
	cfg.TenantResourceID, cfg.NamespaceResourceID = h.scopeResourceIDs(tenant, namespace)
	if err := h.topics.CreateTopic(cfg, tenant, namespace); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	qualified := topic.Ref{Tenant: tenant, Namespace: namespace, Name: req.Name}.String()
	if len(req.Schemas) > 0 {
		if err := h.schemas.Register(qualified, req.Schemas); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	h.auditAction(r, audit.EventTopicCreate, tenant, namespace, req.Name, "")
	writeJSON(w, http.StatusCreated, types.TopicResponse{
		Name:     req.Name,
		Sequence: 0,
		Schemas:  req.Schemas,
	})
}

// scopeResourceIDs resolves the tenant and namespace resourceIds from the
// management projections. Unknown names resolve to empty ids.
func (h *Handler) scopeResourceIDs(tenant, namespace string) (tenantRID, namespaceRID string) {
	if h.tenants == nil {
		return "", ""
	}
	tn := h.tenants.GetByName(tenant)
	if tn == nil {
		return "", ""
	}
	if h.namespaces != nil {
		if ns := h.namespaces.GetByName(tn.ResourceID, namespace); ns != nil {
			namespaceRID = ns.ResourceID
		}
	}
	return tn.ResourceID, namespaceRID
}

// ListTopics handles GET /topics
func (h *Handler) ListTopics(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, mgmt.ResourceTopic, "", mgmt.PermissionRead, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	configs := h.topics.GetAllTopics(tenant, namespace)
	resp := types.TopicListResponse{Topics: make([]types.TopicResponse, 0, len(configs))}
	for _, cfg := range configs {
		resp.Topics = append(resp.Topics, types.TopicResponse{
			Name:     cfg.Name,
			Sequence: cfg.Sequence,
			Schemas:  cfg.Schemas,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTopic handles GET /topics/{topic}
func (h *Handler) GetTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "topic")
	if err := h.authorize(r, mgmt.ResourceTopic, name, mgmt.PermissionRead, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	cfg, err := h.topics.GetTopic(name, tenant, namespace)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.TopicResponse{
		Name:     cfg.Name,
		Sequence: cfg.Sequence,
		Schemas:  cfg.Schemas,
	})
}

// UpdateTopic handles PUT /topics/{topic}
func (h *Handler) UpdateTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "topic")
	var req types.UpdateTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.authorize(r, mgmt.ResourceTopic, name, mgmt.PermissionWrite, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	cfg, err := h.topics.UpdateSchemas(name, tenant, namespace, req.Schemas)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	qualified := topic.Ref{Tenant: tenant, Namespace: namespace, Name: name}.String()
	if len(req.Schemas) > 0 {
		if err := h.schemas.Register(qualified, req.Schemas); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	h.auditAction(r, audit.EventTopicUpdate, tenant, namespace, name, "")
	writeJSON(w, http.StatusOK, types.TopicResponse{
		Name:     cfg.Name,
		Sequence: cfg.Sequence,
		Schemas:  cfg.Schemas,
	})
}

// PublishEvents handles POST /events
func (h *Handler) PublishEvents(w http.ResponseWriter, r *http.Request) {
	var body []types.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: expected an array of events")
		return
	}

	reqs := make([]publish.Request, 0, len(body))
	seen := make(map[string]bool)
	for _, item := range body {
		if !seen[item.Topic] {
			seen[item.Topic] = true
			if err := h.authorize(r, mgmt.ResourceEvent, "", mgmt.PermissionWrite, item.Topic); err != nil {
				h.writeDomainError(w, r, err)
				return
			}
		}
		reqs = append(reqs, publish.Request{Topic: item.Topic, Type: item.Type, Payload: item.Payload})
	}

	tenant, namespace := scope(r)
	ids, err := h.publisher.Publish(r.Context(), tenant, namespace, reqs)
	if err != nil {
		// Publishing to an unknown topic is a bad request, not a missing
		// resource: the request names the topic in its body.
		if errors.Is(err, topic.ErrTopicNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeDomainError(w, r, err)
		return
	}

	h.auditAction(r, audit.EventPublish, tenant, namespace, "", strconv.Itoa(len(ids))+" events")
	writeJSON(w, http.StatusCreated, types.PublishResponse{EventIDs: ids})
}

// GetEvents handles GET /topics/{topic}/events
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "topic")
	if err := h.authorize(r, mgmt.ResourceEvent, "", mgmt.PermissionRead, name); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	if !h.topics.TopicExists(name, tenant, namespace) {
		writeError(w, http.StatusNotFound, "topic not found: "+name)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ref := topic.Ref{Tenant: tenant, Namespace: namespace, Name: name}
	events, err := h.events.GetEvents(ref, r.URL.Query().Get("sinceEventId"), r.URL.Query().Get("date"), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EventListResponse{Events: events})
}

// RegisterConsumer handles POST /consumers/register
func (h *Handler) RegisterConsumer(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterConsumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.authorize(r, mgmt.ResourceConsumer, "", mgmt.PermissionWrite, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	topics := make(map[string]string, len(req.Topics))
	for name, cursor := range req.Topics {
		if !h.topics.TopicExists(name, tenant, namespace) {
			writeError(w, http.StatusBadRequest, "unknown topic: "+name)
			return
		}
		qualified := topic.Ref{Tenant: tenant, Namespace: namespace, Name: name}.String()
		if cursor != nil {
			topics[qualified] = *cursor
		} else {
			topics[qualified] = ""
		}
	}

	c, err := h.newConsumer(req, topics)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.consumers.Save(c)
	qualifieds := make([]string, 0, len(topics))
	for q := range topics {
		qualifieds = append(qualifieds, q)
	}
	h.manager.EnsureDispatchersRunning(qualifieds)

	h.auditAction(r, audit.EventConsumerAdd, tenant, namespace, "", c.ID)
	writeJSON(w, http.StatusCreated, types.RegisterConsumerResponse{ConsumerID: c.ID})
}

// newConsumer builds the consumer variant from the registration request.
func (h *Handler) newConsumer(req types.RegisterConsumerRequest, topics map[string]string) (*consumer.Consumer, error) {
	kind := consumer.Kind(req.Kind)
	if req.Kind == "" {
		kind = consumer.KindHTTP
	}
	switch kind {
	case consumer.KindHTTP:
		return consumer.NewHTTP(req.Callback, topics)
	case consumer.KindEventGrid:
		return consumer.NewEventGrid(req.Endpoint, req.AccessKey, topics)
	default:
		return nil, consumer.ErrInvalidRegistration
	}
}

// ListConsumers handles GET /consumers
func (h *Handler) ListConsumers(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, mgmt.ResourceConsumer, "", mgmt.PermissionRead, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	prefix := tenant + "/" + namespace + "/"

	resp := types.ConsumerListResponse{Consumers: []types.ConsumerResponse{}}
	for _, c := range h.consumers.All() {
		if !consumerInScope(c, prefix) {
			continue
		}
		resp.Consumers = append(resp.Consumers, types.ConsumerResponse{
			ID:       c.ID,
			Kind:     string(c.Kind),
			Callback: c.Callback,
			Endpoint: c.Endpoint,
			Topics:   c.Topics,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// consumerInScope reports whether any of the consumer's topics is inside the
// tenant/namespace prefix.
func consumerInScope(c *consumer.Consumer, prefix string) bool {
	for qualified := range c.Topics {
		if strings.HasPrefix(qualified, prefix) {
			return true
		}
	}
	return false
}

// DeleteConsumer handles DELETE /consumers/{id}
func (h *Handler) DeleteConsumer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.authorize(r, mgmt.ResourceConsumer, "", mgmt.PermissionDelete, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if err := h.consumers.Delete(id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tenant, namespace := scope(r)
	h.auditAction(r, audit.EventConsumerDrop, tenant, namespace, "", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:             "healthy",
		Consumers:          h.consumers.Count(),
		RunningDispatchers: h.manager.RunningDispatchers(),
	})
}

// Login handles POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.authn.Login(req.Email, req.Password)
	if err != nil {
		if h.audit != nil {
			h.audit.Log(audit.Event{
				EventType:  audit.EventAuthFailure,
				Principal:  req.Email,
				ClientIP:   auth.GetClientIP(r),
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: http.StatusUnauthorized,
			})
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, types.LoginResponse{Token: token})
}

// CreateUser handles POST /users. The user is appended to the management
// stream and becomes visible once the projections fold it.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req types.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if err := h.authorize(r, mgmt.ResourceUser, "", mgmt.PermissionWrite, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	var createdBy string
	if p := auth.GetPrincipal(r.Context()); p != nil {
		createdBy = p.ID
	}

	rid := uuid.NewString()
	userReq, err := mgmt.ManagementRequest(mgmt.TopicUsers, mgmt.EventUserCreated, mgmt.UserPayload{
		ResourceID:   rid,
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		CreatedBy:    createdBy,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	reqs := []publish.Request{userReq}

	// Assign the new user to the request's tenant when it resolves.
	tenant, _ := scope(r)
	if tenantRID, _ := h.scopeResourceIDs(tenant, ""); tenantRID != "" {
		assignReq, err := mgmt.ManagementRequest(mgmt.TopicUsers, mgmt.EventUserTenantAssigned, mgmt.UserTenantPayload{
			UserResourceID:   rid,
			TenantResourceID: tenantRID,
			AssignedBy:       createdBy,
		})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		reqs = append(reqs, assignReq)
	}

	if _, err := h.publisher.Publish(r.Context(), mgmt.SystemTenant, mgmt.ManagementNamespace, reqs); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateUserResponse{ResourceID: rid, Email: req.Email})
}

// CreateAPIKey handles POST /api-keys. The raw key is returned exactly once;
// only its hash and display prefix reach the management stream.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req types.CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.authorize(r, mgmt.ResourceUser, "", mgmt.PermissionWrite, ""); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	principal := auth.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "no authenticated principal")
		return
	}

	raw, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	rid := uuid.NewString()
	keyReq, err := mgmt.ManagementRequest(mgmt.TopicAPIKeys, mgmt.EventAPIKeyCreated, mgmt.APIKeyPayload{
		ResourceID:     rid,
		UserResourceID: principal.ID,
		Name:           req.Name,
		KeyHash:        hash,
		KeyPrefix:      prefix,
		ExpiresAt:      req.ExpiresAt,
		CreatedBy:      principal.ID,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if _, err := h.publisher.Publish(r.Context(), mgmt.SystemTenant, mgmt.ManagementNamespace, []publish.Request{keyReq}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateAPIKeyResponse{
		ResourceID: rid,
		APIKey:     raw,
		KeyPrefix:  prefix,
	})
}

// auditAction records a successful mutating operation.
func (h *Handler) auditAction(r *http.Request, et audit.EventType, tenant, namespace, topicName, detail string) {
	if h.audit == nil {
		return
	}
	var principal string
	if p := auth.GetPrincipal(r.Context()); p != nil {
		principal = p.ID
	}
	h.audit.Log(audit.Event{
		EventType: et,
		Principal: principal,
		ClientIP:  auth.GetClientIP(r),
		Method:    r.Method,
		Path:      r.URL.Path,
		Tenant:    tenant,
		Namespace: namespace,
		Topic:     topicName,
		Detail:    detail,
	})
}

// writeDomainError converts a domain error into the HTTP response per kind.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *schema.ValidationError
	var configErr *topic.ConfigError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
			Error:   validationErr.Error(),
			Details: validationErr.Messages,
		})
	case errors.Is(err, topic.ErrTopicExists),
		errors.Is(err, topic.ErrSchemaRemoved),
		errors.Is(err, topic.ErrDuplicateSchema),
		errors.Is(err, topic.ErrInvalidTopic),
		errors.Is(err, schema.ErrSchemaNotFound),
		errors.Is(err, schema.ErrInvalidSchema),
		errors.Is(err, publish.ErrEmptyBatch),
		errors.Is(err, publish.ErrInvalidPayload),
		errors.Is(err, publish.ErrInvalidType),
		errors.Is(err, consumer.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, topic.ErrTopicNotFound),
		errors.Is(err, consumer.ErrConsumerNotFound),
		errors.Is(err, mgmt.ErrTenantNotFound),
		errors.Is(err, mgmt.ErrNamespaceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mgmt.ErrForbidden):
		if h.audit != nil {
			var principal string
			if p := auth.GetPrincipal(r.Context()); p != nil {
				principal = p.ID
			}
			h.audit.Log(audit.Event{
				EventType:  audit.EventAuthForbidden,
				Principal:  principal,
				ClientIP:   auth.GetClientIP(r),
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: http.StatusForbidden,
				Error:      err.Error(),
			})
		}
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &configErr), errors.Is(err, eventstore.ErrStorage):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.ErrorResponse{Error: message})
}
