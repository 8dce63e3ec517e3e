// Package types provides API request and response types.
package types

import (
	"time"

	"github.com/hookline/hookline/internal/event"
	"github.com/hookline/hookline/internal/schema"
)

// CreateTopicRequest is the request body for creating a topic.
type CreateTopicRequest struct {
	Name    string              `json:"name"`
	Schemas []schema.Definition `json:"schemas"`
}

// UpdateTopicRequest is the request body for replacing a topic's schema set.
type UpdateTopicRequest struct {
	Schemas []schema.Definition `json:"schemas"`
}

// TopicResponse is the representation of a topic.
type TopicResponse struct {
	Name     string              `json:"name"`
	Sequence uint64              `json:"sequence"`
	Schemas  []schema.Definition `json:"schemas"`
}

// TopicListResponse is the response for listing topics.
type TopicListResponse struct {
	Topics []TopicResponse `json:"topics"`
}

// PublishRequest is a single event in a publish batch.
type PublishRequest struct {
	Topic   string                 `json:"topic"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// PublishResponse is the response for publishing events.
type PublishResponse struct {
	EventIDs []string `json:"eventIds"`
}

// EventListResponse is the response for reading events.
type EventListResponse struct {
	Events []event.Event `json:"events"`
}

// RegisterConsumerRequest is the request body for registering a consumer.
// Topics maps topic names to the starting cursor; null means "from the
// beginning". Kind defaults to "http".
type RegisterConsumerRequest struct {
	Kind      string             `json:"kind,omitempty"`
	Callback  string             `json:"callback,omitempty"`
	Endpoint  string             `json:"endpoint,omitempty"`
	AccessKey string             `json:"accessKey,omitempty"`
	Topics    map[string]*string `json:"topics"`
}

// RegisterConsumerResponse is the response for registering a consumer.
type RegisterConsumerResponse struct {
	ConsumerID string `json:"consumerId"`
}

// ConsumerResponse is the representation of a consumer.
type ConsumerResponse struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Callback string            `json:"callback,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Topics   map[string]string `json:"topics"`
}

// ConsumerListResponse is the response for listing consumers.
type ConsumerListResponse struct {
	Consumers []ConsumerResponse `json:"consumers"`
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status             string   `json:"status"`
	Consumers          int      `json:"consumers"`
	RunningDispatchers []string `json:"runningDispatchers"`
}

// LoginRequest is the request body for the login endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the response for the login endpoint.
type LoginResponse struct {
	Token string `json:"token"`
}

// CreateUserRequest is the request body for creating a user.
type CreateUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

// CreateUserResponse is the response for creating a user.
type CreateUserResponse struct {
	ResourceID string `json:"resourceId"`
	Email      string `json:"email"`
}

// CreateAPIKeyRequest is the request body for creating an API key for the
// authenticated principal.
type CreateAPIKeyRequest struct {
	Name      string     `json:"name,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CreateAPIKeyResponse carries the raw API key. It is returned once and never
// stored.
type CreateAPIKeyResponse struct {
	ResourceID string `json:"resourceId"`
	APIKey     string `json:"apiKey"`
	KeyPrefix  string `json:"keyPrefix"`
}

// ErrorResponse is the error body for every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
