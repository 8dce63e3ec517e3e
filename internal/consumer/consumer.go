// Package consumer defines consumer records, their delivery bindings and the
// in-memory consumer registry.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/event"
)

// Common errors
var (
	ErrInvalidRegistration = errors.New("invalid consumer registration")
	ErrConsumerNotFound    = errors.New("consumer not found")
	ErrDeliveryFailed      = errors.New("delivery failed")
)

// Kind selects the delivery binding variant of a consumer.
type Kind string

const (
	// KindHTTP delivers events by POSTing to a webhook callback URL.
	KindHTTP Kind = "http"
	// KindInProcess delivers events to an in-memory handler function.
	// Used by the management projections.
	KindInProcess Kind = "inprocess"
	// KindEventGrid delivers events to an Azure Event Grid endpoint.
	KindEventGrid Kind = "eventgrid"
)

// DeliveryTimeout bounds each webhook callback request.
const DeliveryTimeout = 30 * time.Second

// httpClient is shared across all HTTP deliveries. The timeout covers the
// whole request including body read.
var httpClient = &http.Client{Timeout: DeliveryTimeout}

// Handler is the in-process delivery function. A nil error acknowledges the
// batch and advances the cursor.
type Handler func(events []event.Event) error

// Consumer is a registered event consumer. Topics maps fully-qualified topic
// names to the cursor event ID; an empty cursor means "from the beginning".
// Attempts and NextRetryAt carry the dispatcher's retry state.
type Consumer struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Callback  string            `json:"callback,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	AccessKey string            `json:"-"`
	Handler   Handler           `json:"-"`
	Topics    map[string]string `json:"topics"`

	Attempts    int       `json:"-"`
	NextRetryAt time.Time `json:"-"`
}

// NewHTTP creates a webhook consumer. The callback must be an absolute
// http(s) URL and topics must be non-empty.
func NewHTTP(callback string, topics map[string]string) (*Consumer, error) {
	u, err := url.Parse(callback)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: callback must be an absolute http(s) URL", ErrInvalidRegistration)
	}
	if err := checkTopics(topics); err != nil {
		return nil, err
	}
	return &Consumer{
		ID:       uuid.NewString(),
		Kind:     KindHTTP,
		Callback: callback,
		Topics:   copyTopics(topics),
	}, nil
}

// NewInProcess creates an in-process consumer with a fixed ID. Projections
// use stable IDs so a restart re-registers the same consumer.
func NewInProcess(id string, handler Handler, topics map[string]string) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler must not be nil", ErrInvalidRegistration)
	}
	if err := checkTopics(topics); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &Consumer{
		ID:      id,
		Kind:    KindInProcess,
		Handler: handler,
		Topics:  copyTopics(topics),
	}, nil
}

// NewEventGrid creates an Azure Event Grid consumer.
func NewEventGrid(endpoint, accessKey string, topics map[string]string) (*Consumer, error) {
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint must be an absolute URL", ErrInvalidRegistration)
	}
	if accessKey == "" {
		return nil, fmt.Errorf("%w: access key must not be empty", ErrInvalidRegistration)
	}
	if err := checkTopics(topics); err != nil {
		return nil, err
	}
	return &Consumer{
		ID:        uuid.NewString(),
		Kind:      KindEventGrid,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		Topics:    copyTopics(topics),
	}, nil
}

// deliveryPayload is the webhook request body.
type deliveryPayload struct {
	ConsumerID string        `json:"consumerId"`
	Events     []event.Event `json:"events"`
}

// Deliver hands a batch of events to the consumer. Events are in ascending
// sequence order. A nil return acknowledges the whole batch.
func (c *Consumer) Deliver(ctx context.Context, events []event.Event) error {
	switch c.Kind {
	case KindInProcess:
		if c.Handler == nil {
			return fmt.Errorf("%w: in-process consumer %s has no handler", ErrDeliveryFailed, c.ID)
		}
		if err := c.Handler(events); err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return nil
	case KindHTTP:
		return c.post(ctx, c.Callback, nil, events)
	case KindEventGrid:
		headers := map[string]string{"aeg-sas-key": c.AccessKey}
		return c.post(ctx, c.Endpoint, headers, events)
	default:
		return fmt.Errorf("%w: unsupported consumer kind %q", ErrDeliveryFailed, c.Kind)
	}
}

// post performs the webhook POST. Any non-2xx status, connect failure or
// timeout counts as a delivery failure.
func (c *Consumer) post(ctx context.Context, target string, headers map[string]string, events []event.Event) error {
	body, err := json.Marshal(deliveryPayload{ConsumerID: c.ID, Events: events})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: callback returned status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// Clone returns a deep copy of the consumer.
func (c *Consumer) Clone() *Consumer {
	out := *c
	out.Topics = copyTopics(c.Topics)
	return &out
}

func checkTopics(topics map[string]string) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: topics must not be empty", ErrInvalidRegistration)
	}
	return nil
}

func copyTopics(topics map[string]string) map[string]string {
	out := make(map[string]string, len(topics))
	for k, v := range topics {
		out[k] = v
	}
	return out
}
