// Package publish implements the validate → sequence → append → notify
// pipeline.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/event"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/schema"
	"github.com/hookline/hookline/internal/topic"
)

// Common errors
var (
	ErrEmptyBatch     = errors.New("publish batch must not be empty")
	ErrInvalidPayload = errors.New("event payload must be a JSON object")
	ErrInvalidType    = errors.New("event type must not be empty")
)

// Request is a single event to publish.
type Request struct {
	Topic   string                 `json:"topic"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Service validates, sequences, appends and announces events.
type Service struct {
	topics  *topic.Store
	schemas *schema.Registry
	events  *eventstore.Store
	manager *dispatch.Manager
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates a publish service. Metrics may be nil.
func NewService(topics *topic.Store, schemas *schema.Registry, events *eventstore.Store, manager *dispatch.Manager, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		topics:  topics,
		schemas: schemas,
		events:  events,
		manager: manager,
		log:     log,
		metrics: m,
	}
}

// Publish appends a batch of events within a tenant/namespace. The whole
// batch is validated before any event is appended; once appending starts, a
// mid-batch failure leaves earlier events committed and returns their IDs
// alongside the error.
func (s *Service) Publish(ctx context.Context, tenant, namespace string, reqs []Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}

	// Preflight pass over the entire batch. No events are appended if any
	// request fails here.
	for i, req := range reqs {
		if err := s.validate(tenant, namespace, req); err != nil {
			if s.metrics != nil {
				s.metrics.PublishesTotal.WithLabelValues(req.Topic, "rejected").Inc()
			}
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}

	// One timestamp for the batch keeps its events in the same day directory
	// even across a midnight boundary.
	now := time.Now().UTC()

	ids := make([]string, 0, len(reqs))
	touched := make(map[string]bool)
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			s.notify(touched)
			return ids, err
		}

		ref := topic.Ref{Tenant: tenant, Namespace: namespace, Name: req.Topic}
		seq, err := s.topics.GetAndIncrementSequence(req.Topic, tenant, namespace)
		if err != nil {
			s.notify(touched)
			return ids, err
		}

		ev := event.Event{
			ID:        event.ID{Tenant: tenant, Namespace: namespace, Topic: req.Topic, Sequence: seq}.String(),
			Timestamp: now,
			Type:      req.Type,
			Payload:   req.Payload,
		}
		if err := s.events.StoreEvent(ref, ev); err != nil {
			if s.metrics != nil {
				s.metrics.PublishesTotal.WithLabelValues(req.Topic, "error").Inc()
			}
			s.notify(touched)
			return ids, err
		}

		ids = append(ids, ev.ID)
		touched[ref.String()] = true
		if s.metrics != nil {
			s.metrics.EventsStoredTotal.WithLabelValues(ref.String()).Inc()
			s.metrics.PublishesTotal.WithLabelValues(req.Topic, "success").Inc()
		}
	}

	s.notify(touched)
	s.log.Debug("published events",
		slog.String("tenant", tenant),
		slog.String("namespace", namespace),
		slog.Int("count", len(ids)),
	)
	return ids, nil
}

// validate checks topic existence, payload shape and schema conformance for a
// single request. Topics with an empty schema set accept any JSON object.
func (s *Service) validate(tenant, namespace string, req Request) error {
	cfg, err := s.topics.GetTopic(req.Topic, tenant, namespace)
	if err != nil {
		return err
	}
	if req.Type == "" {
		return ErrInvalidType
	}
	if req.Payload == nil {
		return fmt.Errorf("%w: topic %s, type %s", ErrInvalidPayload, req.Topic, req.Type)
	}
	if len(cfg.Schemas) == 0 {
		return nil
	}

	qualified := topic.Ref{Tenant: tenant, Namespace: namespace, Name: req.Topic}.String()
	return s.schemas.Validate(qualified, req.Type, req.Payload)
}

// notify wakes the dispatchers for every topic that received events.
func (s *Service) notify(touched map[string]bool) {
	if len(touched) == 0 {
		return
	}
	topics := make([]string, 0, len(touched))
	for name := range touched {
		topics = append(topics, name)
	}
	s.manager.NotifyEventsPublished(topics)
}
