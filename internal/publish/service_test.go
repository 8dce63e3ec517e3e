package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/schema"
	"github.com/hookline/hookline/internal/topic"
)

type fixture struct {
	topics  *topic.Store
	schemas *schema.Registry
	events  *eventstore.Store
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	topics, err := topic.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	schemas := schema.NewRegistry()
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	manager := dispatch.NewManager(context.Background(), events, registry, dispatch.Options{CheckInterval: time.Hour}, log, nil)
	t.Cleanup(manager.StopAllDispatchers)

	return &fixture{
		topics:  topics,
		schemas: schemas,
		events:  events,
		service: NewService(topics, schemas, events, manager, log, nil),
	}
}

func (f *fixture) createTopic(t *testing.T, name string, defs []schema.Definition) {
	t.Helper()
	if err := f.topics.CreateTopic(topic.Config{Name: name, Schemas: defs}, "default", "default"); err != nil {
		t.Fatalf("CreateTopic(%s) failed: %v", name, err)
	}
	if len(defs) > 0 {
		qualified := topic.Ref{Tenant: "default", Namespace: "default", Name: name}.String()
		if err := f.schemas.Register(qualified, defs); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}
}

func orderDefs() []schema.Definition {
	return []schema.Definition{{
		EventType: "order.created",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"id"},
			"properties": map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			},
		},
	}}
}

func TestPublish_AppendsInOrder(t *testing.T) {
	f := newFixture(t)
	f.createTopic(t, "orders", nil)

	reqs := []Request{
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{"id": "A"}},
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{"id": "B"}},
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{"id": "C"}},
	}
	ids, err := f.service.Publish(context.Background(), "default", "default", reqs)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	want := []string{"orders-1", "orders-2", "orders-3"}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 IDs, got %d", len(ids))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("Expected %s at index %d, got %s", id, i, ids[i])
		}
	}

	// Everything published is readable past the previous head, in order.
	ref := topic.Ref{Tenant: "default", Namespace: "default", Name: "orders"}
	stored, err := f.events.GetEvents(ref, "", "", 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("Expected 3 stored events, got %d", len(stored))
	}
	for i, id := range want {
		if stored[i].ID != id {
			t.Errorf("Expected stored event %s at index %d, got %s", id, i, stored[i].ID)
		}
	}
}

func TestPublish_SchemaRejectionAppendsNothing(t *testing.T) {
	f := newFixture(t)
	f.createTopic(t, "orders", orderDefs())
	ref := topic.Ref{Tenant: "default", Namespace: "default", Name: "orders"}

	reqs := []Request{
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{"id": "A"}},
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{}},
	}
	ids, err := f.service.Publish(context.Background(), "default", "default", reqs)
	if err == nil {
		t.Fatal("expected a validation error")
	}
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("rejected batch returned IDs: %v", ids)
	}

	// The topic is untouched: no events, sequence not consumed.
	latest, err := f.events.GetLatestEventID(ref)
	if err != nil {
		t.Fatalf("GetLatestEventID failed: %v", err)
	}
	if latest != "" {
		t.Errorf("rejected batch appended events, latest = %q", latest)
	}
	cfg, _ := f.topics.GetTopic("orders", "default", "default")
	if cfg.Sequence != 0 {
		t.Errorf("rejected batch consumed sequence numbers, got %d", cfg.Sequence)
	}
}

func TestPublish_SchemaValidatedPayloadAccepted(t *testing.T) {
	f := newFixture(t)
	f.createTopic(t, "orders", orderDefs())

	ids, err := f.service.Publish(context.Background(), "default", "default", []Request{
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{"id": "A"}},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "orders-1" {
		t.Errorf("unexpected IDs: %v", ids)
	}
}

func TestPublish_EmptySchemaSetAcceptsAnyObject(t *testing.T) {
	f := newFixture(t)
	f.createTopic(t, "freeform", nil)

	ids, err := f.service.Publish(context.Background(), "default", "default", []Request{
		{Topic: "freeform", Type: "anything.happened", Payload: map[string]interface{}{"arbitrary": true}},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Expected 1 ID, got %d", len(ids))
	}
}

func TestPublish_Errors(t *testing.T) {
	f := newFixture(t)
	f.createTopic(t, "orders", nil)

	tests := []struct {
		name    string
		reqs    []Request
		wantErr error
	}{
		{"empty batch", nil, ErrEmptyBatch},
		{"unknown topic", []Request{{Topic: "missing", Type: "x", Payload: map[string]interface{}{}}}, topic.ErrTopicNotFound},
		{"empty type", []Request{{Topic: "orders", Type: "", Payload: map[string]interface{}{}}}, ErrInvalidType},
		{"nil payload", []Request{{Topic: "orders", Type: "order.created", Payload: nil}}, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Publish(context.Background(), "default", "default", tt.reqs)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublish_MixedTopicBatch(t *testing.T) {
	f := newFixture(t)
	f.createTopic(t, "orders", nil)
	f.createTopic(t, "invoices", nil)

	ids, err := f.service.Publish(context.Background(), "default", "default", []Request{
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{}},
		{Topic: "invoices", Type: "invoice.issued", Payload: map[string]interface{}{}},
		{Topic: "orders", Type: "order.created", Payload: map[string]interface{}{}},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	want := []string{"orders-1", "invoices-1", "orders-2"}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("Expected %s at index %d, got %s", id, i, ids[i])
		}
	}
}
