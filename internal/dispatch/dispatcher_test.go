package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hookline/hookline/internal/audit"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/event"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/topic"
)

var dispatchRef = topic.Ref{Tenant: "default", Namespace: "default", Name: "orders"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storeEvents(t *testing.T, s *eventstore.Store, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		ev := event.Event{
			ID:        event.ID{Topic: "orders", Sequence: uint64(i)}.String(),
			Timestamp: time.Now().UTC(),
			Type:      "order.created",
			Payload:   map[string]interface{}{},
		}
		if err := s.StoreEvent(dispatchRef, ev); err != nil {
			t.Fatalf("StoreEvent(%d) failed: %v", i, err)
		}
	}
}

func waitForBatch(t *testing.T, batches <-chan []event.Event) []event.Event {
	t.Helper()
	select {
	case batch := <-batches:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return nil
	}
}

func TestDispatcher_DeliversAndAdvancesCursor(t *testing.T) {
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	storeEvents(t, events, 1, 3)

	batches := make(chan []event.Event, 10)
	c, err := consumer.NewInProcess("cursor-test", func(evs []event.Event) error {
		batches <- evs
		return nil
	}, map[string]string{dispatchRef.String(): ""})
	if err != nil {
		t.Fatalf("NewInProcess failed: %v", err)
	}
	registry.Save(c)

	d := NewDispatcher(dispatchRef, events, registry, Options{CheckInterval: time.Hour}, testLogger(), nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Trigger()
	batch := waitForBatch(t, batches)
	if len(batch) != 3 || batch[0].ID != "orders-1" || batch[2].ID != "orders-3" {
		t.Fatalf("unexpected first batch: %+v", batch)
	}

	// Cursor moved to the last delivered event.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if registry.FindByID(c.ID).Topics[dispatchRef.String()] == "orders-3" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cursor never advanced to orders-3")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second pass after new events only delivers the new ones.
	storeEvents(t, events, 4, 5)
	d.Trigger()
	batch = waitForBatch(t, batches)
	if len(batch) != 2 || batch[0].ID != "orders-4" || batch[1].ID != "orders-5" {
		t.Fatalf("unexpected second batch: %+v", batch)
	}
}

func TestDispatcher_NoRedeliveryWhenCaughtUp(t *testing.T) {
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	storeEvents(t, events, 1, 2)

	batches := make(chan []event.Event, 10)
	c, _ := consumer.NewInProcess("caught-up", func(evs []event.Event) error {
		batches <- evs
		return nil
	}, map[string]string{dispatchRef.String(): ""})
	registry.Save(c)

	d := NewDispatcher(dispatchRef, events, registry, Options{CheckInterval: 10 * time.Millisecond}, testLogger(), nil)
	d.Start(context.Background())
	defer d.Stop()

	waitForBatch(t, batches)

	// Further ticks with nothing pending must not redeliver.
	select {
	case batch := <-batches:
		t.Fatalf("unexpected redelivery: %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcher_RetryBackoffThenEviction(t *testing.T) {
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	storeEvents(t, events, 1, 1)

	attempts := make(chan struct{}, 20)
	c, _ := consumer.NewInProcess("always-fails", func([]event.Event) error {
		attempts <- struct{}{}
		return errors.New("handler rejects everything")
	}, map[string]string{dispatchRef.String(): ""})
	registry.Save(c)

	d := NewDispatcher(dispatchRef, events, registry, Options{
		CheckInterval:  5 * time.Millisecond,
		BaseRetryDelay: time.Millisecond,
		MaxRetries:     3,
	}, testLogger(), nil)
	d.Start(context.Background())
	defer d.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for registry.FindByID(c.ID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("consumer was never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Exactly MaxRetries delivery attempts were made before eviction.
	close(attempts)
	made := 0
	for range attempts {
		made++
	}
	if made != 3 {
		t.Errorf("Expected 3 delivery attempts, got %d", made)
	}
}

func TestDispatcher_FailureDoesNotAdvanceCursor(t *testing.T) {
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	storeEvents(t, events, 1, 2)

	failed := make(chan struct{}, 1)
	c, _ := consumer.NewInProcess("fails-once", func([]event.Event) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("transient failure")
	}, map[string]string{dispatchRef.String(): ""})
	registry.Save(c)

	d := NewDispatcher(dispatchRef, events, registry, Options{CheckInterval: time.Hour, MaxRetries: 5}, testLogger(), nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Trigger()
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the failing delivery")
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.FindByID(c.ID).Attempts == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry state was never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := registry.FindByID(c.ID)
	if got.Topics[dispatchRef.String()] != "" {
		t.Errorf("failed delivery advanced the cursor to %q", got.Topics[dispatchRef.String()])
	}
	if got.NextRetryAt.IsZero() {
		t.Error("expected a scheduled retry time")
	}
}

func TestDispatcher_CursorSurvivesConcurrentTopicDelivery(t *testing.T) {
	alphaRef := topic.Ref{Tenant: "default", Namespace: "default", Name: "alpha"}
	betaRef := topic.Ref{Tenant: "default", Namespace: "default", Name: "beta"}

	events := eventstore.NewStore(t.TempDir())
	for _, ref := range []topic.Ref{alphaRef, betaRef} {
		ev := event.Event{
			ID:        event.ID{Topic: ref.Name, Sequence: 1}.String(),
			Timestamp: time.Now().UTC(),
			Type:      "order.created",
			Payload:   map[string]interface{}{},
		}
		if err := events.StoreEvent(ref, ev); err != nil {
			t.Fatalf("StoreEvent failed: %v", err)
		}
	}

	// One consumer on both topics. The alpha delivery holds until beta's
	// cursor is persisted, so beta's update lands while alpha's delivery is
	// in flight. Both cursors must survive.
	registry := consumer.NewRegistry()
	var c *consumer.Consumer
	handler := func(evs []event.Event) error {
		if !strings.HasPrefix(evs[0].ID, "alpha") {
			return nil
		}
		deadline := time.Now().Add(2 * time.Second)
		for registry.FindByID(c.ID).Topics[betaRef.String()] != "beta-1" {
			if time.Now().After(deadline) {
				return errors.New("beta cursor never persisted")
			}
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	}
	c, err := consumer.NewInProcess("two-topics", handler, map[string]string{
		alphaRef.String(): "",
		betaRef.String():  "",
	})
	if err != nil {
		t.Fatalf("NewInProcess failed: %v", err)
	}
	registry.Save(c)

	da := NewDispatcher(alphaRef, events, registry, Options{CheckInterval: time.Hour}, testLogger(), nil)
	db := NewDispatcher(betaRef, events, registry, Options{CheckInterval: time.Hour}, testLogger(), nil)
	da.Start(context.Background())
	db.Start(context.Background())
	defer da.Stop()
	defer db.Stop()
	da.Trigger()
	db.Trigger()

	deadline := time.Now().Add(3 * time.Second)
	for registry.FindByID(c.ID).Topics[alphaRef.String()] != "alpha-1" {
		if time.Now().After(deadline) {
			t.Fatal("alpha cursor never advanced")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := registry.FindByID(c.ID)
	if got.Topics[betaRef.String()] != "beta-1" {
		t.Errorf("beta cursor regressed after alpha's update: got %q, want %q",
			got.Topics[betaRef.String()], "beta-1")
	}
}

func TestDispatcher_EvictionWritesAudit(t *testing.T) {
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	storeEvents(t, events, 1, 1)

	c, _ := consumer.NewInProcess("audited-eviction", func([]event.Event) error {
		return errors.New("handler rejects everything")
	}, map[string]string{dispatchRef.String(): ""})
	registry.Save(c)

	logFile := filepath.Join(t.TempDir(), "audit.log")
	auditLog := audit.NewLogger(config.AuditConfig{Enabled: true, LogFile: logFile})

	m := NewManager(context.Background(), events, registry, Options{
		CheckInterval:  5 * time.Millisecond,
		BaseRetryDelay: time.Millisecond,
		MaxRetries:     2,
	}, testLogger(), nil)
	m.SetAuditLogger(auditLog)
	m.StartDispatcher(dispatchRef.String())
	defer m.StopAllDispatchers()

	deadline := time.Now().Add(3 * time.Second)
	for registry.FindByID(c.ID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("consumer was never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := auditLog.Close(); err != nil {
		t.Fatalf("failed to close audit log: %v", err)
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	if !strings.Contains(string(data), string(audit.EventConsumerEvict)) {
		t.Errorf("audit log has no eviction entry: %s", data)
	}
	if !strings.Contains(string(data), c.ID) {
		t.Errorf("audit entry does not name the evicted consumer: %s", data)
	}
}

func TestManager_StartStop(t *testing.T) {
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	m := NewManager(context.Background(), events, registry, Options{CheckInterval: time.Hour}, testLogger(), nil)
	defer m.StopAllDispatchers()

	if !m.StartDispatcher("default/default/orders") {
		t.Fatal("StartDispatcher returned false for a new topic")
	}
	if m.StartDispatcher("default/default/orders") {
		t.Error("StartDispatcher started a duplicate dispatcher")
	}
	if m.StartDispatcher("not-a-ref") {
		t.Error("StartDispatcher accepted an unparseable topic name")
	}

	running := m.RunningDispatchers()
	if len(running) != 1 || running[0] != "default/default/orders" {
		t.Errorf("unexpected running set: %v", running)
	}

	m.StopDispatcher("default/default/orders")
	if len(m.RunningDispatchers()) != 0 {
		t.Error("dispatcher still listed after stop")
	}
}

func TestManager_EnsureDispatchersRunning(t *testing.T) {
	events := eventstore.NewStore(t.TempDir())
	registry := consumer.NewRegistry()
	m := NewManager(context.Background(), events, registry, Options{CheckInterval: time.Hour}, testLogger(), nil)
	defer m.StopAllDispatchers()

	m.EnsureDispatchersRunning([]string{"default/default/orders", "default/default/invoices"})
	m.EnsureDispatchersRunning([]string{"default/default/orders"})

	running := m.RunningDispatchers()
	if len(running) != 2 {
		t.Fatalf("Expected 2 dispatchers, got %d: %v", len(running), running)
	}
	if running[0] != "default/default/invoices" || running[1] != "default/default/orders" {
		t.Errorf("unexpected running set: %v", running)
	}
}
