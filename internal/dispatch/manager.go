package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/hookline/hookline/internal/audit"
	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/topic"
)

// Manager owns the set of per-topic dispatchers. A single mutex serializes
// start, stop and lookup; it is never held across delivery calls, which run
// inside the dispatcher goroutines.
type Manager struct {
	events    *eventstore.Store
	consumers *consumer.Registry
	opts      Options
	log       *slog.Logger
	metrics   *metrics.Metrics
	audit     *audit.Logger

	mu          sync.Mutex
	dispatchers map[string]*Dispatcher
	baseCtx     context.Context
}

// NewManager creates a dispatcher manager. Dispatchers started through it
// inherit ctx; cancelling ctx stops every loop.
func NewManager(ctx context.Context, events *eventstore.Store, consumers *consumer.Registry, opts Options, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		events:      events,
		consumers:   consumers,
		opts:        opts.withDefaults(),
		log:         log,
		metrics:     m,
		dispatchers: make(map[string]*Dispatcher),
		baseCtx:     ctx,
	}
}

// SetAuditLogger wires the audit logger into dispatchers started afterwards.
// Call before the first StartDispatcher.
func (m *Manager) SetAuditLogger(l *audit.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = l
}

// StartDispatcher starts the dispatcher for a fully-qualified topic name.
// Returns true when newly started, false when already running or the name is
// not parseable.
func (m *Manager) StartDispatcher(qualifiedTopic string) bool {
	ref, err := topic.ParseRef(qualifiedTopic)
	if err != nil {
		m.log.Error("refusing to start dispatcher", slog.String("topic", qualifiedTopic), slog.String("error", err.Error()))
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dispatchers[qualifiedTopic]; ok {
		return false
	}

	d := NewDispatcher(ref, m.events, m.consumers, m.opts, m.log, m.metrics)
	d.audit = m.audit
	d.Start(m.baseCtx)
	m.dispatchers[qualifiedTopic] = d
	if m.metrics != nil {
		m.metrics.DispatchersRunning.Inc()
	}
	m.log.Info("dispatcher started", slog.String("topic", qualifiedTopic))
	return true
}

// StopDispatcher stops and removes the dispatcher for the topic, if running.
func (m *Manager) StopDispatcher(qualifiedTopic string) {
	m.mu.Lock()
	d, ok := m.dispatchers[qualifiedTopic]
	if ok {
		delete(m.dispatchers, qualifiedTopic)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	d.Stop()
	if m.metrics != nil {
		m.metrics.DispatchersRunning.Dec()
	}
	m.log.Info("dispatcher stopped", slog.String("topic", qualifiedTopic))
}

// StopAllDispatchers stops every running dispatcher and waits for the loops
// to exit.
func (m *Manager) StopAllDispatchers() {
	m.mu.Lock()
	stopping := make([]*Dispatcher, 0, len(m.dispatchers))
	for _, d := range m.dispatchers {
		stopping = append(stopping, d)
	}
	m.dispatchers = make(map[string]*Dispatcher)
	m.mu.Unlock()

	for _, d := range stopping {
		d.Stop()
		if m.metrics != nil {
			m.metrics.DispatchersRunning.Dec()
		}
	}
}

// RunningDispatchers returns the sorted topic names whose dispatcher is live.
func (m *Manager) RunningDispatchers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.dispatchers))
	for name := range m.dispatchers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NotifyEventsPublished wakes the dispatcher of each topic so newly appended
// events are delivered without waiting for the periodic tick.
func (m *Manager) NotifyEventsPublished(qualifiedTopics []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range qualifiedTopics {
		if d, ok := m.dispatchers[name]; ok {
			d.Trigger()
		}
	}
}

// EnsureDispatchersRunning starts dispatchers for any topics that lack one.
// Newly started dispatchers are immediately triggered so fresh consumers
// catch up without waiting for the first tick.
func (m *Manager) EnsureDispatchersRunning(qualifiedTopics []string) {
	for _, name := range qualifiedTopics {
		if m.StartDispatcher(name) {
			m.mu.Lock()
			if d, ok := m.dispatchers[name]; ok {
				d.Trigger()
			}
			m.mu.Unlock()
		}
	}
}
