package consumer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds consumer records in memory. A single mutex covers map
// mutation and snapshot reads; all accessors return deep copies so callers
// never share state with the registry.
type Registry struct {
	mu        sync.Mutex
	consumers map[string]*Consumer
	gauge     prometheus.Gauge
}

// NewRegistry creates an empty consumer registry.
func NewRegistry() *Registry {
	return &Registry{
		consumers: make(map[string]*Consumer),
	}
}

// SetGauge wires a gauge tracking the number of registered consumers.
func (r *Registry) SetGauge(g prometheus.Gauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauge = g
	g.Set(float64(len(r.consumers)))
}

func (r *Registry) updateGaugeLocked() {
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.consumers)))
	}
}

// Save inserts or replaces a consumer record.
func (r *Registry) Save(c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.ID] = c.Clone()
	r.updateGaugeLocked()
}

// Delete removes the consumer with the given ID.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, id)
	}
	delete(r.consumers, id)
	r.updateGaugeLocked()
	return nil
}

// UpdateCursor advances the consumer's cursor for one topic and clears the
// retry state. The live record is mutated under the lock, so a dispatcher
// working from a stale snapshot can never overwrite another topic's cursor.
func (r *Registry) UpdateCursor(id, qualifiedTopic, lastEventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, id)
	}
	if _, subscribed := c.Topics[qualifiedTopic]; !subscribed {
		return fmt.Errorf("%w: %s is not subscribed to %s", ErrConsumerNotFound, id, qualifiedTopic)
	}
	c.Topics[qualifiedTopic] = lastEventID
	c.Attempts = 0
	c.NextRetryAt = time.Time{}
	return nil
}

// SetRetryState records the back-off state after a failed delivery, touching
// only the retry fields of the live record.
func (r *Registry) SetRetryState(id string, attempts int, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, id)
	}
	c.Attempts = attempts
	c.NextRetryAt = nextRetryAt
	return nil
}

// FindByID returns a copy of the consumer, or nil if absent.
func (r *Registry) FindByID(id string) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[id]
	if !ok {
		return nil
	}
	return c.Clone()
}

// FindByTopic returns copies of every consumer subscribed to the
// fully-qualified topic, sorted by ID for deterministic dispatch order.
func (r *Registry) FindByTopic(qualifiedTopic string) []*Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Consumer
	for _, c := range r.consumers {
		if _, ok := c.Topics[qualifiedTopic]; ok {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns copies of every registered consumer, sorted by ID.
func (r *Registry) All() []*Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered consumers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}
