// Package dispatch runs the per-topic delivery loops and the manager that
// owns them.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hookline/hookline/internal/audit"
	"github.com/hookline/hookline/internal/consumer"
	"github.com/hookline/hookline/internal/eventstore"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/topic"
)

// Defaults for the dispatcher loop.
const (
	DefaultCheckInterval  = 500 * time.Millisecond
	DefaultBaseRetryDelay = 1 * time.Second
	DefaultMaxRetries     = 5
	maxRetryDelay         = 60 * time.Second
)

// Options tunes the dispatcher loop.
type Options struct {
	CheckInterval  time.Duration
	BaseRetryDelay time.Duration
	MaxRetries     int
}

func (o Options) withDefaults() Options {
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Dispatcher is the background delivery loop for a single topic. It wakes on
// a periodic tick or an external trigger, reads events past each consumer's
// cursor and delivers them. The cursor only advances after a successful
// delivery.
type Dispatcher struct {
	ref       topic.Ref
	qualified string
	events    *eventstore.Store
	consumers *consumer.Registry
	opts      Options
	log       *slog.Logger
	metrics   *metrics.Metrics
	audit     *audit.Logger

	trigger  chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher for the topic. Metrics may be nil.
func NewDispatcher(ref topic.Ref, events *eventstore.Store, consumers *consumer.Registry, opts Options, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		ref:       ref,
		qualified: ref.String(),
		events:    events,
		consumers: consumers,
		opts:      opts.withDefaults(),
		log:       log.With(slog.String("topic", ref.String())),
		metrics:   m,
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the loop. The loop exits when ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

// Trigger wakes the loop for an immediate delivery pass. The trigger is
// bounded, not a queue: a pending trigger absorbs further ones.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.trigger:
		}
		d.pass(ctx)
	}
}

// pass runs one delivery sweep over the topic's consumers. The consumer
// snapshot is taken up front; no registry lock is held across Deliver calls.
func (d *Dispatcher) pass(ctx context.Context) {
	now := time.Now()
	for _, c := range d.consumers.FindByTopic(d.qualified) {
		if ctx.Err() != nil {
			return
		}
		if now.Before(c.NextRetryAt) {
			continue
		}

		pending, err := d.events.GetEvents(d.ref, c.Topics[d.qualified], "", 0)
		if err != nil {
			d.log.Error("failed to read pending events",
				slog.String("consumer", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(pending) == 0 {
			continue
		}
		latestID := pending[len(pending)-1].ID

		if err := c.Deliver(ctx, pending); err != nil {
			d.handleFailure(c, err)
			continue
		}

		// Advance only this topic's cursor on the live record. Saving the
		// snapshot back would clobber cursors another topic's dispatcher
		// advanced while this delivery was in flight.
		if err := d.consumers.UpdateCursor(c.ID, d.qualified, latestID); err != nil {
			d.log.Debug("consumer gone before cursor update", slog.String("consumer", c.ID))
			continue
		}
		if d.metrics != nil {
			d.metrics.DeliveriesTotal.WithLabelValues(d.qualified, "success").Inc()
		}
		d.log.Debug("delivered events",
			slog.String("consumer", c.ID),
			slog.Int("count", len(pending)),
			slog.String("latest", latestID),
		)
	}
}

// handleFailure applies exponential back-off and evicts the consumer once the
// retry budget is exhausted.
func (d *Dispatcher) handleFailure(c *consumer.Consumer, cause error) {
	if d.metrics != nil {
		d.metrics.DeliveriesTotal.WithLabelValues(d.qualified, "failure").Inc()
	}

	attempts := c.Attempts + 1
	if attempts >= d.opts.MaxRetries {
		_ = d.consumers.Delete(c.ID)
		if d.metrics != nil {
			d.metrics.EvictionsTotal.WithLabelValues(d.qualified).Inc()
		}
		if d.audit != nil {
			d.audit.Log(audit.Event{
				EventType: audit.EventConsumerEvict,
				Topic:     d.qualified,
				Detail:    c.ID,
				Error:     cause.Error(),
			})
		}
		d.log.Warn("consumer evicted after repeated delivery failures",
			slog.String("consumer", c.ID),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()),
		)
		return
	}

	delay := d.opts.BaseRetryDelay << (attempts - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	if err := d.consumers.SetRetryState(c.ID, attempts, time.Now().Add(delay)); err != nil {
		d.log.Debug("consumer gone before retry scheduling", slog.String("consumer", c.ID))
		return
	}

	if d.metrics != nil {
		d.metrics.RetriesTotal.WithLabelValues(d.qualified).Inc()
	}
	d.log.Debug("delivery failed, scheduling retry",
		slog.String("consumer", c.ID),
		slog.Int("attempts", attempts),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
}
