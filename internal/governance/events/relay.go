package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	"sortition/internal/platform/metrics"
	"sortition/pkg/platform/circuit"
)

// Publisher delivers outbox entries to the event bus.
type Publisher interface {
	Publish(ctx context.Context, entries []models.OutboxEntry) error
}

const (
	defaultInterval  = time.Second
	defaultBatchSize = 100
)

// Relay moves committed CitizenAdded events from a store outbox to a
// Publisher. Delivery is at least once: entries are marked only after the
// publisher accepts the whole batch.
type Relay struct {
	outbox    ports.Outbox
	publisher Publisher
	interval  time.Duration
	batchSize int
	breaker   *circuit.Breaker
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Relay)

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithBreaker stops publish attempts while the event bus keeps failing.
// Pending entries stay in the outbox until a probe succeeds.
func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Relay) {
		r.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

func NewRelay(outbox ports.Outbox, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays batches until ctx is cancelled. A failed batch is logged and
// retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// Drain full batches before waiting for the next tick.
		for {
			n, err := r.RelayOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.ErrorContext(ctx, "outbox relay batch failed", "error", err)
				break
			}
			if n < r.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes at most one batch and returns how many entries it
// relayed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	if r.breaker != nil && !r.breaker.Allow() {
		return 0, nil
	}
	start := time.Now()
	entries, err := r.outbox.PendingEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	err = r.publish(ctx, entries)
	r.metrics.ObserveRelayBatch(len(entries), time.Since(start), err)
	r.recordOutcome(ctx, err)
	if err != nil {
		return 0, err
	}

	r.logger.DebugContext(ctx, "outbox batch relayed", "events", len(entries))
	return len(entries), nil
}

func (r *Relay) publish(ctx context.Context, entries []models.OutboxEntry) error {
	if err := r.publisher.Publish(ctx, entries); err != nil {
		return fmt.Errorf("publish %d events: %w", len(entries), err)
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := r.outbox.MarkPublished(ctx, ids); err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

func (r *Relay) recordOutcome(ctx context.Context, err error) {
	if r.breaker == nil {
		return
	}
	if err != nil {
		if _, change := r.breaker.RecordFailure(); change.Opened {
			r.logger.WarnContext(ctx, "event bus circuit opened", "breaker", r.breaker.Name())
		}
		return
	}
	if _, change := r.breaker.RecordSuccess(); change.Closed {
		r.logger.InfoContext(ctx, "event bus circuit closed", "breaker", r.breaker.Name())
	}
}
