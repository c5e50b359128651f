package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Handler dispatches one outbox entry for a topic.
type Handler func(ctx context.Context, e Entry) error

// CursorStore persists the per-tenant outbox cursor. Implementations back
// it with the durable log's counter stream so a restart resumes from the
// last successfully dispatched prefix. Advancement is the worker's
// serialization point: advance-after-success, never before.
type CursorStore interface {
	Cursor(tenant string) uint64
	Advance(ctx context.Context, tenant string, to uint64) error
}

// Sink delivers a pending delivery to its destination.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Worker drains outbox entries and dispatches due deliveries. It runs as a
// periodic or externally triggered task; concurrent invocation is safe
// because the cursor only moves after success.
type Worker struct {
	queue      *Queue
	cursors    CursorStore
	deliveries *DeliveryStore
	sink       Sink
	handlers   map[string]Handler
	backoff    BackoffPolicy
	limiter    *rate.Limiter
	timeout    time.Duration
	logger     *slog.Logger
	clock      func() time.Time

	onDispatched func(ctx context.Context, e Entry)
	onDeadLetter func(ctx context.Context, d Delivery)
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Backoff            BackoffPolicy
	DispatchTimeout    time.Duration
	DispatchRatePerSec float64
	Logger             *slog.Logger

	// OnDispatched fires after an outbox entry's handler succeeds and the
	// cursor advances past it. OnDeadLetter fires when a delivery exhausts
	// its retry budget. Both are for metrics; they must not block.
	OnDispatched func(ctx context.Context, e Entry)
	OnDeadLetter func(ctx context.Context, d Delivery)
}

// NewWorker creates a worker over the queue, cursor store, and deliveries.
func NewWorker(queue *Queue, cursors CursorStore, deliveries *DeliveryStore, sink Sink, opts WorkerOptions) *Worker {
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 10 * time.Second
	}
	if opts.DispatchRatePerSec == 0 {
		opts.DispatchRatePerSec = 200
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		queue:        queue,
		cursors:      cursors,
		deliveries:   deliveries,
		sink:         sink,
		handlers:     make(map[string]Handler),
		backoff:      opts.Backoff,
		limiter:      rate.NewLimiter(rate.Limit(opts.DispatchRatePerSec), 1),
		timeout:      opts.DispatchTimeout,
		logger:       opts.Logger,
		clock:        time.Now,
		onDispatched: opts.OnDispatched,
		onDeadLetter: opts.OnDeadLetter,
	}
}

// WithClock overrides the clock for testing.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Handle registers the handler for a topic.
func (w *Worker) Handle(topic string, h Handler) {
	w.handlers[topic] = h
}

// Backoff returns the worker's retry policy.
func (w *Worker) Backoff() BackoffPolicy { return w.backoff }

// Drain processes up to maxMessages outbox entries across all tenants, in
// index order per tenant. The cursor advances only past a contiguous prefix
// of successes; a failed entry stays at the cursor and is retried on the
// next pass. Abandoning a pass mid-way (context cancellation) is safe.
func (w *Worker) Drain(ctx context.Context, maxMessages int) error {
	processed := 0
	for _, tenant := range w.queue.Tenants() {
		if err := ctx.Err(); err != nil {
			return err
		}
		budget := maxMessages - processed
		if maxMessages > 0 && budget <= 0 {
			break
		}
		n, err := w.drainTenant(ctx, tenant, budget)
		processed += n
		if err != nil {
			// This tenant's cursor is parked at the failure; keep draining
			// other tenants, the entry retries next pass.
			w.logger.Warn("outbox: drain halted for tenant",
				"tenant", tenant, "error", err)
		}
	}
	return nil
}

func (w *Worker) drainTenant(ctx context.Context, tenant string, budget int) (int, error) {
	cursor := w.cursors.Cursor(tenant)
	entries := w.queue.After(tenant, cursor, budget)

	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return n, err
		}
		handler, ok := w.handlers[e.Topic]
		if !ok {
			return n, fmt.Errorf("outbox: no handler for topic %q", e.Topic)
		}
		if err := w.dispatch(ctx, handler, e); err != nil {
			return n, fmt.Errorf("outbox: dispatching entry %d: %w", e.Index, err)
		}
		if err := w.cursors.Advance(ctx, tenant, e.Index); err != nil {
			return n, fmt.Errorf("outbox: advancing cursor to %d: %w", e.Index, err)
		}
		if w.onDispatched != nil {
			w.onDispatched(ctx, e)
		}
		n++
	}
	return n, nil
}

// dispatch bounds handler latency so a slow destination can never block the
// commit path that triggered the drain.
func (w *Worker) dispatch(ctx context.Context, handler Handler, e Entry) error {
	dctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return handler(dctx, e)
}

// DispatchDeliveries attempts up to max due deliveries in business order.
// Failures schedule a bounded-backoff retry; exhausted deliveries move to
// the dead-letter state.
func (w *Worker) DispatchDeliveries(ctx context.Context, max int) error {
	due := w.deliveries.Due(w.clock(), max)
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}

		dctx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.sink.Deliver(dctx, d)
		cancel()

		if err != nil {
			state, markErr := w.deliveries.MarkFailed(d.DeliveryID, err, w.backoff)
			if markErr != nil {
				return markErr
			}
			if state == DeliveryDead {
				w.logger.Error("outbox: delivery dead-lettered",
					"deliveryId", d.DeliveryID, "tenant", d.Tenant, "error", err)
				if w.onDeadLetter != nil {
					w.onDeadLetter(ctx, d)
				}
			} else {
				w.logger.Warn("outbox: delivery failed, will retry",
					"deliveryId", d.DeliveryID, "attempts", d.Attempts+1, "error", err)
			}
			continue
		}
		if err := w.deliveries.MarkDelivered(d.DeliveryID); err != nil {
			return err
		}
	}
	return nil
}
