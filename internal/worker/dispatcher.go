package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/notify"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// WakeChannel is the broker pub/sub channel that nudges idle workers after
// an ingress enqueue. Purely a latency optimization: polling alone is
// sufficient for correctness.
const WakeChannel = "mahnwerk:wake"

const (
	retrySweepBatch = 50
	depthSampleEach = 6 // queue depth sampled every Nth dispatch tick
)

// DispatchStore is the queue surface the dispatcher drives. *storage.DB
// satisfies it.
type DispatchStore interface {
	ClaimNextQueued(ctx context.Context) (model.InboundMessage, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	RequeueFailed(ctx context.Context, id uuid.UUID) error
	ListRetryableFailed(ctx context.Context, maxRetries, limit int) ([]model.InboundMessage, error)
	CountQueued(ctx context.Context) (int, error)
}

// Processor runs one claimed message. *Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, msg model.InboundMessage) error
}

// DispatcherConfig carries the dispatch knobs.
type DispatcherConfig struct {
	WorkerCount       int
	MaxMessageRetries int
	DispatchInterval  time.Duration
}

// Dispatcher claims queued messages and fans them out to workers. Postgres
// claim-and-lock is the queue; an optional broker only shortens idle waits.
type Dispatcher struct {
	store     DispatchStore
	processor Processor
	notifier  notify.Notifier
	sink      MetricSink
	broker    *redis.Client // nil = poll-only
	cfg       DispatcherConfig
	logger    *slog.Logger
	wake      chan struct{}
}

// NewDispatcher wires the dispatcher. broker may be nil.
func NewDispatcher(store DispatchStore, processor Processor, notifier notify.Notifier, sink MetricSink, broker *redis.Client, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	return &Dispatcher{
		store:     store,
		processor: processor,
		notifier:  notifier,
		sink:      sink,
		broker:    broker,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges an idle worker. Safe to call from any goroutine; a full
// buffer means a wake-up is already pending.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, running the worker pool, the failed
// re-enqueue sweep, and the optional broker subscription.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.WorkerCount; i++ {
		worker := i
		g.Go(func() error {
			d.workerLoop(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		d.retrySweepLoop(ctx)
		return nil
	})
	if d.broker != nil {
		g.Go(func() error {
			d.brokerLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	tick := 0
	for {
		// Drain the queue before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			msg, err := d.store.ClaimNextQueued(ctx)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					d.logger.Warn("claim failed", "worker", worker, "error", err)
				}
				break
			}
			d.handle(ctx, msg)
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
			tick++
			if worker == 0 && tick%depthSampleEach == 0 {
				if depth, err := d.store.CountQueued(ctx); err == nil {
					d.sink.QueueDepth(ctx, depth)
				}
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg model.InboundMessage) {
	err := d.processor.Process(ctx, msg)
	if err == nil {
		return
	}
	if errors.Is(err, storage.ErrTerminal) {
		// Someone else finished the message; nothing to record.
		return
	}

	kind := Classify(err)
	exhausted := msg.RetryCount+1 >= d.cfg.MaxMessageRetries

	errMsg := err.Error()
	if kind == FailurePermanent {
		errMsg = permanentMarker + errMsg
	}
	if markErr := d.store.MarkFailed(ctx, msg.ID, errMsg); markErr != nil {
		d.logger.Error("mark failed failed", "message_id", msg.ID, "error", markErr)
	}
	d.sink.Error(ctx, "pipeline", failureKindLabel(kind))

	if kind == FailurePermanent || exhausted {
		d.logger.Error("message failed permanently",
			"message_id", msg.ID, "retry_count", msg.RetryCount+1, "error", err)
		d.notifier.NotifyPermanentFailure(ctx, msg.ID, err.Error())
		return
	}
	d.logger.Warn("message failed, will retry",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount+1,
		"next_attempt_in", Backoff(msg.RetryCount+1),
		"error", err)
}

// retrySweepLoop re-enqueues transient failures whose backoff has elapsed.
func (d *Dispatcher) retrySweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Dispatcher) sweepOnce(ctx context.Context) {
	failed, err := d.store.ListRetryableFailed(ctx, d.cfg.MaxMessageRetries, retrySweepBatch)
	if err != nil {
		d.logger.Warn("retry sweep failed", "error", err)
		return
	}
	for _, msg := range failed {
		if msg.LastError != nil && len(*msg.LastError) >= len(permanentMarker) &&
			(*msg.LastError)[:len(permanentMarker)] == permanentMarker {
			continue
		}
		if time.Since(msg.UpdatedAt) < Backoff(msg.RetryCount) {
			continue
		}
		if err := d.store.RequeueFailed(ctx, msg.ID); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				d.logger.Warn("requeue failed", "message_id", msg.ID, "error", err)
			}
			continue
		}
		d.logger.Info("message requeued for retry",
			"message_id", msg.ID, "retry_count", msg.RetryCount)
		d.Wake()
	}
}

// brokerLoop subscribes to the wake channel. Subscription errors degrade to
// polling.
func (d *Dispatcher) brokerLoop(ctx context.Context) {
	sub := d.broker.Subscribe(ctx, WakeChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				d.logger.Warn("broker subscription closed, polling only")
				return
			}
			d.Wake()
		}
	}
}

func failureKindLabel(k FailureKind) string {
	if k == FailurePermanent {
		return "permanent"
	}
	return "transient"
}
