package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splits-network/splits-sub027/telemetry"
)

// DeliverFunc hands one outbox message to its destination.
type DeliverFunc func(ctx context.Context, msg OutboxMessage) error

// DrainResult counts what one drain pass did.
type DrainResult struct {
	Processed int
	Failed    int
	Dead      int
}

// OutboxQueue claims pending outbox rows and records the delivery outcome of
// each. Rows claimed by one drain are invisible to concurrent drains.
type OutboxQueue interface {
	Drain(ctx context.Context, limit, maxAttempts int, deliver DeliverFunc) (DrainResult, error)
}

// Relay moves committed outbox messages to a Notifier. Delivery is
// at-least-once.
type Relay struct {
	queue       OutboxQueue
	notifier    Notifier
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

func NewRelay(queue OutboxQueue, notifier Notifier) *Relay {
	return &Relay{
		queue:       queue,
		notifier:    notifier,
		logger:      slog.Default(),
		batchSize:   10,
		maxAttempts: 5,
		interval:    time.Second,
	}
}

func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	r.logger = logger
	return r
}

// WithLimits sets the batch size, the attempts after which a message is
// marked dead, and the polling interval. Non-positive values keep the default.
func (r *Relay) WithLimits(batchSize, maxAttempts int, interval time.Duration) *Relay {
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if maxAttempts > 0 {
		r.maxAttempts = maxAttempts
	}
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// RunOnce drains one batch.
func (r *Relay) RunOnce(ctx context.Context) (DrainResult, error) {
	res, err := r.queue.Drain(ctx, r.batchSize, r.maxAttempts, r.deliver)
	if err != nil {
		return res, fmt.Errorf("assignment: drain outbox: %w", err)
	}
	telemetry.OutboxDelivered.Add(float64(res.Processed))
	telemetry.OutboxFailed.Add(float64(res.Failed + res.Dead))
	if res.Dead > 0 {
		r.logger.Warn("outbox messages marked dead", "count", res.Dead)
	}
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, msg OutboxMessage) error {
	if err := r.notifier.Notify(ctx, msg); err != nil {
		r.logger.Warn("outbox delivery failed", "id", msg.ID, "topic", msg.Topic, "attempts", msg.Attempts+1, "error", err)
		return err
	}
	return nil
}

// Run polls until ctx ends. A full batch is followed immediately by another
// pass; otherwise the relay sleeps for the interval.
func (r *Relay) Run(ctx context.Context) error {
	for {
		res, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("outbox relay pass failed", "error", err)
		}
		if err == nil && res.Processed+res.Failed+res.Dead >= r.batchSize {
			continue
		}

		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
