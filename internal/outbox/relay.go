// Package outbox ships recorded domain events to the message bus. Events are
// written transactionally with the business mutation that produced them and
// delivered at-least-once by the relay; downstream consumers deduplicate on
// the event ID.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/pkg/kafka"
)

// Breaker trip thresholds for bus delivery.
const (
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
)

// Publisher is the transport the relay delivers through. *kafka.Producer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *kafka.Event) error
}

// RelayConfig tunes the relay's polling and retry behavior.
type RelayConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	BaseRetryDelay  time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	Source          string

	// BreakerCooldown is how long the delivery breaker stays open after
	// tripping before it probes the bus again.
	BreakerCooldown time.Duration
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:    time.Second,
		BatchSize:       50,
		BaseRetryDelay:  2 * time.Second,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		Source:          "identity",
		BreakerCooldown: 30 * time.Second,
	}
}

// Relay polls the outbox for deliverable events and ships each to the topic
// named by its event type. Multiple relay instances can run concurrently;
// the claim query guarantees no event is delivered by two workers at once.
type Relay struct {
	outbox      repository.OutboxRepository
	deadLetters repository.DeadLetterRepository
	publisher   Publisher
	breaker     *gobreaker.CircuitBreaker[struct{}]
	logger      *slog.Logger
	cfg         RelayConfig
}

// NewRelay creates a relay. Bus delivery runs through a circuit breaker so a
// down broker is probed on the cooldown interval instead of being hammered
// by every poll.
func NewRelay(
	outbox repository.OutboxRepository,
	deadLetters repository.DeadLetterRepository,
	publisher Publisher,
	log *slog.Logger,
	cfg RelayConfig,
) *Relay {
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:     "outbox-relay",
		Interval: time.Minute,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("delivery circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			relayBreakerState.Set(breakerStateValue(to))
		},
	})
	relayBreakerState.Set(breakerStateValue(gobreaker.StateClosed))

	return &Relay{
		outbox:      outbox,
		deadLetters: deadLetters,
		publisher:   publisher,
		breaker:     breaker,
		logger:      log,
		cfg:         cfg,
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Run polls until the context is cancelled. It is meant to be started as a
// background goroutine at application start.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("batch_size", r.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if err := r.ProcessBatch(ctx); err != nil {
				r.logger.Error("outbox batch failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ProcessBatch claims one batch of deliverable events and attempts delivery
// of each. It is exported so tests and manual triggers can drive the relay
// without the polling loop.
func (r *Relay) ProcessBatch(ctx context.Context) error {
	// An open breaker means the bus is down; claiming a batch would only
	// burn retry budgets on deliveries that cannot succeed. Due events stay
	// claimable for the poll after the breaker's cooldown.
	if r.breaker.State() == gobreaker.StateOpen {
		return nil
	}

	events, err := r.outbox.ClaimDue(ctx, time.Now().UTC(), r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for i := range events {
		r.deliver(ctx, &events[i])
	}

	return nil
}

func (r *Relay) deliver(ctx context.Context, event *domain.OutboxEvent) {
	log := r.logger.With(
		slog.String("event_id", event.ID),
		slog.String("event_type", event.EventType),
		slog.String("aggregate_id", event.AggregateID),
	)

	msg := &kafka.Event{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		Version:       1,
		Timestamp:     time.Now().UTC(),
		Source:        r.cfg.Source,
		Data:          event.Payload,
	}

	if _, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.publisher.Publish(ctx, event.EventType, msg)
	}); err != nil {
		r.handleFailure(ctx, event, err, log)
		return
	}

	if err := r.outbox.MarkCompleted(ctx, event.ID, time.Now().UTC()); err != nil {
		// Delivery succeeded but the status write failed; the event stays
		// claimable and will be delivered again. At-least-once permits this.
		log.Error("mark completed failed after delivery", slog.String("error", err.Error()))
		return
	}

	relayDelivered.WithLabelValues(event.EventType).Inc()
	log.Debug("outbox event delivered")
}

func (r *Relay) handleFailure(ctx context.Context, event *domain.OutboxEvent, deliveryErr error, log *slog.Logger) {
	relayDeliveryFailures.WithLabelValues(event.EventType).Inc()

	attempt := event.RetryCount + 1
	nextRetryAt := time.Now().UTC().Add(r.backoffDelay(event.RetryCount))

	if err := r.outbox.MarkFailed(ctx, event.ID, deliveryErr.Error(), nextRetryAt); err != nil {
		log.Error("mark failed failed", slog.String("error", err.Error()))
		return
	}

	if attempt < event.MaxRetries {
		log.Warn("outbox delivery failed, will retry",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", event.MaxRetries),
			slog.Time("next_retry_at", nextRetryAt),
			slog.String("error", deliveryErr.Error()),
		)
		return
	}

	// Retry budget exhausted. Park a full copy for the operator; the FAILED
	// outbox row stays behind for audit.
	dl := &domain.DeadLetterEvent{
		ID:            uuid.NewString(),
		EventID:       event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       event.Payload,
		FailureReason: deliveryErr.Error(),
		RetryCount:    attempt,
		Resolution:    domain.DLQPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.deadLetters.Create(ctx, dl); err != nil {
		log.Error("dead letter create failed", slog.String("error", err.Error()))
		return
	}

	relayDeadLettered.WithLabelValues(event.EventType).Inc()
	log.Error("outbox event dead-lettered",
		slog.Int("retry_count", attempt),
		slog.String("error", deliveryErr.Error()),
	)
}

// backoffDelay doubles the base delay for each prior failure.
func (r *Relay) backoffDelay(retryCount int) time.Duration {
	delay := r.cfg.BaseRetryDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
	}
	return delay
}

// RunCleanup sweeps COMPLETED events past the retention window until the
// context is cancelled.
func (r *Relay) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-r.cfg.Retention)
			deleted, err := r.outbox.DeleteCompletedBefore(ctx, cutoff)
			if err != nil {
				r.logger.Error("outbox cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if deleted > 0 {
				relayCleanupDeleted.Add(float64(deleted))
				r.logger.Info("outbox cleanup", slog.Int64("deleted", deleted))
			}
		}
	}
}
