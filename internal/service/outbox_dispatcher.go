package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/eventbus"
	"github.com/symphire/counterpoint/internal/models"
	"github.com/symphire/counterpoint/internal/observability"
	"github.com/symphire/counterpoint/internal/repository"
)

// DispatcherConfig tunes the outbox dispatcher.
type DispatcherConfig struct {
	BatchSize    int
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// OutboxDispatcher drains the outbox into the event bus with bounded retries.
type OutboxDispatcher interface {
	// Run starts the workers and blocks until ctx is cancelled.
	Run(ctx context.Context)
	// Tick claims one batch and attempts delivery of each event. It returns
	// the number of events claimed.
	Tick(ctx context.Context) (int, error)
	ListStuck(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (repository.OutboxStats, error)
}

type outboxDispatcher struct {
	repo      repository.OutboxRepository
	publisher eventbus.Publisher
	cfg       DispatcherConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewOutboxDispatcher constructs a dispatcher publishing through publisher.
func NewOutboxDispatcher(repo repository.OutboxRepository, publisher eventbus.Publisher, cfg DispatcherConfig, logger zerolog.Logger) OutboxDispatcher {
	return &outboxDispatcher{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "outbox_dispatcher").Logger(),
		tracer:    otel.Tracer("github.com/symphire/counterpoint/internal/service/outbox"),
		now:       utcNow,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// min(base * 2^(attempt-1), ceiling).
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func (d *outboxDispatcher) Run(ctx context.Context) {
	d.logger.Info().Int("workers", d.cfg.Workers).Int("batch_size", d.cfg.BatchSize).Msg("outbox dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.loop(ctx, worker)
		}(i)
	}
	wg.Wait()

	d.logger.Info().Msg("outbox dispatcher stopped")
}

func (d *outboxDispatcher) loop(ctx context.Context, worker int) {
	logger := d.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := d.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("outbox tick failed")
		}
		if claimed > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *outboxDispatcher) Tick(ctx context.Context) (int, error) {
	ctx, span := d.tracer.Start(ctx, "outbox.tick")
	defer span.End()

	started := time.Now()
	defer func() {
		observability.OutboxTick().Observe(time.Since(started).Seconds())
	}()

	token := uuid.NewString()
	events, err := d.repo.Claim(ctx, d.now(), d.cfg.BatchSize, d.cfg.MaxAttempts, d.cfg.Lease, token)
	if err != nil {
		span.RecordError(err)
		return 0, apperror.FromStore(err, "failed to claim outbox events")
	}
	span.SetAttributes(attribute.Int("claimed", len(events)))

	for _, event := range events {
		if ctx.Err() != nil {
			// Unprocessed leases expire and the events become claimable again.
			break
		}
		d.deliver(ctx, event, token)
	}

	return len(events), nil
}

func (d *outboxDispatcher) deliver(ctx context.Context, event models.OutboxEvent, token string) {
	logger := d.logger.With().Str("event_id", event.ID.String()).Str("event_type", event.EventType).Logger()

	err := d.publish(ctx, event)
	if err == nil {
		marked, markErr := d.repo.MarkDelivered(ctx, event.ID, token, d.now())
		switch {
		case markErr != nil:
			logger.Error().Err(markErr).Msg("event published but could not be marked delivered")
		case !marked:
			logger.Warn().Msg("lease lost before marking event delivered")
		default:
			observability.OutboxDelivered().WithLabelValues(event.EventType).Inc()
		}
		return
	}

	if ctx.Err() != nil {
		return
	}

	attempt := event.AttemptCount + 1
	next := d.now().Add(Backoff(attempt, d.cfg.BaseBackoff, d.cfg.MaxBackoff))
	observability.OutboxFailed().WithLabelValues(event.EventType).Inc()

	rescheduled, rErr := d.repo.Reschedule(ctx, event.ID, token, err.Error(), next)
	if rErr != nil {
		logger.Error().Err(rErr).Msg("failed to record delivery failure")
		return
	}
	if !rescheduled {
		logger.Warn().Msg("lease lost before recording delivery failure")
		return
	}

	if attempt >= d.cfg.MaxAttempts {
		observability.OutboxStuck().WithLabelValues(event.EventType).Inc()
		logger.Error().Err(err).Int("attempts", attempt).Msg("event exhausted delivery attempts and is stuck")
		return
	}

	logger.Warn().Err(err).Int("attempt", attempt).Time("next_attempt_at", next).Msg("event delivery failed")
}

func (d *outboxDispatcher) publish(ctx context.Context, event models.OutboxEvent) error {
	envelope, err := dto.NewDispatchEnvelope(event)
	if err != nil {
		return err
	}
	msg, err := eventbus.NewMessage(envelope)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, msg)
}

func (d *outboxDispatcher) ListStuck(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	events, err := d.repo.ListStuck(ctx, d.cfg.MaxAttempts, limit)
	if err != nil {
		return nil, apperror.FromStore(err, "failed to list stuck events")
	}
	return events, nil
}

func (d *outboxDispatcher) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := d.repo.Requeue(ctx, id, d.cfg.MaxAttempts, d.now()); err != nil {
		return apperror.FromStore(err, "failed to requeue event")
	}
	d.logger.Info().Str("event_id", id.String()).Msg("event requeued by operator")
	return nil
}

func (d *outboxDispatcher) Stats(ctx context.Context) (repository.OutboxStats, error) {
	stats, err := d.repo.Stats(ctx, d.cfg.MaxAttempts)
	if err != nil {
		return repository.OutboxStats{}, apperror.FromStore(err, "failed to load outbox stats")
	}
	return stats, nil
}
