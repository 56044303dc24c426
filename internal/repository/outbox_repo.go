package repository

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/models"
)

// MaxLastErrorLength bounds the stored delivery error text.
const MaxLastErrorLength = 1024

// OutboxStats summarises the outbox backlog.
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Stuck     int64 `json:"stuck"`
	Delivered int64 `json:"delivered"`
}

// OutboxRepository is the durable outbox ledger.
type OutboxRepository interface {
	// Enqueue writes events through tx, the transaction of the state change
	// that produced them.
	Enqueue(ctx context.Context, tx *gorm.DB, events ...models.OutboxEvent) error
	// Claim leases up to limit ready events to token until now+lease.
	Claim(ctx context.Context, now time.Time, limit, maxAttempts int, lease time.Duration, token string) ([]models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, token string, at time.Time) (bool, error)
	Reschedule(ctx context.Context, id uuid.UUID, token, lastError string, next time.Time) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (models.OutboxEvent, error)
	ListStuck(ctx context.Context, maxAttempts, limit int) ([]models.OutboxEvent, error)
	// Requeue makes a stuck event ready again. Events below maxAttempts are
	// still owned by the dispatcher and are a Conflict.
	Requeue(ctx context.Context, id uuid.UUID, maxAttempts int, now time.Time) error
	Stats(ctx context.Context, maxAttempts int) (OutboxStats, error)
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository constructs an outbox repository backed by GORM.
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Enqueue(ctx context.Context, tx *gorm.DB, events ...models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	if tx == nil {
		return apperror.Internal("outbox enqueue requires the producing transaction")
	}
	return tx.WithContext(ctx).Create(&events).Error
}

func (r *outboxRepository) Claim(ctx context.Context, now time.Time, limit, maxAttempts int, lease time.Duration, token string) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	leaseUntil := now.Add(lease)
	var claimed []models.OutboxEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ready []models.OutboxEvent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("delivered_at IS NULL AND next_attempt_at <= ? AND attempt_count < ?", now, maxAttempts).
			Order("next_attempt_at ASC, created_at ASC").
			Limit(limit).
			Find(&ready).Error
		if err != nil {
			return fmt.Errorf("select ready outbox events: %w", err)
		}

		claimed = make([]models.OutboxEvent, 0, len(ready))
		for _, event := range ready {
			result := tx.Model(&models.OutboxEvent{}).
				Where("id = ? AND delivered_at IS NULL AND next_attempt_at = ?", event.ID, event.NextAttemptAt).
				Updates(map[string]interface{}{
					"claim_token":     token,
					"next_attempt_at": leaseUntil,
				})
			if result.Error != nil {
				return fmt.Errorf("lease outbox event %s: %w", event.ID, result.Error)
			}
			if result.RowsAffected != 1 {
				continue
			}
			event.ClaimToken = &token
			event.NextAttemptAt = leaseUntil
			claimed = append(claimed, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id uuid.UUID, token string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND claim_token = ? AND delivered_at IS NULL", id, token).
		Updates(map[string]interface{}{
			"delivered_at": at,
			"last_error":   nil,
			"claim_token":  nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *outboxRepository) Reschedule(ctx context.Context, id uuid.UUID, token, lastError string, next time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND claim_token = ? AND delivered_at IS NULL", id, token).
		Updates(map[string]interface{}{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      TruncateError(lastError),
			"next_attempt_at": next,
			"claim_token":     nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *outboxRepository) Get(ctx context.Context, id uuid.UUID) (models.OutboxEvent, error) {
	var event models.OutboxEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&event).Error; err != nil {
		return models.OutboxEvent{}, err
	}
	return event, nil
}

func (r *outboxRepository) ListStuck(ctx context.Context, maxAttempts, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("delivered_at IS NULL AND attempt_count >= ?", maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *outboxRepository) Requeue(ctx context.Context, id uuid.UUID, maxAttempts int, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND delivered_at IS NULL AND attempt_count >= ?", id, maxAttempts).
		Updates(map[string]interface{}{
			"attempt_count":   0,
			"next_attempt_at": now,
			"claim_token":     nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	event, err := r.Get(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return apperror.NotFound("outbox event not found")
		}
		return err
	}
	if event.DeliveredAt != nil {
		return apperror.Conflict("outbox event already delivered")
	}
	return apperror.Conflict("outbox event is not stuck")
}

func (r *outboxRepository) Stats(ctx context.Context, maxAttempts int) (OutboxStats, error) {
	var stats OutboxStats
	db := r.db.WithContext(ctx).Model(&models.OutboxEvent{})

	if err := db.Session(&gorm.Session{}).Where("delivered_at IS NULL AND attempt_count < ?", maxAttempts).Count(&stats.Pending).Error; err != nil {
		return OutboxStats{}, err
	}
	if err := db.Session(&gorm.Session{}).Where("delivered_at IS NULL AND attempt_count >= ?", maxAttempts).Count(&stats.Stuck).Error; err != nil {
		return OutboxStats{}, err
	}
	if err := db.Session(&gorm.Session{}).Where("delivered_at IS NOT NULL").Count(&stats.Delivered).Error; err != nil {
		return OutboxStats{}, err
	}
	return stats, nil
}

// TruncateError clips msg to MaxLastErrorLength bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxLastErrorLength {
		return msg
	}
	cut := MaxLastErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
