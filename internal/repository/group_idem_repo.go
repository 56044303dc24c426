package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/symphire/counterpoint/internal/models"
)

// GroupIdempotencyRepository is the ledger that makes group creation idempotent
// per (owner, idempotency key).
type GroupIdempotencyRepository interface {
	WithTx(tx *gorm.DB) GroupIdempotencyRepository
	// Claim inserts a pending record. When a record already exists it is
	// returned unchanged and claimed is false.
	Claim(ctx context.Context, record models.GroupCreateIdempotency) (existing models.GroupCreateIdempotency, claimed bool, err error)
	Get(ctx context.Context, ownerID uuid.UUID, idemKey string) (models.GroupCreateIdempotency, error)
	MarkSucceeded(ctx context.Context, ownerID uuid.UUID, idemKey string, conversationID uuid.UUID, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, ownerID uuid.UUID, idemKey, lastError string, at time.Time) (bool, error)
	// Reopen moves a record from status back to pending if it still carries
	// the observed updatedAt.
	Reopen(ctx context.Context, ownerID uuid.UUID, idemKey, status string, updatedAt, at time.Time) (bool, error)
}

type groupIdempotencyRepository struct {
	db *gorm.DB
}

// NewGroupIdempotencyRepository constructs the idempotency ledger backed by GORM.
func NewGroupIdempotencyRepository(db *gorm.DB) GroupIdempotencyRepository {
	return &groupIdempotencyRepository{db: db}
}

func (r *groupIdempotencyRepository) WithTx(tx *gorm.DB) GroupIdempotencyRepository {
	return &groupIdempotencyRepository{db: tx}
}

func (r *groupIdempotencyRepository) Claim(ctx context.Context, record models.GroupCreateIdempotency) (models.GroupCreateIdempotency, bool, error) {
	record.Status = models.IdemPending
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return models.GroupCreateIdempotency{}, false, result.Error
	}
	if result.RowsAffected == 1 {
		return record, true, nil
	}

	existing, err := r.Get(ctx, record.OwnerID, record.IdemKey)
	if err != nil {
		return models.GroupCreateIdempotency{}, false, err
	}
	return existing, false, nil
}

func (r *groupIdempotencyRepository) Get(ctx context.Context, ownerID uuid.UUID, idemKey string) (models.GroupCreateIdempotency, error) {
	var record models.GroupCreateIdempotency
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND idem_key = ?", ownerID, idemKey).
		Take(&record).Error
	if err != nil {
		return models.GroupCreateIdempotency{}, err
	}
	return record, nil
}

func (r *groupIdempotencyRepository) MarkSucceeded(ctx context.Context, ownerID uuid.UUID, idemKey string, conversationID uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GroupCreateIdempotency{}).
		Where("owner_id = ? AND idem_key = ? AND status = ?", ownerID, idemKey, models.IdemPending).
		Updates(map[string]interface{}{
			"status":          models.IdemSucceeded,
			"conversation_id": conversationID,
			"last_error":      nil,
			"updated_at":      at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *groupIdempotencyRepository) MarkFailed(ctx context.Context, ownerID uuid.UUID, idemKey, lastError string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GroupCreateIdempotency{}).
		Where("owner_id = ? AND idem_key = ? AND status = ?", ownerID, idemKey, models.IdemPending).
		Updates(map[string]interface{}{
			"status":     models.IdemFailed,
			"last_error": TruncateError(lastError),
			"updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *groupIdempotencyRepository) Reopen(ctx context.Context, ownerID uuid.UUID, idemKey, status string, updatedAt, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GroupCreateIdempotency{}).
		Where("owner_id = ? AND idem_key = ? AND status = ? AND updated_at = ?", ownerID, idemKey, status, updatedAt).
		Updates(map[string]interface{}{
			"status":     models.IdemPending,
			"last_error": nil,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
