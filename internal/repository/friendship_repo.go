package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/models"
)

// FriendshipRepository persists friendship rows keyed by the ordered user pair.
type FriendshipRepository interface {
	WithTx(tx *gorm.DB) FriendshipRepository
	// Insert creates a row. An existing row for the pair fails on the primary key.
	Insert(ctx context.Context, friendship *models.Friendship) error
	Get(ctx context.Context, userMin, userMax uuid.UUID) (models.Friendship, error)
	// Accept flips a pending row to accepted when acceptor is not the requester.
	Accept(ctx context.Context, userMin, userMax, acceptor uuid.UUID, at time.Time) (bool, error)
	Delete(ctx context.Context, userMin, userMax uuid.UUID) (bool, error)
}

type friendshipRepository struct {
	db *gorm.DB
}

// NewFriendshipRepository constructs a friendship repository backed by GORM.
func NewFriendshipRepository(db *gorm.DB) FriendshipRepository {
	return &friendshipRepository{db: db}
}

func (r *friendshipRepository) WithTx(tx *gorm.DB) FriendshipRepository {
	return &friendshipRepository{db: tx}
}

func (r *friendshipRepository) Insert(ctx context.Context, friendship *models.Friendship) error {
	return r.db.WithContext(ctx).Create(friendship).Error
}

func (r *friendshipRepository) Get(ctx context.Context, userMin, userMax uuid.UUID) (models.Friendship, error) {
	var friendship models.Friendship
	err := r.db.WithContext(ctx).
		Where("user_min = ? AND user_max = ?", userMin, userMax).
		Take(&friendship).Error
	if err != nil {
		return models.Friendship{}, err
	}
	return friendship, nil
}

func (r *friendshipRepository) Accept(ctx context.Context, userMin, userMax, acceptor uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Friendship{}).
		Where("user_min = ? AND user_max = ? AND status = ? AND requested_by <> ?", userMin, userMax, models.FriendshipPending, acceptor).
		Updates(map[string]interface{}{
			"status":      models.FriendshipAccepted,
			"accepted_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *friendshipRepository) Delete(ctx context.Context, userMin, userMax uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("user_min = ? AND user_max = ?", userMin, userMax).
		Delete(&models.Friendship{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
