package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageRepository allocates offsets and persists messages.
type MessageRepository interface {
	WithTx(tx *gorm.DB) MessageRepository
	// AllocateOffset hands out the next offset of a conversation. It must run
	// inside the transaction that inserts the message.
	AllocateOffset(ctx context.Context, conversationID uuid.UUID) (int64, error)
	Insert(ctx context.Context, message *models.Message) error
	ListBefore(ctx context.Context, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) WithTx(tx *gorm.DB) MessageRepository {
	return &messageRepository{db: tx}
}

func (r *messageRepository) AllocateOffset(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var counter models.ConversationCounter
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("conversation_id = ?", conversationID).
		Take(&counter).Error
	if err != nil {
		if IsNotFound(err) {
			return 0, apperror.NotFound("conversation counter not found")
		}
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Model(&models.ConversationCounter{}).
		Where("conversation_id = ? AND next_offset = ?", conversationID, counter.NextOffset).
		Update("next_offset", gorm.Expr("next_offset + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected != 1 {
		return 0, apperror.New(apperror.KindTransient, "offset counter moved concurrently")
	}

	return counter.NextOffset, nil
}

func (r *messageRepository) Insert(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// ListBefore returns up to limit messages with offset below before in ascending
// order. A before of zero starts from the newest message.
func (r *messageRepository) ListBefore(ctx context.Context, conversationID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if before > 0 {
		query = query.Where("msg_offset < ?", before)
	}

	var messages []models.Message
	if err := query.Order("msg_offset DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
