package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/models"
)

// ConversationRepository persists conversations, their members, counters and direct pairs.
type ConversationRepository interface {
	WithTx(tx *gorm.DB) ConversationRepository
	// Create inserts the conversation together with its offset counter starting at 1.
	Create(ctx context.Context, conversation *models.Conversation) error
	Get(ctx context.Context, id uuid.UUID) (models.Conversation, error)
	// AddMember reports false when the user was already a member.
	AddMember(ctx context.Context, member *models.ConversationMember) (bool, error)
	GetMember(ctx context.Context, conversationID, userID uuid.UUID) (models.ConversationMember, error)
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	ListMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	// AdvanceLastMessage moves the summary forward and never backwards.
	AdvanceLastMessage(ctx context.Context, conversationID uuid.UUID, offset int64, at time.Time) error
	// AdvanceReadOffset moves a member's read cursor forward and never backwards.
	AdvanceReadOffset(ctx context.Context, conversationID, userID uuid.UUID, offset int64) (bool, error)
	FindDirectPair(ctx context.Context, userMin, userMax uuid.UUID) (models.DirectPair, error)
	CreateDirectPair(ctx context.Context, pair *models.DirectPair) error
	// ListRecentForUser pages the user's conversations that carry at least one
	// message, newest activity first with the id as tie-breaker.
	ListRecentForUser(ctx context.Context, userID uuid.UUID, after *PageCursor, limit int) ([]RecentConversationRow, error)
	// ListPeers returns the members other than userID of the given conversations.
	ListPeers(ctx context.Context, conversationIDs []uuid.UUID, userID uuid.UUID) ([]PeerRow, error)
	// ListMembers pages members with their usernames, latest joiners first.
	ListMembers(ctx context.Context, conversationID uuid.UUID, after *PageCursor, limit int) ([]MemberRow, error)
}

// RecentConversationRow is a conversation as seen by one of its members.
type RecentConversationRow struct {
	ID                uuid.UUID
	Kind              string
	LastMessageOffset int64
	LastMessageAt     time.Time
	LastReadOffset    int64
}

// PeerRow names one member of a conversation.
type PeerRow struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Username       string
}

// MemberRow is a conversation member joined with their user record.
type MemberRow struct {
	UserID   uuid.UUID
	Username string
	JoinedAt time.Time
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) WithTx(tx *gorm.DB) ConversationRepository {
	return &conversationRepository{db: tx}
}

func (r *conversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	if conversation.ID == uuid.Nil {
		conversation.ID = uuid.New()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(conversation).Error; err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		counter := models.ConversationCounter{ConversationID: conversation.ID, NextOffset: 1}
		if err := tx.Create(&counter).Error; err != nil {
			return fmt.Errorf("insert conversation counter: %w", err)
		}
		return nil
	})
}

func (r *conversationRepository) Get(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&conversation).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) AddMember(ctx context.Context, member *models.ConversationMember) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(member)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *conversationRepository) GetMember(ctx context.Context, conversationID, userID uuid.UUID) (models.ConversationMember, error) {
	var member models.ConversationMember
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Take(&member).Error
	if err != nil {
		return models.ConversationMember{}, err
	}
	return member, nil
}

func (r *conversationRepository) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *conversationRepository) ListMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *conversationRepository) AdvanceLastMessage(ctx context.Context, conversationID uuid.UUID, offset int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND last_message_offset < ?", conversationID, offset).
		Updates(map[string]interface{}{
			"last_message_offset": offset,
			"last_message_at":     at,
		}).Error
}

func (r *conversationRepository) AdvanceReadOffset(ctx context.Context, conversationID, userID uuid.UUID, offset int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ? AND last_read_offset < ?", conversationID, userID, offset).
		Update("last_read_offset", offset)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *conversationRepository) FindDirectPair(ctx context.Context, userMin, userMax uuid.UUID) (models.DirectPair, error) {
	var pair models.DirectPair
	err := r.db.WithContext(ctx).
		Where("user_min = ? AND user_max = ?", userMin, userMax).
		Take(&pair).Error
	if err != nil {
		return models.DirectPair{}, err
	}
	return pair, nil
}

func (r *conversationRepository) CreateDirectPair(ctx context.Context, pair *models.DirectPair) error {
	if CompareIDs(pair.UserMin, pair.UserMax) >= 0 {
		return apperror.Invalid("direct pair must be ordered with distinct users")
	}
	return r.db.WithContext(ctx).Create(pair).Error
}

func (r *conversationRepository) ListRecentForUser(ctx context.Context, userID uuid.UUID, after *PageCursor, limit int) ([]RecentConversationRow, error) {
	query := r.db.WithContext(ctx).
		Table("conversation_members AS cm").
		Select("c.id, c.kind, c.last_message_offset, c.last_message_at, cm.last_read_offset").
		Joins("JOIN conversations AS c ON c.id = cm.conversation_id").
		Where("cm.user_id = ? AND c.last_message_at IS NOT NULL", userID)
	if after != nil {
		query = query.Where("(c.last_message_at < ? OR (c.last_message_at = ? AND c.id < ?))", after.At, after.At, after.ID)
	}

	var rows []RecentConversationRow
	err := query.
		Order("c.last_message_at DESC, c.id DESC").
		Limit(clampPage(limit)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *conversationRepository) ListPeers(ctx context.Context, conversationIDs []uuid.UUID, userID uuid.UUID) ([]PeerRow, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	var rows []PeerRow
	err := r.db.WithContext(ctx).
		Table("conversation_members AS cm").
		Select("cm.conversation_id, cm.user_id, u.username").
		Joins("JOIN users AS u ON u.id = cm.user_id").
		Where("cm.conversation_id IN ? AND cm.user_id <> ?", conversationIDs, userID).
		Order("cm.conversation_id ASC, cm.user_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *conversationRepository) ListMembers(ctx context.Context, conversationID uuid.UUID, after *PageCursor, limit int) ([]MemberRow, error) {
	query := r.db.WithContext(ctx).
		Table("conversation_members AS cm").
		Select("cm.user_id, u.username, cm.joined_at").
		Joins("JOIN users AS u ON u.id = cm.user_id").
		Where("cm.conversation_id = ?", conversationID)
	if after != nil {
		query = query.Where("(cm.joined_at < ? OR (cm.joined_at = ? AND cm.user_id < ?))", after.At, after.At, after.ID)
	}

	var rows []MemberRow
	err := query.
		Order("cm.joined_at DESC, cm.user_id DESC").
		Limit(clampPage(limit)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// IsNotFound reports whether err is a gorm record-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
