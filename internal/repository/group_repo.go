package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/models"
)

// GroupRepository persists group metadata.
type GroupRepository interface {
	WithTx(tx *gorm.DB) GroupRepository
	Create(ctx context.Context, group *models.ChatGroup) error
	Get(ctx context.Context, id uuid.UUID) (models.ChatGroup, error)
	GetByConversation(ctx context.Context, conversationID uuid.UUID) (models.ChatGroup, error)
	ListByConversations(ctx context.Context, conversationIDs []uuid.UUID) ([]models.ChatGroup, error)
	// ListForUser pages the groups userID belongs to, newest first.
	ListForUser(ctx context.Context, userID uuid.UUID, after *PageCursor, limit int) ([]GroupSummaryRow, error)
	Summary(ctx context.Context, groupID uuid.UUID) (GroupSummaryRow, error)
}

// GroupSummaryRow is a group with its current member count.
type GroupSummaryRow struct {
	ID             uuid.UUID
	Name           string
	OwnerID        uuid.UUID
	ConversationID uuid.UUID
	MemberCount    int64
	CreatedAt      time.Time
}

const groupSummaryColumns = "g.id, g.name, g.owner_id, g.conversation_id, g.created_at, " +
	"(SELECT COUNT(*) FROM conversation_members AS mc WHERE mc.conversation_id = g.conversation_id) AS member_count"

type groupRepository struct {
	db *gorm.DB
}

// NewGroupRepository constructs a group repository backed by GORM.
func NewGroupRepository(db *gorm.DB) GroupRepository {
	return &groupRepository{db: db}
}

func (r *groupRepository) WithTx(tx *gorm.DB) GroupRepository {
	return &groupRepository{db: tx}
}

func (r *groupRepository) Create(ctx context.Context, group *models.ChatGroup) error {
	return r.db.WithContext(ctx).Create(group).Error
}

func (r *groupRepository) Get(ctx context.Context, id uuid.UUID) (models.ChatGroup, error) {
	var group models.ChatGroup
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&group).Error; err != nil {
		return models.ChatGroup{}, err
	}
	return group, nil
}

func (r *groupRepository) GetByConversation(ctx context.Context, conversationID uuid.UUID) (models.ChatGroup, error) {
	var group models.ChatGroup
	if err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Take(&group).Error; err != nil {
		return models.ChatGroup{}, err
	}
	return group, nil
}

func (r *groupRepository) ListByConversations(ctx context.Context, conversationIDs []uuid.UUID) ([]models.ChatGroup, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	var groups []models.ChatGroup
	if err := r.db.WithContext(ctx).Where("conversation_id IN ?", conversationIDs).Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *groupRepository) ListForUser(ctx context.Context, userID uuid.UUID, after *PageCursor, limit int) ([]GroupSummaryRow, error) {
	query := r.db.WithContext(ctx).
		Table("chat_groups AS g").
		Select(groupSummaryColumns).
		Joins("JOIN conversation_members AS cm ON cm.conversation_id = g.conversation_id AND cm.user_id = ?", userID)
	if after != nil {
		query = query.Where("(g.created_at < ? OR (g.created_at = ? AND g.id < ?))", after.At, after.At, after.ID)
	}

	var rows []GroupSummaryRow
	err := query.
		Order("g.created_at DESC, g.id DESC").
		Limit(clampPage(limit)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *groupRepository) Summary(ctx context.Context, groupID uuid.UUID) (GroupSummaryRow, error) {
	var rows []GroupSummaryRow
	err := r.db.WithContext(ctx).
		Table("chat_groups AS g").
		Select(groupSummaryColumns).
		Where("g.id = ?", groupID).
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return GroupSummaryRow{}, err
	}
	if len(rows) == 0 {
		return GroupSummaryRow{}, gorm.ErrRecordNotFound
	}
	return rows[0], nil
}
