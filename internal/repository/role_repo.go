package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/symphire/counterpoint/internal/models"
)

// RoleRepository persists conversation roles, their permission effects and
// member assignments.
type RoleRepository interface {
	WithTx(tx *gorm.DB) RoleRepository
	// EnsureRole returns the named role of a conversation, creating it if absent.
	EnsureRole(ctx context.Context, conversationID uuid.UUID, name string) (models.ConversationRole, error)
	FindRole(ctx context.Context, conversationID uuid.UUID, name string) (models.ConversationRole, error)
	GetRole(ctx context.Context, roleID uuid.UUID) (models.ConversationRole, error)
	SetPermission(ctx context.Context, roleID uuid.UUID, permissionKey, effect string) error
	AssignRole(ctx context.Context, conversationID, userID, roleID uuid.UUID, at time.Time) error
	RevokeRole(ctx context.Context, conversationID, userID, roleID uuid.UUID) (bool, error)
	// EffectsFor returns the effect of every role the user holds in the
	// conversation that mentions the permission.
	EffectsFor(ctx context.Context, conversationID, userID uuid.UUID, permissionKey string) ([]string, error)
	PermissionExists(ctx context.Context, permissionKey string) (bool, error)
}

type roleRepository struct {
	db *gorm.DB
}

// NewRoleRepository constructs a role repository backed by GORM.
func NewRoleRepository(db *gorm.DB) RoleRepository {
	return &roleRepository{db: db}
}

func (r *roleRepository) WithTx(tx *gorm.DB) RoleRepository {
	return &roleRepository{db: tx}
}

func (r *roleRepository) EnsureRole(ctx context.Context, conversationID uuid.UUID, name string) (models.ConversationRole, error) {
	role := models.ConversationRole{ID: uuid.New(), ConversationID: conversationID, Name: name}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&role).Error
	if err != nil {
		return models.ConversationRole{}, err
	}
	return r.FindRole(ctx, conversationID, name)
}

func (r *roleRepository) FindRole(ctx context.Context, conversationID uuid.UUID, name string) (models.ConversationRole, error) {
	var role models.ConversationRole
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND name = ?", conversationID, name).
		Take(&role).Error
	if err != nil {
		return models.ConversationRole{}, err
	}
	return role, nil
}

func (r *roleRepository) GetRole(ctx context.Context, roleID uuid.UUID) (models.ConversationRole, error) {
	var role models.ConversationRole
	if err := r.db.WithContext(ctx).Where("id = ?", roleID).Take(&role).Error; err != nil {
		return models.ConversationRole{}, err
	}
	return role, nil
}

func (r *roleRepository) SetPermission(ctx context.Context, roleID uuid.UUID, permissionKey, effect string) error {
	grant := models.RolePermission{RoleID: roleID, PermissionKey: permissionKey, Effect: effect}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "role_id"}, {Name: "permission_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"effect"}),
		}).
		Create(&grant).Error
}

func (r *roleRepository) AssignRole(ctx context.Context, conversationID, userID, roleID uuid.UUID, at time.Time) error {
	assignment := models.MemberRole{
		ConversationID: conversationID,
		UserID:         userID,
		RoleID:         roleID,
		AssignedAt:     at,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&assignment).Error
}

func (r *roleRepository) RevokeRole(ctx context.Context, conversationID, userID, roleID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ? AND role_id = ?", conversationID, userID, roleID).
		Delete(&models.MemberRole{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *roleRepository) EffectsFor(ctx context.Context, conversationID, userID uuid.UUID, permissionKey string) ([]string, error) {
	var effects []string
	err := r.db.WithContext(ctx).
		Table("member_roles AS mr").
		Joins("JOIN role_permissions AS rp ON rp.role_id = mr.role_id").
		Where("mr.conversation_id = ? AND mr.user_id = ? AND rp.permission_key = ?", conversationID, userID, permissionKey).
		Pluck("rp.effect", &effects).Error
	if err != nil {
		return nil, err
	}
	return effects, nil
}

func (r *roleRepository) PermissionExists(ctx context.Context, permissionKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Permission{}).
		Where(map[string]interface{}{"key": permissionKey}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
