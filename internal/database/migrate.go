package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/symphire/counterpoint/internal/models"
)

// Models lists every table owned by the chat core in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.ConversationCounter{},
		&models.Message{},
		&models.DirectPair{},
		&models.ChatGroup{},
		&models.GroupCreateIdempotency{},
		&models.Permission{},
		&models.ConversationRole{},
		&models.RolePermission{},
		&models.MemberRole{},
		&models.Friendship{},
		&models.OutboxEvent{},
	}
}

// Migrate creates or updates the schema and seeds the permission catalog.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	permissions := models.DefaultPermissions()
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&permissions).Error; err != nil {
		return fmt.Errorf("failed to seed permissions: %w", err)
	}

	return nil
}
