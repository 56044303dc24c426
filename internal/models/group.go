package models

import (
	"time"

	"github.com/google/uuid"
)

// Idempotency record states.
const (
	IdemPending   = "pending"
	IdemSucceeded = "succeeded"
	IdemFailed    = "failed"
)

// ChatGroup is the group metadata attached to a group conversation.
type ChatGroup struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID        uuid.UUID `gorm:"type:uuid;index;not null" json:"owner_id"`
	Name           string    `gorm:"size:64;not null" json:"name"`
	Description    *string   `gorm:"size:512" json:"description,omitempty"`
	ConversationID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// GroupCreateIdempotency records the outcome of a group creation keyed by the
// owner's idempotency key.
type GroupCreateIdempotency struct {
	OwnerID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"owner_id"`
	IdemKey         string     `gorm:"size:128;primaryKey" json:"idem_key"`
	ProposedGroupID uuid.UUID  `gorm:"type:uuid;not null" json:"proposed_group_id"`
	ConversationID  *uuid.UUID `gorm:"type:uuid" json:"conversation_id,omitempty"`
	Status          string     `gorm:"size:16;not null;index" json:"status"`
	LastError       *string    `gorm:"size:1024" json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName keeps the ledger table name singular.
func (GroupCreateIdempotency) TableName() string {
	return "group_create_idempotency"
}
