package models

import (
	"time"

	"github.com/google/uuid"
)

// Friendship states. An absent row means no relationship.
const (
	FriendshipPending  = "pending"
	FriendshipAccepted = "accepted"
)

// Friendship is stored once per unordered pair with UserMin < UserMax.
type Friendship struct {
	UserMin     uuid.UUID  `gorm:"type:uuid;primaryKey;check:chk_friendship_order,user_min < user_max" json:"user_min"`
	UserMax     uuid.UUID  `gorm:"type:uuid;primaryKey;index" json:"user_max"`
	Status      string     `gorm:"size:16;not null" json:"status"`
	RequestedBy uuid.UUID  `gorm:"type:uuid;not null;check:chk_friendship_requester,requested_by IN (user_min, user_max)" json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
}
