package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the identity referenced by conversations, roles and friendships.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string    `gorm:"size:32;uniqueIndex;not null" json:"username"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
