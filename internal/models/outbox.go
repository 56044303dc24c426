package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OutboxEvent is a domain event persisted in the same transaction as the
// state change that produced it.
type OutboxEvent struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	EventType     string         `gorm:"size:64;not null;index" json:"event_type"`
	PartitionKey  *string        `gorm:"size:128" json:"partition_key,omitempty"`
	Receivers     datatypes.JSON `json:"receivers"`
	Payload       datatypes.JSON `json:"payload"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	DeliveredAt   *time.Time     `gorm:"index:idx_outbox_ready,priority:1" json:"delivered_at,omitempty"`
	AttemptCount  int            `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt time.Time      `gorm:"not null;index:idx_outbox_ready,priority:2" json:"next_attempt_at"`
	LastError     *string        `gorm:"size:1024" json:"last_error,omitempty"`
	ClaimToken    *string        `gorm:"size:64" json:"-"`
}

// TableName pins the outbox table name.
func (OutboxEvent) TableName() string {
	return "outbox_events"
}
