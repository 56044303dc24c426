package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation kinds.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation is a channel carrying an ordered stream of messages.
type Conversation struct {
	ID                uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	Kind              string               `gorm:"size:16;not null" json:"kind"`
	LastMessageOffset int64                `gorm:"not null;default:0" json:"last_message_offset"`
	LastMessageAt     *time.Time           `json:"last_message_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	Members           []ConversationMember `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
	Messages          []Message            `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
	Counter           *ConversationCounter `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

// ConversationMember links a user to a conversation and tracks their read cursor.
type ConversationMember struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey" json:"conversation_id"`
	UserID         uuid.UUID `gorm:"type:uuid;primaryKey;index" json:"user_id"`
	LastReadOffset int64     `gorm:"not null;default:0" json:"last_read_offset"`
	JoinedAt       time.Time `json:"joined_at"`
}

// ConversationCounter holds the next offset to hand out for a conversation.
type ConversationCounter struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey" json:"conversation_id"`
	NextOffset     int64     `gorm:"not null;check:chk_counter_positive,next_offset > 0" json:"next_offset"`
}

// Message is an immutable entry in a conversation. Offsets start at 1 and have no gaps.
type Message struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey" json:"conversation_id"`
	Offset         int64     `gorm:"column:msg_offset;primaryKey;autoIncrement:false" json:"offset"`
	MessageID      string    `gorm:"size:26;uniqueIndex;not null" json:"message_id"`
	SenderID       uuid.UUID `gorm:"type:uuid;index;not null" json:"sender_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// DirectPair maps an unordered pair of users to their direct conversation.
type DirectPair struct {
	UserMin        uuid.UUID `gorm:"type:uuid;primaryKey;check:chk_direct_pair_order,user_min < user_max" json:"user_min"`
	UserMax        uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_max"`
	ConversationID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}
