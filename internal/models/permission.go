package models

import (
	"time"

	"github.com/google/uuid"
)

// Permission keys understood by the resolver.
const (
	PermMessageSend        = "message.send"
	PermMemberInvite       = "member.invite"
	PermMemberRemove       = "member.remove"
	PermRoleManage         = "role.manage"
	PermConversationDelete = "conversation.delete"
)

// Role permission effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Default role names provisioned for every conversation.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Permission is an entry of the permission catalog.
type Permission struct {
	Key         string `gorm:"size:64;primaryKey" json:"key"`
	Description string `gorm:"size:255" json:"description"`
}

// ConversationRole is a named role scoped to one conversation.
type ConversationRole struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conversation_role_name,priority:1" json:"conversation_id"`
	Name           string    `gorm:"size:64;not null;uniqueIndex:idx_conversation_role_name,priority:2" json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// RolePermission grants or denies one permission to a role.
type RolePermission struct {
	RoleID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"role_id"`
	PermissionKey string    `gorm:"size:64;primaryKey" json:"permission_key"`
	Effect        string    `gorm:"size:8;not null;check:chk_role_permission_effect,effect IN ('allow','deny')" json:"effect"`
}

// MemberRole assigns a role to a member. A member may hold several roles.
type MemberRole struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey" json:"conversation_id"`
	UserID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	RoleID         uuid.UUID `gorm:"type:uuid;primaryKey;index" json:"role_id"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// DefaultPermissions is the catalog seeded at migration time.
func DefaultPermissions() []Permission {
	return []Permission{
		{Key: PermMessageSend, Description: "Send messages to the conversation"},
		{Key: PermMemberInvite, Description: "Invite new members"},
		{Key: PermMemberRemove, Description: "Remove members"},
		{Key: PermRoleManage, Description: "Manage roles and their permissions"},
		{Key: PermConversationDelete, Description: "Delete the conversation"},
	}
}
