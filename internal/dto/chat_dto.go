package dto

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxMessageLength is the largest message body accepted after sanitisation, in runes.
const MaxMessageLength = 4000

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// NewValidator returns a validator with the chat specific tags registered.
func NewValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		return permissionPattern.MatchString(fl.Field().String())
	})
	return validate
}

var permissionPattern = regexp.MustCompile(`^[a-z]+(\.[a-z_]+)+$`)

// RegisterUserRequest creates a user identity.
type RegisterUserRequest struct {
	Username string `json:"username" validate:"required,username"`
}

// SendMessageRequest appends a message to a conversation.
type SendMessageRequest struct {
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	SenderID       uuid.UUID `json:"sender_id" validate:"required"`
	Content        string    `json:"content" validate:"required"`
}

// SendMessageResult carries the committed position of a message.
type SendMessageResult struct {
	Offset    int64     `json:"offset"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryQuery pages backwards through a conversation. Before of zero starts at the newest message.
type HistoryQuery struct {
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	UserID         uuid.UUID `json:"user_id" validate:"required"`
	Before         int64     `json:"before" validate:"min=0"`
	Limit          int       `json:"limit" validate:"min=0,max=200"`
}

// MarkReadRequest advances a member's read cursor.
type MarkReadRequest struct {
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	UserID         uuid.UUID `json:"user_id" validate:"required"`
	Offset         int64     `json:"offset" validate:"required,min=1"`
}

// CreateGroupRequest creates a group at most once per (OwnerID, IdemKey). A zero
// GroupID lets the service pick one.
type CreateGroupRequest struct {
	OwnerID     uuid.UUID `json:"owner_id" validate:"required"`
	IdemKey     string    `json:"idem_key" validate:"required,max=128"`
	GroupID     uuid.UUID `json:"group_id"`
	Name        string    `json:"name" validate:"required,max=64"`
	Description *string   `json:"description,omitempty" validate:"omitempty,max=512"`
}

// GroupResult identifies a created group.
type GroupResult struct {
	GroupID        uuid.UUID `json:"group_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// InviteMemberRequest adds GuestID to a group on behalf of HostID.
type InviteMemberRequest struct {
	GroupID uuid.UUID `json:"group_id" validate:"required"`
	HostID  uuid.UUID `json:"host_id" validate:"required"`
	GuestID uuid.UUID `json:"guest_id" validate:"required"`
}

// RoleAssignmentRequest grants or revokes a named role.
type RoleAssignmentRequest struct {
	ActorID        uuid.UUID `json:"actor_id" validate:"required"`
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	UserID         uuid.UUID `json:"user_id" validate:"required"`
	RoleName       string    `json:"role_name" validate:"required,max=64"`
}

// RolePermissionRequest sets the effect of one permission on a role.
type RolePermissionRequest struct {
	ActorID        uuid.UUID `json:"actor_id" validate:"required"`
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	RoleName       string    `json:"role_name" validate:"required,max=64"`
	PermissionKey  string    `json:"permission_key" validate:"required,permission"`
	Effect         string    `json:"effect" validate:"required,oneof=allow deny"`
}

// FriendshipStatus describes the relationship between two users.
type FriendshipStatus struct {
	State       string     `json:"state"`
	RequestedBy *uuid.UUID `json:"requested_by,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
}

// FriendshipNone is the state reported when no row exists for the pair.
const FriendshipNone = "none"

// PageCursor resumes a newest-first listing after the last item of the
// previous page: At is that item's ordering time and ID its tie-breaker.
type PageCursor struct {
	At time.Time `json:"at" validate:"required"`
	ID uuid.UUID `json:"id" validate:"required"`
}

// RecentConversationsQuery pages a user's conversations by latest activity.
type RecentConversationsQuery struct {
	UserID uuid.UUID   `json:"user_id" validate:"required"`
	After  *PageCursor `json:"after,omitempty"`
	Limit  int         `json:"limit" validate:"min=0,max=100"`
}

// RecentConversation is one entry of a user's conversation list. Name is the
// group name or the other user's username.
type RecentConversation struct {
	ConversationID    uuid.UUID  `json:"conversation_id"`
	Kind              string     `json:"kind"`
	Name              string     `json:"name"`
	GroupID           *uuid.UUID `json:"group_id,omitempty"`
	OtherUserID       *uuid.UUID `json:"other_user_id,omitempty"`
	LastMessageOffset int64      `json:"last_message_offset"`
	LastMessageAt     time.Time  `json:"last_message_at"`
	Unread            int64      `json:"unread"`
}

// Cursor returns the cursor that resumes listing after c.
func (c RecentConversation) Cursor() PageCursor {
	return PageCursor{At: c.LastMessageAt, ID: c.ConversationID}
}

// Group membership roles reported in listings.
const (
	GroupRoleOwner  = "owner"
	GroupRoleMember = "member"
)

// ListGroupsQuery pages the groups a user belongs to.
type ListGroupsQuery struct {
	UserID uuid.UUID   `json:"user_id" validate:"required"`
	After  *PageCursor `json:"after,omitempty"`
	Limit  int         `json:"limit" validate:"min=0,max=100"`
}

// GroupSummary describes a group from the point of view of one member.
type GroupSummary struct {
	GroupID        uuid.UUID `json:"group_id"`
	Name           string    `json:"name"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MyRole         string    `json:"my_role"`
	MemberCount    int64     `json:"member_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cursor returns the cursor that resumes listing after s.
func (s GroupSummary) Cursor() PageCursor {
	return PageCursor{At: s.CreatedAt, ID: s.GroupID}
}

// ListMembersQuery pages the members of a group on behalf of RequesterID.
type ListMembersQuery struct {
	GroupID     uuid.UUID   `json:"group_id" validate:"required"`
	RequesterID uuid.UUID   `json:"requester_id" validate:"required"`
	After       *PageCursor `json:"after,omitempty"`
	Limit       int         `json:"limit" validate:"min=0,max=100"`
}

// MemberSummary is one member of a group.
type MemberSummary struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// Cursor returns the cursor that resumes listing after m.
func (m MemberSummary) Cursor() PageCursor {
	return PageCursor{At: m.JoinedAt, ID: m.UserID}
}
