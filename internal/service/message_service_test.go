package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
)

func TestMessageServiceConcurrentSendsGetContiguousOffsets(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	owner := env.user(t, "owner")
	guest := env.user(t, "guest")
	group := env.group(t, owner, "band")
	require.NoError(t, env.groups.InviteMember(ctx, dto.InviteMemberRequest{GroupID: group.GroupID, HostID: owner, GuestID: guest}))

	const sends = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		offsets []int64
		errs    []error
	)
	for i := 0; i < sends; i++ {
		sender := owner
		if i%2 == 1 {
			sender = guest
		}
		wg.Add(1)
		go func(sender uuid.UUID, i int) {
			defer wg.Done()
			res, err := env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: sender, Content: "hello"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			offsets = append(offsets, res.Offset)
		}(sender, i)
	}
	wg.Wait()

	require.Empty(t, errs)
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for i, offset := range offsets {
		require.Equal(t, int64(i+1), offset)
	}

	conversation, err := env.conversations.Get(ctx, group.ConversationID)
	require.NoError(t, err)
	require.Equal(t, int64(sends), conversation.LastMessageOffset)
	require.NotNil(t, conversation.LastMessageAt)

	require.Len(t, env.eventsOfType(t, dto.EventMessageNew), sends)
}

func TestMessageServiceSendAddressesOtherMembers(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	owner := env.user(t, "owner")
	guest := env.user(t, "guest")
	group := env.group(t, owner, "band")
	require.NoError(t, env.groups.InviteMember(ctx, dto.InviteMemberRequest{GroupID: group.GroupID, HostID: owner, GuestID: guest}))

	res, err := env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: owner, Content: "  <b>hi</b><script>x()</script> "})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Offset)
	require.Len(t, res.MessageID, 26)

	history, err := env.chat.History(ctx, dto.HistoryQuery{ConversationID: group.ConversationID, UserID: guest})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "<b>hi</b>", history[0].Content)
	require.Equal(t, owner, history[0].SenderID)

	events := env.eventsOfType(t, dto.EventMessageNew)
	require.Len(t, events, 1)
	require.Equal(t, []string{guest.String()}, receiversOf(t, events[0]))
	require.NotNil(t, events[0].PartitionKey)
	require.Equal(t, group.ConversationID.String(), *events[0].PartitionKey)
	require.NoError(t, dto.ValidatePayload(events[0].Payload))
}

func TestMessageServiceRejectsInvalidSends(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	owner := env.user(t, "owner")
	stranger := env.user(t, "stranger")
	group := env.group(t, owner, "band")

	_, err := env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: owner, Content: "<script>x()</script>"})
	require.True(t, apperror.Is(err, apperror.KindInvalid))

	_, err = env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: owner, Content: strings.Repeat("a", dto.MaxMessageLength+1)})
	require.True(t, apperror.Is(err, apperror.KindInvalid))

	_, err = env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: stranger, Content: "hi"})
	require.True(t, apperror.Is(err, apperror.KindForbidden))

	_, err = env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: uuid.New(), SenderID: owner, Content: "hi"})
	require.True(t, apperror.Is(err, apperror.KindNotFound))

	res, err := env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: owner, Content: "first"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Offset, "rejected sends must not consume offsets")
	require.Len(t, env.eventsOfType(t, dto.EventMessageNew), 1)
}

func TestMessageServiceSendHonoursDeny(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	owner := env.user(t, "owner")
	guest := env.user(t, "guest")
	group := env.group(t, owner, "band")
	require.NoError(t, env.groups.InviteMember(ctx, dto.InviteMemberRequest{GroupID: group.GroupID, HostID: owner, GuestID: guest}))

	require.NoError(t, env.permissions.SetRolePermission(ctx, dto.RolePermissionRequest{
		ActorID:        owner,
		ConversationID: group.ConversationID,
		RoleName:       "muted",
		PermissionKey:  models.PermMessageSend,
		Effect:         models.EffectDeny,
	}))
	require.NoError(t, env.permissions.AssignRole(ctx, dto.RoleAssignmentRequest{
		ActorID:        owner,
		ConversationID: group.ConversationID,
		UserID:         guest,
		RoleName:       "muted",
	}))

	_, err := env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: guest, Content: "hi"})
	require.True(t, apperror.Is(err, apperror.KindForbidden))

	require.NoError(t, env.permissions.RevokeRole(ctx, dto.RoleAssignmentRequest{
		ActorID:        owner,
		ConversationID: group.ConversationID,
		UserID:         guest,
		RoleName:       "muted",
	}))
	_, err = env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: guest, Content: "hi"})
	require.NoError(t, err)
}

func TestMessageServiceHistoryPagesBackwards(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	owner := env.user(t, "owner")
	stranger := env.user(t, "stranger")
	group := env.group(t, owner, "band")

	for i := 0; i < 5; i++ {
		_, err := env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: owner, Content: "msg"})
		require.NoError(t, err)
	}

	latest, err := env.chat.History(ctx, dto.HistoryQuery{ConversationID: group.ConversationID, UserID: owner, Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, int64(4), latest[0].Offset)
	require.Equal(t, int64(5), latest[1].Offset)

	older, err := env.chat.History(ctx, dto.HistoryQuery{ConversationID: group.ConversationID, UserID: owner, Before: 4, Limit: 2})
	require.NoError(t, err)
	require.Len(t, older, 2)
	require.Equal(t, int64(2), older[0].Offset)
	require.Equal(t, int64(3), older[1].Offset)

	_, err = env.chat.History(ctx, dto.HistoryQuery{ConversationID: group.ConversationID, UserID: stranger})
	require.True(t, apperror.Is(err, apperror.KindForbidden))
}

func TestMessageServiceMarkReadOnlyMovesForward(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	owner := env.user(t, "owner")
	group := env.group(t, owner, "band")

	for i := 0; i < 3; i++ {
		_, err := env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: owner, Content: "msg"})
		require.NoError(t, err)
	}

	cursor, err := env.chat.MarkRead(ctx, dto.MarkReadRequest{ConversationID: group.ConversationID, UserID: owner, Offset: 10})
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor, "cursor is clamped to the last message")

	cursor, err = env.chat.MarkRead(ctx, dto.MarkReadRequest{ConversationID: group.ConversationID, UserID: owner, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor)

	member, err := env.conversations.GetMember(ctx, group.ConversationID, owner)
	require.NoError(t, err)
	require.Equal(t, int64(3), member.LastReadOffset)

	_, err = env.chat.MarkRead(ctx, dto.MarkReadRequest{ConversationID: group.ConversationID, UserID: uuid.New(), Offset: 1})
	require.True(t, apperror.Is(err, apperror.KindForbidden))
}
