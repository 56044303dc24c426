package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
)

func TestConversationServiceRecentNamesAndOrdersConversations(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	alice := env.user(t, "alice")
	bob := env.user(t, "bob_")
	carol := env.user(t, "carol")

	require.NoError(t, env.friends.Request(ctx, alice, bob))
	direct, err := env.friends.Accept(ctx, bob, alice)
	require.NoError(t, err)

	group := env.group(t, alice, "band")
	require.NoError(t, env.groups.InviteMember(ctx, dto.InviteMemberRequest{GroupID: group.GroupID, HostID: alice, GuestID: carol}))

	empty, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: alice})
	require.NoError(t, err)
	require.Empty(t, empty, "conversations without messages are not listed")

	_, err = env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: direct, SenderID: bob, Content: "hi"})
	require.NoError(t, err)
	_, err = env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: carol, Content: "hello band"})
	require.NoError(t, err)
	_, err = env.chat.Send(ctx, dto.SendMessageRequest{ConversationID: group.ConversationID, SenderID: carol, Content: "anyone?"})
	require.NoError(t, err)

	list, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: alice})
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.Equal(t, group.ConversationID, list[0].ConversationID)
	require.Equal(t, models.ConversationGroup, list[0].Kind)
	require.Equal(t, "band", list[0].Name)
	require.NotNil(t, list[0].GroupID)
	require.Equal(t, group.GroupID, *list[0].GroupID)
	require.Nil(t, list[0].OtherUserID)
	require.Equal(t, int64(2), list[0].LastMessageOffset)
	require.Equal(t, int64(2), list[0].Unread)

	require.Equal(t, direct, list[1].ConversationID)
	require.Equal(t, models.ConversationDirect, list[1].Kind)
	require.Equal(t, "bob_", list[1].Name)
	require.NotNil(t, list[1].OtherUserID)
	require.Equal(t, bob, *list[1].OtherUserID)
	require.Nil(t, list[1].GroupID)

	_, err = env.chat.MarkRead(ctx, dto.MarkReadRequest{ConversationID: group.ConversationID, UserID: alice, Offset: 1})
	require.NoError(t, err)

	first, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: alice, Limit: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, int64(1), first[0].Unread)

	cursor := first[0].Cursor()
	second, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: alice, Limit: 1, After: &cursor})
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, direct, second[0].ConversationID)

	cursor = second[0].Cursor()
	done, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: alice, Limit: 1, After: &cursor})
	require.NoError(t, err)
	require.Empty(t, done)

	forCarol, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: carol})
	require.NoError(t, err)
	require.Len(t, forCarol, 1)
	require.Equal(t, group.ConversationID, forCarol[0].ConversationID)

	forBob, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: bob})
	require.NoError(t, err)
	require.Len(t, forBob, 1)
	require.Equal(t, "alice", forBob[0].Name)
}

func TestConversationServiceRecentValidatesQuery(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	_, err := env.recent.Recent(ctx, dto.RecentConversationsQuery{})
	require.True(t, apperror.Is(err, apperror.KindInvalid))

	_, err = env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: uuid.New(), Limit: 101})
	require.True(t, apperror.Is(err, apperror.KindInvalid))

	_, err = env.recent.Recent(ctx, dto.RecentConversationsQuery{UserID: uuid.New(), After: &dto.PageCursor{}})
	require.True(t, apperror.Is(err, apperror.KindInvalid), "a cursor needs both its time and id")
}
