package repository

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/database"
	"github.com/symphire/counterpoint/internal/models"
)

func setupChatRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.ConnectSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func utcMicro() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func createConversation(t *testing.T, repo ConversationRepository) models.Conversation {
	t.Helper()
	conversation := models.Conversation{Kind: models.ConversationGroup, CreatedAt: utcMicro()}
	require.NoError(t, repo.Create(context.Background(), &conversation))
	return conversation
}

func TestConversationRepositoryCreateSeedsCounter(t *testing.T) {
	db := setupChatRepoDB(t)
	repo := NewConversationRepository(db)
	conversation := createConversation(t, repo)

	var counter models.ConversationCounter
	require.NoError(t, db.Where("conversation_id = ?", conversation.ID).Take(&counter).Error)
	require.Equal(t, int64(1), counter.NextOffset)

	_, err := repo.Get(context.Background(), uuid.New())
	require.True(t, IsNotFound(err))
}

func TestMessageRepositoryAllocateOffsetIsSequential(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	conversations := NewConversationRepository(db)
	messages := NewMessageRepository(db)
	conversation := createConversation(t, conversations)

	for want := int64(1); want <= 3; want++ {
		var got int64
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			var err error
			got, err = messages.WithTx(tx).AllocateOffset(ctx, conversation.ID)
			return err
		}))
		require.Equal(t, want, got)
	}

	_, err := messages.AllocateOffset(ctx, uuid.New())
	require.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestMessageRepositoryAllocationRollsBackWithTransaction(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	conversations := NewConversationRepository(db)
	messages := NewMessageRepository(db)
	conversation := createConversation(t, conversations)

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := messages.WithTx(tx).AllocateOffset(ctx, conversation.ID); err != nil {
			return err
		}
		return apperror.Internal("abort")
	})
	require.Error(t, err)

	offset, err := messages.AllocateOffset(ctx, conversation.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), offset, "an aborted send leaves no gap")
}

func TestMessageRepositoryRejectsDuplicateOffset(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	conversation := createConversation(t, NewConversationRepository(db))
	messages := NewMessageRepository(db)

	first := models.Message{ConversationID: conversation.ID, Offset: 1, MessageID: "01HZZZZZZZZZZZZZZZZZZZZZZA", SenderID: uuid.New(), Content: "a", CreatedAt: utcMicro()}
	require.NoError(t, messages.Insert(ctx, &first))

	dup := first
	dup.MessageID = "01HZZZZZZZZZZZZZZZZZZZZZZB"
	err := messages.Insert(ctx, &dup)
	require.True(t, apperror.IsDuplicateKey(err))
}

func TestConversationRepositoryCursorsOnlyMoveForward(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewConversationRepository(db)
	conversation := createConversation(t, repo)
	user := uuid.New()

	added, err := repo.AddMember(ctx, &models.ConversationMember{ConversationID: conversation.ID, UserID: user, JoinedAt: utcMicro()})
	require.NoError(t, err)
	require.True(t, added)
	added, err = repo.AddMember(ctx, &models.ConversationMember{ConversationID: conversation.ID, UserID: user, JoinedAt: utcMicro()})
	require.NoError(t, err)
	require.False(t, added, "re-adding is a no-op")

	at := utcMicro()
	require.NoError(t, repo.AdvanceLastMessage(ctx, conversation.ID, 5, at))
	require.NoError(t, repo.AdvanceLastMessage(ctx, conversation.ID, 3, at.Add(time.Second)))
	stored, err := repo.Get(ctx, conversation.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), stored.LastMessageOffset)
	require.True(t, at.Equal(*stored.LastMessageAt))

	moved, err := repo.AdvanceReadOffset(ctx, conversation.ID, user, 4)
	require.NoError(t, err)
	require.True(t, moved)
	moved, err = repo.AdvanceReadOffset(ctx, conversation.ID, user, 2)
	require.NoError(t, err)
	require.False(t, moved)

	member, err := repo.GetMember(ctx, conversation.ID, user)
	require.NoError(t, err)
	require.Equal(t, int64(4), member.LastReadOffset)
}

func TestConversationRepositoryDirectPairOrdering(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewConversationRepository(db)
	conversation := createConversation(t, repo)

	a, b := CanonicalPair(uuid.New(), uuid.New())
	require.Equal(t, -1, CompareIDs(a, b))

	err := repo.CreateDirectPair(ctx, &models.DirectPair{UserMin: b, UserMax: a, ConversationID: conversation.ID})
	require.True(t, apperror.Is(err, apperror.KindInvalid))

	require.NoError(t, repo.CreateDirectPair(ctx, &models.DirectPair{UserMin: a, UserMax: b, ConversationID: conversation.ID, CreatedAt: utcMicro()}))
	pair, err := repo.FindDirectPair(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, conversation.ID, pair.ConversationID)
}

func TestGroupIdempotencyRepositoryClaimAndSettle(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewGroupIdempotencyRepository(db)
	owner := uuid.New()
	now := utcMicro()

	record := models.GroupCreateIdempotency{OwnerID: owner, IdemKey: "k", ProposedGroupID: uuid.New(), CreatedAt: now, UpdatedAt: now}
	claimed, ok, err := repo.Claim(ctx, record)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.IdemPending, claimed.Status)

	again := record
	again.ProposedGroupID = uuid.New()
	existing, ok, err := repo.Claim(ctx, again)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, record.ProposedGroupID, existing.ProposedGroupID)

	conversationID := uuid.New()
	settled, err := repo.MarkSucceeded(ctx, owner, "k", conversationID, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, settled)

	settled, err = repo.MarkSucceeded(ctx, owner, "k", uuid.New(), now.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, settled, "only a pending record can be settled")

	failed, err := repo.MarkFailed(ctx, owner, "k", "late failure", now.Add(3*time.Second))
	require.NoError(t, err)
	require.False(t, failed)

	stored, err := repo.Get(ctx, owner, "k")
	require.NoError(t, err)
	require.Equal(t, models.IdemSucceeded, stored.Status)
	require.Equal(t, conversationID, *stored.ConversationID)
}

func TestGroupIdempotencyRepositoryReopenIsCompareAndSwap(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewGroupIdempotencyRepository(db)
	owner := uuid.New()
	now := utcMicro()

	_, _, err := repo.Claim(ctx, models.GroupCreateIdempotency{OwnerID: owner, IdemKey: "k", ProposedGroupID: uuid.New(), CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	failed, err := repo.MarkFailed(ctx, owner, "k", strings.Repeat("x", 2*MaxLastErrorLength), now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, failed)

	stored, err := repo.Get(ctx, owner, "k")
	require.NoError(t, err)
	require.Len(t, *stored.LastError, MaxLastErrorLength)

	reopened, err := repo.Reopen(ctx, owner, "k", models.IdemFailed, stored.UpdatedAt, now.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, reopened)

	reopened, err = repo.Reopen(ctx, owner, "k", models.IdemFailed, stored.UpdatedAt, now.Add(3*time.Second))
	require.NoError(t, err)
	require.False(t, reopened, "a second reopen with the old version loses")
}

func TestRoleRepositoryEffects(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewRoleRepository(db)
	conversationID := uuid.New()
	user := uuid.New()
	now := utcMicro()

	role, err := repo.EnsureRole(ctx, conversationID, models.RoleMember)
	require.NoError(t, err)
	same, err := repo.EnsureRole(ctx, conversationID, models.RoleMember)
	require.NoError(t, err)
	require.Equal(t, role.ID, same.ID)

	muted, err := repo.EnsureRole(ctx, conversationID, "muted")
	require.NoError(t, err)

	require.NoError(t, repo.SetPermission(ctx, role.ID, models.PermMessageSend, models.EffectAllow))
	require.NoError(t, repo.SetPermission(ctx, muted.ID, models.PermMessageSend, models.EffectAllow))
	require.NoError(t, repo.SetPermission(ctx, muted.ID, models.PermMessageSend, models.EffectDeny))

	effects, err := repo.EffectsFor(ctx, conversationID, user, models.PermMessageSend)
	require.NoError(t, err)
	require.Empty(t, effects)

	require.NoError(t, repo.AssignRole(ctx, conversationID, user, role.ID, now))
	require.NoError(t, repo.AssignRole(ctx, conversationID, user, muted.ID, now))
	require.NoError(t, repo.AssignRole(ctx, conversationID, user, muted.ID, now))

	effects, err = repo.EffectsFor(ctx, conversationID, user, models.PermMessageSend)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{models.EffectAllow, models.EffectDeny}, effects)

	removed, err := repo.RevokeRole(ctx, conversationID, user, muted.ID)
	require.NoError(t, err)
	require.True(t, removed)

	effects, err = repo.EffectsFor(ctx, conversationID, user, models.PermMessageSend)
	require.NoError(t, err)
	require.Equal(t, []string{models.EffectAllow}, effects)

	known, err := repo.PermissionExists(ctx, models.PermRoleManage)
	require.NoError(t, err)
	require.True(t, known)
	known, err = repo.PermissionExists(ctx, "role.juggle")
	require.NoError(t, err)
	require.False(t, known)
}

func TestFriendshipRepositoryAcceptIsGuarded(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewFriendshipRepository(db)
	a, b := CanonicalPair(uuid.New(), uuid.New())
	now := utcMicro()

	require.NoError(t, repo.Insert(ctx, &models.Friendship{UserMin: a, UserMax: b, Status: models.FriendshipPending, RequestedBy: a, CreatedAt: now}))
	err := repo.Insert(ctx, &models.Friendship{UserMin: a, UserMax: b, Status: models.FriendshipPending, RequestedBy: b, CreatedAt: now})
	require.True(t, apperror.IsDuplicateKey(err))

	accepted, err := repo.Accept(ctx, a, b, a, now)
	require.NoError(t, err)
	require.False(t, accepted, "the requester cannot accept")

	accepted, err = repo.Accept(ctx, a, b, b, now)
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = repo.Accept(ctx, a, b, b, now)
	require.NoError(t, err)
	require.False(t, accepted)

	removed, err := repo.Delete(ctx, a, b)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = repo.Delete(ctx, a, b)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestOutboxRepositoryEnqueueRequiresTransaction(t *testing.T) {
	db := setupChatRepoDB(t)
	repo := NewOutboxRepository(db)
	now := utcMicro()

	event := models.OutboxEvent{ID: uuid.New(), EventType: "group.new", Receivers: datatypes.JSON(`[]`), Payload: datatypes.JSON(`{}`), CreatedAt: now, NextAttemptAt: now}
	err := repo.Enqueue(context.Background(), nil, event)
	require.True(t, apperror.Is(err, apperror.KindInternal))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.Enqueue(context.Background(), tx, event)
	}))
	stats, err := repo.Stats(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, OutboxStats{Pending: 1}, stats)
}

func TestTruncateErrorKeepsRunesWhole(t *testing.T) {
	require.Equal(t, "short", TruncateError("short"))

	long := strings.Repeat("a", MaxLastErrorLength-1) + "é"
	clipped := TruncateError(long)
	require.Len(t, clipped, MaxLastErrorLength-1)
	require.True(t, strings.HasSuffix(clipped, "a"))
}

func TestTxManagerRetriesTransientFailures(t *testing.T) {
	db := setupChatRepoDB(t)
	manager := NewTxManager(db, 2, zerolog.New(io.Discard))

	calls := 0
	err := manager.WithinTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return apperror.New(apperror.KindTransient, "try again")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = manager.WithinTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		return apperror.New(apperror.KindTransient, "still busy")
	})
	require.True(t, apperror.Is(err, apperror.KindTransient))
	require.Equal(t, 3, calls)

	calls = 0
	err = manager.WithinTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		return apperror.Conflict("nope")
	})
	require.True(t, apperror.Is(err, apperror.KindConflict))
	require.Equal(t, 1, calls)
}

func TestConversationRepositoryListRecentBreaksTiesByID(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewConversationRepository(db)
	user := uuid.New()

	at := utcMicro()
	var tied []models.Conversation
	for i := 0; i < 2; i++ {
		conversation := createConversation(t, repo)
		_, err := repo.AddMember(ctx, &models.ConversationMember{ConversationID: conversation.ID, UserID: user, JoinedAt: at})
		require.NoError(t, err)
		require.NoError(t, repo.AdvanceLastMessage(ctx, conversation.ID, 1, at))
		tied = append(tied, conversation)
	}
	older := createConversation(t, repo)
	_, err := repo.AddMember(ctx, &models.ConversationMember{ConversationID: older.ID, UserID: user, JoinedAt: at})
	require.NoError(t, err)
	require.NoError(t, repo.AdvanceLastMessage(ctx, older.ID, 3, at.Add(-time.Minute)))

	silent := createConversation(t, repo)
	_, err = repo.AddMember(ctx, &models.ConversationMember{ConversationID: silent.ID, UserID: user, JoinedAt: at})
	require.NoError(t, err)

	high, low := tied[0].ID, tied[1].ID
	if CompareIDs(high, low) < 0 {
		high, low = low, high
	}

	rows, err := repo.ListRecentForUser(ctx, user, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3, "conversations without messages are not listed")
	require.Equal(t, []uuid.UUID{high, low, older.ID}, []uuid.UUID{rows[0].ID, rows[1].ID, rows[2].ID})
	require.Equal(t, int64(3), rows[2].LastMessageOffset)

	page, err := repo.ListRecentForUser(ctx, user, &PageCursor{At: rows[0].LastMessageAt, ID: rows[0].ID}, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, low, page[0].ID, "the cursor resumes inside a tie")

	others, err := repo.ListRecentForUser(ctx, uuid.New(), nil, 10)
	require.NoError(t, err)
	require.Empty(t, others)
}

func TestConversationRepositoryListsMembersAndPeers(t *testing.T) {
	db := setupChatRepoDB(t)
	ctx := context.Background()
	repo := NewConversationRepository(db)
	users := NewUserRepository(db)
	conversation := createConversation(t, repo)

	start := utcMicro()
	var ids []uuid.UUID
	for i, name := range []string{"ann", "ben", "cat"} {
		user := models.User{ID: uuid.New(), Username: name, Active: true, CreatedAt: start}
		require.NoError(t, users.Create(ctx, &user))
		_, err := repo.AddMember(ctx, &models.ConversationMember{ConversationID: conversation.ID, UserID: user.ID, JoinedAt: start.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		ids = append(ids, user.ID)
	}

	members, err := repo.ListMembers(ctx, conversation.ID, nil, 2)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "cat", members[0].Username)
	require.Equal(t, "ben", members[1].Username)

	rest, err := repo.ListMembers(ctx, conversation.ID, &PageCursor{At: members[1].JoinedAt, ID: members[1].UserID}, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, ids[0], rest[0].UserID)

	peers, err := repo.ListPeers(ctx, []uuid.UUID{conversation.ID}, ids[1])
	require.NoError(t, err)
	require.Len(t, peers, 2)
	for _, peer := range peers {
		require.NotEqual(t, ids[1], peer.UserID)
		require.Equal(t, conversation.ID, peer.ConversationID)
	}

	none, err := repo.ListPeers(ctx, nil, ids[1])
	require.NoError(t, err)
	require.Empty(t, none)
}
