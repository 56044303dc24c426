package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/database"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
	"github.com/symphire/counterpoint/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func setupChatTestDB(t *testing.T) *gorm.DB {
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

type chatEnv struct {
	db            *gorm.DB
	tx            repository.TxManager
	users         repository.UserRepository
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	outbox        repository.OutboxRepository
	roles         repository.RoleRepository
	groupsRepo    repository.GroupRepository
	idem          repository.GroupIdempotencyRepository
	friendRepo    repository.FriendshipRepository

	permissions PermissionService
	chat        MessageService
	recent      ConversationService
	groups      GroupService
	friends     FriendshipService
	userSvc     UserService
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()
	db := setupChatTestDB(t)
	logger := testLogger()
	validate := dto.NewValidator()

	env := &chatEnv{
		db:            db,
		tx:            repository.NewTxManager(db, 3, logger),
		users:         repository.NewUserRepository(db),
		conversations: repository.NewConversationRepository(db),
		messages:      repository.NewMessageRepository(db),
		outbox:        repository.NewOutboxRepository(db),
		roles:         repository.NewRoleRepository(db),
		groupsRepo:    repository.NewGroupRepository(db),
		idem:          repository.NewGroupIdempotencyRepository(db),
		friendRepo:    repository.NewFriendshipRepository(db),
	}

	env.permissions = NewPermissionService(env.tx, env.roles, env.conversations, validate, logger)
	env.chat = NewMessageService(env.tx, env.messages, env.conversations, env.outbox, env.permissions, validate, logger)
	env.recent = NewConversationService(env.conversations, env.groupsRepo, validate, logger)
	env.groups = env.groupService(GroupConfig{PendingTimeout: time.Minute, PendingWait: 10 * time.Second, PollInterval: 5 * time.Millisecond})
	env.friends = NewFriendshipService(FriendshipDependencies{
		Tx:            env.tx,
		Friendships:   env.friendRepo,
		Conversations: env.conversations,
		Roles:         env.roles,
		Users:         env.users,
		Outbox:        env.outbox,
		Permissions:   env.permissions,
	}, logger)
	env.userSvc = NewUserService(env.users, validate, logger)

	return env
}

func (e *chatEnv) groupService(cfg GroupConfig) GroupService {
	return NewGroupService(GroupDependencies{
		Tx:            e.tx,
		Idempotency:   e.idem,
		Groups:        e.groupsRepo,
		Conversations: e.conversations,
		Roles:         e.roles,
		Users:         e.users,
		Outbox:        e.outbox,
		Permissions:   e.permissions,
	}, dto.NewValidator(), cfg, testLogger())
}

func (e *chatEnv) user(t *testing.T, username string) uuid.UUID {
	t.Helper()
	user, err := e.userSvc.Register(context.Background(), dto.RegisterUserRequest{Username: username})
	require.NoError(t, err)
	return user.ID
}

func (e *chatEnv) group(t *testing.T, ownerID uuid.UUID, name string) dto.GroupResult {
	t.Helper()
	result, err := e.groups.CreateGroup(context.Background(), dto.CreateGroupRequest{
		OwnerID: ownerID,
		IdemKey: "create-" + name,
		Name:    name,
	})
	require.NoError(t, err)
	return result
}

func (e *chatEnv) eventsOfType(t *testing.T, eventType string) []models.OutboxEvent {
	t.Helper()
	var events []models.OutboxEvent
	require.NoError(t, e.db.Where("event_type = ?", eventType).Order("created_at ASC").Find(&events).Error)
	return events
}

func receiversOf(t *testing.T, event models.OutboxEvent) []string {
	t.Helper()
	envelope, err := dto.NewDispatchEnvelope(event)
	require.NoError(t, err)
	return envelope.Receivers
}
