// Package chatcore assembles the chat write path from its stores and services.
package chatcore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/config"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/eventbus"
	"github.com/symphire/counterpoint/internal/repository"
	"github.com/symphire/counterpoint/internal/service"
)

// Core exposes the write path services sharing one store, cache and bus.
type Core struct {
	Users         service.UserService
	Permissions   service.PermissionService
	Messages      service.MessageService
	Conversations service.ConversationService
	Groups        service.GroupService
	Friendships   service.FriendshipService
	Verifier      service.SecretVerifier
	Dispatcher    service.OutboxDispatcher

	db        *gorm.DB
	redis     redis.Cmdable
	publisher eventbus.Publisher
}

// New wires repositories and services over db, the Redis client and publisher.
func New(cfg config.Config, db *gorm.DB, rdb redis.Cmdable, publisher eventbus.Publisher, logger zerolog.Logger) (*Core, error) {
	if db == nil || rdb == nil || publisher == nil {
		return nil, fmt.Errorf("chatcore: database, redis and publisher are required")
	}

	validate := dto.NewValidator()
	tx := repository.NewTxManager(db, cfg.MaxTxRetries, logger)

	users := repository.NewUserRepository(db)
	conversations := repository.NewConversationRepository(db)
	messages := repository.NewMessageRepository(db)
	outbox := repository.NewOutboxRepository(db)
	roles := repository.NewRoleRepository(db)
	groups := repository.NewGroupRepository(db)
	idempotency := repository.NewGroupIdempotencyRepository(db)
	friendships := repository.NewFriendshipRepository(db)

	permissions := service.NewPermissionService(tx, roles, conversations, validate, logger)

	return &Core{
		Users:         service.NewUserService(users, validate, logger),
		Permissions:   permissions,
		Messages:      service.NewMessageService(tx, messages, conversations, outbox, permissions, validate, logger),
		Conversations: service.NewConversationService(conversations, groups, validate, logger),
		Groups: service.NewGroupService(service.GroupDependencies{
			Tx:            tx,
			Idempotency:   idempotency,
			Groups:        groups,
			Conversations: conversations,
			Roles:         roles,
			Users:         users,
			Outbox:        outbox,
			Permissions:   permissions,
		}, validate, service.GroupConfig{
			PendingTimeout: cfg.Group.PendingTimeout,
			PendingWait:    cfg.Group.PendingWait,
		}, logger),
		Friendships: service.NewFriendshipService(service.FriendshipDependencies{
			Tx:            tx,
			Friendships:   friendships,
			Conversations: conversations,
			Roles:         roles,
			Users:         users,
			Outbox:        outbox,
			Permissions:   permissions,
		}, logger),
		Verifier: service.NewSecretVerifier(rdb, []byte(cfg.Verifier.HMACKey), cfg.Verifier.DefaultTries, cfg.Verifier.TTL, logger),
		Dispatcher: service.NewOutboxDispatcher(outbox, publisher, service.DispatcherConfig{
			BatchSize:    cfg.Outbox.BatchSize,
			Workers:      cfg.Outbox.Workers,
			PollInterval: cfg.Outbox.PollInterval,
			Lease:        cfg.Outbox.Lease,
			BaseBackoff:  cfg.Outbox.BaseBackoff,
			MaxBackoff:   cfg.Outbox.MaxBackoff,
			MaxAttempts:  cfg.Outbox.MaxAttempts,
		}, logger),
		db:        db,
		redis:     rdb,
		publisher: publisher,
	}, nil
}

// PingDatabase reports whether the durable store answers.
func (c *Core) PingDatabase(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PingRedis reports whether the shared keyed store answers.
func (c *Core) PingRedis(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// NewPublisher opens the event bus selected by cfg.EventBus.Kind.
func NewPublisher(cfg config.EventBusConfig, logger zerolog.Logger) (eventbus.Publisher, error) {
	switch cfg.Kind {
	case "", "log":
		return eventbus.NewLogPublisher(logger), nil
	case "nats":
		publisher, err := eventbus.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, cfg.NATSStream, logger)
		if err != nil {
			return nil, err
		}
		return publisher, nil
	case "rabbitmq":
		publisher, err := eventbus.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitQueue, cfg.PublishTimeout)
		if err != nil {
			return nil, err
		}
		return publisher, nil
	default:
		return nil, fmt.Errorf("unsupported event bus kind %q", cfg.Kind)
	}
}
