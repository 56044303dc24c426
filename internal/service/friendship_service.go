package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
	"github.com/symphire/counterpoint/internal/observability"
	"github.com/symphire/counterpoint/internal/repository"
)

// FriendshipService drives the friendship state machine:
// absent -> pending -> accepted, and back to absent on reject or cancel.
type FriendshipService interface {
	Request(ctx context.Context, requesterID, addresseeID uuid.UUID) error
	// Accept confirms a pending request addressed to acceptorID and returns
	// the direct conversation of the pair.
	Accept(ctx context.Context, acceptorID, otherID uuid.UUID) (uuid.UUID, error)
	RejectOrCancel(ctx context.Context, userID, otherID uuid.UUID) error
	Status(ctx context.Context, userID, otherID uuid.UUID) (dto.FriendshipStatus, error)
}

type friendshipService struct {
	tx            repository.TxManager
	friendships   repository.FriendshipRepository
	conversations repository.ConversationRepository
	roles         repository.RoleRepository
	users         repository.UserRepository
	outbox        repository.OutboxRepository
	permissions   PermissionService
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// FriendshipDependencies bundles the repositories the friendship service writes through.
type FriendshipDependencies struct {
	Tx            repository.TxManager
	Friendships   repository.FriendshipRepository
	Conversations repository.ConversationRepository
	Roles         repository.RoleRepository
	Users         repository.UserRepository
	Outbox        repository.OutboxRepository
	Permissions   PermissionService
}

// NewFriendshipService constructs the friendship service.
func NewFriendshipService(deps FriendshipDependencies, logger zerolog.Logger) FriendshipService {
	return &friendshipService{
		tx:            deps.Tx,
		friendships:   deps.Friendships,
		conversations: deps.Conversations,
		roles:         deps.Roles,
		users:         deps.Users,
		outbox:        deps.Outbox,
		permissions:   deps.Permissions,
		logger:        logger.With().Str("component", "friendship_service").Logger(),
		tracer:        otel.Tracer("github.com/symphire/counterpoint/internal/service/friendship"),
		now:           utcNow,
	}
}

func pairKey(userMin, userMax uuid.UUID) string {
	return userMin.String() + ":" + userMax.String()
}

func (s *friendshipService) Request(ctx context.Context, requesterID, addresseeID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "friendship.request")
	defer span.End()

	if requesterID == uuid.Nil || addresseeID == uuid.Nil {
		return apperror.Invalid("both users are required")
	}
	if requesterID == addresseeID {
		return apperror.Invalid("cannot befriend yourself")
	}

	userMin, userMax := repository.CanonicalPair(requesterID, addresseeID)

	err := s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		active, err := s.users.WithTx(tx).CountActive(ctx, requesterID, addresseeID)
		if err != nil {
			return apperror.FromStore(err, "failed to look up users")
		}
		if active != 2 {
			return apperror.NotFound("user not found")
		}

		now := s.now()
		friendship := models.Friendship{
			UserMin:     userMin,
			UserMax:     userMax,
			Status:      models.FriendshipPending,
			RequestedBy: requesterID,
			CreatedAt:   now,
		}
		if err := s.friendships.WithTx(tx).Insert(ctx, &friendship); err != nil {
			if apperror.IsDuplicateKey(err) {
				return apperror.Wrap(apperror.KindConflict, "friendship already exists", err)
			}
			return err
		}

		event, err := dto.NewOutboxEvent(dto.EventFriendshipRequested, pairKey(userMin, userMax), []uuid.UUID{addresseeID}, dto.FriendshipRequestedData{
			RequesterID: requesterID.String(),
			AddresseeID: addresseeID.String(),
		}, now)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "failed to build friendship event", err)
		}
		return s.outbox.Enqueue(ctx, tx, event)
	})
	if err != nil {
		span.RecordError(err)
		return apperror.FromStore(err, "failed to request friendship")
	}

	observability.FriendshipTransitions().WithLabelValues("requested").Inc()
	observability.OutboxEnqueued().WithLabelValues(dto.EventFriendshipRequested).Inc()
	return nil
}

func (s *friendshipService) Accept(ctx context.Context, acceptorID, otherID uuid.UUID) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "friendship.accept")
	defer span.End()

	if acceptorID == otherID {
		return uuid.Nil, apperror.Invalid("cannot befriend yourself")
	}

	userMin, userMax := repository.CanonicalPair(acceptorID, otherID)

	var conversationID uuid.UUID
	err := s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		friendships := s.friendships.WithTx(tx)
		now := s.now()

		accepted, err := friendships.Accept(ctx, userMin, userMax, acceptorID, now)
		if err != nil {
			return err
		}
		if !accepted {
			return s.explainRejectedAccept(ctx, friendships, userMin, userMax, acceptorID)
		}

		conversationID, err = s.ensureDirectConversation(ctx, tx, userMin, userMax, now)
		if err != nil {
			return err
		}

		event, err := dto.NewOutboxEvent(dto.EventFriendshipAccepted, pairKey(userMin, userMax), []uuid.UUID{userMin, userMax}, dto.FriendshipAcceptedData{
			UserA:          userMin.String(),
			UserB:          userMax.String(),
			ConversationID: conversationID.String(),
		}, now)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "failed to build friendship event", err)
		}
		return s.outbox.Enqueue(ctx, tx, event)
	})
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, apperror.FromStore(err, "failed to accept friendship")
	}

	observability.FriendshipTransitions().WithLabelValues("accepted").Inc()
	observability.OutboxEnqueued().WithLabelValues(dto.EventFriendshipAccepted).Inc()
	return conversationID, nil
}

func (s *friendshipService) explainRejectedAccept(ctx context.Context, friendships repository.FriendshipRepository, userMin, userMax, acceptorID uuid.UUID) error {
	current, err := friendships.Get(ctx, userMin, userMax)
	if err != nil {
		if repository.IsNotFound(err) {
			return apperror.NotFound("friendship request not found")
		}
		return err
	}
	switch {
	case current.Status == models.FriendshipAccepted:
		return apperror.Conflict("friendship already accepted")
	case current.RequestedBy == acceptorID:
		return apperror.Conflict("requester cannot accept their own request")
	default:
		return apperror.Conflict("friendship changed concurrently")
	}
}

// ensureDirectConversation returns the pair's direct conversation, creating it
// with both users as members the first time.
func (s *friendshipService) ensureDirectConversation(ctx context.Context, tx *gorm.DB, userMin, userMax uuid.UUID, now time.Time) (uuid.UUID, error) {
	conversations := s.conversations.WithTx(tx)

	var conversationID uuid.UUID
	pair, err := conversations.FindDirectPair(ctx, userMin, userMax)
	switch {
	case err == nil:
		conversationID = pair.ConversationID
	case repository.IsNotFound(err):
		conversation := models.Conversation{ID: uuid.New(), Kind: models.ConversationDirect, CreatedAt: now}
		if err := conversations.Create(ctx, &conversation); err != nil {
			return uuid.Nil, err
		}
		if err := conversations.CreateDirectPair(ctx, &models.DirectPair{
			UserMin:        userMin,
			UserMax:        userMax,
			ConversationID: conversation.ID,
			CreatedAt:      now,
		}); err != nil {
			return uuid.Nil, err
		}
		conversationID = conversation.ID
	default:
		return uuid.Nil, err
	}

	roles, err := s.permissions.EnsureDefaultRoles(ctx, tx, conversationID)
	if err != nil {
		return uuid.Nil, err
	}
	for _, userID := range []uuid.UUID{userMin, userMax} {
		if _, err := conversations.AddMember(ctx, &models.ConversationMember{ConversationID: conversationID, UserID: userID, JoinedAt: now}); err != nil {
			return uuid.Nil, err
		}
		if err := s.roles.WithTx(tx).AssignRole(ctx, conversationID, userID, roles.Member.ID, now); err != nil {
			return uuid.Nil, err
		}
	}

	return conversationID, nil
}

func (s *friendshipService) RejectOrCancel(ctx context.Context, userID, otherID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "friendship.reject_or_cancel")
	defer span.End()

	if userID == otherID {
		return apperror.Invalid("cannot befriend yourself")
	}

	userMin, userMax := repository.CanonicalPair(userID, otherID)
	err := s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		removed, err := s.friendships.WithTx(tx).Delete(ctx, userMin, userMax)
		if err != nil {
			return err
		}
		if !removed {
			return apperror.NotFound("friendship not found")
		}
		return s.suspendDirectSends(ctx, tx, userMin, userMax)
	})
	if err != nil {
		span.RecordError(err)
		return apperror.FromStore(err, "failed to remove friendship")
	}

	observability.FriendshipTransitions().WithLabelValues("removed").Inc()
	return nil
}

// suspendDirectSends revokes the member role of both users in the pair's
// direct conversation. Membership and history stay; a later Accept restores
// the role through ensureDirectConversation.
func (s *friendshipService) suspendDirectSends(ctx context.Context, tx *gorm.DB, userMin, userMax uuid.UUID) error {
	pair, err := s.conversations.WithTx(tx).FindDirectPair(ctx, userMin, userMax)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil
		}
		return err
	}

	roles := s.roles.WithTx(tx)
	memberRole, err := roles.FindRole(ctx, pair.ConversationID, models.RoleMember)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, user := range []uuid.UUID{userMin, userMax} {
		if _, err := roles.RevokeRole(ctx, pair.ConversationID, user, memberRole.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *friendshipService) Status(ctx context.Context, userID, otherID uuid.UUID) (dto.FriendshipStatus, error) {
	if userID == otherID {
		return dto.FriendshipStatus{}, apperror.Invalid("cannot befriend yourself")
	}

	userMin, userMax := repository.CanonicalPair(userID, otherID)
	current, err := s.friendships.Get(ctx, userMin, userMax)
	if err != nil {
		if repository.IsNotFound(err) {
			return dto.FriendshipStatus{State: dto.FriendshipNone}, nil
		}
		return dto.FriendshipStatus{}, apperror.FromStore(err, "failed to load friendship")
	}

	requestedBy := current.RequestedBy
	return dto.FriendshipStatus{
		State:       current.Status,
		RequestedBy: &requestedBy,
		AcceptedAt:  current.AcceptedAt,
	}, nil
}
