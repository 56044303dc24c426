package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
	"github.com/symphire/counterpoint/internal/observability"
	"github.com/symphire/counterpoint/internal/repository"
)

const maxCreateRounds = 3

// GroupConfig tunes how callers treat a creation another caller has in flight.
type GroupConfig struct {
	// PendingTimeout is how old a pending record must be before it is
	// considered abandoned and re-attempted.
	PendingTimeout time.Duration
	// PendingWait bounds how long a caller polls a fresh pending record.
	PendingWait  time.Duration
	PollInterval time.Duration
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 30 * time.Second
	}
	if c.PendingWait <= 0 {
		c.PendingWait = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// GroupService creates groups idempotently and manages their membership.
type GroupService interface {
	CreateGroup(ctx context.Context, req dto.CreateGroupRequest) (dto.GroupResult, error)
	InviteMember(ctx context.Context, req dto.InviteMemberRequest) error
	// ListGroups pages the groups userID belongs to, newest first.
	ListGroups(ctx context.Context, query dto.ListGroupsQuery) ([]dto.GroupSummary, error)
	// GetGroup summarises one group for a member of it.
	GetGroup(ctx context.Context, groupID, requesterID uuid.UUID) (dto.GroupSummary, error)
	// ListMembers pages a group's members, latest joiners first. Only members may list.
	ListMembers(ctx context.Context, query dto.ListMembersQuery) ([]dto.MemberSummary, error)
}

type groupService struct {
	tx            repository.TxManager
	idem          repository.GroupIdempotencyRepository
	groups        repository.GroupRepository
	conversations repository.ConversationRepository
	roles         repository.RoleRepository
	users         repository.UserRepository
	outbox        repository.OutboxRepository
	permissions   PermissionService
	validator     *validator.Validate
	cfg           GroupConfig
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// GroupDependencies bundles the repositories the group service writes through.
type GroupDependencies struct {
	Tx            repository.TxManager
	Idempotency   repository.GroupIdempotencyRepository
	Groups        repository.GroupRepository
	Conversations repository.ConversationRepository
	Roles         repository.RoleRepository
	Users         repository.UserRepository
	Outbox        repository.OutboxRepository
	Permissions   PermissionService
}

// NewGroupService constructs the group service.
func NewGroupService(deps GroupDependencies, validate *validator.Validate, cfg GroupConfig, logger zerolog.Logger) GroupService {
	return &groupService{
		tx:            deps.Tx,
		idem:          deps.Idempotency,
		groups:        deps.Groups,
		conversations: deps.Conversations,
		roles:         deps.Roles,
		users:         deps.Users,
		outbox:        deps.Outbox,
		permissions:   deps.Permissions,
		validator:     validate,
		cfg:           cfg.withDefaults(),
		logger:        logger.With().Str("component", "group_service").Logger(),
		tracer:        otel.Tracer("github.com/symphire/counterpoint/internal/service/group"),
		now:           utcNow,
	}
}

func (s *groupService) CreateGroup(ctx context.Context, req dto.CreateGroupRequest) (dto.GroupResult, error) {
	ctx, span := s.tracer.Start(ctx, "group.create", trace.WithAttributes(
		attribute.String("owner_id", req.OwnerID.String()),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.GroupResult{}, apperror.Wrap(apperror.KindInvalid, "invalid group request", err)
	}

	active, err := s.users.CountActive(ctx, req.OwnerID)
	if err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to look up owner")
	}
	if active != 1 {
		return dto.GroupResult{}, apperror.NotFound("owner not found")
	}

	proposed := req.GroupID
	if proposed == uuid.Nil {
		proposed = uuid.New()
	}

	now := s.now()
	record, claimed, err := s.idem.Claim(ctx, models.GroupCreateIdempotency{
		OwnerID:         req.OwnerID,
		IdemKey:         req.IdemKey,
		ProposedGroupID: proposed,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to claim idempotency key")
	}

	var result dto.GroupResult
	if claimed {
		result, err = s.createAndSettle(ctx, req, record, 0)
	} else {
		result, err = s.resolveExisting(ctx, req, record, 0)
	}
	if err != nil {
		span.RecordError(err)
		return dto.GroupResult{}, err
	}

	span.SetAttributes(attribute.String("group_id", result.GroupID.String()))
	return result, nil
}

// createAndSettle runs the creation transaction for a record this caller owns
// and records the outcome on it.
func (s *groupService) createAndSettle(ctx context.Context, req dto.CreateGroupRequest, record models.GroupCreateIdempotency, round int) (dto.GroupResult, error) {
	var result dto.GroupResult
	err := s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.createInTx(ctx, tx, req, record)
		return err
	})
	if err == nil {
		observability.GroupCreations().WithLabelValues("created").Inc()
		s.logger.Info().
			Str("group_id", result.GroupID.String()).
			Str("conversation_id", result.ConversationID.String()).
			Str("owner_id", req.OwnerID.String()).
			Msg("group created")
		return result, nil
	}

	if apperror.Is(err, apperror.KindConflict) && round < maxCreateRounds {
		// Another caller created the group or settled the record first.
		current, getErr := s.idem.Get(ctx, req.OwnerID, req.IdemKey)
		if getErr != nil {
			return dto.GroupResult{}, apperror.FromStore(getErr, "failed to reload idempotency record")
		}
		return s.resolveExisting(ctx, req, current, round+1)
	}

	if _, markErr := s.idem.MarkFailed(ctx, req.OwnerID, req.IdemKey, err.Error(), s.now()); markErr != nil {
		s.logger.Warn().Err(markErr).Str("idem_key", req.IdemKey).Msg("failed to record group creation failure")
	}
	observability.GroupCreations().WithLabelValues("failed").Inc()
	return dto.GroupResult{}, err
}

func (s *groupService) createInTx(ctx context.Context, tx *gorm.DB, req dto.CreateGroupRequest, record models.GroupCreateIdempotency) (dto.GroupResult, error) {
	now := s.now()

	conversation := models.Conversation{ID: uuid.New(), Kind: models.ConversationGroup, CreatedAt: now}
	if err := s.conversations.WithTx(tx).Create(ctx, &conversation); err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to create group conversation")
	}

	group := models.ChatGroup{
		ID:             record.ProposedGroupID,
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		Description:    req.Description,
		ConversationID: conversation.ID,
		CreatedAt:      now,
	}
	if err := s.groups.WithTx(tx).Create(ctx, &group); err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to create group")
	}

	owner := models.ConversationMember{ConversationID: conversation.ID, UserID: req.OwnerID, JoinedAt: now}
	if _, err := s.conversations.WithTx(tx).AddMember(ctx, &owner); err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to add owner")
	}

	roles, err := s.permissions.EnsureDefaultRoles(ctx, tx, conversation.ID)
	if err != nil {
		return dto.GroupResult{}, err
	}
	if err := s.roles.WithTx(tx).AssignRole(ctx, conversation.ID, req.OwnerID, roles.Owner.ID, now); err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to assign owner role")
	}

	event, err := dto.NewOutboxEvent(dto.EventGroupNew, conversation.ID.String(), []uuid.UUID{req.OwnerID}, dto.GroupNewData{
		GroupID:        group.ID.String(),
		ConversationID: conversation.ID.String(),
		OwnerID:        req.OwnerID.String(),
		Name:           group.Name,
	}, now)
	if err != nil {
		return dto.GroupResult{}, apperror.Wrap(apperror.KindInternal, "failed to build group event", err)
	}
	if err := s.outbox.Enqueue(ctx, tx, event); err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to enqueue group event")
	}

	settled, err := s.idem.WithTx(tx).MarkSucceeded(ctx, req.OwnerID, req.IdemKey, conversation.ID, now)
	if err != nil {
		return dto.GroupResult{}, apperror.FromStore(err, "failed to settle idempotency record")
	}
	if !settled {
		return dto.GroupResult{}, apperror.Conflict("idempotency record settled by another caller")
	}

	observability.OutboxEnqueued().WithLabelValues(dto.EventGroupNew).Inc()
	return dto.GroupResult{GroupID: group.ID, ConversationID: conversation.ID}, nil
}

// resolveExisting answers a request whose key was already claimed.
func (s *groupService) resolveExisting(ctx context.Context, req dto.CreateGroupRequest, record models.GroupCreateIdempotency, round int) (dto.GroupResult, error) {
	deadline := s.now().Add(s.cfg.PendingWait)

	for {
		now := s.now()

		switch record.Status {
		case models.IdemSucceeded:
			if record.ConversationID == nil {
				return dto.GroupResult{}, apperror.Internal("succeeded idempotency record has no conversation")
			}
			observability.GroupCreations().WithLabelValues("replayed").Inc()
			return dto.GroupResult{GroupID: record.ProposedGroupID, ConversationID: *record.ConversationID}, nil

		case models.IdemFailed:
			reopened, err := s.idem.Reopen(ctx, req.OwnerID, req.IdemKey, models.IdemFailed, record.UpdatedAt, now)
			if err != nil {
				return dto.GroupResult{}, apperror.FromStore(err, "failed to reopen idempotency record")
			}
			if reopened {
				record.Status = models.IdemPending
				record.UpdatedAt = now
				return s.createAndSettle(ctx, req, record, round)
			}

		case models.IdemPending:
			group, err := s.groups.Get(ctx, record.ProposedGroupID)
			if err == nil && group.OwnerID != req.OwnerID {
				if _, markErr := s.idem.MarkFailed(ctx, req.OwnerID, req.IdemKey, "group id already taken", now); markErr != nil {
					s.logger.Warn().Err(markErr).Str("idem_key", req.IdemKey).Msg("failed to record group id collision")
				}
				return dto.GroupResult{}, apperror.Conflict("group id already taken")
			}
			if err == nil {
				if _, err := s.idem.MarkSucceeded(ctx, req.OwnerID, req.IdemKey, group.ConversationID, now); err != nil {
					s.logger.Warn().Err(err).Str("idem_key", req.IdemKey).Msg("failed to repair idempotency record")
				}
				observability.GroupCreations().WithLabelValues("repaired").Inc()
				return dto.GroupResult{GroupID: group.ID, ConversationID: group.ConversationID}, nil
			}
			if !repository.IsNotFound(err) {
				return dto.GroupResult{}, apperror.FromStore(err, "failed to look up proposed group")
			}

			if now.Sub(record.UpdatedAt) >= s.cfg.PendingTimeout {
				reopened, err := s.idem.Reopen(ctx, req.OwnerID, req.IdemKey, models.IdemPending, record.UpdatedAt, now)
				if err != nil {
					return dto.GroupResult{}, apperror.FromStore(err, "failed to take over stale record")
				}
				if reopened {
					s.logger.Warn().Str("idem_key", req.IdemKey).Msg("taking over stale group creation")
					record.UpdatedAt = now
					return s.createAndSettle(ctx, req, record, round)
				}
			} else if !now.Before(deadline) {
				return dto.GroupResult{}, apperror.New(apperror.KindTransient, "group creation still in progress")
			} else if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
				return dto.GroupResult{}, apperror.Wrap(apperror.KindTransient, "gave up waiting for group creation", err)
			}

		default:
			return dto.GroupResult{}, apperror.Internal("unknown idempotency status " + record.Status)
		}

		current, err := s.idem.Get(ctx, req.OwnerID, req.IdemKey)
		if err != nil {
			return dto.GroupResult{}, apperror.FromStore(err, "failed to reload idempotency record")
		}
		record = current
	}
}

func (s *groupService) InviteMember(ctx context.Context, req dto.InviteMemberRequest) error {
	ctx, span := s.tracer.Start(ctx, "group.invite_member", trace.WithAttributes(
		attribute.String("group_id", req.GroupID.String()),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return apperror.Wrap(apperror.KindInvalid, "invalid invitation", err)
	}
	if req.HostID == req.GuestID {
		return apperror.Invalid("cannot invite yourself")
	}

	err := s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		conversations := s.conversations.WithTx(tx)

		group, err := s.groups.WithTx(tx).Get(ctx, req.GroupID)
		if err != nil {
			return apperror.FromStore(err, "group not found")
		}

		isHost, err := conversations.IsMember(ctx, group.ConversationID, req.HostID)
		if err != nil {
			return apperror.FromStore(err, "failed to check membership")
		}
		if !isHost {
			return apperror.Forbidden("host is not a member of the group")
		}
		if err := s.permissions.AuthorizeTx(ctx, tx, group.ConversationID, req.HostID, models.PermMemberInvite); err != nil {
			return err
		}

		active, err := s.users.WithTx(tx).CountActive(ctx, req.GuestID)
		if err != nil {
			return apperror.FromStore(err, "failed to look up guest")
		}
		if active != 1 {
			return apperror.NotFound("guest not found")
		}

		already, err := conversations.IsMember(ctx, group.ConversationID, req.GuestID)
		if err != nil {
			return apperror.FromStore(err, "failed to check membership")
		}
		if already {
			return apperror.Conflict("guest is already a member")
		}

		existing, err := conversations.ListMemberIDs(ctx, group.ConversationID)
		if err != nil {
			return apperror.FromStore(err, "failed to list members")
		}

		now := s.now()
		added, err := conversations.AddMember(ctx, &models.ConversationMember{ConversationID: group.ConversationID, UserID: req.GuestID, JoinedAt: now})
		if err != nil {
			return apperror.FromStore(err, "failed to add member")
		}
		if !added {
			return apperror.Conflict("guest is already a member")
		}

		memberRole, err := s.roles.WithTx(tx).EnsureRole(ctx, group.ConversationID, models.RoleMember)
		if err != nil {
			return apperror.FromStore(err, "failed to provision member role")
		}
		if err := s.roles.WithTx(tx).AssignRole(ctx, group.ConversationID, req.GuestID, memberRole.ID, now); err != nil {
			return apperror.FromStore(err, "failed to assign member role")
		}

		partition := group.ConversationID.String()
		welcome, err := dto.NewOutboxEvent(dto.EventGroupNew, partition, []uuid.UUID{req.GuestID}, dto.GroupNewData{
			GroupID:        group.ID.String(),
			ConversationID: group.ConversationID.String(),
			OwnerID:        group.OwnerID.String(),
			Name:           group.Name,
		}, now)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "failed to build group event", err)
		}
		joined, err := dto.NewOutboxEvent(dto.EventGroupMemberNew, partition, existing, dto.GroupMemberNewData{
			GroupID:        group.ID.String(),
			ConversationID: group.ConversationID.String(),
			UserID:         req.GuestID.String(),
			InvitedBy:      req.HostID.String(),
		}, now)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "failed to build member event", err)
		}

		return s.outbox.Enqueue(ctx, tx, welcome, joined)
	})
	if err != nil {
		span.RecordError(err)
		return apperror.FromStore(err, "failed to invite member")
	}

	observability.OutboxEnqueued().WithLabelValues(dto.EventGroupNew).Inc()
	observability.OutboxEnqueued().WithLabelValues(dto.EventGroupMemberNew).Inc()
	return nil
}

func (s *groupService) ListGroups(ctx context.Context, query dto.ListGroupsQuery) ([]dto.GroupSummary, error) {
	ctx, span := s.tracer.Start(ctx, "group.list")
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return nil, apperror.Wrap(apperror.KindInvalid, "invalid group listing", err)
	}

	rows, err := s.groups.ListForUser(ctx, query.UserID, pageCursor(query.After), query.Limit)
	if err != nil {
		return nil, apperror.FromStore(err, "failed to list groups")
	}

	out := make([]dto.GroupSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, groupSummary(row, query.UserID))
	}
	return out, nil
}

func (s *groupService) GetGroup(ctx context.Context, groupID, requesterID uuid.UUID) (dto.GroupSummary, error) {
	ctx, span := s.tracer.Start(ctx, "group.get", trace.WithAttributes(
		attribute.String("group_id", groupID.String()),
	))
	defer span.End()

	row, err := s.groups.Summary(ctx, groupID)
	if err != nil {
		return dto.GroupSummary{}, apperror.FromStore(err, "group not found")
	}
	if err := s.requireGroupMember(ctx, row.ConversationID, requesterID); err != nil {
		return dto.GroupSummary{}, err
	}
	return groupSummary(row, requesterID), nil
}

func (s *groupService) ListMembers(ctx context.Context, query dto.ListMembersQuery) ([]dto.MemberSummary, error) {
	ctx, span := s.tracer.Start(ctx, "group.list_members", trace.WithAttributes(
		attribute.String("group_id", query.GroupID.String()),
	))
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return nil, apperror.Wrap(apperror.KindInvalid, "invalid member listing", err)
	}

	group, err := s.groups.Get(ctx, query.GroupID)
	if err != nil {
		return nil, apperror.FromStore(err, "group not found")
	}
	if err := s.requireGroupMember(ctx, group.ConversationID, query.RequesterID); err != nil {
		return nil, err
	}

	rows, err := s.conversations.ListMembers(ctx, group.ConversationID, pageCursor(query.After), query.Limit)
	if err != nil {
		return nil, apperror.FromStore(err, "failed to list members")
	}

	out := make([]dto.MemberSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, dto.MemberSummary{UserID: row.UserID, Username: row.Username, JoinedAt: row.JoinedAt})
	}
	return out, nil
}

func (s *groupService) requireGroupMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	member, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return apperror.FromStore(err, "failed to check membership")
	}
	if !member {
		return apperror.Forbidden("user is not a member of the group")
	}
	return nil
}

func groupSummary(row repository.GroupSummaryRow, viewer uuid.UUID) dto.GroupSummary {
	role := dto.GroupRoleMember
	if row.OwnerID == viewer {
		role = dto.GroupRoleOwner
	}
	return dto.GroupSummary{
		GroupID:        row.ID,
		Name:           row.Name,
		ConversationID: row.ConversationID,
		MyRole:         role,
		MemberCount:    row.MemberCount,
		CreatedAt:      row.CreatedAt,
	}
}

func pageCursor(after *dto.PageCursor) *repository.PageCursor {
	if after == nil {
		return nil
	}
	return &repository.PageCursor{At: after.At, ID: after.ID}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
