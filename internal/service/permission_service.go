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
	"github.com/symphire/counterpoint/internal/repository"
)

// DefaultRoles are the roles provisioned for every new conversation.
type DefaultRoles struct {
	Owner  models.ConversationRole
	Member models.ConversationRole
}

var defaultRoleGrants = map[string][]string{
	models.RoleOwner: {
		models.PermMessageSend,
		models.PermMemberInvite,
		models.PermMemberRemove,
		models.PermRoleManage,
		models.PermConversationDelete,
	},
	models.RoleMember: {
		models.PermMessageSend,
	},
}

// PermissionService resolves and manages conversation permissions with
// deny-overrides-allow semantics.
type PermissionService interface {
	IsAllowed(ctx context.Context, conversationID, userID uuid.UUID, permissionKey string) (bool, error)
	// Authorize returns a Forbidden error unless the permission resolves to allow.
	Authorize(ctx context.Context, conversationID, userID uuid.UUID, permissionKey string) error
	// AuthorizeTx is Authorize evaluated inside an open transaction.
	AuthorizeTx(ctx context.Context, tx *gorm.DB, conversationID, userID uuid.UUID, permissionKey string) error
	EnsureDefaultRoles(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (DefaultRoles, error)
	AssignRole(ctx context.Context, req dto.RoleAssignmentRequest) error
	RevokeRole(ctx context.Context, req dto.RoleAssignmentRequest) error
	SetRolePermission(ctx context.Context, req dto.RolePermissionRequest) error
}

type permissionService struct {
	tx            repository.TxManager
	roles         repository.RoleRepository
	conversations repository.ConversationRepository
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewPermissionService constructs the permission resolver.
func NewPermissionService(
	tx repository.TxManager,
	roles repository.RoleRepository,
	conversations repository.ConversationRepository,
	validate *validator.Validate,
	logger zerolog.Logger,
) PermissionService {
	return &permissionService{
		tx:            tx,
		roles:         roles,
		conversations: conversations,
		validator:     validate,
		logger:        logger.With().Str("component", "permission_service").Logger(),
		tracer:        otel.Tracer("github.com/symphire/counterpoint/internal/service/permission"),
		now:           utcNow,
	}
}

// Resolve folds role effects: any deny wins, otherwise any allow grants,
// otherwise the answer is no.
func Resolve(effects []string) bool {
	allowed := false
	for _, effect := range effects {
		switch effect {
		case models.EffectDeny:
			return false
		case models.EffectAllow:
			allowed = true
		}
	}
	return allowed
}

func (s *permissionService) IsAllowed(ctx context.Context, conversationID, userID uuid.UUID, permissionKey string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "permission.is_allowed", trace.WithAttributes(
		attribute.String("conversation_id", conversationID.String()),
		attribute.String("permission", permissionKey),
	))
	defer span.End()

	return s.isAllowed(ctx, s.roles, conversationID, userID, permissionKey)
}

func (s *permissionService) isAllowed(ctx context.Context, roles repository.RoleRepository, conversationID, userID uuid.UUID, permissionKey string) (bool, error) {
	effects, err := roles.EffectsFor(ctx, conversationID, userID, permissionKey)
	if err != nil {
		return false, apperror.FromStore(err, "failed to load role effects")
	}
	return Resolve(effects), nil
}

func (s *permissionService) Authorize(ctx context.Context, conversationID, userID uuid.UUID, permissionKey string) error {
	allowed, err := s.IsAllowed(ctx, conversationID, userID, permissionKey)
	if err != nil {
		return err
	}
	if !allowed {
		return apperror.Forbidden("permission " + permissionKey + " denied")
	}
	return nil
}

func (s *permissionService) AuthorizeTx(ctx context.Context, tx *gorm.DB, conversationID, userID uuid.UUID, permissionKey string) error {
	allowed, err := s.isAllowed(ctx, s.roles.WithTx(tx), conversationID, userID, permissionKey)
	if err != nil {
		return err
	}
	if !allowed {
		return apperror.Forbidden("permission " + permissionKey + " denied")
	}
	return nil
}

func (s *permissionService) EnsureDefaultRoles(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (DefaultRoles, error) {
	roles := s.roles.WithTx(tx)

	provisioned := make(map[string]models.ConversationRole, len(defaultRoleGrants))
	for _, name := range []string{models.RoleOwner, models.RoleMember} {
		role, err := roles.EnsureRole(ctx, conversationID, name)
		if err != nil {
			return DefaultRoles{}, apperror.FromStore(err, "failed to provision role "+name)
		}
		for _, key := range defaultRoleGrants[name] {
			if err := roles.SetPermission(ctx, role.ID, key, models.EffectAllow); err != nil {
				return DefaultRoles{}, apperror.FromStore(err, "failed to grant "+key)
			}
		}
		provisioned[name] = role
	}

	return DefaultRoles{Owner: provisioned[models.RoleOwner], Member: provisioned[models.RoleMember]}, nil
}

func (s *permissionService) AssignRole(ctx context.Context, req dto.RoleAssignmentRequest) error {
	ctx, span := s.tracer.Start(ctx, "permission.assign_role")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return apperror.Wrap(apperror.KindInvalid, "invalid role assignment", err)
	}

	return s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		if err := s.AuthorizeTx(ctx, tx, req.ConversationID, req.ActorID, models.PermRoleManage); err != nil {
			return err
		}

		member, err := s.conversations.WithTx(tx).IsMember(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return apperror.FromStore(err, "failed to check membership")
		}
		if !member {
			return apperror.NotFound("user is not a member of the conversation")
		}

		role, err := s.roles.WithTx(tx).FindRole(ctx, req.ConversationID, req.RoleName)
		if err != nil {
			return apperror.FromStore(err, "role not found")
		}

		if err := s.roles.WithTx(tx).AssignRole(ctx, req.ConversationID, req.UserID, role.ID, s.now()); err != nil {
			return apperror.FromStore(err, "failed to assign role")
		}

		s.logger.Info().
			Str("conversation_id", req.ConversationID.String()).
			Str("user_id", req.UserID.String()).
			Str("role", req.RoleName).
			Msg("role assigned")
		return nil
	})
}

func (s *permissionService) RevokeRole(ctx context.Context, req dto.RoleAssignmentRequest) error {
	ctx, span := s.tracer.Start(ctx, "permission.revoke_role")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return apperror.Wrap(apperror.KindInvalid, "invalid role revocation", err)
	}

	return s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		if err := s.AuthorizeTx(ctx, tx, req.ConversationID, req.ActorID, models.PermRoleManage); err != nil {
			return err
		}

		role, err := s.roles.WithTx(tx).FindRole(ctx, req.ConversationID, req.RoleName)
		if err != nil {
			return apperror.FromStore(err, "role not found")
		}

		removed, err := s.roles.WithTx(tx).RevokeRole(ctx, req.ConversationID, req.UserID, role.ID)
		if err != nil {
			return apperror.FromStore(err, "failed to revoke role")
		}
		if !removed {
			return apperror.NotFound("role is not assigned to the user")
		}
		return nil
	})
}

func (s *permissionService) SetRolePermission(ctx context.Context, req dto.RolePermissionRequest) error {
	ctx, span := s.tracer.Start(ctx, "permission.set_role_permission")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return apperror.Wrap(apperror.KindInvalid, "invalid role permission", err)
	}

	return s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		roles := s.roles.WithTx(tx)

		if err := s.AuthorizeTx(ctx, tx, req.ConversationID, req.ActorID, models.PermRoleManage); err != nil {
			return err
		}

		known, err := roles.PermissionExists(ctx, req.PermissionKey)
		if err != nil {
			return apperror.FromStore(err, "failed to look up permission")
		}
		if !known {
			return apperror.Invalid("unknown permission " + req.PermissionKey)
		}

		role, err := roles.EnsureRole(ctx, req.ConversationID, req.RoleName)
		if err != nil {
			return apperror.FromStore(err, "failed to provision role")
		}

		if err := roles.SetPermission(ctx, role.ID, req.PermissionKey, req.Effect); err != nil {
			return apperror.FromStore(err, "failed to set role permission")
		}
		return nil
	})
}
