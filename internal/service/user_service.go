package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
	"github.com/symphire/counterpoint/internal/repository"
)

// UserService manages the identities other services reference.
type UserService interface {
	Register(ctx context.Context, req dto.RegisterUserRequest) (models.User, error)
	Get(ctx context.Context, id uuid.UUID) (models.User, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type userService struct {
	users     repository.UserRepository
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewUserService constructs a user service.
func NewUserService(users repository.UserRepository, validate *validator.Validate, logger zerolog.Logger) UserService {
	return &userService{
		users:     users,
		validator: validate,
		logger:    logger.With().Str("component", "user_service").Logger(),
		now:       utcNow,
	}
}

func (s *userService) Register(ctx context.Context, req dto.RegisterUserRequest) (models.User, error) {
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if err := s.validator.Struct(req); err != nil {
		return models.User{}, apperror.Wrap(apperror.KindInvalid, "invalid username", err)
	}

	user := models.User{
		ID:        uuid.New(),
		Username:  req.Username,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.users.Create(ctx, &user); err != nil {
		if apperror.IsDuplicateKey(err) {
			return models.User{}, apperror.Wrap(apperror.KindConflict, "username already taken", err)
		}
		return models.User{}, apperror.FromStore(err, "failed to register user")
	}

	s.logger.Info().Str("user_id", user.ID.String()).Str("username", user.Username).Msg("user registered")
	return user, nil
}

func (s *userService) Get(ctx context.Context, id uuid.UUID) (models.User, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return models.User{}, apperror.FromStore(err, "user not found")
	}
	return user, nil
}

func (s *userService) Deactivate(ctx context.Context, id uuid.UUID) error {
	updated, err := s.users.SetActive(ctx, id, false)
	if err != nil {
		return apperror.FromStore(err, "failed to deactivate user")
	}
	if !updated {
		return apperror.NotFound("user not found")
	}
	s.logger.Info().Str("user_id", id.String()).Msg("user deactivated")
	return nil
}
