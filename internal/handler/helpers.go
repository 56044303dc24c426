package handler

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/middleware"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, apperror.Invalid(key + " must be an integer")
	}
	return parsed, nil
}

func parseUUIDParam(c *fiber.Ctx, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.Params(key)))
	if err != nil {
		return uuid.Nil, apperror.Invalid(key + " must be a uuid")
	}
	return id, nil
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
		if operator := middleware.OperatorID(c); operator != "" {
			logger = logger.With().Str("operator", operator).Logger()
		}
	}
	return &logger
}
