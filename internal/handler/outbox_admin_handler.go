package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/service"
	"github.com/symphire/counterpoint/internal/utils"
)

// OutboxAdminHandler exposes outbox inspection and recovery to operators.
type OutboxAdminHandler struct {
	dispatcher service.OutboxDispatcher
	logger     zerolog.Logger
}

// NewOutboxAdminHandler constructs the operator outbox handler.
func NewOutboxAdminHandler(dispatcher service.OutboxDispatcher, logger zerolog.Logger) *OutboxAdminHandler {
	return &OutboxAdminHandler{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "outbox_admin_handler").Logger(),
	}
}

// Register wires operator outbox routes.
func (h *OutboxAdminHandler) Register(router fiber.Router) {
	router.Get("/stuck", h.listStuck)
	router.Get("/stats", h.stats)
	router.Post("/:id/requeue", h.requeue)
}

func (h *OutboxAdminHandler) listStuck(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendAppError(c, err)
	}
	switch {
	case limit == 0:
		limit = dto.DefaultStuckLimit
	case limit < 0:
		return utils.SendAppError(c, apperror.Invalid("limit must be positive"))
	case limit > dto.MaxStuckLimit:
		limit = dto.MaxStuckLimit
	}

	events, err := h.dispatcher.ListStuck(c.UserContext(), limit)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list stuck outbox events")
		return utils.SendAppError(c, err)
	}

	return utils.SendSuccess(c, "stuck events retrieved", dto.StuckEventsResponse{
		Events: events,
		Count:  len(events),
	})
}

func (h *OutboxAdminHandler) stats(c *fiber.Ctx) error {
	stats, err := h.dispatcher.Stats(c.UserContext())
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to load outbox stats")
		return utils.SendAppError(c, err)
	}
	return utils.SendSuccess(c, "outbox stats retrieved", stats)
}

func (h *OutboxAdminHandler) requeue(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return utils.SendAppError(c, err)
	}

	if err := h.dispatcher.Requeue(c.UserContext(), id); err != nil {
		logger := requestLogger(h.logger, c)
		if apperror.KindOf(err) == apperror.KindInternal {
			logger.Error().Err(err).Str("event_id", id.String()).Msg("failed to requeue outbox event")
		} else {
			logger.Warn().Err(err).Str("event_id", id.String()).Msg("outbox requeue rejected")
		}
		return utils.SendAppError(c, err)
	}

	requestLogger(h.logger, c).Info().Str("event_id", id.String()).Msg("outbox event requeued")
	return utils.SendSuccess(c, "event requeued", dto.RequeueResponse{ID: id.String(), Status: "requeued"})
}
