package utils

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/symphire/counterpoint/internal/apperror"
)

// APIResponse describes the common structure for operator API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Kind    string      `json:"kind,omitempty"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
	})
}

// StatusForKind maps an error kind onto the HTTP status reported to operators.
func StatusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindInvalid:
		return fiber.StatusBadRequest
	case apperror.KindNotFound:
		return fiber.StatusNotFound
	case apperror.KindConflict:
		return fiber.StatusConflict
	case apperror.KindForbidden:
		return fiber.StatusForbidden
	case apperror.KindExhausted:
		return fiber.StatusTooManyRequests
	case apperror.KindTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// SendAppError reports err using its kind. Internal errors hide their message.
func SendAppError(c *fiber.Ctx, err error) error {
	kind := apperror.KindOf(err)
	status := StatusForKind(kind)

	message := "internal error"
	var appErr *apperror.Error
	if kind != apperror.KindInternal && errors.As(err, &appErr) {
		message = appErr.Message
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Kind:    string(kind),
	})
}
