package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/symphire/counterpoint/internal/utils"
)

// RoleOperator is the only role admitted to the operator endpoints.
const RoleOperator = "operator"

// RequireRole ensures that the authenticated operator possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role, _ := c.Locals(LocalOperatorRole).(string)
		if _, ok := allowed[role]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}
