package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/symphire/counterpoint/internal/utils"
)

// Locals keys populated by OperatorAuth.
const (
	LocalOperatorID   = "operator_id"
	LocalOperatorRole = "operator_role"
)

// OperatorClaims are the claims carried by operator bearer tokens.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// OperatorAuth validates HMAC signed bearer tokens and records the subject and role.
func OperatorAuth(secret string) fiber.Handler {
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		authorization := c.Get(fiber.HeaderAuthorization)
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "Bearer "
		if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		tokenString := strings.TrimSpace(authorization[len(bearer):])
		if tokenString == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims := &OperatorClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		}, jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		subject := strings.TrimSpace(claims.Subject)
		if subject == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		c.Locals(LocalOperatorID, subject)
		c.Locals(LocalOperatorRole, strings.ToLower(strings.TrimSpace(claims.Role)))

		return c.Next()
	}
}

// OperatorID returns the authenticated operator subject, if any.
func OperatorID(c *fiber.Ctx) string {
	if v, ok := c.Locals(LocalOperatorID).(string); ok {
		return v
	}
	return ""
}
