package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/symphire/counterpoint/internal/config"
	"github.com/symphire/counterpoint/internal/handler"
	"github.com/symphire/counterpoint/internal/middleware"
	"github.com/symphire/counterpoint/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	OutboxAdminHandler *handler.OutboxAdminHandler
	HealthProbes       []handler.Probe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	app.Get("/metrics", observability.MetricsHandler())

	// Operator endpoints stay unmounted without a signing secret.
	if cfg.Admin.JWTSecret == "" || deps.OutboxAdminHandler == nil {
		return
	}

	admin := app.Group(middleware.AdminPrefix,
		middleware.OperatorAuth(cfg.Admin.JWTSecret),
		middleware.RequireRole(middleware.RoleOperator),
		middleware.RateLimit("admin", cfg.Admin.RateLimit, cfg.Admin.RateWindow),
	)
	deps.OutboxAdminHandler.Register(admin.Group("/outbox"))
}
