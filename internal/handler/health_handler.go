package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/symphire/counterpoint/internal/config"
	"github.com/symphire/counterpoint/internal/utils"
)

const probeTimeout = 2 * time.Second

// Probe checks a single dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthCheck returns a handler that reports application and dependency health.
func HealthCheck(cfg config.Config, probes ...Probe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}

		if len(probes) > 0 {
			payload.Dependencies = make(map[string]string, len(probes))
		}
		for _, probe := range probes {
			ctx, cancel := context.WithTimeout(c.UserContext(), probeTimeout)
			err := probe.Check(ctx)
			cancel()

			if err != nil {
				payload.Status = "degraded"
				payload.Dependencies[probe.Name] = err.Error()
				continue
			}
			payload.Dependencies[probe.Name] = "ok"
		}

		if payload.Status != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{
				Success: false,
				Data:    payload,
				Message: "service degraded",
			})
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
