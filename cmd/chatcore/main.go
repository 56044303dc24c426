package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/symphire/counterpoint/internal/chatcore"
	"github.com/symphire/counterpoint/internal/config"
	"github.com/symphire/counterpoint/internal/database"
	"github.com/symphire/counterpoint/internal/handler"
	"github.com/symphire/counterpoint/internal/middleware"
	"github.com/symphire/counterpoint/internal/router"
	"github.com/symphire/counterpoint/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxOpenConns)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	publisher, err := chatcore.NewPublisher(cfg.EventBus, logger)
	if err != nil {
		log.Fatalf("failed to open event bus: %v", err)
	}
	defer publisher.Close()

	core, err := chatcore.New(cfg, db, redisClient, publisher, logger)
	if err != nil {
		log.Fatalf("failed to assemble chat core: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				return utils.SendError(c, fiberErr.Code, fiberErr.Message)
			}
			middleware.Logger(c, logger).Error().Err(err).Str("path", c.Path()).Msg("unhandled request error")
			return utils.SendAppError(c, err)
		},
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		OutboxAdminHandler: handler.NewOutboxAdminHandler(core.Dispatcher, logger),
		HealthProbes: []handler.Probe{
			{Name: "database", Check: core.PingDatabase},
			{Name: "redis", Check: core.PingRedis},
		},
	})
	if cfg.Admin.JWTSecret == "" {
		logger.Warn().Msg("admin jwt secret not set, operator endpoints disabled")
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		core.Dispatcher.Run(dispatchCtx)
	}()

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)

	stopDispatch()
	<-dispatchDone
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
