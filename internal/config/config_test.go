package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("COUNTERPOINT_DATABASE_URL", "postgres://localhost/counterpoint")
	t.Setenv("COUNTERPOINT_VERIFIER_HMAC_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, 3, cfg.MaxTxRetries)
	require.Equal(t, "log", cfg.EventBus.Kind)
	require.Equal(t, 256, cfg.Outbox.BatchSize)
	require.Equal(t, 200*time.Millisecond, cfg.Outbox.PollInterval)
	require.Equal(t, 10, cfg.Outbox.MaxAttempts)
	require.Equal(t, 3, cfg.Verifier.DefaultTries)
	require.Equal(t, 5*time.Minute, cfg.Verifier.TTL)
	require.Empty(t, cfg.Admin.JWTSecret)
	require.Equal(t, 60, cfg.Admin.RateLimit)
	require.Equal(t, time.Minute, cfg.Admin.RateWindow)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("COUNTERPOINT_DATABASE_URL", "postgres://localhost/counterpoint")
	t.Setenv("COUNTERPOINT_VERIFIER_HMAC_KEY", "secret")
	t.Setenv("COUNTERPOINT_APP_PORT", ":9000")
	t.Setenv("COUNTERPOINT_EVENTBUS_KIND", "NATS")
	t.Setenv("COUNTERPOINT_EVENTBUS_NATS_URL", "nats://localhost:4222")
	t.Setenv("COUNTERPOINT_OUTBOX_BASE_BACKOFF", "250ms")
	t.Setenv("COUNTERPOINT_OUTBOX_MAX_ATTEMPTS", "4")
	t.Setenv("COUNTERPOINT_ADMIN_JWT_SECRET", "ops")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTPAddress())
	require.Equal(t, "nats", cfg.EventBus.Kind)
	require.Equal(t, "nats://localhost:4222", cfg.EventBus.NATSURL)
	require.Equal(t, 250*time.Millisecond, cfg.Outbox.BaseBackoff)
	require.Equal(t, 4, cfg.Outbox.MaxAttempts)
	require.Equal(t, "ops", cfg.Admin.JWTSecret)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("COUNTERPOINT_DATABASE_URL", "postgres://localhost/counterpoint")
	t.Setenv("COUNTERPOINT_VERIFIER_HMAC_KEY", "secret")

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("COUNTERPOINT_OUTBOX_LEASE", "soon")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("unknown bus", func(t *testing.T) {
		t.Setenv("COUNTERPOINT_EVENTBUS_KIND", "kafka")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("rabbit without url", func(t *testing.T) {
		t.Setenv("COUNTERPOINT_EVENTBUS_KIND", "rabbitmq")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("backoff inverted", func(t *testing.T) {
		t.Setenv("COUNTERPOINT_OUTBOX_BASE_BACKOFF", "10m")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("COUNTERPOINT_DATABASE_URL", "postgres://localhost/counterpoint")
	t.Setenv("COUNTERPOINT_VERIFIER_HMAC_KEY", "")

	_, err := Load()
	require.Error(t, err)
}
