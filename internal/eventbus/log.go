package eventbus

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes every message to the logger. It is the default bus for
// local runs where no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher constructs a publisher that only logs.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "log_publisher").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info().
		Str("event_id", msg.ID).
		Str("event_type", msg.Type).
		Str("key", msg.Key).
		RawJSON("body", msg.Body).
		Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
