package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const headerPartitionKey = "Partition-Key"

// NATSPublisher publishes to a JetStream stream. The event id travels as the
// Nats-Msg-Id header so the stream drops redeliveries inside its dedupe window.
type NATSPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher connects to url and ensures a stream capturing subject.* exists.
func NewNATSPublisher(url, subject, stream string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("counterpoint-outbox"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	if stream != "" {
		if err := ensureStream(js, stream, Subject(subject, ">")); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return &NATSPublisher{
		conn:    conn,
		js:      js,
		subject: subject,
		logger:  logger.With().Str("component", "nats_publisher").Logger(),
	}, nil
}

func ensureStream(js nats.JetStreamContext, name, subjects string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subjects},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Publish sends msg and waits for the stream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	out := BuildNATSMsg(p.subject, msg)

	ack, err := p.js.PublishMsg(out, nats.MsgId(msg.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.ID, out.Subject, err)
	}
	if ack != nil && ack.Duplicate {
		p.logger.Debug().Str("event_id", msg.ID).Msg("stream reported duplicate delivery")
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// BuildNATSMsg maps a Message onto a NATS message on prefix.<type>.
func BuildNATSMsg(prefix string, msg Message) *nats.Msg {
	out := nats.NewMsg(Subject(prefix, msg.Type))
	out.Data = msg.Body
	out.Header.Set(nats.MsgIdHdr, msg.ID)
	if msg.Key != "" {
		out.Header.Set(headerPartitionKey, msg.Key)
	}
	return out
}
