// Package eventbus delivers outbox events to the message broker.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/symphire/counterpoint/internal/dto"
)

// Message is one event ready for the broker.
type Message struct {
	ID   string
	Type string
	Key  string
	Body []byte
}

// Publisher hands messages to a broker. Delivery is at-least-once: the broker
// may see the same ID more than once and consumers dedupe on it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// NewMessage encodes a dispatch envelope into a broker message.
func NewMessage(envelope dto.DispatchEnvelope) (Message, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return Message{}, fmt.Errorf("encode dispatch envelope %s: %w", envelope.EventID, err)
	}
	return Message{
		ID:   envelope.EventID,
		Type: envelope.Type,
		Key:  envelope.RoutingKey(),
		Body: body,
	}, nil
}

// Subject joins a subject prefix and an event type, e.g.
// "counterpoint.events" + "chat.message.new".
func Subject(prefix, eventType string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}
