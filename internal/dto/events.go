package dto

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/datatypes"

	"github.com/symphire/counterpoint/internal/models"
)

// Event types written to the outbox.
const (
	EventMessageNew          = "chat.message.new"
	EventFriendshipRequested = "friendship.requested"
	EventFriendshipAccepted  = "friendship.accepted"
	EventGroupNew            = "group.new"
	EventGroupMemberNew      = "group.member.new"
)

// EnvelopeVersion is the payload format version stamped on every event.
const EnvelopeVersion = 1

// EventEnvelope is the persisted payload of an outbox event.
type EventEnvelope struct {
	Version int             `json:"version"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// MessageNewData announces a committed message.
type MessageNewData struct {
	ConversationID string    `json:"conversation_id"`
	Offset         int64     `json:"offset"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// FriendshipRequestedData announces a new pending friendship.
type FriendshipRequestedData struct {
	RequesterID string `json:"requester_id"`
	AddresseeID string `json:"addressee_id"`
}

// FriendshipAcceptedData announces an accepted friendship and its direct conversation.
type FriendshipAcceptedData struct {
	UserA          string `json:"user_a"`
	UserB          string `json:"user_b"`
	ConversationID string `json:"conversation_id"`
}

// GroupNewData tells a user they are now part of a group.
type GroupNewData struct {
	GroupID        string `json:"group_id"`
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	Name           string `json:"name"`
}

// GroupMemberNewData tells existing members somebody joined.
type GroupMemberNewData struct {
	GroupID        string `json:"group_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	InvitedBy      string `json:"invited_by"`
}

// DispatchEnvelope is the message body handed to the event bus.
type DispatchEnvelope struct {
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Receivers    []string        `json:"receivers"`
	Payload      json.RawMessage `json:"payload"`
}

const eventSchemaURL = "https://counterpoint.local/schemas/event_envelope.json"

const uuidPattern = "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"

var eventSchemaSource = strings.ReplaceAll(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "type", "data"],
  "additionalProperties": false,
  "properties": {
    "version": {"const": 1},
    "type": {"enum": ["chat.message.new", "friendship.requested", "friendship.accepted", "group.new", "group.member.new"]},
    "data": {"type": "object"}
  },
  "$defs": {
    "id": {"type": "string", "pattern": "UUID_PATTERN"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "chat.message.new"}}},
      "then": {"properties": {"data": {
        "required": ["conversation_id", "offset", "message_id", "sender_id", "content", "created_at"],
        "properties": {
          "conversation_id": {"$ref": "#/$defs/id"},
          "offset": {"type": "integer", "minimum": 1},
          "message_id": {"type": "string", "minLength": 26, "maxLength": 26},
          "sender_id": {"$ref": "#/$defs/id"},
          "content": {"type": "string", "minLength": 1},
          "created_at": {"type": "string"}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "friendship.requested"}}},
      "then": {"properties": {"data": {
        "required": ["requester_id", "addressee_id"],
        "properties": {
          "requester_id": {"$ref": "#/$defs/id"},
          "addressee_id": {"$ref": "#/$defs/id"}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "friendship.accepted"}}},
      "then": {"properties": {"data": {
        "required": ["user_a", "user_b", "conversation_id"],
        "properties": {
          "user_a": {"$ref": "#/$defs/id"},
          "user_b": {"$ref": "#/$defs/id"},
          "conversation_id": {"$ref": "#/$defs/id"}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "group.new"}}},
      "then": {"properties": {"data": {
        "required": ["group_id", "conversation_id", "owner_id", "name"],
        "properties": {
          "group_id": {"$ref": "#/$defs/id"},
          "conversation_id": {"$ref": "#/$defs/id"},
          "owner_id": {"$ref": "#/$defs/id"},
          "name": {"type": "string", "minLength": 1}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "group.member.new"}}},
      "then": {"properties": {"data": {
        "required": ["group_id", "conversation_id", "user_id", "invited_by"],
        "properties": {
          "group_id": {"$ref": "#/$defs/id"},
          "conversation_id": {"$ref": "#/$defs/id"},
          "user_id": {"$ref": "#/$defs/id"},
          "invited_by": {"$ref": "#/$defs/id"}
        }
      }}}
    }
  ]
}`, "UUID_PATTERN", uuidPattern)

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

// EventSchema returns the compiled schema every outbox payload must satisfy.
func EventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(eventSchemaURL, strings.NewReader(eventSchemaSource)); err != nil {
			eventSchemaErr = fmt.Errorf("load event schema: %w", err)
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile(eventSchemaURL)
	})
	return eventSchema, eventSchemaErr
}

// ValidatePayload checks a raw envelope against the event schema.
func ValidatePayload(raw []byte) error {
	schema, err := EventSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("event payload rejected: %w", err)
	}
	return nil
}

// NewOutboxEvent builds a ready-to-deliver outbox row. Receivers are copied so
// later membership changes do not alter who the event is addressed to.
func NewOutboxEvent(eventType, partitionKey string, receivers []uuid.UUID, data interface{}, now time.Time) (models.OutboxEvent, error) {
	rawData, err := json.Marshal(data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s data: %w", eventType, err)
	}

	payload, err := json.Marshal(EventEnvelope{Version: EnvelopeVersion, Type: eventType, Data: rawData})
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	if err := ValidatePayload(payload); err != nil {
		return models.OutboxEvent{}, err
	}

	snapshot := make([]string, 0, len(receivers))
	for _, id := range receivers {
		snapshot = append(snapshot, id.String())
	}
	rawReceivers, err := json.Marshal(snapshot)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode receivers: %w", err)
	}

	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		Receivers:     datatypes.JSON(rawReceivers),
		Payload:       datatypes.JSON(payload),
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if partitionKey != "" {
		key := partitionKey
		event.PartitionKey = &key
	}

	return event, nil
}

// NewDispatchEnvelope converts a stored event into the bus message body.
func NewDispatchEnvelope(event models.OutboxEvent) (DispatchEnvelope, error) {
	var receivers []string
	if len(event.Receivers) > 0 {
		if err := json.Unmarshal(event.Receivers, &receivers); err != nil {
			return DispatchEnvelope{}, fmt.Errorf("decode receivers of %s: %w", event.ID, err)
		}
	}
	if receivers == nil {
		receivers = []string{}
	}

	envelope := DispatchEnvelope{
		EventID:   event.ID.String(),
		Type:      event.EventType,
		Receivers: receivers,
		Payload:   json.RawMessage(event.Payload),
	}
	if event.PartitionKey != nil {
		envelope.PartitionKey = *event.PartitionKey
	}
	return envelope, nil
}

// RoutingKey is the key the bus partitions on: the partition key when set,
// otherwise the event id.
func (e DispatchEnvelope) RoutingKey() string {
	if e.PartitionKey != "" {
		return e.PartitionKey
	}
	return e.EventID
}
