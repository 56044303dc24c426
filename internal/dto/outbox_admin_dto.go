package dto

import "github.com/symphire/counterpoint/internal/models"

// Operator listing defaults for stuck outbox events.
const (
	DefaultStuckLimit = 50
	MaxStuckLimit     = 500
)

// StuckEventsResponse lists outbox events that exhausted their delivery attempts.
type StuckEventsResponse struct {
	Events []models.OutboxEvent `json:"events"`
	Count  int                  `json:"count"`
}

// RequeueResponse acknowledges an operator requeue.
type RequeueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
