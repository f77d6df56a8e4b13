// Package webhook publishes signed action lifecycle events to subscribed
// endpoints.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCreated   EventType = "ops_action.created"
	EventApproved  EventType = "ops_action.approved"
	EventExecuted  EventType = "ops_action.executed"
	EventFailed    EventType = "ops_action.failed"
	EventEscalated EventType = "ops_action.escalated"
	EventExpired   EventType = "ops_action.expired"
	EventRejected  EventType = "ops_action.rejected"
)

// EventFor maps a terminal or notable action status to its event type.
func EventFor(s contracts.ActionStatus) (EventType, bool) {
	switch s {
	case contracts.StatusApproved:
		return EventApproved, true
	case contracts.StatusExecuted:
		return EventExecuted, true
	case contracts.StatusFailed:
		return EventFailed, true
	case contracts.StatusExpired:
		return EventExpired, true
	case contracts.StatusRejected:
		return EventRejected, true
	}
	return "", false
}

// Event is the delivered envelope.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps an action snapshot.
func NewEvent(t EventType, a *contracts.Action, at time.Time) (Event, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		CreatedAt: at.UTC(),
		Data:      data,
	}, nil
}
