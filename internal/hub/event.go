package hub

import "context"

type EventType string

const (
	EventNewMessage           EventType = "new_message"
	EventStatusUpdate         EventType = "status_update"
	EventScheduledMessageSent EventType = "scheduled_message_sent"
	EventHeartbeat            EventType = "heartbeat"
)

// Event is the JSON envelope pushed to every connected subscriber. Events
// are ephemeral: no durability, no replay.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Broadcaster fans an event out to live subscribers. Emission is a
// best-effort post-commit step; failures never roll back state changes.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event)
}
