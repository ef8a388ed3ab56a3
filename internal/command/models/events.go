package models

import "time"

// EventType names a coordinator notification.
type EventType string

const (
	EventOutput      EventType = "output"
	EventError       EventType = "error"
	EventProgress    EventType = "progress"
	EventStatus      EventType = "status"
	EventComplete    EventType = "complete"
	EventQueueUpdate EventType = "queue_update"
)

// Event is delivered to coordinator subscribers. CommandID is empty for
// queue_update events. EventComplete carries a *Result payload.
type Event struct {
	Type      EventType   `json:"type"`
	CommandID string      `json:"command_id,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// OutputPayload accompanies EventOutput and EventError.
type OutputPayload struct {
	Text string `json:"text"`
}

// ProgressPayload accompanies EventProgress.
type ProgressPayload struct {
	Percent int `json:"percent"`
}

// StatusPayload accompanies EventStatus.
type StatusPayload struct {
	Message string `json:"message"`
}

// QueuePayload accompanies EventQueueUpdate.
type QueuePayload struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}
