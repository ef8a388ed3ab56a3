// Package events names the bus subjects command events are published on and
// converts coordinator events into bus events.
package events

import (
	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/events/bus"
)

// Source identifies this service on published events.
const Source = "cmdq"

// CommandSubjectPrefix is the root of every command event subject.
const CommandSubjectPrefix = "cmdq.command"

// BuildCommandSubject returns the subject for one event type,
// e.g. cmdq.command.progress.
func BuildCommandSubject(eventType models.EventType) string {
	return CommandSubjectPrefix + "." + string(eventType)
}

// BuildCommandWildcardSubject matches every command event.
func BuildCommandWildcardSubject() string {
	return CommandSubjectPrefix + ".>"
}

// FromCommandEvent wraps a coordinator event for the bus.
func FromCommandEvent(ev models.Event) *bus.Event {
	out := bus.NewEvent(string(ev.Type), Source, ev.Payload)
	out.CommandID = ev.CommandID
	if !ev.Timestamp.IsZero() {
		out.Timestamp = ev.Timestamp
	}
	return out
}
