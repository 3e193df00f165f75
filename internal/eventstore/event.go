// Package eventstore journals build lifecycle events in SQLite and can fan
// them out over NATS.
package eventstore

import (
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/build"
)

// Event is one journaled lifecycle transition.
type Event struct {
	ID        int64     `json:"id"`
	BuildID   string    `json:"buildId"`
	Kind      string    `json:"kind"`
	Owner     string    `json:"-"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FromBuildEvent flattens a registry event into a journal entry.
func FromBuildEvent(ev build.Event) Event {
	e := Event{
		BuildID:   ev.Record.ID,
		Kind:      string(ev.Kind),
		Owner:     ev.Record.Owner,
		Status:    string(ev.Record.Status),
		Stage:     ev.Stage,
		Progress:  ev.Record.Progress,
		Timestamp: ev.At.UTC(),
	}
	switch ev.Kind {
	case build.EventFailed:
		e.Message = ev.Record.Error
	default:
		if n := len(ev.Record.Logs); n > 0 {
			e.Message = ev.Record.Logs[n-1].Message
		}
	}
	return e
}
