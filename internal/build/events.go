package build

import (
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/logfields"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventAdmitted  EventKind = "admitted"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventRemoved   EventKind = "removed"
)

// Event is delivered to observers after the registry lock is released.
// Observers see events in Seq order, which is the order the registry
// applied them.
type Event struct {
	Seq    uint64
	Kind   EventKind
	Record Record
	Stage  string
	At     time.Time
}

// Observer receives lifecycle events. Implementations must not call back
// into the registry synchronously with a lock held.
type Observer interface {
	OnBuildEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// OnBuildEvent calls f(ev).
func (f ObserverFunc) OnBuildEvent(ev Event) { f(ev) }

func notify(observers []Observer, ev Event) {
	for _, o := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("Build observer panicked", logfields.BuildID(ev.Record.ID), slog.Any("panic", rec))
				}
			}()
			o.OnBuildEvent(ev)
		}()
	}
}
