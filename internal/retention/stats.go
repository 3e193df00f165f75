package retention

import (
	"log/slog"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/state"
)

// StatsObserver keeps the durable lifetime counters in step with the registry.
type StatsObserver struct {
	store *state.StatsStore
}

// NewStatsObserver wraps an opened stats store.
func NewStatsObserver(store *state.StatsStore) *StatsObserver {
	return &StatsObserver{store: store}
}

// OnBuildEvent implements build.Observer.
func (o *StatsObserver) OnBuildEvent(ev build.Event) {
	var err error
	switch ev.Kind {
	case build.EventAdmitted:
		err = o.store.RecordSubmission(ev.At)
	case build.EventCompleted:
		err = o.store.RecordOutcome(state.OutcomeSucceeded)
	case build.EventFailed:
		err = o.store.RecordOutcome(state.OutcomeFailed)
	case build.EventCancelled:
		err = o.store.RecordOutcome(state.OutcomeCancelled)
	default:
		return
	}
	if err != nil {
		slog.Error("Failed to persist build stats", logfields.BuildID(ev.Record.ID), logfields.Error(err))
	}
}
