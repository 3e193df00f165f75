package eventstore

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
)

// Publisher forwards journal events to another system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Journal records registry lifecycle events. It implements build.Observer.
type Journal struct {
	store     *SQLiteStore
	publisher Publisher
	timeout   time.Duration
}

// NewJournal journals into store and, when publisher is non-nil, forwards
// every event to it.
func NewJournal(store *SQLiteStore, publisher Publisher) *Journal {
	return &Journal{store: store, publisher: publisher, timeout: 5 * time.Second}
}

// OnBuildEvent implements build.Observer. A record leaving the registry
// takes its journal with it.
func (j *Journal) OnBuildEvent(ev build.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	e := FromBuildEvent(ev)
	if ev.Kind == build.EventRemoved {
		if _, err := j.store.DeleteBuild(ctx, e.BuildID); err != nil {
			slog.Warn("Failed to drop build journal", logfields.BuildID(e.BuildID), logfields.Error(err))
		}
	} else {
		stored, err := j.store.Append(ctx, e)
		if err != nil {
			slog.Warn("Failed to journal build event", logfields.BuildID(e.BuildID), slog.String("kind", e.Kind), logfields.Error(err))
		} else {
			e = stored
		}
	}

	if j.publisher != nil {
		if err := j.publisher.Publish(ctx, e); err != nil {
			slog.Warn("Failed to publish build event", logfields.BuildID(e.BuildID), slog.String("kind", e.Kind), logfields.Error(err))
		}
	}
}

// Events returns the journal of one build.
func (j *Journal) Events(ctx context.Context, buildID string) ([]Event, error) {
	return j.store.ByBuildID(ctx, buildID)
}
