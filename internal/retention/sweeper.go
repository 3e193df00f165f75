// Package retention reclaims finished build records and retained artifacts.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/config"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/metrics"
)

// Removal kinds reported to metrics.
const (
	KindRecord   = "record"
	KindArtifact = "artifact"
)

// Registry is the registry surface the sweeper needs.
type Registry interface {
	RemoveTerminalOlderThan(cutoff time.Time) []build.Record
	MarkArtifactRemoved(id string)
}

// ArtifactStore is the artifact surface the sweeper needs.
type ArtifactStore interface {
	Delete(id string) error
	PurgeOlderThan(cutoff time.Time) ([]string, error)
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Records   int
	Artifacts int
}

// Sweeper runs the periodic record sweep and per-artifact expiry timers.
type Sweeper struct {
	cfg      config.RetentionConfig
	registry Registry
	store    ArtifactStore
	clock    clockwork.Clock
	recorder metrics.Recorder

	scheduler gocron.Scheduler

	mu      sync.Mutex
	timers  map[string]clockwork.Timer
	stopped bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock injects the clock used for cutoffs, timers and the sweep schedule.
func WithClock(c clockwork.Clock) Option { return func(s *Sweeper) { s.clock = c } }

// WithRecorder injects a metrics recorder.
func WithRecorder(m metrics.Recorder) Option {
	return func(s *Sweeper) {
		if m != nil {
			s.recorder = m
		}
	}
}

// NewSweeper creates a stopped sweeper.
func NewSweeper(cfg config.RetentionConfig, registry Registry, store ArtifactStore, opts ...Option) (*Sweeper, error) {
	s := &Sweeper{
		cfg:      cfg,
		registry: registry,
		store:    store,
		clock:    clockwork.NewRealClock(),
		recorder: metrics.NoopRecorder{},
		timers:   make(map[string]clockwork.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	s.scheduler = sched
	return s, nil
}

// Start purges artifacts that expired while the service was down and then
// schedules the periodic sweep.
func (s *Sweeper) Start(_ context.Context) error {
	if n, err := s.PurgeExpiredArtifacts(); err != nil {
		slog.Warn("Startup artifact purge incomplete", logfields.Error(err))
	} else if n > 0 {
		slog.Info("Purged expired artifacts at startup", slog.Int("count", n))
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() { s.Sweep() }),
		gocron.WithName("retention-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create retention sweep job: %w", err)
	}

	slog.Info("Starting retention sweeper",
		slog.Duration("interval", s.cfg.SweepInterval),
		slog.Duration("record_ttl", s.cfg.RecordTTL),
		slog.Duration("artifact_ttl", s.cfg.ArtifactTTL))
	s.scheduler.Start()
	return nil
}

// Stop cancels pending artifact timers and shuts the scheduler down.
// Artifacts whose timers were cancelled are picked up by the next startup purge.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	slog.Info("Stopping retention sweeper")
	return s.scheduler.Shutdown()
}

// ScheduleArtifactExpiry deletes id's artifact once the artifact TTL elapses.
func (s *Sweeper) ScheduleArtifactExpiry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = s.clock.AfterFunc(s.cfg.ArtifactTTL, func() { s.expireArtifact(id) })
}

// PendingExpiries returns the number of armed artifact timers.
func (s *Sweeper) PendingExpiries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Sweeper) expireArtifact(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	if err := s.store.Delete(id); err != nil {
		slog.Error("Failed to delete expired artifact", logfields.BuildID(id), logfields.Error(err))
		return
	}
	s.registry.MarkArtifactRemoved(id)
	s.recorder.IncRetentionRemoved(KindArtifact, 1)
	slog.Info("Artifact expired", logfields.BuildID(id))
}

// Sweep removes terminal records older than the record TTL and artifact
// files older than the artifact TTL.
func (s *Sweeper) Sweep() SweepResult {
	now := s.clock.Now()

	removed := s.registry.RemoveTerminalOlderThan(now.Add(-s.cfg.RecordTTL))
	for _, rec := range removed {
		slog.Debug("Record expired", logfields.BuildID(rec.ID), logfields.Status(string(rec.Status)))
	}
	s.recorder.IncRetentionRemoved(KindRecord, len(removed))

	artifacts, err := s.PurgeExpiredArtifacts()
	if err != nil {
		slog.Warn("Artifact purge incomplete", logfields.Error(err))
	}

	res := SweepResult{Records: len(removed), Artifacts: artifacts}
	if res.Records > 0 || res.Artifacts > 0 {
		slog.Info("Retention sweep", slog.Int("records", res.Records), slog.Int("artifacts", res.Artifacts))
	}
	return res
}

// PurgeExpiredArtifacts deletes artifact files older than the artifact TTL.
func (s *Sweeper) PurgeExpiredArtifacts() (int, error) {
	ids, err := s.store.PurgeOlderThan(s.clock.Now().Add(-s.cfg.ArtifactTTL))
	for _, id := range ids {
		s.mu.Lock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
		s.registry.MarkArtifactRemoved(id)
	}
	s.recorder.IncRetentionRemoved(KindArtifact, len(ids))
	return len(ids), err
}
