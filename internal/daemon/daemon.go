// Package daemon assembles the pkgforge service from its components and
// controls their start and stop order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/pkgforge/internal/artifacts"
	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/build/queue"
	"git.home.luguber.info/inful/pkgforge/internal/config"
	"git.home.luguber.info/inful/pkgforge/internal/eventstore"
	"git.home.luguber.info/inful/pkgforge/internal/gatekeeper"
	"git.home.luguber.info/inful/pkgforge/internal/identity"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/metrics"
	"git.home.luguber.info/inful/pkgforge/internal/pipeline"
	"git.home.luguber.info/inful/pkgforge/internal/quota"
	"git.home.luguber.info/inful/pkgforge/internal/retention"
	"git.home.luguber.info/inful/pkgforge/internal/server/httpserver"
	"git.home.luguber.info/inful/pkgforge/internal/state"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// quotaRetryAfter is the Retry-After hint attached to admission rejections.
const quotaRetryAfter = 30 * time.Second

// Daemon owns every long-lived component and their start/stop order.
type Daemon struct {
	config    *config.Config
	clock     clockwork.Clock
	status    atomic.Value // Status
	startTime time.Time
	mu        sync.Mutex

	credentials *state.CredentialStore
	stats       *state.StatsStore
	artifacts   *artifacts.FSStore
	registry    *build.Registry
	scheduler   *queue.Scheduler
	executor    *pipeline.Executor
	sweeper     *retention.Sweeper
	gatekeeper  *gatekeeper.Gatekeeper

	eventStore *eventstore.SQLiteStore
	publisher  *eventstore.NATSPublisher
	journal    *eventstore.Journal

	promRegistry *prom.Registry
	httpServer   *httpserver.Server
}

// Option customizes daemon construction.
type Option func(*options)

type options struct {
	clock  clockwork.Clock
	runner pipeline.Runner
}

// WithClock injects the clock shared by the registry, sweeper, executor and auth.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithRunner replaces the subprocess runner that drives the toolchain.
func WithRunner(r pipeline.Runner) Option { return func(o *options) { o.runner = r } }

// NewDaemon wires the service from cfg. Nothing runs until Start.
func NewDaemon(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{config: cfg, clock: o.clock}
	d.status.Store(StatusStopped)

	var err error
	if d.credentials, err = state.OpenCredentialStore(cfg.Storage.DataDir); err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	if d.stats, err = state.OpenStatsStore(cfg.Storage.DataDir); err != nil {
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}
	if d.artifacts, err = artifacts.NewFSStore(cfg.Storage.ArtifactDir); err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		d.promRegistry = prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(d.promRegistry)
	}

	d.registry = build.NewRegistry(quota.Limits{
		MaxActivePerIdentity: cfg.Limits.MaxActivePerIdentity,
		MaxQueued:            cfg.Limits.MaxQueued,
		RetryAfter:           quotaRetryAfter,
	}, build.WithClock(d.clock), build.WithRecorder(recorder))
	d.registry.AddObserver(retention.NewStatsObserver(d.stats))

	if d.sweeper, err = retention.NewSweeper(cfg.Retention, d.registry, d.artifacts,
		retention.WithClock(d.clock), retention.WithRecorder(recorder)); err != nil {
		return nil, err
	}

	execOpts := []pipeline.Option{
		pipeline.WithExpiry(d.sweeper),
		pipeline.WithRecorder(recorder),
		pipeline.WithClock(d.clock),
	}
	if o.runner != nil {
		execOpts = append(execOpts, pipeline.WithRunner(o.runner))
	}
	d.executor = pipeline.NewExecutor(cfg.Pipeline, d.registry, d.artifacts, execOpts...)

	d.scheduler = queue.NewScheduler(d.executor, cfg.Limits.MaxConcurrent, cfg.Limits.MaxQueued)
	d.scheduler.SetRecorder(recorder)
	d.registry.AttachQueue(d.scheduler)

	if err := d.openJournal(); err != nil {
		d.closeJournal()
		return nil, err
	}

	d.gatekeeper = gatekeeper.New(gatekeeper.Limits{
		MaxEntryBytes: cfg.Ingress.MaxEntryBytes,
		MaxTotalBytes: cfg.Ingress.MaxTotalBytes,
		MaxEntries:    cfg.Ingress.MaxEntries,
		MaxIconBytes:  cfg.Ingress.MaxIconBytes,
	})

	serverOpts := httpserver.Options{
		Registry:      d.registry,
		Ingress:       d.gatekeeper,
		Exchanger:     identity.NewExchanger(d.credentials, d.clock, cfg.Auth.ClockSkew, cfg.Server.PublicURL),
		Authenticator: identity.NewAuthenticator(cfg.Auth.AdminKey, d.credentials, d.clock),
		Runtime:       d,
	}
	if d.journal != nil {
		serverOpts.Events = d.journal
	}
	if d.promRegistry != nil {
		serverOpts.PrometheusHandler = metrics.HTTPHandler(d.promRegistry)
	}
	d.httpServer = httpserver.New(cfg, serverOpts)
	return d, nil
}

// openJournal attaches the sqlite lifecycle journal and, when configured, NATS fan-out.
func (d *Daemon) openJournal() error {
	if d.config.Events.DBPath == "" {
		return nil
	}
	store, err := eventstore.NewSQLiteStore(d.config.Events.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	d.eventStore = store

	var publisher eventstore.Publisher
	if d.config.Events.NATSURL != "" {
		p, err := eventstore.NewNATSPublisher(d.config.Events.NATSURL, d.config.Events.Subject)
		if err != nil {
			return fmt.Errorf("failed to connect event publisher: %w", err)
		}
		d.publisher = p
		publisher = p
	}
	d.journal = eventstore.NewJournal(store, publisher)
	d.registry.AddObserver(d.journal)
	return nil
}

func (d *Daemon) closeJournal() {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			slog.Warn("Failed to drain event publisher", logfields.Error(err))
		}
		d.publisher = nil
	}
	if d.eventStore != nil {
		if err := d.eventStore.Close(); err != nil {
			slog.Warn("Failed to close event journal", logfields.Error(err))
		}
		d.eventStore = nil
	}
}

// Start clears stale workdirs, starts retention (which purges expired
// artifacts first) and opens the HTTP listener.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.GetStatus() != StatusStopped {
		return fmt.Errorf("daemon is %s", d.GetStatus())
	}
	d.status.Store(StatusStarting)
	d.startTime = d.clock.Now()

	if err := d.executor.CleanWorkRoot(); err != nil {
		slog.Warn("Failed to clean work root", logfields.Path(d.config.Pipeline.WorkRoot), logfields.Error(err))
	}
	if err := d.sweeper.Start(ctx); err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}
	if err := d.httpServer.Start(ctx); err != nil {
		_ = d.sweeper.Stop(ctx)
		d.status.Store(StatusError)
		return err
	}

	d.status.Store(StatusRunning)
	slog.Info("pkgforge started",
		slog.String("addr", d.httpServer.Addr()),
		slog.Int("max_concurrent", d.config.Limits.MaxConcurrent),
		slog.Int("max_queued", d.config.Limits.MaxQueued))
	return nil
}

// Stop stops accepting requests, stops retention and dispatching, then waits
// for in-flight builds. Running builds see their context cancelled and are
// recorded failed.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.GetStatus() == StatusStopped {
		return nil
	}
	d.status.Store(StatusStopping)

	var errs []error
	if err := d.httpServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.sweeper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("retention sweeper shutdown: %w", err))
	}
	if err := d.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("build scheduler shutdown: %w", err))
	}
	d.closeJournal()
	if err := d.credentials.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("credential flush: %w", err))
	}

	d.status.Store(StatusStopped)
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	slog.Info("pkgforge stopped", slog.Duration("uptime", d.clock.Since(d.startTime)))
	return nil
}

// GetStatus returns the lifecycle status.
func (d *Daemon) GetStatus() Status {
	if s, ok := d.status.Load().(Status); ok {
		return s
	}
	return StatusError
}

// Handler returns the API handler without binding a listener.
func (d *Daemon) Handler() http.Handler { return d.httpServer.Handler() }

// Addr returns the bound listener address once started.
func (d *Daemon) Addr() string { return d.httpServer.Addr() }

// Registry exposes the build registry.
func (d *Daemon) Registry() *build.Registry { return d.registry }

// Sweeper exposes the retention sweeper.
func (d *Daemon) Sweeper() *retention.Sweeper { return d.sweeper }

// QueueStatus implements handlers.Runtime.
func (d *Daemon) QueueStatus() queue.Status { return d.scheduler.Status() }

// Stats implements handlers.Runtime.
func (d *Daemon) Stats() state.Stats { return d.stats.Snapshot() }

// RecordCount implements handlers.Runtime.
func (d *Daemon) RecordCount() int { return d.registry.Len() }
