package build

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/identity"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/metrics"
	"git.home.luguber.info/inful/pkgforge/internal/quota"
)

// Queue is the scheduler surface the registry drives during admission and cancellation.
type Queue interface {
	Enqueue(id string) (int, error)
	Remove(id string) bool
	Pending() int
	Position(id string) (int, bool)
}

// Rejection reasons reported to metrics.
const (
	RejectIdentityQuota = "identity_quota"
	RejectQueueFull     = "queue_full"
)

// Registry owns every build record.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record

	queue     Queue
	limits    quota.Limits
	clock     clockwork.Clock
	newID     func() string
	observers []Observer
	recorder  metrics.Recorder

	// Events are sequenced under mu and delivered in that order by
	// whichever caller finds no delivery in progress.
	seq        uint64
	outbox     []Event
	delivering bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the clock used for record timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithIDGenerator overrides build id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithRecorder injects a metrics recorder.
func WithRecorder(m metrics.Recorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.recorder = m
		}
	}
}

// NewRegistry creates an empty registry. AttachQueue must be called before Admit.
func NewRegistry(limits quota.Limits, opts ...Option) *Registry {
	r := &Registry{
		records:  make(map[string]*Record),
		limits:   limits,
		clock:    clockwork.NewRealClock(),
		newID:    uuid.NewString,
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AttachQueue wires the scheduler. The scheduler's runner usually calls back
// into the registry, so the two are constructed separately.
func (r *Registry) AttachQueue(q Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = q
}

// AddObserver registers a lifecycle observer after construction.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Admit atomically checks quotas, creates a queued record and enqueues it.
// It returns the record and its 1-based queue position (0 when dispatched immediately).
func (r *Registry) Admit(caller identity.Identity, cfg Config) (Record, int, error) {
	if !caller.Valid() {
		return Record{}, 0, errors.AuthError("authentication required").Build()
	}

	r.mu.Lock()
	if r.queue == nil {
		r.mu.Unlock()
		return Record{}, 0, errors.InternalError("build queue not attached").Build()
	}

	owner := caller.Owner()
	if err := r.limits.CheckIdentity(r.activeCountLocked(owner), caller.Admin); err != nil {
		r.mu.Unlock()
		r.recorder.IncAdmissionRejected(RejectIdentityQuota)
		return Record{}, 0, err
	}
	if err := r.limits.CheckQueue(r.queue.Pending()); err != nil {
		r.mu.Unlock()
		r.recorder.IncAdmissionRejected(RejectQueueFull)
		return Record{}, 0, err
	}

	now := r.clock.Now().UTC()
	rec := &Record{
		ID:        r.newID(),
		Owner:     owner,
		Status:    StatusQueued,
		Config:    cfg,
		CreatedAt: now,
		Logs:      []LogEntry{{Timestamp: now, Message: "Build queued"}},
	}
	r.records[rec.ID] = rec

	position, err := r.queue.Enqueue(rec.ID)
	if err != nil {
		delete(r.records, rec.ID)
		r.mu.Unlock()
		if errors.HasCategory(err, errors.CategoryQuota) {
			r.recorder.IncAdmissionRejected(RejectQueueFull)
		}
		return Record{}, 0, err
	}
	snap := rec.clone()
	r.emitLocked(Event{Kind: EventAdmitted, Record: snap, At: now})
	r.mu.Unlock()

	r.recorder.IncSubmission()
	slog.Info("Build admitted", logfields.BuildID(snap.ID), logfields.Owner(snap.Owner), slog.Int("queue_position", position))
	r.deliver()
	return snap, position, nil
}

// Get returns a snapshot of a record the caller may access.
func (r *Registry) Get(caller identity.Identity, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.accessibleLocked(caller, id)
	if err != nil {
		return Record{}, err
	}
	return rec.clone(), nil
}

// Lookup returns a snapshot without an ownership check. It is for internal
// components that act on behalf of the service itself.
func (r *Registry) Lookup(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns the caller's records (all records for the Admin), newest first.
func (r *Registry) List(caller identity.Identity) []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if caller.CanAccess(rec.Owner) {
			out = append(out, rec.clone())
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Position returns the queue position of a queued build.
func (r *Registry) Position(id string) (int, bool) {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q == nil {
		return 0, false
	}
	return q.Position(id)
}

// ActiveCount returns the number of non-terminal records owned by owner.
func (r *Registry) ActiveCount(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCountLocked(owner)
}

// Cancel moves a queued build to cancelled. Builds that were already
// dispatched cannot be cancelled.
func (r *Registry) Cancel(caller identity.Identity, id string) (Record, error) {
	r.mu.Lock()
	rec, err := r.accessibleLocked(caller, id)
	if err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	if rec.Status != StatusQueued {
		r.mu.Unlock()
		return Record{}, errors.ConflictError(fmt.Sprintf("build is %s and can no longer be cancelled", rec.Status)).
			WithContext("status", string(rec.Status)).
			Build()
	}
	if r.queue == nil || !r.queue.Remove(id) {
		// Dispatched but not yet marked building.
		r.mu.Unlock()
		return Record{}, errors.ConflictError("build has already been dispatched").
			WithContext("status", string(StatusBuilding)).
			Build()
	}

	now := r.clock.Now().UTC()
	rec.Status = StatusCancelled
	rec.Config.Source = nil
	rec.CompletedAt = &now
	rec.Logs = append(rec.Logs, LogEntry{Timestamp: now, Message: "Build cancelled"})
	snap := rec.clone()
	r.emitLocked(Event{Kind: EventCancelled, Record: snap, At: now})
	r.mu.Unlock()

	r.recorder.IncBuildOutcome(string(StatusCancelled))
	slog.Info("Build cancelled", logfields.BuildID(id), logfields.Owner(snap.Owner))
	r.deliver()
	return snap, nil
}

// Start marks a dispatched build as building. The returned snapshot is the
// only one that carries the build's Source; the registry releases it.
func (r *Registry) Start(id string) (Record, error) {
	var src Source
	rec, err := r.transition(id, StatusBuilding, EventStarted, "", func(rec *Record, now time.Time) {
		src = rec.Config.Source
		rec.Config.Source = nil
		rec.StartedAt = &now
		rec.Logs = append(rec.Logs, LogEntry{Timestamp: now, Message: "Build started"})
	})
	if err != nil {
		return Record{}, err
	}
	rec.Config.Source = src
	return rec, nil
}

// Advance records entry into a pipeline stage. Progress never decreases.
func (r *Registry) Advance(id, stage string, progress int, message string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFoundError("build not found").WithContext("build_id", id).Build()
	}
	if rec.Status != StatusBuilding {
		r.mu.Unlock()
		return errors.ConflictError("build is not running").WithContext("status", string(rec.Status)).Build()
	}
	now := r.clock.Now().UTC()
	if progress > rec.Progress {
		rec.Progress = min(progress, 100)
	}
	if message != "" {
		rec.Logs = append(rec.Logs, LogEntry{Timestamp: now, Message: message})
	}
	r.emitLocked(Event{Kind: EventProgress, Record: rec.clone(), Stage: stage, At: now})
	r.mu.Unlock()

	r.deliver()
	return nil
}

// AppendLog appends a line to a non-terminal build's log.
func (r *Registry) AppendLog(id, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return errors.NotFoundError("build not found").WithContext("build_id", id).Build()
	}
	if rec.Status.Terminal() {
		return errors.ConflictError("build is finished").WithContext("status", string(rec.Status)).Build()
	}
	rec.Logs = append(rec.Logs, LogEntry{Timestamp: r.clock.Now().UTC(), Message: message})
	return nil
}

// Complete marks a building record complete with its retained artifact.
func (r *Registry) Complete(id, artifactPath string, size int64) (Record, error) {
	rec, err := r.transition(id, StatusComplete, EventCompleted, "", func(rec *Record, now time.Time) {
		rec.Progress = 100
		rec.ArtifactPath = artifactPath
		rec.ArtifactSize = size
		rec.CompletedAt = &now
		rec.Logs = append(rec.Logs, LogEntry{Timestamp: now, Message: fmt.Sprintf("Build complete (%d bytes)", size)})
	})
	if err == nil {
		r.recorder.IncBuildOutcome(string(StatusComplete))
		r.recorder.ObserveBuildDuration(rec.Duration())
	}
	return rec, err
}

// Fail marks a building record failed at stage with a diagnostic.
func (r *Registry) Fail(id, stage, diagnostic string) (Record, error) {
	rec, err := r.transition(id, StatusFailed, EventFailed, stage, func(rec *Record, now time.Time) {
		rec.Error = diagnostic
		rec.FailedStage = stage
		rec.ArtifactPath = ""
		rec.ArtifactSize = 0
		rec.CompletedAt = &now
		rec.Logs = append(rec.Logs, LogEntry{Timestamp: now, Message: fmt.Sprintf("Build failed during %s", stage)})
	})
	if err == nil {
		r.recorder.IncBuildOutcome(string(StatusFailed))
		r.recorder.ObserveBuildDuration(rec.Duration())
	}
	return rec, err
}

// MarkArtifactRemoved records that retention deleted a complete build's artifact.
func (r *Registry) MarkArtifactRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.Status == StatusComplete {
		rec.ArtifactRemoved = true
	}
}

// RemoveTerminalOlderThan drops terminal records that finished before cutoff
// and returns them. Non-terminal records are never removed.
func (r *Registry) RemoveTerminalOlderThan(cutoff time.Time) []Record {
	r.mu.Lock()
	now := r.clock.Now().UTC()
	var removed []Record
	for id, rec := range r.records {
		if !rec.Status.Terminal() {
			continue
		}
		finished := rec.CreatedAt
		if rec.CompletedAt != nil {
			finished = *rec.CompletedAt
		}
		if finished.Before(cutoff) {
			snap := rec.clone()
			removed = append(removed, snap)
			delete(r.records, id)
			r.emitLocked(Event{Kind: EventRemoved, Record: snap, At: now})
		}
	}
	r.mu.Unlock()

	r.deliver()
	return removed
}

// Len returns the number of records held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Registry) transition(id string, to Status, kind EventKind, stage string, mutate func(*Record, time.Time)) (Record, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, errors.NotFoundError("build not found").WithContext("build_id", id).Build()
	}
	if !rec.Status.CanTransition(to) {
		r.mu.Unlock()
		return Record{}, errors.ConflictError(fmt.Sprintf("invalid transition %s -> %s", rec.Status, to)).
			WithContext("status", string(rec.Status)).
			Build()
	}
	now := r.clock.Now().UTC()
	rec.Status = to
	if to.Terminal() {
		rec.Config.Source = nil
	}
	mutate(rec, now)
	snap := rec.clone()
	r.emitLocked(Event{Kind: kind, Record: snap, Stage: stage, At: now})
	r.mu.Unlock()

	r.deliver()
	return snap, nil
}

// emitLocked sequences an event for delivery. r.mu must be held.
func (r *Registry) emitLocked(ev Event) {
	r.seq++
	ev.Seq = r.seq
	r.outbox = append(r.outbox, ev)
}

// deliver hands queued events to observers in sequence order. Only one
// caller delivers at a time; concurrent callers leave their events to it.
func (r *Registry) deliver() {
	r.mu.Lock()
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true
	for len(r.outbox) > 0 {
		batch := r.outbox
		r.outbox = nil
		observers := r.observers
		r.mu.Unlock()
		for _, ev := range batch {
			notify(observers, ev)
		}
		r.mu.Lock()
	}
	r.delivering = false
	r.mu.Unlock()
}

func (r *Registry) accessibleLocked(caller identity.Identity, id string) (*Record, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, errors.NotFoundError("build not found").WithContext("build_id", id).Build()
	}
	if !caller.CanAccess(rec.Owner) {
		return nil, errors.OwnershipError("access to this build is not permitted").Build()
	}
	return rec, nil
}

func (r *Registry) activeCountLocked(owner string) int {
	n := 0
	for _, rec := range r.records {
		if rec.Owner == owner && !rec.Status.Terminal() {
			n++
		}
	}
	return n
}
