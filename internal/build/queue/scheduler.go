// Package queue implements the FIFO, bounded-concurrency build scheduler.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/metrics"
)

// Runner executes one dispatched task. Run must return once ctx is done.
type Runner interface {
	Run(ctx context.Context, id string)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, id string)

// Run calls f(ctx, id).
func (f RunnerFunc) Run(ctx context.Context, id string) { f(ctx, id) }

// Status is a consistent snapshot of the scheduler.
type Status struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// Scheduler dispatches tasks in submission order with at most maxConcurrent
// in flight. Dispatch is event driven: a task is started on Enqueue when a
// slot is free, otherwise when a running task completes.
type Scheduler struct {
	runner        Runner
	maxConcurrent int
	maxPending    int

	mu       sync.Mutex
	pending  []string
	inFlight map[string]int // id -> worker slot
	slots    []bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	recorder metrics.Recorder
}

// NewScheduler creates a scheduler. maxPending <= 0 leaves the pending list unbounded.
func NewScheduler(runner Runner, maxConcurrent, maxPending int) *Scheduler {
	if runner == nil {
		panic("NewScheduler: runner is required")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:        runner,
		maxConcurrent: maxConcurrent,
		maxPending:    maxPending,
		inFlight:      make(map[string]int),
		slots:         make([]bool, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
		recorder:      metrics.NoopRecorder{},
	}
}

// SetRecorder injects a metrics recorder for queue gauges (optional).
func (s *Scheduler) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// Enqueue submits a task. It returns the 1-based pending position, or 0 when
// the task was dispatched immediately.
func (s *Scheduler) Enqueue(id string) (int, error) {
	if id == "" {
		return 0, errors.ValidationError("task id is required").Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, errors.RuntimeError("scheduler is stopped").Build()
	}
	if _, running := s.inFlight[id]; running || slices.Contains(s.pending, id) {
		return 0, errors.ConflictError(fmt.Sprintf("task %s already scheduled", id)).Build()
	}

	if len(s.inFlight) < s.maxConcurrent {
		s.dispatchLocked(id)
		return 0, nil
	}
	if s.maxPending > 0 && len(s.pending) >= s.maxPending {
		return 0, errors.QuotaError("build queue is full").
			WithContext("limit", "pending queue depth").
			WithContext("current", len(s.pending)).
			WithContext("maximum", s.maxPending).
			Build()
	}

	s.pending = append(s.pending, id)
	s.recorder.SetQueueDepth(len(s.pending))
	return len(s.pending), nil
}

// Remove drops a task that has not been dispatched yet. It reports false when
// the task is unknown or already running.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.pending, id)
	if i < 0 {
		return false
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	s.recorder.SetQueueDepth(len(s.pending))
	return true
}

// Position returns the 1-based position of a pending task.
func (s *Scheduler) Position(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.pending, id)
	if i < 0 {
		return 0, false
	}
	return i + 1, true
}

// Pending returns the number of tasks waiting for a slot.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Status returns running and queued counts read under one lock.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:       len(s.inFlight),
		Queued:        len(s.pending),
		MaxConcurrent: s.maxConcurrent,
	}
}

// Stop stops dispatching, cancels the context handed to in-flight tasks and
// waits for them to return or for ctx to expire. Pending tasks are left in place.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	running := len(s.inFlight)
	s.mu.Unlock()

	slog.Info("Stopping build scheduler", slog.Int("running", running))
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) dispatchLocked(id string) {
	slot := slices.Index(s.slots, false)
	s.slots[slot] = true
	s.inFlight[id] = slot
	s.recorder.SetRunning(len(s.inFlight))
	s.recorder.SetQueueDepth(len(s.pending))

	s.wg.Add(1)
	go s.run(id, slot)
}

func (s *Scheduler) run(id string, slot int) {
	defer s.wg.Done()
	defer s.complete(id)

	worker := fmt.Sprintf("worker-%d", slot)
	slog.Debug("Dispatching build", logfields.BuildID(id), logfields.Worker(worker))

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Build task panicked", logfields.BuildID(id), logfields.Worker(worker), slog.Any("panic", r))
		}
	}()
	s.runner.Run(s.ctx, id)
}

// complete frees the task's slot and dispatches the next pending task.
func (s *Scheduler) complete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := s.inFlight[id]; ok {
		s.slots[slot] = false
		delete(s.inFlight, id)
	}
	if !s.stopped && len(s.pending) > 0 && len(s.inFlight) < s.maxConcurrent {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.dispatchLocked(next)
	}
	s.recorder.SetRunning(len(s.inFlight))
	s.recorder.SetQueueDepth(len(s.pending))
}
