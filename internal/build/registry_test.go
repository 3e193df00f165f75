package build

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgforge/internal/build/queue"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/identity"
	"git.home.luguber.info/inful/pkgforge/internal/quota"
)

// holdQueue accepts tasks but never dispatches them.
type holdQueue struct {
	mu      sync.Mutex
	pending []string
}

func (q *holdQueue) Enqueue(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, id)
	return len(q.pending), nil
}

func (q *holdQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *holdQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *holdQueue) Position(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == id {
			return i + 1, true
		}
	}
	return 0, false
}

// dispatch simulates the scheduler handing the task to a worker.
func (q *holdQueue) dispatch(id string) { q.Remove(id) }

var alice = identity.Principal("a11ce")
var bob = identity.Principal("b0b")

func testConfig() Config {
	return Config{AppName: "Demo", PackageID: "com.example.demo", Variant: VariantDebug}
}

func newTestRegistry(t *testing.T, limits quota.Limits) (*Registry, *holdQueue, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	var n atomic.Int64
	r := NewRegistry(limits, WithClock(clock), WithIDGenerator(func() string {
		return fmt.Sprintf("build-%03d", n.Add(1))
	}))
	q := &holdQueue{}
	r.AttachQueue(q)
	return r, q, clock
}

func TestStatusGraph(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusBuilding, true},
		{StatusQueued, StatusCancelled, true},
		{StatusBuilding, StatusComplete, true},
		{StatusBuilding, StatusFailed, true},
		{StatusQueued, StatusComplete, false},
		{StatusBuilding, StatusCancelled, false},
		{StatusComplete, StatusFailed, false},
		{StatusFailed, StatusBuilding, false},
		{StatusCancelled, StatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
	assert.True(t, StatusComplete.Terminal())
	assert.False(t, StatusBuilding.Terminal())
}

func TestAdmitPerIdentityLimit(t *testing.T) {
	r, _, _ := newTestRegistry(t, quota.Limits{MaxActivePerIdentity: 3, MaxQueued: 50})

	for i := range 3 {
		rec, pos, err := r.Admit(alice, testConfig())
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, rec.Status)
		assert.Equal(t, i+1, pos)
	}

	_, _, err := r.Admit(alice, testConfig())
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryQuota))
	assert.Equal(t, 3, r.ActiveCount(alice.Owner()))

	// Other principals are unaffected and the admin is exempt.
	_, _, err = r.Admit(bob, testConfig())
	require.NoError(t, err)
	for range 5 {
		_, _, err = r.Admit(identity.Admin(), testConfig())
		require.NoError(t, err)
	}
}

func TestAdmitConcurrentSubmissionsNeverExceedLimit(t *testing.T) {
	r, _, _ := newTestRegistry(t, quota.Limits{MaxActivePerIdentity: 3, MaxQueued: 50})

	var wg sync.WaitGroup
	var admitted, rejected atomic.Int64
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.Admit(alice, testConfig()); err != nil {
				rejected.Add(1)
				return
			}
			admitted.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), admitted.Load())
	assert.Equal(t, int64(37), rejected.Load())
}

func TestAdmitGlobalQueueBound(t *testing.T) {
	r, q, _ := newTestRegistry(t, quota.Limits{MaxActivePerIdentity: 100, MaxQueued: 2})

	_, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	_, _, err = r.Admit(bob, testConfig())
	require.NoError(t, err)

	_, _, err = r.Admit(identity.Admin(), testConfig())
	require.Error(t, err, "queue bound applies to the admin too")
	assert.True(t, errors.HasCategory(err, errors.CategoryQuota))
	assert.Equal(t, 2, q.Pending())
	assert.Equal(t, 2, r.Len(), "rejected submissions allocate nothing")
}

func TestOwnershipGating(t *testing.T) {
	r, _, _ := newTestRegistry(t, quota.DefaultLimits())
	rec, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)

	_, err = r.Get(alice, rec.ID)
	require.NoError(t, err)
	_, err = r.Get(identity.Admin(), rec.ID)
	require.NoError(t, err)

	_, err = r.Get(bob, rec.ID)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryOwnership))
	assert.NotContains(t, err.Error(), rec.Owner)

	_, err = r.Cancel(bob, rec.ID)
	assert.True(t, errors.HasCategory(err, errors.CategoryOwnership))

	_, err = r.Get(alice, "missing")
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestListNewestFirstAndScoped(t *testing.T) {
	r, _, clock := newTestRegistry(t, quota.DefaultLimits())
	first, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = r.Admit(bob, testConfig())
	require.NoError(t, err)
	clock.Advance(time.Second)
	third, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)

	own := r.List(alice)
	require.Len(t, own, 2)
	assert.Equal(t, third.ID, own[0].ID)
	assert.Equal(t, first.ID, own[1].ID)

	assert.Len(t, r.List(identity.Admin()), 3)
}

func TestCancel(t *testing.T) {
	t.Run("queued build is cancelled and slot released", func(t *testing.T) {
		r, q, _ := newTestRegistry(t, quota.Limits{MaxActivePerIdentity: 1, MaxQueued: 10})
		rec, _, err := r.Admit(alice, testConfig())
		require.NoError(t, err)

		cancelled, err := r.Cancel(alice, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		assert.NotNil(t, cancelled.CompletedAt)
		assert.Equal(t, 0, q.Pending())

		_, _, err = r.Admit(alice, testConfig())
		require.NoError(t, err, "cancelled builds no longer count against the identity")
	})

	t.Run("dispatched build cannot be cancelled", func(t *testing.T) {
		r, q, _ := newTestRegistry(t, quota.DefaultLimits())
		rec, _, err := r.Admit(alice, testConfig())
		require.NoError(t, err)
		q.dispatch(rec.ID)

		_, err = r.Cancel(alice, rec.ID)
		require.Error(t, err)
		assert.True(t, errors.HasCategory(err, errors.CategoryConflict))

		started, err := r.Start(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusBuilding, started.Status)

		_, err = r.Cancel(alice, rec.ID)
		assert.True(t, errors.HasCategory(err, errors.CategoryConflict))
	})

	t.Run("terminal build cannot be cancelled", func(t *testing.T) {
		r, q, _ := newTestRegistry(t, quota.DefaultLimits())
		rec, _, err := r.Admit(alice, testConfig())
		require.NoError(t, err)
		q.dispatch(rec.ID)
		_, err = r.Start(rec.ID)
		require.NoError(t, err)
		_, err = r.Fail(rec.ID, "compile", "boom")
		require.NoError(t, err)

		_, err = r.Cancel(alice, rec.ID)
		assert.True(t, errors.HasCategory(err, errors.CategoryConflict))
	})
}

func TestLifecycleAndProgress(t *testing.T) {
	var events []EventKind
	var mu sync.Mutex
	r, q, clock := newTestRegistry(t, quota.DefaultLimits())
	r.AddObserver(ObserverFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Kind)
		mu.Unlock()
	}))

	rec, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	q.dispatch(rec.ID)

	_, err = r.Start(rec.ID)
	require.NoError(t, err)
	require.NoError(t, r.Advance(rec.ID, "extract", 10, "Extracting sources"))
	require.NoError(t, r.Advance(rec.ID, "dependencies", 25, "Installing dependencies"))
	require.NoError(t, r.Advance(rec.ID, "dependencies", 5, ""))
	require.NoError(t, r.AppendLog(rec.ID, "npm notice"))

	got, err := r.Get(alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Progress, "progress is monotonic")

	clock.Advance(90 * time.Second)
	done, err := r.Complete(rec.ID, "/artifacts/x.apk", 1234)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, int64(1234), done.ArtifactSize)
	assert.Equal(t, 90*time.Second, done.Duration())

	_, err = r.Fail(rec.ID, "compile", "late")
	assert.True(t, errors.HasCategory(err, errors.CategoryConflict), "terminal records are immutable")
	assert.Error(t, r.AppendLog(rec.ID, "too late"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventAdmitted, EventStarted, EventProgress, EventProgress, EventProgress, EventCompleted}, events)
}

func TestFailClearsArtifact(t *testing.T) {
	r, q, _ := newTestRegistry(t, quota.DefaultLimits())
	rec, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	q.dispatch(rec.ID)
	_, err = r.Start(rec.ID)
	require.NoError(t, err)

	failed, err := r.Fail(rec.ID, "compile", "gradle exited 1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "compile", failed.FailedStage)
	assert.Equal(t, "gradle exited 1", failed.Error)
	assert.Empty(t, failed.ArtifactPath)
}

func TestRemoveTerminalOlderThan(t *testing.T) {
	r, q, clock := newTestRegistry(t, quota.DefaultLimits())

	old, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	_, err = r.Cancel(alice, old.ID)
	require.NoError(t, err)

	active, _, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	q.dispatch(active.ID)
	_, err = r.Start(active.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	recent, _, err := r.Admit(bob, testConfig())
	require.NoError(t, err)
	_, err = r.Cancel(bob, recent.ID)
	require.NoError(t, err)

	removed := r.RemoveTerminalOlderThan(clock.Now().Add(-time.Hour))
	require.Len(t, removed, 1)
	assert.Equal(t, old.ID, removed[0].ID)

	_, ok := r.Lookup(active.ID)
	assert.True(t, ok, "non-terminal records are never reclaimed")
	_, ok = r.Lookup(recent.ID)
	assert.True(t, ok)
}

func TestRegistryWithScheduler(t *testing.T) {
	r, _, _ := newTestRegistry(t, quota.Limits{MaxActivePerIdentity: 10, MaxQueued: 10})
	release := make(chan struct{})
	started := make(chan string, 4)
	sched := queue.NewScheduler(queue.RunnerFunc(func(ctx context.Context, id string) {
		if _, err := r.Start(id); err != nil {
			return
		}
		started <- id
		select {
		case <-release:
		case <-ctx.Done():
		}
		_, _ = r.Complete(id, "", 0)
	}), 1, 10)
	r.AttachQueue(sched)
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	first, pos, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	second, pos, err := r.Admit(alice, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	assert.Equal(t, first.ID, <-started)
	p, ok := r.Position(second.ID)
	require.True(t, ok)
	assert.Equal(t, 1, p)

	_, err = r.Cancel(alice, second.ID)
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool {
		rec, _ := r.Lookup(first.ID)
		return rec.Status == StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
	rec, _ := r.Lookup(second.ID)
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestObserversSeeEventsInApplyOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t, quota.Limits{MaxActivePerIdentity: 100, MaxQueued: 100})

	var mu sync.Mutex
	var seqs []uint64
	kinds := map[string][]EventKind{}
	r.AddObserver(ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, ev.Seq)
		kinds[ev.Record.ID] = append(kinds[ev.Record.ID], ev.Kind)
	}))

	sched := queue.NewScheduler(queue.RunnerFunc(func(_ context.Context, id string) {
		if _, err := r.Start(id); err != nil {
			return
		}
		_, _ = r.Fail(id, "compile", "exit 1")
	}), 4, 100)
	r.AttachQueue(sched)
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	const builds = 50
	for range builds {
		_, _, err := r.Admit(alice, testConfig())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == builds*3
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, got := range kinds {
		assert.Equal(t, []EventKind{EventAdmitted, EventStarted, EventFailed}, got, "build %s", id)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("event %d delivered out of order: seq %d after %d", i, seqs[i], seqs[i-1])
		}
	}
}
