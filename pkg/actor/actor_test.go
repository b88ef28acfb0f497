package actor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/logflow/canteen/internal/model"
	cerrors "github.com/logflow/canteen/pkg/errors"
	"github.com/logflow/canteen/pkg/hooks"
	"github.com/logflow/canteen/pkg/resource"
	"github.com/logflow/canteen/pkg/starvation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder keeps the per-actor sequence of reported states and checks,
// at every Active report, that the actor really holds both resources.
type recorder struct {
	mu        sync.Mutex
	ring      []*resource.Resource
	states    map[int][]model.State
	violation string
}

func newRecorder(ring []*resource.Resource) *recorder {
	return &recorder{ring: ring, states: make(map[int][]model.State)}
}

func (r *recorder) Record(actor int, state model.State) {
	if state == model.Active && r.ring != nil {
		left, right := r.ring[actor], r.ring[(actor+1)%len(r.ring)]
		if !left.HeldBy(actor) || !right.HeldBy(actor) {
			r.fail(fmt.Sprintf("actor %d active without holding both resources", actor))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[actor] = append(r.states[actor], state)
}

func (r *recorder) fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.violation == "" {
		r.violation = msg
	}
}

func (r *recorder) sequence(actor int) []model.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.State(nil), r.states[actor]...)
}

type ringUnderTest struct {
	ring     []*resource.Resource
	actors   []*Actor
	recorder *recorder
	hooks    *hooks.HookManager
}

func newRing(n int, opts ...Option) *ringUnderTest {
	ring := resource.NewRing(n, nil)
	rec := newRecorder(ring)
	h := hooks.NewHookManager()

	rt := &ringUnderTest{ring: ring, recorder: rec, hooks: h}
	for i := 0; i < n; i++ {
		all := append([]Option{
			WithMaxDelay(2 * time.Millisecond),
			WithAcquireTimeout(5 * time.Millisecond),
			WithHooks(h),
			WithSeed(42),
		}, opts...)
		rt.actors = append(rt.actors, New(i, ring[i], ring[(i+1)%n], rec, all...))
	}
	return rt
}

func (rt *ringUnderTest) run(t *testing.T, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var wg sync.WaitGroup
	for _, a := range rt.actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				t.Errorf("actor %d: %v", a.ID(), err)
			}
		}(a)
	}
	wg.Wait()
}

func TestRing_PropertiesUnderContention(t *testing.T) {
	const n = 5
	rt := newRing(n)

	// No resource may be held while the actor blocks.
	var blockedWhileHolding atomic.Int64
	rt.hooks.RegisterPreWait(func(ctx context.Context, info hooks.WaitInfo) {
		left, right := rt.ring[info.Actor], rt.ring[(info.Actor+1)%n]
		if left.HeldBy(info.Actor) || right.HeldBy(info.Actor) || info.HoldsLeft || info.HoldsRight {
			blockedWhileHolding.Inc()
		}
	})

	rt.run(t, 400*time.Millisecond)

	require.Empty(t, rt.recorder.violation)
	require.Zero(t, blockedWhileHolding.Load())

	for i, a := range rt.actors {
		seq := rt.recorder.sequence(i)
		require.NotEmpty(t, seq)
		for j, s := range seq {
			require.Equal(t, model.State(j%3), s, "actor %d transition %d", i, j)
		}
		require.Positive(t, a.Meals(), "actor %d never dined", i)
		require.Zero(t, a.TransientFailures())
	}

	// Everything is released after teardown.
	for _, r := range rt.ring {
		_, held := r.Holder()
		require.False(t, held, "resource %d still held", r.ID())
	}
}

func TestRing_TwoActors(t *testing.T) {
	rt := newRing(2)
	rt.run(t, 200*time.Millisecond)

	require.Empty(t, rt.recorder.violation)
	require.Positive(t, rt.actors[0].Meals())
	require.Positive(t, rt.actors[1].Meals())
}

func TestActor_Starves(t *testing.T) {
	ring := resource.NewRing(2, nil)
	// Someone outside the ring keeps the left resource forever.
	require.True(t, ring[0].TryAcquire(99))

	rec := newRecorder(nil)
	h := hooks.NewHookManager()
	starved := make(chan time.Duration, 1)
	h.RegisterStarved(func(actor int, since time.Duration) { starved <- since })

	a := New(0, ring[0], ring[1], rec,
		WithMaxDelay(time.Millisecond),
		WithAcquireTimeout(5*time.Millisecond),
		WithStarvation(starvation.NewDetector(20*time.Millisecond, nil)),
		WithHooks(h))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	select {
	case since := <-starved:
		require.Greater(t, since, 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not starve")
	}

	// Terminal: no further transitions while it waits for teardown.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []model.State{model.Idle, model.Waiting, model.Starved}, rec.sequence(0))
	require.Equal(t, model.Starved, a.State())

	cancel()
	require.NoError(t, <-done)
	require.False(t, ring[1].HeldBy(0))
}

func TestActor_BackoffReleasesLeft(t *testing.T) {
	ring := resource.NewRing(2, nil)
	// Right is busy; left is free.
	require.True(t, ring[1].TryAcquire(99))

	h := hooks.NewHookManager()
	backoffs := make(chan hooks.WaitInfo, 16)
	h.RegisterBackoff(func(info hooks.WaitInfo) {
		select {
		case backoffs <- info:
		default:
		}
	})

	a := New(0, ring[0], ring[1], newRecorder(nil),
		WithMaxDelay(time.Millisecond),
		WithAcquireTimeout(10*time.Millisecond),
		WithHooks(h))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	info := <-backoffs
	require.Equal(t, 1, info.Resource)
	require.False(t, info.HoldsLeft)
	require.False(t, info.HoldsRight)
	require.False(t, ring[0].HeldBy(0))

	// Releasing right lets the actor dine.
	require.NoError(t, ring[1].Release(99))
	require.Eventually(t, func() bool { return a.Meals() > 0 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestActor_TransientFailureRestartsFromIdle(t *testing.T) {
	ring := resource.NewRing(2, nil)
	rec := newRecorder(nil)
	h := hooks.NewHookManager()

	var panicked atomic.Bool
	h.RegisterMeal(func(info hooks.MealInfo) {
		if panicked.CompareAndSwap(false, true) {
			panic("meal hook exploded")
		}
	})
	transient := make(chan error, 1)
	h.RegisterTransient(func(actor int, err error) { transient <- err })

	a := New(0, ring[0], ring[1], rec,
		WithMaxDelay(time.Millisecond),
		WithHooks(h))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-transient:
		require.Contains(t, err.Error(), "meal hook exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("no transient failure reported")
	}

	require.Eventually(t, func() bool { return a.Meals() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, int64(1), a.TransientFailures())
	seq := rec.sequence(0)
	// thinks, hungry, dines (abandoned), then a fresh cycle from thinks.
	require.Equal(t, []model.State{model.Idle, model.Waiting, model.Active, model.Idle}, seq[:4])
	for _, r := range ring {
		_, held := r.Holder()
		require.False(t, held)
	}
}

func TestRandomDelay_DeterministicPerSeed(t *testing.T) {
	a := New(3, resource.New(0, nil), resource.New(1, nil), nil, WithSeed(7), WithMaxDelay(time.Second))
	b := New(3, resource.New(0, nil), resource.New(1, nil), nil, WithSeed(7), WithMaxDelay(time.Second))
	c := New(4, resource.New(0, nil), resource.New(1, nil), nil, WithSeed(7), WithMaxDelay(time.Second))

	same, differ := true, false
	for i := 0; i < 32; i++ {
		da, db, dc := a.randomDelay(), b.randomDelay(), c.randomDelay()
		require.GreaterOrEqual(t, da, time.Duration(1))
		require.LessOrEqual(t, da, time.Second)
		if da != db {
			same = false
		}
		if da != dc {
			differ = true
		}
	}
	require.True(t, same, "same seed and id must give the same delays")
	require.True(t, differ, "different ids must give different streams")
}

func TestActor_AcquireReportsCancellation(t *testing.T) {
	ring := resource.NewRing(2, nil)
	a := New(0, ring[0], ring[1], newRecorder(nil), WithAcquireTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.acquire(ctx)
	require.True(t, cerrors.IsCode(err, cerrors.CodeContextCanceled))
	require.ErrorIs(t, err, context.Canceled)

	// Blocked on a left resource held by the neighbour.
	require.True(t, ring[0].TryAcquire(1))
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.acquire(ctx)
	require.True(t, cerrors.IsCode(err, cerrors.CodeContextCanceled))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ring[1].HeldBy(0))
}
