package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	cerrors "github.com/logflow/canteen/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTryAcquireRelease(t *testing.T) {
	r := New(7, nil)
	require.Equal(t, 7, r.ID())

	_, held := r.Holder()
	require.False(t, held)

	require.True(t, r.TryAcquire(1))
	require.False(t, r.TryAcquire(2))
	require.True(t, r.HeldBy(1))
	require.False(t, r.HeldBy(2))

	err := r.Release(2)
	require.True(t, cerrors.IsCode(err, cerrors.CodeNotHolder))
	require.True(t, r.HeldBy(1))

	require.NoError(t, r.Release(1))
	require.True(t, r.TryAcquire(2))
	require.NoError(t, r.Release(2))

	acquisitions, contended := r.Stats()
	require.Equal(t, int64(2), acquisitions)
	require.Equal(t, int64(1), contended)
}

func TestAcquireWithTimeout_Expires(t *testing.T) {
	r := New(0, nil)
	require.True(t, r.TryAcquire(1))

	start := time.Now()
	ok := r.AcquireWithTimeout(context.Background(), 2, 30*time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.True(t, r.HeldBy(1))
}

func TestAcquireWithTimeout_WokenByRelease(t *testing.T) {
	r := New(0, nil)
	require.True(t, r.TryAcquire(1))

	done := make(chan bool)
	go func() {
		done <- r.AcquireWithTimeout(context.Background(), 2, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Release(1))

	select {
	case ok := <-done:
		require.True(t, ok)
		require.True(t, r.HeldBy(2))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestAcquireWithTimeout_Canceled(t *testing.T) {
	r := New(0, nil)
	require.True(t, r.TryAcquire(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		done <- r.AcquireWithTimeout(ctx, 2, time.Minute)
	}()
	cancel()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter ignored cancellation")
	}
}

func TestAwaitFree(t *testing.T) {
	r := New(0, nil)
	require.True(t, r.AwaitFree(context.Background(), time.Millisecond))

	require.True(t, r.TryAcquire(1))
	require.False(t, r.AwaitFree(context.Background(), 10*time.Millisecond))

	done := make(chan bool)
	go func() {
		done <- r.AwaitFree(context.Background(), 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Release(1))
	require.True(t, <-done)

	// AwaitFree never takes the resource.
	_, held := r.Holder()
	require.False(t, held)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	r := New(0, nil)

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		taken   atomic.Int64
		wg      sync.WaitGroup
	)
	for owner := 0; owner < 8; owner++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if !r.AcquireWithTimeout(context.Background(), owner, time.Second) {
					continue
				}
				taken.Inc()
				if inside.Inc() != 1 {
					overlap.Store(true)
				}
				inside.Dec()
				if err := r.Release(owner); err != nil {
					overlap.Store(true)
				}
			}
		}(owner)
	}
	wg.Wait()

	require.False(t, overlap.Load(), "two owners held the resource at once")
	acquisitions, _ := r.Stats()
	require.Equal(t, taken.Load(), acquisitions)
	require.Positive(t, acquisitions)
}

func TestNewRing(t *testing.T) {
	ring := NewRing(4, nil)
	require.Len(t, ring, 4)
	for i, r := range ring {
		require.Equal(t, i, r.ID())
	}
}
