// Package resource implements the exclusive resources shared by
// neighbouring actors in the ring.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	cerrors "github.com/logflow/canteen/pkg/errors"
)

// NoHolder is the holder id of a free resource.
const NoHolder = -1

// Resource is a single exclusive-access unit.
//
// Waiters block on a release channel owned by the resource. Release closes
// the channel and installs a fresh one, which wakes every waiter of this
// resource and nobody else; only one of them wins the re-check.
type Resource struct {
	id    int
	clock clock.Clock

	mu       sync.Mutex
	holder   int
	released chan struct{}

	acquisitions atomic.Int64
	contended    atomic.Int64
}

// New creates a free resource.
func New(id int, clk clock.Clock) *Resource {
	if clk == nil {
		clk = clock.New()
	}
	return &Resource{
		id:       id,
		clock:    clk,
		holder:   NoHolder,
		released: make(chan struct{}),
	}
}

// NewRing creates n resources with ids 0..n-1.
func NewRing(n int, clk clock.Clock) []*Resource {
	ring := make([]*Resource, n)
	for i := range ring {
		ring[i] = New(i, clk)
	}
	return ring
}

// ID returns the ordinal of the resource.
func (r *Resource) ID() int {
	return r.id
}

// TryAcquire takes the resource for owner if it is free. It never blocks
// beyond the internal critical section.
func (r *Resource) TryAcquire(owner int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder != NoHolder {
		r.contended.Inc()
		return false
	}
	r.holder = owner
	r.acquisitions.Inc()
	return true
}

// AcquireWithTimeout blocks until the resource is taken for owner, d
// elapses, or ctx is done. It reports whether the resource was taken.
// A timeout is returned to the caller as-is; no internal retry happens
// after the deadline.
func (r *Resource) AcquireWithTimeout(ctx context.Context, owner int, d time.Duration) bool {
	if r.TryAcquire(owner) {
		return true
	}

	timer := r.clock.Timer(d)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if r.holder == NoHolder {
			r.holder = owner
			r.mu.Unlock()
			r.acquisitions.Inc()
			return true
		}
		released := r.released
		r.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// AwaitFree blocks until the resource is observed free, d elapses, or ctx
// is done, without taking it. It reports whether the resource was free.
func (r *Resource) AwaitFree(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	if r.holder == NoHolder {
		r.mu.Unlock()
		return true
	}
	released := r.released
	r.mu.Unlock()

	timer := r.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-released:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release frees the resource and wakes all of its waiters. Only the
// current holder may release.
func (r *Resource) Release(owner int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder != owner {
		return cerrors.NotHolder(r.id, owner, r.holder)
	}
	r.holder = NoHolder
	close(r.released)
	r.released = make(chan struct{})
	return nil
}

// Holder returns the current holder and whether the resource is held.
func (r *Resource) Holder() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder, r.holder != NoHolder
}

// HeldBy reports whether owner currently holds the resource.
func (r *Resource) HeldBy(owner int) bool {
	holder, held := r.Holder()
	return held && holder == owner
}

// Stats returns the number of successful acquisitions and failed
// non-blocking attempts.
func (r *Resource) Stats() (acquisitions, contended int64) {
	return r.acquisitions.Load(), r.contended.Load()
}
