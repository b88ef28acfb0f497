// Package observer collects actor state transitions and renders them on a
// dedicated goroutine, so that slow rendering never holds up the actors.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/logflow/canteen/internal/model"
	cerrors "github.com/logflow/canteen/pkg/errors"
)

// Observer is a multi-producer, single-consumer event queue.
//
// Record appends under a short critical section. DrainLoop swaps the
// whole pending slice for an empty one and renders the batch without
// holding the lock. Events of one actor keep the order in which that
// actor recorded them.
type Observer struct {
	renderer    Renderer
	clock       clock.Clock
	logger      *zap.Logger
	idleTimeout time.Duration

	mu      sync.Mutex
	pending []model.Event
	seq     uint64
	wake    chan struct{}

	lastEvent atomic.Time
	recorded  atomic.Int64
	rendered  atomic.Int64
	batches   atomic.Int64
	failures  atomic.Int64
}

// Option configures an Observer.
type Option func(*Observer)

// WithClock sets the clock used for timestamps and the idle timer.
func WithClock(clk clock.Clock) Option {
	return func(o *Observer) { o.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Observer) { o.logger = logger }
}

// WithIdleTimeout sets how long DrainLoop waits for an event before
// reporting a liveness failure. Zero disables the check.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Observer) { o.idleTimeout = d }
}

// New creates an observer rendering through renderer.
func New(renderer Renderer, opts ...Option) *Observer {
	o := &Observer{
		renderer: renderer,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.renderer == nil {
		o.renderer = Discard{}
	}
	o.lastEvent.Store(o.clock.Now())
	return o
}

// Record enqueues a transition and wakes the drain loop. Safe for
// concurrent use; never blocks on rendering.
func (o *Observer) Record(actor int, state model.State) {
	o.mu.Lock()
	now := o.clock.Now()
	o.pending = append(o.pending, model.Event{
		Actor: actor,
		State: state,
		Seq:   o.seq,
		At:    now,
	})
	o.seq++
	o.lastEvent.Store(now)
	o.recorded.Inc()
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// swap takes the pending batch, leaving an empty queue behind.
func (o *Observer) swap(work []model.Event) []model.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.pending
	o.pending = work[:0]
	return batch
}

// DrainLoop renders batches until ctx is done, in which case it renders
// what is still queued and returns nil. If no event arrives within the
// idle timeout it returns a liveness error.
func (o *Observer) DrainLoop(ctx context.Context) error {
	var work []model.Event
	for {
		batch := o.swap(work)
		if len(batch) > 0 {
			o.render(batch)
			work = batch
			continue
		}
		work = batch

		if err := o.wait(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			if rest := o.swap(nil); len(rest) > 0 {
				o.render(rest)
			}
			return nil
		}
	}
}

// wait blocks until an event is signalled, ctx is done, or the idle
// timeout elapses.
func (o *Observer) wait(ctx context.Context) error {
	if o.idleTimeout <= 0 {
		select {
		case <-o.wake:
		case <-ctx.Done():
		}
		return nil
	}

	timer := o.clock.Timer(o.idleTimeout)
	defer timer.Stop()

	select {
	case <-o.wake:
		return nil
	case <-ctx.Done():
		return nil
	case <-timer.C:
		err := cerrors.Liveness(o.idleTimeout, o.QueueSize()).
			WithContext("last_event_age", o.clock.Since(o.lastEvent.Load()))
		o.logger.Error("observer idle timeout", zap.Error(err))
		return err
	}
}

func (o *Observer) render(batch []model.Event) {
	if err := o.renderer.Render(batch); err != nil {
		o.failures.Inc()
		o.logger.Warn("render failed", zap.Int("batch", len(batch)), zap.Error(err))
	}
	o.rendered.Add(int64(len(batch)))
	o.batches.Inc()
}

// QueueSize returns the number of events waiting to be rendered.
func (o *Observer) QueueSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// LastEventAt returns when the most recent event was recorded, or the
// creation time if none was.
func (o *Observer) LastEventAt() time.Time {
	return o.lastEvent.Load()
}

// Recorded returns the number of events recorded.
func (o *Observer) Recorded() int64 {
	return o.recorded.Load()
}

// Rendered returns the number of events handed to the renderer.
func (o *Observer) Rendered() int64 {
	return o.rendered.Load()
}

// Batches returns the number of batches rendered.
func (o *Observer) Batches() int64 {
	return o.batches.Load()
}

// RenderFailures returns the number of batches the renderer rejected.
func (o *Observer) RenderFailures() int64 {
	return o.failures.Load()
}
