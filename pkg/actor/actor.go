// Package actor implements the dining actor: a goroutine that cycles
// through thinking, hungry and dining while sharing its two resources
// with its ring neighbours.
//
// Acquisition never holds one resource while blocking on the other:
//
//  1. block (bounded) on the left resource; on timeout check starvation
//     and retry;
//  2. with left held, try the right resource without blocking;
//  3. if right is busy, release left, wait (holding nothing) for right to
//     be released, and start again at 1.
//
// The wait in step 3 is a second bounded suspension point besides the
// left acquisition. It holds no resource, so it cannot extend anyone
// else's wait; it only keeps a backed-off actor from spinning until its
// neighbour finishes dining.
//
// This breaks the circular wait of lock(left); lock(right) in a symmetric
// ring. Under adversarial scheduling the ring can livelock; that risk is
// accepted and surfaced by the starvation and liveness diagnostics.
package actor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/logflow/canteen/internal/model"
	cerrors "github.com/logflow/canteen/pkg/errors"
	"github.com/logflow/canteen/pkg/hooks"
	"github.com/logflow/canteen/pkg/resource"
	"github.com/logflow/canteen/pkg/starvation"
)

const tracerName = "github.com/logflow/canteen/pkg/actor"

var errStarved = errors.New("starvation threshold exceeded")

// Reporter receives every state transition of an actor, in order.
type Reporter interface {
	Record(actor int, state model.State)
}

// Actor is one participant of the ring.
type Actor struct {
	id          int
	left, right *resource.Resource
	reporter    Reporter

	clock          clock.Clock
	logger         *zap.Logger
	hooks          *hooks.HookManager
	detector       *starvation.Detector
	tracer         trace.Tracer
	maxDelay       time.Duration
	acquireTimeout time.Duration
	seed           int64
	rng            *rand.Rand

	state     atomic.Int32
	lastMeal  atomic.Time
	meals     atomic.Int64
	transient atomic.Int64

	// Only touched by the goroutine running Run.
	holdsLeft, holdsRight bool
}

// Option configures an Actor.
type Option func(*Actor)

// WithClock sets the clock used for delays and timeouts.
func WithClock(clk clock.Clock) Option {
	return func(a *Actor) { a.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Actor) { a.logger = logger }
}

// WithHooks sets the hook manager.
func WithHooks(h *hooks.HookManager) Option {
	return func(a *Actor) { a.hooks = h }
}

// WithStarvation enables the starvation diagnostic.
func WithStarvation(d *starvation.Detector) Option {
	return func(a *Actor) { a.detector = d }
}

// WithTracer sets the tracer used for hungry and dine spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Actor) { a.tracer = t }
}

// WithMaxDelay sets the upper bound of one think or eat delay.
func WithMaxDelay(d time.Duration) Option {
	return func(a *Actor) { a.maxDelay = d }
}

// WithAcquireTimeout sets the bound of one blocking wait.
func WithAcquireTimeout(d time.Duration) Option {
	return func(a *Actor) { a.acquireTimeout = d }
}

// WithSeed seeds the actor's private generator. The stream depends on
// both seed and actor id; 0 derives the seed from the clock.
func WithSeed(seed int64) Option {
	return func(a *Actor) { a.seed = seed }
}

// New creates an actor owning references to its left and right resources.
func New(id int, left, right *resource.Resource, reporter Reporter, opts ...Option) *Actor {
	a := &Actor{
		id:       id,
		left:     left,
		right:    right,
		reporter: reporter,
		maxDelay: time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.With(zap.Int("actor", id))
	if a.tracer == nil {
		a.tracer = otel.Tracer(tracerName)
	}
	if a.acquireTimeout <= 0 {
		a.acquireTimeout = a.maxDelay
	}
	if a.seed == 0 {
		a.seed = a.clock.Now().UnixNano()
	}
	a.rng = rand.New(rand.NewPCG(uint64(a.seed), uint64(id)))
	a.lastMeal.Store(a.clock.Now())
	return a
}

// ID returns the actor ordinal.
func (a *Actor) ID() int {
	return a.id
}

// State returns the most recent state entered.
func (a *Actor) State() model.State {
	return model.State(a.state.Load())
}

// Meals returns how many times the actor reached Active.
func (a *Actor) Meals() int64 {
	return a.meals.Load()
}

// LastMeal returns when the actor last finished eating, or its creation
// time if it never ate.
func (a *Actor) LastMeal() time.Time {
	return a.lastMeal.Load()
}

// TransientFailures returns how many iterations were abandoned.
func (a *Actor) TransientFailures() int64 {
	return a.transient.Load()
}

// Run cycles until ctx is done. Failures inside an iteration are
// contained: the iteration is abandoned and the next one starts from Idle.
// A starved actor stays in the starved state until ctx is done.
// Run always returns nil once ctx is done.
func (a *Actor) Run(ctx context.Context) error {
	a.lastMeal.Store(a.clock.Now())

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := a.iterate(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errStarved):
			a.starve(ctx)
			return nil
		default:
			a.transient.Inc()
			fields := []zap.Field{zap.Error(err)}
			var cErr *cerrors.CanteenError
			if errors.As(err, &cErr) {
				fields = append(fields, zap.String("stack", cErr.FormatStack()))
			}
			a.logger.Warn("actor iteration abandoned", fields...)
			a.hooks.RunTransient(a.id, err)
		}
	}
}

// iterate runs one think, acquire, eat cycle. Any error or panic releases
// whatever the actor still holds.
func (a *Actor) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.TransientActor(a.id, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			if relErr := a.releaseHeld(); relErr != nil {
				err = multierr.Append(err, relErr)
			}
		}
	}()

	a.transition(model.Idle)
	if err := a.pause(ctx); err != nil {
		return err
	}

	a.transition(model.Waiting)
	hungryCtx, span := a.tracer.Start(ctx, "hungry", trace.WithAttributes(attribute.Int("actor", a.id)))
	meal, err := a.acquire(hungryCtx)
	span.SetAttributes(
		attribute.Int("attempts", meal.Attempts),
		attribute.Int("backoffs", meal.Backoffs),
		attribute.Int("timeouts", meal.Timeouts),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return err
	}
	span.End()

	a.transition(model.Active)
	a.meals.Inc()
	a.hooks.RunMeal(meal)

	_, dine := a.tracer.Start(ctx, "dine", trace.WithAttributes(attribute.Int("actor", a.id)))
	err = a.pause(ctx)
	dine.End()
	if err != nil {
		return err
	}

	if err := a.releaseHeld(); err != nil {
		return cerrors.TransientActor(a.id, err)
	}
	a.lastMeal.Store(a.clock.Now())
	return nil
}

// acquire takes both resources with the back-off algorithm described in
// the package documentation.
func (a *Actor) acquire(ctx context.Context) (hooks.MealInfo, error) {
	start := a.clock.Now()
	info := hooks.MealInfo{Actor: a.id}

	for {
		if err := ctx.Err(); err != nil {
			return info, cerrors.ContextCanceled("acquire", err)
		}
		info.Attempts++

		a.hooks.RunPreWait(ctx, a.waitInfo(a.left, info.Attempts))
		if !a.left.AcquireWithTimeout(ctx, a.id, a.acquireTimeout) {
			if err := ctx.Err(); err != nil {
				return info, cerrors.ContextCanceled("acquire", err)
			}
			info.Timeouts++
			if a.detector.Starved(a.lastMeal.Load()) {
				return info, errStarved
			}
			continue
		}
		a.holdsLeft = true

		if a.right.TryAcquire(a.id) {
			a.holdsRight = true
			info.At = a.clock.Now()
			info.Waited = info.At.Sub(start)
			return info, nil
		}

		// Never block while holding left.
		if err := a.left.Release(a.id); err != nil {
			return info, cerrors.TransientActor(a.id, err)
		}
		a.holdsLeft = false
		info.Backoffs++

		wait := a.waitInfo(a.right, info.Attempts)
		a.hooks.RunBackoff(wait)
		if a.detector.Starved(a.lastMeal.Load()) {
			return info, errStarved
		}

		a.hooks.RunPreWait(ctx, wait)
		a.right.AwaitFree(ctx, a.acquireTimeout)
	}
}

func (a *Actor) waitInfo(on *resource.Resource, attempt int) hooks.WaitInfo {
	return hooks.WaitInfo{
		Actor:      a.id,
		Resource:   on.ID(),
		HoldsLeft:  a.holdsLeft,
		HoldsRight: a.holdsRight,
		Attempt:    attempt,
	}
}

// releaseHeld releases whatever the actor holds. Each release wakes the
// waiters of that resource.
func (a *Actor) releaseHeld() error {
	var err error
	if a.holdsRight {
		err = multierr.Append(err, a.right.Release(a.id))
		a.holdsRight = false
	}
	if a.holdsLeft {
		err = multierr.Append(err, a.left.Release(a.id))
		a.holdsLeft = false
	}
	return err
}

func (a *Actor) starve(ctx context.Context) {
	since := a.detector.Since(a.lastMeal.Load())
	a.transition(model.Starved)
	a.logger.Warn("actor starved",
		zap.Duration("since_last_meal", since),
		zap.Duration("threshold", a.detector.Threshold()),
		zap.Error(cerrors.Starved(a.id, since)))
	a.hooks.RunStarved(a.id, since)
	<-ctx.Done()
}

func (a *Actor) transition(s model.State) {
	a.state.Store(int32(s))
	if a.reporter != nil {
		a.reporter.Record(a.id, s)
	}
}

// pause sleeps for a random delay, returning early when ctx is done.
func (a *Actor) pause(ctx context.Context) error {
	timer := a.clock.Timer(a.randomDelay())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomDelay draws a delay uniformly from [1ns, maxDelay].
func (a *Actor) randomDelay() time.Duration {
	if a.maxDelay <= 1 {
		return 1
	}
	return time.Duration(1 + a.rng.Int64N(int64(a.maxDelay)))
}
