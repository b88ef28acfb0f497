// Package arena builds the ring of resources and actors, runs them with the
// observer's drain loop and supervises liveness.
package arena

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/canteen/internal/model"
	"github.com/logflow/canteen/pkg/actor"
	"github.com/logflow/canteen/pkg/config"
	cerrors "github.com/logflow/canteen/pkg/errors"
	"github.com/logflow/canteen/pkg/hooks"
	"github.com/logflow/canteen/pkg/observer"
	"github.com/logflow/canteen/pkg/report"
	"github.com/logflow/canteen/pkg/resource"
	"github.com/logflow/canteen/pkg/starvation"
)

// Arena owns one run of the ring.
type Arena struct {
	cfg   *config.Config
	runID string

	clock     clock.Clock
	logger    *zap.Logger
	hooks     *hooks.HookManager
	tracer    trace.Tracer
	renderer  observer.Renderer
	reporters report.Multi

	ring     []*resource.Resource
	actors   []*actor.Actor
	observer *observer.Observer
	tracker  *starvation.Tracker

	running   atomic.Bool
	startedAt atomic.Time
}

// Option configures an Arena.
type Option func(*Arena)

// WithRenderer sets the observer's renderer. By default the configured
// renderer writes to stdout.
func WithRenderer(r observer.Renderer) Option {
	return func(a *Arena) { a.renderer = r }
}

// WithClock sets the clock shared by every component.
func WithClock(clk clock.Clock) Option {
	return func(a *Arena) { a.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Arena) { a.logger = logger }
}

// WithHooks sets the hook manager passed to every actor.
func WithHooks(h *hooks.HookManager) Option {
	return func(a *Arena) { a.hooks = h }
}

// WithTracer sets the tracer used by actors.
func WithTracer(t trace.Tracer) Option {
	return func(a *Arena) { a.tracer = t }
}

// WithReporters adds liveness reporters, polled every report.interval.
func WithReporters(rs ...report.Reporter) Option {
	return func(a *Arena) { a.reporters = append(a.reporters, rs...) }
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(a *Arena) { a.runID = id }
}

// New validates cfg and builds the ring. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*Arena, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Arena{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.runID == "" {
		a.runID = uuid.NewString()
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.With(zap.String("run-id", a.runID))
	if a.hooks == nil {
		a.hooks = hooks.NewHookManager()
	}
	if a.renderer == nil {
		r, err := observer.NewRenderer(cfg.Observer.Renderer, os.Stdout, observer.WithWidth(cfg.Arena.Actors))
		if err != nil {
			return nil, err
		}
		a.renderer = r
	}

	n := cfg.Arena.Actors
	a.tracker = starvation.NewTracker(n)
	a.hooks.RegisterMeal(func(info hooks.MealInfo) {
		a.tracker.RecordMeal(info.Actor, info.At)
	})
	a.hooks.RegisterStarved(func(id int, _ time.Duration) {
		a.tracker.RecordStarved(id)
	})

	a.observer = observer.New(a.renderer,
		observer.WithClock(a.clock),
		observer.WithLogger(a.logger.Named("observer")),
		observer.WithIdleTimeout(cfg.IdleTimeout()),
	)

	detector := starvation.NewDetector(cfg.StarvationThreshold(), a.clock)
	actorOpts := []actor.Option{
		actor.WithClock(a.clock),
		actor.WithLogger(a.logger.Named("actor")),
		actor.WithHooks(a.hooks),
		actor.WithStarvation(detector),
		actor.WithMaxDelay(cfg.Arena.MaxDelay),
		actor.WithAcquireTimeout(cfg.AcquireTimeout()),
		actor.WithSeed(cfg.Arena.Seed),
	}
	if a.tracer != nil {
		actorOpts = append(actorOpts, actor.WithTracer(a.tracer))
	}

	a.ring = resource.NewRing(n, a.clock)
	a.actors = make([]*actor.Actor, n)
	for i := 0; i < n; i++ {
		a.actors[i] = actor.New(i, a.ring[i], a.ring[(i+1)%n], a.observer, actorOpts...)
	}
	return a, nil
}

// RunID returns the identifier of this run.
func (a *Arena) RunID() string {
	return a.runID
}

// Observer returns the arena's observer.
func (a *Arena) Observer() *observer.Observer {
	return a.observer
}

// Actors returns the actors in ring order.
func (a *Arena) Actors() []*actor.Actor {
	return a.actors
}

// Resources returns the resources in ring order.
func (a *Arena) Resources() []*resource.Resource {
	return a.ring
}

// Run starts every actor, the drain loop and, when configured, the
// liveness poller, and waits for all of them. It returns nil once ctx is
// done and a liveness error if the observer goes idle. A run cannot be
// restarted.
func (a *Arena) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return cerrors.New(cerrors.CodeUnknown, "arena already started").
			WithContext("run_id", a.runID)
	}
	a.startedAt.Store(a.clock.Now())

	a.logger.Info("arena starting",
		zap.Int("actors", len(a.actors)),
		zap.Duration("max_delay", a.cfg.Arena.MaxDelay),
		zap.Duration("acquire_timeout", a.cfg.AcquireTimeout()),
		zap.Duration("idle_timeout", a.cfg.IdleTimeout()),
		zap.Duration("starvation_threshold", a.cfg.StarvationThreshold()),
	)

	// The drain loop outlives the actors so that every recorded transition
	// is rendered. A liveness failure cancels gctx and with it the actors.
	g, gctx := errgroup.WithContext(ctx)
	drainCtx, stopDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDrain()

	var actors sync.WaitGroup
	for _, act := range a.actors {
		act := act
		actors.Add(1)
		g.Go(func() error {
			defer actors.Done()
			return act.Run(gctx)
		})
	}
	g.Go(func() error {
		actors.Wait()
		stopDrain()
		return nil
	})
	g.Go(func() error { return a.observer.DrainLoop(drainCtx) })
	if a.cfg.Report.Interval > 0 && len(a.reporters) > 0 {
		g.Go(func() error { return a.poll(gctx) })
	}

	err := g.Wait()
	if err != nil {
		a.logger.Error("arena stopped", zap.Error(err))
		return err
	}
	a.logger.Info("arena stopped",
		zap.Int64("meals", a.tracker.TotalMeals()),
		zap.Int64("rendered", a.observer.Rendered()))
	return nil
}

// poll hands a snapshot to the reporters every report.interval. Reporter
// failures are logged and never stop the run.
func (a *Arena) poll(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.Report.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.reporters.Report(ctx, a.Snapshot()); err != nil && ctx.Err() == nil {
				a.logger.Warn("liveness report failed", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the current states, meals and observer queue.
func (a *Arena) Snapshot() report.Snapshot {
	now := a.clock.Now()
	progress := a.tracker.Progress()
	last := a.observer.LastEventAt()

	snap := report.Snapshot{
		RunID:        a.runID,
		TakenAt:      now,
		Actors:       len(a.actors),
		QueueDepth:   a.observer.QueueSize(),
		Recorded:     a.observer.Recorded(),
		Rendered:     a.observer.Rendered(),
		RenderErrors: a.observer.RenderFailures(),
		LastEventAt:  last,
		LastEventAge: now.Sub(last),
		States:       make([]model.State, len(a.actors)),
		Meals:        make([]int64, len(a.actors)),
		Dined:        progress.Dined,
		Starved:      progress.Starved,
		NeverDined:   progress.NeverDined,
	}
	if started := a.startedAt.Load(); !started.IsZero() {
		snap.Uptime = now.Sub(started)
	}
	for i, act := range a.actors {
		snap.States[i] = act.State()
		snap.Meals[i] = act.Meals()
		snap.TotalMeals += snap.Meals[i]
	}
	return snap
}

// Progress returns the meal and starvation bookkeeping.
func (a *Arena) Progress() starvation.Progress {
	return a.tracker.Progress()
}

// Close closes every reporter. The arena is registered as one closer with
// the process shutdown.
func (a *Arena) Close() error {
	return a.reporters.Close()
}
