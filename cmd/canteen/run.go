package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/logflow/canteen/pkg/arena"
	"github.com/logflow/canteen/pkg/config"
	cerrors "github.com/logflow/canteen/pkg/errors"
	"github.com/logflow/canteen/pkg/hooks"
	"github.com/logflow/canteen/pkg/lifecycle"
	"github.com/logflow/canteen/pkg/logutil"
	"github.com/logflow/canteen/pkg/observer"
	"github.com/logflow/canteen/pkg/report"
	"github.com/logflow/canteen/pkg/telemetry"
	"github.com/logflow/canteen/pkg/tui"
)

const closeTimeout = 5 * time.Second

func runArena(cmd *cobra.Command, f *runFlags) error {
	m, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	cfg := m.Get()

	logger, err := logutil.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if paths := m.GetPaths(); len(paths) > 0 {
		logger.Debug("loaded config", zap.Strings("paths", paths))
	}

	ctx, stop := lifecycle.SignalContext(cmd.Context(), logger)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	shutdown := lifecycle.NewShutdownManager(logger.Named("shutdown"))
	defer func() {
		if err := shutdown.Shutdown(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	out := cmd.OutOrStdout()
	color := colorFor(out, cfg.Observer.Color)
	tui.SetColor(color)

	renderer, err := observer.NewRenderer(cfg.Observer.Renderer, out,
		observer.WithColor(color),
		observer.WithWidth(cfg.Arena.Actors))
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	h := hooks.NewHookManager()
	if logger.Core().Enabled(zap.DebugLevel) {
		h.RegisterMeal(hooks.LoggingHook(logger.Named("meals").Sugar().Debugf))
	}
	opts, reporters, err := wireServices(ctx, cfg, runID, h, shutdown, logger)
	if err != nil {
		return err
	}
	if len(reporters) > 0 {
		opts = append(opts, arena.WithReporters(reporters...))
	}
	opts = append(opts,
		arena.WithRenderer(renderer),
		arena.WithLogger(logger),
		arena.WithHooks(h),
		arena.WithRunID(runID),
	)

	a, err := arena.New(cfg, opts...)
	if err != nil {
		return multierr.Append(err, report.Multi(reporters).Close())
	}
	shutdown.RegisterCloser("arena", a)

	tui.PrintBanner(cmd.ErrOrStderr(), tui.Banner{
		Version:        version,
		RunID:          runID,
		Actors:         cfg.Arena.Actors,
		MaxDelay:       cfg.Arena.MaxDelay,
		AcquireTimeout: cfg.AcquireTimeout(),
		IdleTimeout:    cfg.IdleTimeout(),
		Starvation:     cfg.StarvationThreshold(),
		Renderer:       cfg.Observer.Renderer,
	})

	err = a.Run(ctx)
	if cerrors.IsLiveness(err) {
		tui.PrintLivenessFailure(cmd.ErrOrStderr(), a.Snapshot(), err)
	}
	return err
}

// wireServices starts the optional metrics server and trace exporter,
// registering both with shutdown, and builds the liveness reporters. The
// reporters are closed by the arena that polls them.
func wireServices(
	ctx context.Context,
	cfg *config.Config,
	runID string,
	h *hooks.HookManager,
	shutdown *lifecycle.ShutdownManager,
	logger *zap.Logger,
) ([]arena.Option, []report.Reporter, error) {
	var (
		opts      []arena.Option
		reporters []report.Reporter
	)

	if cfg.Telemetry.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		telemetry.InitMetrics(registry)
		telemetry.RegisterHooks(h)

		srv, err := telemetry.ServeMetrics(cfg.Telemetry.MetricsAddr, registry, logger.Named("metrics"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to serve metrics: %w", err)
		}
		shutdown.RegisterCloser("metrics", lifecycle.ContextCloser(closeTimeout, srv.Shutdown))
		reporters = append(reporters, telemetry.MetricsReporter{})
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		exp := telemetry.NewOTLPExporter(telemetry.OTLPConfigFrom(cfg.Telemetry, version, runID))
		if err := exp.Init(ctx); err != nil {
			return nil, nil, err
		}
		shutdown.RegisterCloser("tracing", lifecycle.ContextCloser(closeTimeout, exp.Shutdown))
		opts = append(opts, arena.WithTracer(exp.Tracer()))
	}

	if cfg.Report.Redis.Address != "" {
		rr, err := report.NewRedisReporter(cfg.Report.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("publishing liveness snapshots", zap.String("key", rr.Key(runID)))
		reporters = append(reporters, rr)
	}

	if len(reporters) > 0 || cfg.Report.Interval > 0 {
		reporters = append(reporters, report.NewLogReporter(logger.Named("report")))
		if cfg.Report.Interval == 0 {
			cfg.Report.Interval = cfg.Arena.MaxDelay
		}
	}
	return opts, reporters, nil
}

// colorFor resolves the color setting for w. Only terminals are colored
// unless the user forced it.
func colorFor(w io.Writer, override *bool) bool {
	if override != nil {
		return *override
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return tui.ColorEnabled(f, nil)
}
