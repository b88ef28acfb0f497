package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/logflow/canteen/internal/model"
	"github.com/logflow/canteen/pkg/arena"
	"github.com/logflow/canteen/pkg/config"
	"github.com/logflow/canteen/pkg/hooks"
	"github.com/logflow/canteen/pkg/lifecycle"
	"github.com/logflow/canteen/pkg/logutil"
	"github.com/logflow/canteen/pkg/observer"
	"github.com/logflow/canteen/pkg/tui"
)

func newReplayCmd(f *runFlags) *cobra.Command {
	var renderer string

	cmd := &cobra.Command{
		Use:   "replay [events]",
		Short: "Render a synthetic event list without running any actor",
		Long: `Render a list of "<actor>:<state>" events through a renderer, one event
per batch. Events are read from the arguments, or from stdin when no
argument (or "-") is given.

States: thinks, hungry, dines, starved.

Examples:
  canteen replay 0:hungry,1:hungry,0:dines,1:hungry,0:thinks,1:dines
  canteen replay --renderer line 0:hungry 1:hungry
  echo "0:hungry 0:dines" | canteen replay`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := replayInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			events, err := model.ParseEvents(input)
			if err != nil {
				return fmt.Errorf("invalid events: %w", err)
			}

			var override *bool
			if cmd.Flags().Changed("color") {
				override = &f.color
			}
			out := cmd.OutOrStdout()
			r, err := observer.NewRenderer(renderer, out, observer.WithColor(colorFor(out, override)))
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := r.Render([]model.Event{ev}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&renderer, "renderer", "r", config.RendererWaterfall, "Renderer (waterfall, line, discard)")
	return cmd
}

func replayInput(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read events: %w", err)
	}
	return string(data), nil
}

const benchMaxDelay = time.Millisecond

func newBenchCmd(f *runFlags) *cobra.Command {
	var meals int64

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run headless until a number of meals is reached",
		Long: `Run the ring without rendering and report throughput and fairness.

The run stops when the actors have dined --meals times in total, when
--duration elapses, or on interrupt.

Examples:
  canteen bench
  canteen bench --actors 5 --meals 100000
  canteen bench --max-delay 100us --starvation`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			cfg := m.Get()
			cfg.Arena.MaxDelay = benchMaxDelay
			if cmd.Flags().Changed("max-delay") {
				cfg.Arena.MaxDelay = f.maxDelay
			}
			cfg.Observer.Renderer = config.RendererDiscard
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBench(cmd, cfg, meals, f.duration)
		},
	}

	addRunFlags(cmd.Flags(), f, false)
	cmd.Flags().DurationVar(&f.maxDelay, "max-delay", benchMaxDelay, "Upper bound of one think or eat delay")
	cmd.Flags().Int64Var(&meals, "meals", 10000, "Stop after this many meals in total")
	return cmd
}

func runBench(cmd *cobra.Command, cfg *config.Config, meals int64, limit time.Duration) error {
	logger, err := logutil.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sigCtx, stop := lifecycle.SignalContext(cmd.Context(), logger)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	if limit > 0 {
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	bar := tui.ShowProgress(cmd.ErrOrStderr(), meals, "dining")
	var total atomic.Int64
	h := hooks.NewHookManager()
	h.RegisterMeal(func(hooks.MealInfo) {
		if n := total.Inc(); n <= meals {
			_ = bar.Add(1)
			if n == meals {
				cancel()
			}
		}
	})

	a, err := arena.New(cfg,
		arena.WithRenderer(observer.Discard{}),
		arena.WithLogger(logger),
		arena.WithHooks(h))
	if err != nil {
		return err
	}

	start := time.Now()
	err = a.Run(ctx)
	elapsed := time.Since(start)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	p := a.Progress()
	logger.Debug("bench finished", zap.Int64("meals", p.TotalMeals), zap.Duration("elapsed", elapsed))
	tui.PrintBenchReport(cmd.ErrOrStderr(), tui.BenchReport{
		Actors:     p.Actors,
		Duration:   elapsed,
		TotalMeals: p.TotalMeals,
		MinMeals:   p.MinMeals,
		MaxMeals:   p.MaxMeals,
		NeverDined: len(p.NeverDined),
		Starved:    len(p.Starved),
		Events:     a.Observer().Rendered(),
	})
	return nil
}

func newConfigCmd(f *runFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			data, err := m.Marshal()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range m.GetPaths() {
				fmt.Fprintf(out, "# loaded: %s\n", p)
			}
			_, err = out.Write(data)
			return err
		},
	}
	addRunFlags(showCmd.Flags(), f, true)

	configCmd.AddCommand(showCmd)
	return configCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "canteen %s (%s) %s %s/%s\n",
				version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
