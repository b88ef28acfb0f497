// Canteen - dining actors sharing a ring of exclusive resources, rendered
// live by an independent observer.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/logflow/canteen/pkg/config"
	cerrors "github.com/logflow/canteen/pkg/errors"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	return cerrors.ExitCode(err)
}

// runFlags are the flags shared by run and bench. Each one only overrides
// the loaded configuration when it was set on the command line.
type runFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	color      bool

	actors               int
	maxDelay             time.Duration
	acquireTimeout       time.Duration
	seed                 int64
	renderer             string
	starvation           bool
	starvationMultiplier float64
	idleMultiplier       int
	reportInterval       time.Duration
	redisAddr            string
	metricsAddr          string
	otlpEndpoint         string
	duration             time.Duration
}

func newRootCmd() *cobra.Command {
	f := &runFlags{}

	rootCmd := &cobra.Command{
		Use:   "canteen",
		Short: "Canteen - dining actors on a ring of shared resources",
		Long: `Canteen runs N actors around a ring of N exclusive resources. Each actor
thinks, gets hungry, takes the two resources next to it and dines. An
independent observer renders every state transition.

Run without a subcommand to start a run.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArena(cmd, f)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Config file (loaded after /etc/canteen, ~/.canteen and ./.canteen.yaml)")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&f.logFormat, "log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&f.color, "color", false, "Force colored output on or off (default: auto)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ring until interrupted",
		Long: `Run the ring until interrupted or until --duration elapses.

Exit status is 2 for configuration errors and 3 when the observer sees no
state transition within its idle timeout.

Examples:
  canteen run
  canteen run --actors 5 --max-delay 200ms --renderer line
  canteen run --starvation --report-interval 5s --redis-addr localhost:6379
  canteen run --metrics-addr :9090 --otlp-endpoint localhost:4317`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArena(cmd, f)
		},
	}

	addRunFlags(rootCmd.Flags(), f, true)
	addRunFlags(runCmd.Flags(), f, true)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newReplayCmd(f))
	rootCmd.AddCommand(newBenchCmd(f))
	rootCmd.AddCommand(newConfigCmd(f))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func addRunFlags(fs *pflag.FlagSet, f *runFlags, withDelay bool) {
	defaults := config.Default()

	fs.IntVarP(&f.actors, "actors", "n", defaults.Arena.Actors, "Number of actors (and resources)")
	if withDelay {
		fs.DurationVar(&f.maxDelay, "max-delay", defaults.Arena.MaxDelay, "Upper bound of one think or eat delay")
	}
	fs.DurationVar(&f.acquireTimeout, "acquire-timeout", 0, "Bound of one blocking wait (default: max-delay)")
	fs.Int64Var(&f.seed, "seed", 0, "Random seed (0 = derived from the clock)")
	fs.StringVarP(&f.renderer, "renderer", "r", defaults.Observer.Renderer, "Renderer (waterfall, line, discard)")
	fs.BoolVar(&f.starvation, "starvation", false, "Enable the starvation diagnostic")
	fs.Float64Var(&f.starvationMultiplier, "starvation-multiplier", defaults.Starvation.Multiplier, "Starvation threshold as a multiple of max-delay")
	fs.IntVar(&f.idleMultiplier, "idle-multiplier", defaults.Observer.IdleMultiplier, "Observer idle timeout as a multiple of max-delay")
	fs.DurationVar(&f.reportInterval, "report-interval", 0, "Liveness report interval (0 = off)")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Publish liveness snapshots to this Redis server")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "Export traces to this OTLP gRPC endpoint")
	fs.DurationVar(&f.duration, "duration", 0, "Stop after this long (0 = until interrupted)")
}

// loadConfig layers files, environment and explicitly set flags, then
// validates the result. Nothing is started before validation passes.
func loadConfig(cmd *cobra.Command, f *runFlags) (*config.Manager, error) {
	m := config.NewManager(f.configPath)
	if err := m.Load(); err != nil {
		return nil, err
	}
	cfg := m.Get()
	applyFlags(cmd.Flags(), f, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func applyFlags(fs *pflag.FlagSet, f *runFlags, cfg *config.Config) {
	changed := func(name string) bool {
		fl := fs.Lookup(name)
		return fl != nil && fl.Changed
	}

	if changed("actors") {
		cfg.Arena.Actors = f.actors
	}
	if changed("max-delay") {
		cfg.Arena.MaxDelay = f.maxDelay
	}
	if changed("acquire-timeout") {
		cfg.Arena.AcquireTimeout = f.acquireTimeout
	}
	if changed("seed") {
		cfg.Arena.Seed = f.seed
	}
	if changed("renderer") {
		cfg.Observer.Renderer = f.renderer
	}
	if changed("starvation") {
		cfg.Starvation.Enabled = f.starvation
	}
	if changed("starvation-multiplier") {
		cfg.Starvation.Multiplier = f.starvationMultiplier
	}
	if changed("idle-multiplier") {
		cfg.Observer.IdleMultiplier = f.idleMultiplier
	}
	if changed("report-interval") {
		cfg.Report.Interval = f.reportInterval
	}
	if changed("redis-addr") {
		cfg.Report.Redis.Address = f.redisAddr
	}
	if changed("metrics-addr") {
		cfg.Telemetry.MetricsAddr = f.metricsAddr
	}
	if changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint = f.otlpEndpoint
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("color") {
		color := f.color
		cfg.Observer.Color = &color
	}
}
