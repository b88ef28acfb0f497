// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/logflow/canteen/internal/model"
	cerrors "github.com/logflow/canteen/pkg/errors"
)

// Renderer names accepted by observer.renderer.
const (
	RendererWaterfall = "waterfall"
	RendererLine      = "line"
	RendererDiscard   = "discard"
)

// Renderers lists the renderer names a user may select.
var Renderers = []string{RendererWaterfall, RendererLine, RendererDiscard}

// Config holds all canteen configuration.
type Config struct {
	Version int `yaml:"version"`

	Arena      ArenaConfig      `yaml:"arena"`
	Starvation StarvationConfig `yaml:"starvation"`
	Observer   ObserverConfig   `yaml:"observer"`
	Report     ReportConfig     `yaml:"report"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
}

// ArenaConfig controls the ring of actors and resources.
type ArenaConfig struct {
	Actors         int           `yaml:"actors"`
	MaxDelay       time.Duration `yaml:"max_delay"`       // upper bound of one think or eat delay
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // 0 = max_delay
	Seed           int64         `yaml:"seed"`            // 0 = derived from the clock
}

// StarvationConfig controls the optional starvation diagnostic.
type StarvationConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Multiplier float64 `yaml:"multiplier"` // threshold = multiplier x max_delay
}

// ObserverConfig controls rendering.
type ObserverConfig struct {
	Renderer       string `yaml:"renderer"`        // waterfall | line | discard
	IdleMultiplier int    `yaml:"idle_multiplier"` // idle timeout = idle_multiplier x max_delay
	Color          *bool  `yaml:"color"`           // nil = auto-detect terminal
}

// ReportConfig controls periodic liveness reports.
type ReportConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 = disabled
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis snapshot publisher.
type RedisConfig struct {
	Address  string        `yaml:"address"` // empty = disabled
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TelemetryConfig controls metrics and tracing export.
type TelemetryConfig struct {
	MetricsAddr   string  `yaml:"metrics_addr"`  // e.g. ":9090", empty = disabled
	OTLPEndpoint  string  `yaml:"otlp_endpoint"` // e.g. "localhost:4317", empty = disabled
	ServiceName   string  `yaml:"service_name"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Arena: ArenaConfig{
			Actors:   64,
			MaxDelay: 10 * time.Second,
		},
		Starvation: StarvationConfig{
			Enabled:    false,
			Multiplier: 4,
		},
		Observer: ObserverConfig{
			Renderer:       RendererWaterfall,
			IdleMultiplier: 3,
		},
		Report: ReportConfig{
			Redis: RedisConfig{
				Prefix:  "canteen:runs:",
				TTL:     time.Hour,
				Timeout: 5 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "canteen",
			SamplingRatio: 1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration before anything is started.
func (c *Config) Validate() error {
	if c.Arena.Actors < 2 {
		return cerrors.InvalidConfig("arena.actors", c.Arena.Actors, "a ring needs at least 2 actors")
	}
	if c.Arena.Actors > model.MaxActors {
		return cerrors.InvalidConfig("arena.actors", c.Arena.Actors, fmt.Sprintf("at most %d actors", model.MaxActors))
	}
	if c.Arena.MaxDelay <= 0 {
		return cerrors.InvalidConfig("arena.max_delay", c.Arena.MaxDelay, "must be positive")
	}
	if c.Arena.AcquireTimeout < 0 {
		return cerrors.InvalidConfig("arena.acquire_timeout", c.Arena.AcquireTimeout, "must not be negative")
	}
	if c.Starvation.Multiplier < 0 {
		return cerrors.InvalidConfig("starvation.multiplier", c.Starvation.Multiplier, "must not be negative")
	}
	if c.Starvation.Enabled && c.Starvation.Multiplier == 0 {
		return cerrors.InvalidConfig("starvation.multiplier", c.Starvation.Multiplier, "must be positive when starvation is enabled")
	}
	if c.Observer.IdleMultiplier < 1 {
		return cerrors.InvalidConfig("observer.idle_multiplier", c.Observer.IdleMultiplier, "must be at least 1")
	}
	if !knownRenderer(c.Observer.Renderer) {
		return cerrors.UnknownRenderer(c.Observer.Renderer, Renderers)
	}
	if c.Report.Interval < 0 {
		return cerrors.InvalidConfig("report.interval", c.Report.Interval, "must not be negative")
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return cerrors.InvalidConfig("telemetry.sampling_ratio", c.Telemetry.SamplingRatio, "must be within [0, 1]")
	}
	return nil
}

func knownRenderer(name string) bool {
	for _, r := range Renderers {
		if r == name {
			return true
		}
	}
	return false
}

// AcquireTimeout returns the bound on one blocking wait for the left resource.
func (c *Config) AcquireTimeout() time.Duration {
	if c.Arena.AcquireTimeout > 0 {
		return c.Arena.AcquireTimeout
	}
	return c.Arena.MaxDelay
}

// IdleTimeout returns how long the observer may go without events.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Observer.IdleMultiplier) * c.Arena.MaxDelay
}

// StarvationThreshold returns the starvation threshold, or 0 when the
// diagnostic is disabled.
func (c *Config) StarvationThreshold() time.Duration {
	if !c.Starvation.Enabled {
		return 0
	}
	return time.Duration(c.Starvation.Multiplier * float64(c.Arena.MaxDelay))
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	paths    []string // Paths that were loaded
	explicit string
}

// NewManager creates a new configuration manager. explicit, when not
// empty, is loaded after the well-known locations and must exist.
func NewManager(explicit string) *Manager {
	return &Manager{
		config:   Default(),
		explicit: explicit,
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range searchPaths() {
		if err := m.loadFile(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cerrors.ConfigFile(path, err)
		}
		m.paths = append(m.paths, path)
	}

	if m.explicit != "" {
		if err := m.loadFile(m.explicit); err != nil {
			return cerrors.ConfigFile(m.explicit, err)
		}
		m.paths = append(m.paths, m.explicit)
	}

	return m.loadEnv()
}

// searchPaths returns config file paths in priority order.
func searchPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/canteen/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".canteen", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".canteen.yaml"))
	}

	return paths
}

func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	merge(m.config, &partial)
	return nil
}

// merge copies non-zero values from src into dst.
func merge(dst, src *Config) {
	// Arena
	if src.Arena.Actors != 0 {
		dst.Arena.Actors = src.Arena.Actors
	}
	if src.Arena.MaxDelay != 0 {
		dst.Arena.MaxDelay = src.Arena.MaxDelay
	}
	if src.Arena.AcquireTimeout != 0 {
		dst.Arena.AcquireTimeout = src.Arena.AcquireTimeout
	}
	if src.Arena.Seed != 0 {
		dst.Arena.Seed = src.Arena.Seed
	}

	// Starvation
	if src.Starvation.Enabled {
		dst.Starvation.Enabled = true
	}
	if src.Starvation.Multiplier != 0 {
		dst.Starvation.Multiplier = src.Starvation.Multiplier
	}

	// Observer
	if src.Observer.Renderer != "" {
		dst.Observer.Renderer = src.Observer.Renderer
	}
	if src.Observer.IdleMultiplier != 0 {
		dst.Observer.IdleMultiplier = src.Observer.IdleMultiplier
	}
	if src.Observer.Color != nil {
		dst.Observer.Color = src.Observer.Color
	}

	// Report
	if src.Report.Interval != 0 {
		dst.Report.Interval = src.Report.Interval
	}
	if src.Report.Redis.Address != "" {
		dst.Report.Redis.Address = src.Report.Redis.Address
	}
	if src.Report.Redis.Password != "" {
		dst.Report.Redis.Password = src.Report.Redis.Password
	}
	if src.Report.Redis.DB != 0 {
		dst.Report.Redis.DB = src.Report.Redis.DB
	}
	if src.Report.Redis.Prefix != "" {
		dst.Report.Redis.Prefix = src.Report.Redis.Prefix
	}
	if src.Report.Redis.TTL != 0 {
		dst.Report.Redis.TTL = src.Report.Redis.TTL
	}
	if src.Report.Redis.Timeout != 0 {
		dst.Report.Redis.Timeout = src.Report.Redis.Timeout
	}

	// Telemetry
	if src.Telemetry.MetricsAddr != "" {
		dst.Telemetry.MetricsAddr = src.Telemetry.MetricsAddr
	}
	if src.Telemetry.OTLPEndpoint != "" {
		dst.Telemetry.OTLPEndpoint = src.Telemetry.OTLPEndpoint
	}
	if src.Telemetry.ServiceName != "" {
		dst.Telemetry.ServiceName = src.Telemetry.ServiceName
	}
	if src.Telemetry.SamplingRatio != 0 {
		dst.Telemetry.SamplingRatio = src.Telemetry.SamplingRatio
	}

	// Log
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

// loadEnv applies CANTEEN_* environment overrides.
func (m *Manager) loadEnv() error {
	if v := os.Getenv("CANTEEN_ACTORS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cerrors.InvalidConfig("CANTEEN_ACTORS", v, "not an integer")
		}
		m.config.Arena.Actors = n
	}

	if v := os.Getenv("CANTEEN_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cerrors.InvalidConfig("CANTEEN_MAX_DELAY", v, "not a duration")
		}
		m.config.Arena.MaxDelay = d
	}

	if v := os.Getenv("CANTEEN_RENDERER"); v != "" {
		m.config.Observer.Renderer = v
	}

	if v := os.Getenv("CANTEEN_STARVATION"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			m.config.Starvation.Enabled = true
		case "0", "false", "no", "off":
			m.config.Starvation.Enabled = false
		default:
			return cerrors.InvalidConfig("CANTEEN_STARVATION", v, "not a boolean")
		}
	}

	if v := os.Getenv("CANTEEN_LOG_LEVEL"); v != "" {
		m.config.Log.Level = v
	}

	if v := os.Getenv("CANTEEN_REDIS_ADDR"); v != "" {
		m.config.Report.Redis.Address = v
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Marshal renders the effective configuration as YAML.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return yaml.Marshal(m.config)
}
