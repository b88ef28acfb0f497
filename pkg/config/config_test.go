package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cerrors "github.com/logflow/canteen/pkg/errors"
)

// isolate points HOME and the working directory at empty temp dirs so
// that well-known config locations on the host do not leak into tests.
func isolate(t *testing.T) string {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 64, cfg.Arena.Actors)
	require.Equal(t, cfg.Arena.MaxDelay, cfg.AcquireTimeout())
	require.Equal(t, 30*time.Second, cfg.IdleTimeout())
	require.Zero(t, cfg.StarvationThreshold())

	cfg.Starvation.Enabled = true
	require.Equal(t, 40*time.Second, cfg.StarvationThreshold())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   cerrors.Code
	}{
		{"one actor", func(c *Config) { c.Arena.Actors = 1 }, cerrors.CodeInvalidConfig},
		{"zero actors", func(c *Config) { c.Arena.Actors = 0 }, cerrors.CodeInvalidConfig},
		{"too many actors", func(c *Config) { c.Arena.Actors = 1<<16 + 1 }, cerrors.CodeInvalidConfig},
		{"zero delay", func(c *Config) { c.Arena.MaxDelay = 0 }, cerrors.CodeInvalidConfig},
		{"negative acquire", func(c *Config) { c.Arena.AcquireTimeout = -time.Second }, cerrors.CodeInvalidConfig},
		{"negative multiplier", func(c *Config) { c.Starvation.Multiplier = -1 }, cerrors.CodeInvalidConfig},
		{"enabled zero multiplier", func(c *Config) {
			c.Starvation.Enabled = true
			c.Starvation.Multiplier = 0
		}, cerrors.CodeInvalidConfig},
		{"idle multiplier", func(c *Config) { c.Observer.IdleMultiplier = 0 }, cerrors.CodeInvalidConfig},
		{"renderer", func(c *Config) { c.Observer.Renderer = "fancy" }, cerrors.CodeUnknownRenderer},
		{"sampling", func(c *Config) { c.Telemetry.SamplingRatio = 2 }, cerrors.CodeInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, cerrors.IsCode(err, tt.code), err.Error())
			require.True(t, cerrors.IsFatal(err))
		})
	}

	cfg := Default()
	cfg.Arena.Actors = 2
	require.NoError(t, cfg.Validate())
}

func TestManager_LoadLayers(t *testing.T) {
	dir := isolate(t)

	project := []byte("arena:\n  actors: 5\n  max_delay: 200ms\nobserver:\n  renderer: line\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".canteen.yaml"), project, 0o644))

	explicit := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(explicit, []byte("arena:\n  actors: 7\nstarvation:\n  enabled: true\n"), 0o644))

	t.Setenv("CANTEEN_MAX_DELAY", "50ms")

	m := NewManager(explicit)
	require.NoError(t, m.Load())

	cfg := m.Get()
	require.Equal(t, 7, cfg.Arena.Actors)
	require.Equal(t, 50*time.Millisecond, cfg.Arena.MaxDelay)
	require.Equal(t, RendererLine, cfg.Observer.Renderer)
	require.True(t, cfg.Starvation.Enabled)
	require.Equal(t, 4.0, cfg.Starvation.Multiplier)
	require.Contains(t, m.GetPaths(), explicit)

	out, err := m.Marshal()
	require.NoError(t, err)
	require.Contains(t, string(out), "actors: 7")
}

func TestManager_Errors(t *testing.T) {
	dir := isolate(t)

	m := NewManager(filepath.Join(dir, "missing.yaml"))
	err := m.Load()
	require.True(t, cerrors.IsCode(err, cerrors.CodeConfigFile))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("arena: [unclosed"), 0o644))
	err = NewManager(bad).Load()
	require.True(t, cerrors.IsCode(err, cerrors.CodeConfigFile))

	t.Setenv("CANTEEN_ACTORS", "many")
	err = NewManager("").Load()
	require.True(t, cerrors.IsCode(err, cerrors.CodeInvalidConfig))
}
