package report

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/logflow/canteen/internal/model"
	"github.com/logflow/canteen/pkg/config"
)

func sample() Snapshot {
	return Snapshot{
		RunID:        "run-1",
		TakenAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Uptime:       3 * time.Second,
		Actors:       5,
		QueueDepth:   2,
		Recorded:     40,
		Rendered:     38,
		LastEventAge: 15 * time.Millisecond,
		States:       []model.State{model.Idle, model.Active, model.Waiting, model.Waiting, model.Starved},
		Meals:        []int64{3, 4, 1, 0, 0},
		TotalMeals:   8,
		Dined:        3,
		Starved:      []int{4},
		NeverDined:   []int{3, 4},
	}
}

func TestSnapshot_Views(t *testing.T) {
	s := sample()
	require.Equal(t, " |--#", s.Line())
	require.Equal(t, map[model.State]int{
		model.Idle: 1, model.Active: 1, model.Waiting: 2, model.Starved: 1,
	}, s.StateCounts())

	f := s.Fields()
	require.Equal(t, "run-1", f["run_id"])
	require.Equal(t, "2024-05-01T12:00:00Z", f["taken_at"])
	require.Equal(t, int64(3000), f["uptime_ms"])
	require.Equal(t, 2, f["hungry"])
	require.Equal(t, "4", f["starved"])
	require.Equal(t, " |--#", f["line"])
}

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewLogReporter(zap.New(core))

	require.NoError(t, r.Report(context.Background(), sample()))
	require.NoError(t, r.Close())

	entries := logs.FilterMessage("liveness").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "run-1", fields["run-id"])
	require.Equal(t, int64(8), fields["meals"])
	require.Equal(t, int64(2), fields["hungry"])
}

type failing struct{ closed bool }

func (f *failing) Report(context.Context, Snapshot) error { return errors.New("boom") }
func (f *failing) Close() error                          { f.closed = true; return nil }

func TestMulti_AggregatesErrors(t *testing.T) {
	f := &failing{}
	m := Multi{NewLogReporter(nil), f}

	err := m.Report(context.Background(), sample())
	require.EqualError(t, err, "boom")
	require.NoError(t, m.Close())
	require.True(t, f.closed)
}

func TestRedisReporter_Key(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	r := newRedisReporter(config.RedisConfig{Prefix: "canteen:runs:"}, client)
	defer r.Close()

	require.Equal(t, "canteen:runs:abc", r.Key("abc"))
	require.Equal(t, "canteen:runs:index", r.indexKey())
	require.Equal(t, 5*time.Second, r.cfg.Timeout)
}

// Requires a running Redis; set CANTEEN_TEST_REDIS_ADDR to enable.
func TestRedisReporter_RoundTrip(t *testing.T) {
	addr := os.Getenv("CANTEEN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CANTEEN_TEST_REDIS_ADDR not set")
	}

	r, err := NewRedisReporter(config.RedisConfig{
		Address: addr,
		Prefix:  "canteen:test:",
		TTL:     time.Minute,
		Timeout: time.Second,
	})
	require.NoError(t, err)
	defer r.Close()

	snap := sample()
	snap.RunID = uuid.NewString()

	ctx := context.Background()
	require.NoError(t, r.Report(ctx, snap))

	stored, err := r.Load(ctx, snap.RunID)
	require.NoError(t, err)
	require.Equal(t, snap.RunID, stored["run_id"])
	require.Equal(t, "8", stored["total_meals"])
	require.Equal(t, " |--#", stored["line"])

	runs, err := r.Runs(ctx)
	require.NoError(t, err)
	require.Contains(t, runs, snap.RunID)
}
