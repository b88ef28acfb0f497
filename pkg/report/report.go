// Package report publishes periodic liveness snapshots of a running arena.
package report

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/logflow/canteen/internal/model"
)

// Snapshot is a point-in-time view of an arena.
type Snapshot struct {
	RunID        string
	TakenAt      time.Time
	Uptime       time.Duration
	Actors       int
	QueueDepth   int
	Recorded     int64
	Rendered     int64
	RenderErrors int64
	LastEventAt  time.Time
	LastEventAge time.Duration

	States     []model.State
	Meals      []int64
	TotalMeals int64
	Dined      int
	Starved    []int
	NeverDined []int
}

// StateCounts returns how many actors are currently in each state.
func (s Snapshot) StateCounts() map[model.State]int {
	counts := make(map[model.State]int, 4)
	for _, st := range s.States {
		counts[st]++
	}
	return counts
}

// Line renders the current states with waterfall symbols.
func (s Snapshot) Line() string {
	b := make([]byte, len(s.States))
	for i, st := range s.States {
		b[i] = st.Symbol()
	}
	return string(b)
}

// Fields flattens the snapshot into string-keyed values, as stored in a
// Redis hash.
func (s Snapshot) Fields() map[string]interface{} {
	counts := s.StateCounts()
	return map[string]interface{}{
		"run_id":         s.RunID,
		"taken_at":       s.TakenAt.UTC().Format(time.RFC3339Nano),
		"uptime_ms":      s.Uptime.Milliseconds(),
		"actors":         s.Actors,
		"queue_depth":    s.QueueDepth,
		"recorded":       s.Recorded,
		"rendered":       s.Rendered,
		"render_errors":  s.RenderErrors,
		"last_event_age": s.LastEventAge.Milliseconds(),
		"total_meals":    s.TotalMeals,
		"dined":          s.Dined,
		"thinking":       counts[model.Idle],
		"hungry":         counts[model.Waiting],
		"dining":         counts[model.Active],
		"starved":        joinInts(s.Starved),
		"line":           s.Line(),
	}
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// Reporter receives snapshots from the arena's liveness poller.
type Reporter interface {
	Report(ctx context.Context, snap Snapshot) error
	Close() error
}

// LogReporter writes each snapshot as one structured log line.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging at info level.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(_ context.Context, snap Snapshot) error {
	counts := snap.StateCounts()
	r.logger.Info("liveness",
		zap.String("run-id", snap.RunID),
		zap.Int("queue_depth", snap.QueueDepth),
		zap.Duration("last_event_age", snap.LastEventAge),
		zap.Int64("meals", snap.TotalMeals),
		zap.Int("dined", snap.Dined),
		zap.Int("thinking", counts[model.Idle]),
		zap.Int("hungry", counts[model.Waiting]),
		zap.Int("dining", counts[model.Active]),
		zap.Ints("starved", snap.Starved),
	)
	return nil
}

// Close implements Reporter.
func (r *LogReporter) Close() error { return nil }

// Multi fans a snapshot out to several reporters.
type Multi []Reporter

// Report calls every reporter and combines their errors.
func (m Multi) Report(ctx context.Context, snap Snapshot) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Report(ctx, snap))
	}
	return err
}

// Close closes every reporter and combines their errors.
func (m Multi) Close() error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Close())
	}
	return err
}
