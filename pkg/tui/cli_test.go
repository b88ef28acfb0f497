package tui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/logflow/canteen/internal/model"
	"github.com/logflow/canteen/pkg/report"
)

func TestMain(m *testing.M) {
	SetColor(false)
	m.Run()
}

func TestColorEnabled(t *testing.T) {
	on, off := true, false
	require.True(t, ColorEnabled(nil, &on))
	require.False(t, ColorEnabled(nil, &off))
	require.False(t, ColorEnabled(nil, nil))
}

func TestPrintBanner(t *testing.T) {
	var out bytes.Buffer
	PrintBanner(&out, Banner{
		Version:  "v1.0.0",
		RunID:    "run-7",
		Actors:   64,
		MaxDelay: 10 * time.Second,
		Renderer: "waterfall",
	})
	s := out.String()
	require.Contains(t, s, "CANTEEN")
	require.Contains(t, s, "run-7")
	require.Contains(t, s, "10.0s")
	require.Contains(t, s, "off")
}

func TestPrintLivenessFailure(t *testing.T) {
	var out bytes.Buffer
	PrintLivenessFailure(&out, report.Snapshot{
		RunID:        "run-9",
		QueueDepth:   3,
		LastEventAge: 45 * time.Second,
		TotalMeals:   1500,
		States:       []model.State{model.Waiting, model.Waiting, model.Idle},
		NeverDined:   []int{0, 2},
	}, errors.New("E201: no state transition observed"))

	s := out.String()
	require.Contains(t, s, "LIVENESS FAILURE")
	require.Contains(t, s, "E201")
	require.Contains(t, s, "45.0s ago")
	require.Contains(t, s, "1.5K")
	require.Contains(t, s, "1 thinking, 2 hungry, 0 dining, 0 starved")
	require.Contains(t, s, "#0 #2")
	require.Contains(t, s, "|-- |")
}

func TestPrintBenchReport(t *testing.T) {
	var out bytes.Buffer
	PrintBenchReport(&out, BenchReport{
		Actors:     5,
		Duration:   2 * time.Second,
		TotalMeals: 400,
		MinMeals:   70,
		MaxMeals:   90,
		Starved:    1,
	})
	s := out.String()
	require.Contains(t, s, "BENCH COMPLETE")
	require.Contains(t, s, "200 meals/sec")
	require.Contains(t, s, "min 70, max 90")
	require.Contains(t, s, "Starved:")
	require.NotContains(t, s, "Never dined:")
}

func TestFormat(t *testing.T) {
	require.Equal(t, "250µs", formatDuration(250*time.Microsecond))
	require.Equal(t, "12ms", formatDuration(12*time.Millisecond))
	require.Equal(t, "2m5s", formatDuration(125*time.Second))
	require.Equal(t, "999", formatNumber(999))
	require.Equal(t, "2.5M", formatNumber(2500000))
}
