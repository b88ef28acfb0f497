// Package tui prints the human-facing parts of the CLI: the run banner,
// the liveness failure report and the bench summary.
// Simple, streaming output only; rendering of the ring itself lives in
// the observer package.
package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/logflow/canteen/internal/model"
	"github.com/logflow/canteen/pkg/report"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
)

const rule = "  ─────────────────────────────────────"

// ColorEnabled decides whether output to f is styled. An explicit
// override wins; otherwise color is used only on a terminal.
func ColorEnabled(f *os.File, override *bool) bool {
	if override != nil {
		return *override
	}
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// SetColor turns styling of this package's output on or off.
func SetColor(enabled bool) {
	if enabled {
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	}
	lipgloss.SetColorProfile(termenv.Ascii)
}

// Banner describes a run for PrintBanner.
type Banner struct {
	Version        string
	RunID          string
	Actors         int
	MaxDelay       time.Duration
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	Starvation     time.Duration // 0 = disabled
	Renderer       string
}

// PrintBanner prints the run header.
func PrintBanner(w io.Writer, b Banner) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("  CANTEEN")+mutedStyle.Render(" "+b.Version))
	fmt.Fprintln(w, mutedStyle.Render(rule))
	field(w, "Run:", b.RunID)
	field(w, "Actors:", fmt.Sprintf("%d", b.Actors))
	field(w, "Max delay:", formatDuration(b.MaxDelay))
	field(w, "Acquire timeout:", formatDuration(b.AcquireTimeout))
	field(w, "Idle timeout:", formatDuration(b.IdleTimeout))
	if b.Starvation > 0 {
		field(w, "Starvation:", formatDuration(b.Starvation))
	} else {
		field(w, "Starvation:", "off")
	}
	field(w, "Renderer:", b.Renderer)
	fmt.Fprintln(w, mutedStyle.Render(rule))
	fmt.Fprintln(w)
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(fmt.Sprintf("%-16s", label)), titleStyle.Render(value))
}

// PrintLivenessFailure prints the final snapshot of a run whose observer
// went idle.
func PrintLivenessFailure(w io.Writer, snap report.Snapshot, cause error) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("  ✗ LIVENESS FAILURE"))
	if cause != nil {
		fmt.Fprintln(w, mutedStyle.Render("  "+cause.Error()))
	}
	fmt.Fprintln(w)
	field(w, "Run:", snap.RunID)
	field(w, "Queue depth:", fmt.Sprintf("%d", snap.QueueDepth))
	field(w, "Last event:", formatDuration(snap.LastEventAge)+" ago")
	field(w, "Meals:", formatNumber(snap.TotalMeals))
	field(w, "Uptime:", formatDuration(snap.Uptime))

	counts := snap.StateCounts()
	field(w, "States:", fmt.Sprintf("%d thinking, %d hungry, %d dining, %d starved",
		counts[model.Idle], counts[model.Waiting], counts[model.Active], counts[model.Starved]))
	if len(snap.NeverDined) > 0 {
		field(w, "Never dined:", joinIDs(snap.NeverDined))
	}
	fmt.Fprintf(w, "  %s |%s|\n", mutedStyle.Render(fmt.Sprintf("%-16s", "Ring:")), snap.Line())
	fmt.Fprintln(w)
}

// BenchReport summarises a headless run.
type BenchReport struct {
	Actors     int
	Duration   time.Duration
	TotalMeals int64
	MinMeals   int64
	MaxMeals   int64
	NeverDined int
	Starved    int
	Events     int64
}

// PrintBenchReport prints the results of a bench run.
func PrintBenchReport(w io.Writer, r BenchReport) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, successStyle.Render("  ✓ BENCH COMPLETE"))
	fmt.Fprintln(w)
	field(w, "Actors:", fmt.Sprintf("%d", r.Actors))
	field(w, "Meals:", formatNumber(r.TotalMeals))
	field(w, "Events:", formatNumber(r.Events))
	if r.Duration > 0 {
		field(w, "Time:", formatDuration(r.Duration))
		field(w, "Throughput:", formatNumber(int64(float64(r.TotalMeals)/r.Duration.Seconds()))+" meals/sec")
	}
	field(w, "Fairness:", fmt.Sprintf("min %d, max %d meals per actor", r.MinMeals, r.MaxMeals))
	if r.NeverDined > 0 {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(fmt.Sprintf("%-16s", "Never dined:")),
			accentStyle.Render(fmt.Sprintf("%d", r.NeverDined)))
	}
	if r.Starved > 0 {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(fmt.Sprintf("%-16s", "Starved:")),
			accentStyle.Render(fmt.Sprintf("%d", r.Starved)))
	}
	fmt.Fprintln(w)
}

// ShowProgress creates a progress bar counting meals towards total.
func ShowProgress(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, " ")
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
