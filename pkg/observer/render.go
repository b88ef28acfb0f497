package observer

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/logflow/canteen/internal/model"
	"github.com/logflow/canteen/pkg/config"
	cerrors "github.com/logflow/canteen/pkg/errors"
)

// Renderer turns a batch of events into output. Render is only ever
// called from the drain loop, so implementations need no locking.
type Renderer interface {
	Render(batch []model.Event) error
}

// RenderOption configures a renderer built by NewRenderer.
type RenderOption func(*renderOptions)

type renderOptions struct {
	color bool
	width int
}

// WithColor enables ANSI styling of the waterfall symbols.
func WithColor(enabled bool) RenderOption {
	return func(o *renderOptions) { o.color = enabled }
}

// WithWidth preallocates the waterfall line for width actors.
func WithWidth(width int) RenderOption {
	return func(o *renderOptions) { o.width = width }
}

// NewRenderer builds the renderer registered under kind.
func NewRenderer(kind string, w io.Writer, opts ...RenderOption) (Renderer, error) {
	var o renderOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch kind {
	case config.RendererWaterfall:
		wf := NewWaterfall(w, o.width)
		wf.color = o.color
		return wf, nil
	case config.RendererLine:
		return NewLineLog(w), nil
	case config.RendererDiscard:
		return Discard{}, nil
	default:
		return nil, cerrors.UnknownRenderer(kind, config.Renderers)
	}
}

// LineLog writes one line per event: "Actor #<id> <state>".
type LineLog struct {
	w *bufio.Writer
}

// NewLineLog creates a line renderer writing to w.
func NewLineLog(w io.Writer) *LineLog {
	return &LineLog{w: bufio.NewWriter(w)}
}

// Render writes the batch and flushes once.
func (l *LineLog) Render(batch []model.Event) error {
	for _, ev := range batch {
		if _, err := fmt.Fprintf(l.w, "Actor #%d %s\n", ev.Actor, ev.State); err != nil {
			return err
		}
	}
	return l.w.Flush()
}

// Waterfall renders the ring as one line per batch. Column i shows the
// symbol of actor i's most recent state; columns of actors that have not
// reported yet are blank. The line grows as higher ids appear.
type Waterfall struct {
	w     io.Writer
	line  []byte
	color bool
	buf   strings.Builder
}

// NewWaterfall creates a waterfall renderer. width preallocates columns
// and may be zero.
func NewWaterfall(w io.Writer, width int) *Waterfall {
	wf := &Waterfall{w: w}
	if width > 0 {
		wf.grow(width)
	}
	return wf
}

func (wf *Waterfall) grow(n int) {
	for len(wf.line) < n {
		wf.line = append(wf.line, model.Idle.Symbol())
	}
}

// Apply updates the column of ev.Actor without writing anything.
func (wf *Waterfall) Apply(ev model.Event) {
	if ev.Actor < 0 {
		return
	}
	wf.grow(ev.Actor + 1)
	wf.line[ev.Actor] = ev.State.Symbol()
}

// Snapshot returns the current line.
func (wf *Waterfall) Snapshot() string {
	return string(wf.line)
}

// Render applies the whole batch, then writes the resulting line once.
// An empty batch writes nothing.
func (wf *Waterfall) Render(batch []model.Event) error {
	if len(batch) == 0 {
		return nil
	}
	for _, ev := range batch {
		wf.Apply(ev)
	}
	wf.buf.Reset()
	if wf.color {
		wf.buf.WriteString(Colorize(wf.line))
	} else {
		wf.buf.Write(wf.line)
	}
	wf.buf.WriteByte('\n')
	_, err := io.WriteString(wf.w, wf.buf.String())
	return err
}

// Discard drops every batch.
type Discard struct{}

// Render implements Renderer.
func (Discard) Render([]model.Event) error { return nil }

var symbolStyles = map[byte]lipgloss.Style{
	model.Waiting.Symbol(): lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	model.Active.Symbol():  lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC66")).Bold(true),
	model.Starved.Symbol(): lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true),
}

// Colorize styles a waterfall line, one style per state symbol.
func Colorize(line []byte) string {
	var sb strings.Builder
	for i := 0; i < len(line); {
		j := i + 1
		for j < len(line) && line[j] == line[i] {
			j++
		}
		run := string(line[i:j])
		if style, ok := symbolStyles[line[i]]; ok {
			run = style.Render(run)
		}
		sb.WriteString(run)
		i = j
	}
	return sb.String()
}
