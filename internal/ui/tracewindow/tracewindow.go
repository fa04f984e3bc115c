// Package tracewindow is the diagnostic presentation surface: a terminal
// window showing the live log feed and the current hold count.
//
// The window holds the process open while it is up. Quitting posts
// SurfaceClosing to the event loop; Run posts SurfaceDestroyed once the
// program has exited.
package tracewindow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/servhost/internal/eventloop"
	"github.com/zjrosen/servhost/internal/keys"
	"github.com/zjrosen/servhost/internal/lifecycle"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/pubsub"
)

const (
	// header (2 lines) + footer (2 lines)
	chromeLines       = 4
	viewportMinHeight = 3
	bufferLines       = 10000
)

// Poster accepts surface notifications. *eventloop.Loop implements it.
type Poster interface {
	Post(ev eventloop.Event) bool
}

// HoldSource reports the hold count and its changes.
// *lifecycle.Coordinator implements it.
type HoldSource interface {
	pubsub.Subscriber[lifecycle.HoldsChanged]
	Count() int64
}

// Options configure a window.
type Options struct {
	Loop  Poster
	Holds HoldSource
	// Addr is shown in the header when set.
	Addr string
}

// Model is the trace window state.
type Model struct {
	loop  Poster
	holds HoldSource
	addr  string

	logs    *log.LogListener
	changes *pubsub.ContinuousListener[lifecycle.HoldsChanged]

	holdCount int64
	minLevel  log.Level
	follow    bool
	closing   bool

	width    int
	height   int
	viewport viewport.Model
	help     help.Model
}

// New creates a window model. Listeners live until ctx is cancelled.
func New(ctx context.Context, opts Options) Model {
	m := Model{
		loop:     opts.Loop,
		holds:    opts.Holds,
		addr:     opts.Addr,
		logs:     log.NewListener(ctx),
		minLevel: log.LevelDebug,
		follow:   true,
		help:     help.New(),
	}
	if opts.Holds != nil {
		m.changes = pubsub.NewContinuousListener(ctx, opts.Holds)
		m.holdCount = opts.Holds.Count()
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	var cmds []tea.Cmd
	if m.logs != nil {
		cmds = append(cmds, m.logs.Listen())
	}
	if m.changes != nil {
		cmds = append(cmds, m.changes.Listen())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case log.LogEvent:
		m.refreshViewport()
		if m.logs == nil {
			return m, nil
		}
		return m, m.logs.Listen()

	case pubsub.Event[lifecycle.HoldsChanged]:
		m.holdCount = msg.Payload.Count
		if m.changes == nil {
			return m, nil
		}
		return m, m.changes.Listen()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	km := keys.TraceWindow
	switch {
	case key.Matches(msg, km.Close):
		m.close()
		return m, tea.Quit

	case key.Matches(msg, km.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.refreshViewport()

	case key.Matches(msg, km.Clear):
		log.ClearBuffer()
		m.refreshViewport()

	case key.Matches(msg, km.Debug):
		m.setLevel(log.LevelDebug)
	case key.Matches(msg, km.Info):
		m.setLevel(log.LevelInfo)
	case key.Matches(msg, km.Warn):
		m.setLevel(log.LevelWarn)
	case key.Matches(msg, km.Error):
		m.setLevel(log.LevelError)

	case key.Matches(msg, km.Follow):
		m.follow = !m.follow
		if m.follow {
			m.viewport.GotoBottom()
		}

	case key.Matches(msg, km.Down):
		m.follow = false
		m.viewport.ScrollDown(1)
	case key.Matches(msg, km.Up):
		m.follow = false
		m.viewport.ScrollUp(1)
	case key.Matches(msg, km.Top):
		m.follow = false
		m.viewport.GotoTop()
	case key.Matches(msg, km.Bottom):
		m.follow = true
		m.viewport.GotoBottom()
	}
	return m, nil
}

// close posts SurfaceClosing once.
func (m *Model) close() {
	if m.closing {
		return
	}
	m.closing = true
	log.Info(log.CatUI, "trace window closing", "holds", m.holdCount)
	if m.loop != nil {
		m.loop.Post(eventloop.Event{Kind: eventloop.SurfaceClosing})
	}
}

func (m *Model) setLevel(level log.Level) {
	m.minLevel = level
	m.refreshViewport()
}

// View implements tea.Model.
func (m Model) View() string {
	width := max(m.width, 20)
	divider := dividerStyle.Render(strings.Repeat("─", width))

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(divider)
	b.WriteString("\n")
	if m.width == 0 || m.height == 0 {
		b.WriteString(emptyStyle.Render("Starting..."))
	} else {
		b.WriteString(m.viewport.View())
	}
	b.WriteString("\n")
	b.WriteString(divider)
	b.WriteString("\n")
	b.WriteString(m.footer())
	return b.String()
}

func (m Model) header() string {
	parts := []string{titleStyle.Render("servhost")}
	if m.addr != "" {
		parts = append(parts, hintStyle.Render(m.addr))
	}
	holds := fmt.Sprintf("holds: %d", m.holdCount)
	if m.holdCount > 0 {
		parts = append(parts, holdsStyle.Render(holds))
	} else {
		parts = append(parts, idleStyle.Render(holds))
	}
	return strings.Join(parts, "  ")
}

// footer lists key hints with the active filter highlighted, or the full
// key reference when help is toggled on.
func (m Model) footer() string {
	if m.help.ShowAll {
		return m.help.View(keys.TraceWindow)
	}
	hints := []string{hintStyle.Render("[q] Close"), hintStyle.Render("[c] Clear")}
	for _, f := range []struct {
		level log.Level
		label string
	}{
		{log.LevelDebug, "[d] Debug"},
		{log.LevelInfo, "[i] Info"},
		{log.LevelWarn, "[w] Warn"},
		{log.LevelError, "[e] Error"},
	} {
		if m.minLevel == f.level {
			hints = append(hints, activeStyle.Render(f.label))
		} else {
			hints = append(hints, hintStyle.Render(f.label))
		}
	}
	if m.follow {
		hints = append(hints, activeStyle.Render("[f] Follow"))
	} else {
		hints = append(hints, hintStyle.Render("[f] Follow"))
	}
	return strings.Join(hints, "  ")
}

func (m *Model) refreshViewport() {
	if m.width == 0 || m.height == 0 {
		return
	}
	height := max(m.height-chromeLines-m.footerExtra(), viewportMinHeight)
	offset := m.viewport.YOffset
	m.viewport = viewport.New(m.width, height)
	m.viewport.SetContent(m.buildContent(m.width))
	if m.follow {
		m.viewport.GotoBottom()
	} else {
		m.viewport.SetYOffset(offset)
	}
}

// footerExtra is how many lines the footer uses beyond one.
func (m Model) footerExtra() int {
	return max(lipgloss.Height(m.footer())-1, 0)
}

func (m Model) buildContent(width int) string {
	var lines []string
	for _, entry := range log.GetRecentLogs(bufferLines) {
		if matchesLevel(entry, m.minLevel) {
			lines = append(lines, colorize(entry, width))
		}
	}
	if len(lines) == 0 {
		return emptyStyle.Render("No trace output yet")
	}
	return strings.Join(lines, "\n")
}

// entryLevel reads the level tag written by the default log format.
// Entries without one report ok=false.
func entryLevel(entry string) (log.Level, bool) {
	switch {
	case strings.Contains(entry, "[ERROR]"):
		return log.LevelError, true
	case strings.Contains(entry, "[WARN]"):
		return log.LevelWarn, true
	case strings.Contains(entry, "[INFO]"):
		return log.LevelInfo, true
	case strings.Contains(entry, "[DEBUG]"):
		return log.LevelDebug, true
	default:
		return log.LevelDebug, false
	}
}

// matchesLevel keeps entries at or above floor. Untagged entries, e.g. from a
// custom stored format, are always shown.
func matchesLevel(entry string, floor log.Level) bool {
	level, ok := entryLevel(entry)
	return !ok || level >= floor
}

func colorize(entry string, maxWidth int) string {
	entry = strings.TrimSuffix(entry, "\n")
	if ansi.StringWidth(entry) > maxWidth {
		entry = ansi.Truncate(entry, maxWidth-3, "...")
	}

	style := lipgloss.NewStyle().Foreground(textPrimaryColor)
	if level, ok := entryLevel(entry); ok {
		switch level {
		case log.LevelError:
			style = lipgloss.NewStyle().Foreground(errorColor)
		case log.LevelWarn:
			style = lipgloss.NewStyle().Foreground(warnColor)
		case log.LevelInfo:
			style = lipgloss.NewStyle().Foreground(infoColor)
		case log.LevelDebug:
			style = lipgloss.NewStyle().Foreground(textMutedColor)
		}
	}
	return style.Render(entry)
}

// HoldCount returns the last hold count the window saw.
func (m Model) HoldCount() int64 {
	return m.holdCount
}

// Closing reports whether the window has asked to close.
func (m Model) Closing() bool {
	return m.closing
}

// Run shows the window until the user closes it or ctx ends. It posts
// SurfaceCreated before the program starts and SurfaceDestroyed after it
// exits, whichever way it exits.
func Run(ctx context.Context, opts Options, progOpts ...tea.ProgramOption) error {
	if opts.Loop == nil {
		return errors.New("tracewindow: nil loop")
	}
	opts.Loop.Post(eventloop.Event{Kind: eventloop.SurfaceCreated})
	defer opts.Loop.Post(eventloop.Event{Kind: eventloop.SurfaceDestroyed})

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	all := append([]tea.ProgramOption{tea.WithContext(ctx)}, progOpts...)
	p := tea.NewProgram(New(listenCtx, opts), all...)
	_, err := p.Run()
	if err != nil && (errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled)) {
		log.Debug(log.CatUI, "trace window stopped by context")
		return nil
	}
	if err != nil {
		return fmt.Errorf("running trace window: %w", err)
	}
	return nil
}
