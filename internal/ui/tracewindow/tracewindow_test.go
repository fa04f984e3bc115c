package tracewindow

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/servhost/internal/eventloop"
	"github.com/zjrosen/servhost/internal/lifecycle"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/pubsub"
)

func TestMain(m *testing.M) {
	log.InitWriter(nil)
	os.Exit(m.Run())
}

type recorder struct {
	mu     sync.Mutex
	events []eventloop.Kind
}

func (r *recorder) Post(ev eventloop.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Kind)
	return true
}

func (r *recorder) kinds() []eventloop.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventloop.Kind(nil), r.events...)
}

func newModel(t *testing.T) (Model, *recorder, *lifecycle.Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rec := &recorder{}
	holds := lifecycle.New()
	m := New(ctx, Options{Loop: rec, Holds: holds, Addr: "127.0.0.1:7390"})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 20})
	return updated.(Model), rec, holds
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(m Model, s string) (Model, tea.Cmd) {
	updated, cmd := m.Update(keyMsg(s))
	return updated.(Model), cmd
}

func TestNew_StartsWithCurrentCount(t *testing.T) {
	holds := lifecycle.New()
	holds.AddHold()
	holds.AddHold()

	m := New(context.Background(), Options{Loop: &recorder{}, Holds: holds})
	require.Equal(t, int64(2), m.HoldCount())
	require.False(t, m.Closing())
	require.Equal(t, log.LevelDebug, m.minLevel)
	require.True(t, m.follow)
}

func TestView_BeforeSize(t *testing.T) {
	m := New(context.Background(), Options{Loop: &recorder{}})
	view := m.View()
	require.Contains(t, view, "servhost")
	require.Contains(t, view, "Starting...")
	require.Contains(t, view, "holds: 0")
}

func TestHoldsChanged_UpdatesHeader(t *testing.T) {
	m, _, _ := newModel(t)

	updated, cmd := m.Update(pubsub.Event[lifecycle.HoldsChanged]{
		Type:    pubsub.HoldsEvent,
		Payload: lifecycle.HoldsChanged{Count: 3, Delta: 1},
	})
	m = updated.(Model)

	require.Equal(t, int64(3), m.HoldCount())
	require.NotNil(t, cmd, "listener must be re-armed")
	require.Contains(t, m.View(), "holds: 3")
}

func TestHoldsChanged_FromCoordinator(t *testing.T) {
	m, _, holds := newModel(t)
	cmd := m.Init()
	require.NotNil(t, cmd)

	// Drain one message from the holds listener directly.
	holds.AddHold()
	msg := m.changes.Listen()()
	updated, _ := m.Update(msg)
	require.Equal(t, int64(1), updated.(Model).HoldCount())
}

func TestQuit_PostsSurfaceClosingOnce(t *testing.T) {
	for _, k := range []string{"q", "esc", "ctrl+c"} {
		t.Run(k, func(t *testing.T) {
			m, rec, _ := newModel(t)

			m, cmd := press(m, k)
			require.True(t, m.Closing())
			require.NotNil(t, cmd)
			require.IsType(t, tea.QuitMsg{}, cmd())

			_, _ = press(m, k)
			require.Equal(t, []eventloop.Kind{eventloop.SurfaceClosing}, rec.kinds())
		})
	}
}

func TestLevelFilter(t *testing.T) {
	log.ClearBuffer()
	log.Debug(log.CatUI, "debug-line")
	log.Info(log.CatUI, "info-line")
	log.Warn(log.CatUI, "warn-line")
	log.Error(log.CatUI, "error-line")

	m, _, _ := newModel(t)
	require.Contains(t, m.viewport.View(), "debug-line")

	m, _ = press(m, "w")
	content := m.buildContent(200)
	require.NotContains(t, content, "debug-line")
	require.NotContains(t, content, "info-line")
	require.Contains(t, content, "warn-line")
	require.Contains(t, content, "error-line")

	m, _ = press(m, "e")
	content = m.buildContent(200)
	require.NotContains(t, content, "warn-line")
	require.Contains(t, content, "error-line")

	m, _ = press(m, "i")
	require.Contains(t, m.buildContent(200), "info-line")
}

func TestClear(t *testing.T) {
	log.Info(log.CatUI, "to-be-cleared")
	m, _, _ := newModel(t)

	m, _ = press(m, "c")
	require.Empty(t, log.GetRecentLogs(10))
	require.Contains(t, m.viewport.View(), "No trace output yet")
}

func TestFollowToggle(t *testing.T) {
	m, _, _ := newModel(t)
	require.True(t, m.follow)

	m, _ = press(m, "k")
	require.False(t, m.follow)
	m, _ = press(m, "G")
	require.True(t, m.follow)
	m, _ = press(m, "f")
	require.False(t, m.follow)
	require.Contains(t, m.footer(), "[f] Follow")
}

func TestHelpToggle(t *testing.T) {
	m, _, _ := newModel(t)
	short := m.viewport.Height

	m, _ = press(m, "?")
	require.True(t, m.help.ShowAll)
	require.Contains(t, m.View(), "scroll up")
	require.Less(t, m.viewport.Height, short, "full help takes room from the log view")

	m, _ = press(m, "?")
	require.False(t, m.help.ShowAll)
	require.Contains(t, m.View(), "[q] Close")
}

func TestMatchesLevel_UntaggedAlwaysShown(t *testing.T) {
	require.True(t, matchesLevel("custom format line", log.LevelError))
	require.False(t, matchesLevel("12:00 [DEBUG] [ui] x", log.LevelInfo))
	require.True(t, matchesLevel("12:00 [ERROR] [ui] x", log.LevelWarn))
}

func TestColorize_Truncates(t *testing.T) {
	long := strings.Repeat("x", 300)
	out := colorize(long, 50)
	require.Contains(t, out, "...")
	require.NotContains(t, out, strings.Repeat("x", 60))
}

func TestLogEvent_RearmsListener(t *testing.T) {
	m, _, _ := newModel(t)
	updated, cmd := m.Update(log.LogEvent{Type: pubsub.TraceEvent, Payload: "x"})
	require.NotNil(t, cmd)
	require.IsType(t, Model{}, updated)
}

func TestProgram_QuitPostsClosing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}

	tm := teatest.NewTestModel(t, New(ctx, Options{Loop: rec, Holds: lifecycle.New()}),
		teatest.WithInitialTermSize(80, 24))
	tm.Send(keyMsg("q"))
	tm.WaitFinished(t, teatest.WithFinalTimeout(2*time.Second))

	final, ok := tm.FinalModel(t).(Model)
	require.True(t, ok)
	require.True(t, final.Closing())
	require.Equal(t, []eventloop.Kind{eventloop.SurfaceClosing}, rec.kinds())
}

func TestRun_NilLoop(t *testing.T) {
	require.Error(t, Run(context.Background(), Options{}))
}

func TestRun_CancelledContextPostsCreatedAndDestroyed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}

	err := Run(ctx, Options{Loop: rec, Holds: lifecycle.New()},
		tea.WithInput(nil), tea.WithOutput(new(strings.Builder)))
	require.NoError(t, err)

	kinds := rec.kinds()
	require.Equal(t, eventloop.SurfaceCreated, kinds[0])
	require.Equal(t, eventloop.SurfaceDestroyed, kinds[len(kinds)-1])
}

func TestRun_WithLoop(t *testing.T) {
	holds := lifecycle.New()
	loop := eventloop.New(holds)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	uiCtx, uiCancel := context.WithCancel(ctx)
	uiDone := make(chan error, 1)
	go func() {
		uiDone <- Run(uiCtx, Options{Loop: loop, Holds: holds},
			tea.WithInput(nil), tea.WithOutput(new(strings.Builder)))
	}()

	require.Eventually(t, loop.SurfaceAlive, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), holds.Count())

	// Window torn down without a close: the destroy releases the hold and
	// the loop stops with nothing else holding it.
	uiCancel()
	require.NoError(t, <-uiDone)
	require.NoError(t, <-done)
	require.Equal(t, int64(0), holds.Count())
}
