package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/servhost/internal/lifecycle"
)

// runAsync starts l.Run and returns a channel carrying its result.
func runAsync(t *testing.T, l *Loop, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return done
}

func requireStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		require.Fail(t, "loop did not stop")
		return nil
	}
}

func requireRunning(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.Failf(t, "loop stopped early", "err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

// flush posts a task and waits until the loop has run it.
func flush(t *testing.T, l *Loop) {
	t.Helper()
	ran := make(chan struct{})
	require.True(t, l.Do("sync", func(context.Context) error {
		close(ran)
		return nil
	}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		require.Fail(t, "task did not run")
	}
}

func TestLoop_NoTerminationAtStartup(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)
	done := runAsync(t, l, context.Background())

	requireRunning(t, done)
	require.True(t, l.RequestStop())
	require.NoError(t, requireStopped(t, done))
}

func TestLoop_SurfaceLifecycle(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)
	done := runAsync(t, l, context.Background())

	l.Post(Event{Kind: SurfaceCreated})
	flush(t, l)
	require.True(t, l.SurfaceAlive())
	require.Equal(t, int64(1), holds.Count())

	l.Post(Event{Kind: SurfaceClosing})
	flush(t, l)
	require.Equal(t, int64(0), holds.Count())
	requireRunning(t, done)

	l.Post(Event{Kind: SurfaceDestroyed})
	require.NoError(t, requireStopped(t, done))
	require.False(t, l.SurfaceAlive())
}

func TestLoop_ObjectOutlivesSurface(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)
	done := runAsync(t, l, context.Background())

	l.Post(Event{Kind: SurfaceCreated})
	holds.AddHold() // remote object activated

	l.Post(Event{Kind: SurfaceClosing})
	l.Post(Event{Kind: SurfaceDestroyed})
	flush(t, l)
	requireRunning(t, done)
	require.Equal(t, int64(1), holds.Count())

	holds.ReleaseHold()
	require.NoError(t, requireStopped(t, done))
}

func TestLoop_SurfaceOutlivesObject(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)
	done := runAsync(t, l, context.Background())

	l.Post(Event{Kind: SurfaceCreated})
	flush(t, l)
	holds.AddHold()
	holds.ReleaseHold()
	flush(t, l)
	requireRunning(t, done)

	l.Post(Event{Kind: SurfaceClosing})
	l.Post(Event{Kind: SurfaceDestroyed})
	require.NoError(t, requireStopped(t, done))
}

func TestLoop_PendingSurfaceSurvivesEarlyRelease(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)

	// The surface is queued but not yet dispatched when an object comes
	// and goes. The urgent zero notification jumps ahead of it.
	l.Post(Event{Kind: SurfaceCreated})
	require.True(t, l.SurfaceAlive())
	holds.AddHold()
	holds.ReleaseHold()
	require.Equal(t, int64(1), holds.Count())

	done := runAsync(t, l, context.Background())
	requireRunning(t, done)

	l.Post(Event{Kind: SurfaceClosing})
	l.Post(Event{Kind: SurfaceDestroyed})
	require.NoError(t, requireStopped(t, done))
	require.Equal(t, int64(0), holds.Count())
}

func TestLoop_AttachSurfaceIsSynchronous(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)

	require.True(t, l.AttachSurface())
	require.True(t, l.SurfaceAlive())
	require.Equal(t, int64(1), holds.Count())

	// A second attach for the same surface takes no extra hold.
	require.True(t, l.AttachSurface())
	require.Equal(t, int64(1), holds.Count())

	done := runAsync(t, l, context.Background())
	flush(t, l)
	requireRunning(t, done)

	l.Post(Event{Kind: SurfaceDestroyed})
	require.NoError(t, requireStopped(t, done))
	require.Equal(t, int64(0), holds.Count())
	require.False(t, l.AttachSurface())
}

func TestLoop_HeadlessStopsOnLastRelease(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)
	done := runAsync(t, l, context.Background())

	holds.AddHold()
	holds.AddHold()
	holds.ReleaseHold()
	requireRunning(t, done)

	holds.ReleaseHold()
	require.NoError(t, requireStopped(t, done))
}

func TestLoop_ReactivationBeforeCheck(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)

	// Queue the zero notification, then take a new hold before the loop
	// gets to look at it.
	holds.AddHold()
	holds.ReleaseHold()
	holds.AddHold()

	done := runAsync(t, l, context.Background())
	flush(t, l)
	requireRunning(t, done)

	holds.ReleaseHold()
	require.NoError(t, requireStopped(t, done))
}

func TestLoop_DestroyedWithoutClosingReleasesHold(t *testing.T) {
	holds := lifecycle.New()
	l := New(holds)
	done := runAsync(t, l, context.Background())

	l.Post(Event{Kind: SurfaceCreated})
	l.Post(Event{Kind: SurfaceDestroyed})
	require.NoError(t, requireStopped(t, done))
	require.Equal(t, int64(0), holds.Count())
}

func TestLoop_TasksRunInOrder(t *testing.T) {
	l := New(lifecycle.New())

	var order []int
	for i := range 5 {
		l.Do("append", func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	l.Do("fails", func(context.Context) error { return errors.New("boom") })
	l.Post(Event{Kind: Stop})

	require.NoError(t, l.Run(context.Background()))
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	require.Equal(t, uint64(7), l.Dispatched())
}

func TestLoop_UrgentJumpsQueue(t *testing.T) {
	l := New(lifecycle.New())

	var ran atomic.Bool
	l.Do("late", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	l.RequestStop()

	require.NoError(t, l.Run(context.Background()))
	require.False(t, ran.Load(), "stop posted urgently runs before queued tasks")
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New(lifecycle.New())
	l.RequestStop()
	require.NoError(t, l.Run(context.Background()))

	require.False(t, l.Post(Event{Kind: Task}))
	require.ErrorIs(t, l.Run(context.Background()), ErrAlreadyRunning)
}

func TestLoop_ContextCancel(t *testing.T) {
	holds := lifecycle.New()
	holds.AddHold()
	l := New(holds)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(t, l, ctx)
	requireRunning(t, done)

	cancel()
	require.ErrorIs(t, requireStopped(t, done), context.Canceled)
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "surface-destroyed", SurfaceDestroyed.String())
	require.Equal(t, "kind(42)", Kind(42).String())
}

// Property: a headless loop stops exactly when the last of n holds goes away.
func TestLoop_StopsOnlyAtZero(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		holds := lifecycle.New()
		l := New(holds)
		n := rapid.IntRange(1, 20).Draw(rt, "holds")
		for range n {
			holds.AddHold()
		}

		done := make(chan error, 1)
		go func() { done <- l.Run(context.Background()) }()

		for i := range n - 1 {
			holds.ReleaseHold()
			select {
			case <-done:
				rt.Fatalf("stopped with %d holds outstanding", n-i-1)
			default:
			}
		}
		holds.ReleaseHold()

		select {
		case err := <-done:
			if err != nil {
				rt.Fatalf("run: %v", err)
			}
		case <-time.After(2 * time.Second):
			rt.Fatalf("did not stop after last release")
		}
	})
}
