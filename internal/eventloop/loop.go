// Package eventloop runs the server's main dispatch loop and decides when
// the process may exit.
//
// The loop drains an explicit FIFO queue on one goroutine. Presentation
// surface notifications and hold releases arrive as events; a Stop sentinel
// ends Run. The loop never stops on its own while the lifecycle coordinator
// reports outstanding holds or the surface is alive.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/servhost/internal/lifecycle"
	"github.com/zjrosen/servhost/internal/log"
)

// ErrAlreadyRunning is returned by Run when the loop was already started.
var ErrAlreadyRunning = errors.New("event loop already running")

// Kind identifies what an Event asks the loop to do.
type Kind int

const (
	// SurfaceCreated takes a hold for the presentation surface. The hold is
	// taken when the event is posted, not when it is dispatched.
	SurfaceCreated Kind = iota
	// SurfaceClosing releases the surface's hold.
	SurfaceClosing
	// SurfaceDestroyed marks the surface gone and stops if nothing holds
	// the process.
	SurfaceDestroyed
	// HoldsReleased is posted when the hold count reaches zero.
	HoldsReleased
	// Task runs Event.Fn on the loop goroutine.
	Task
	// Stop ends Run unconditionally.
	Stop
)

func (k Kind) String() string {
	switch k {
	case SurfaceCreated:
		return "surface-created"
	case SurfaceClosing:
		return "surface-closing"
	case SurfaceDestroyed:
		return "surface-destroyed"
	case HoldsReleased:
		return "holds-released"
	case Task:
		return "task"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one unit of work for the loop.
type Event struct {
	Kind Kind
	// Name labels a Task in logs.
	Name string
	// Fn is run for Task events. A returned error is logged.
	Fn func(ctx context.Context) error
}

// Loop is the single-goroutine dispatch loop.
type Loop struct {
	holds *lifecycle.Coordinator

	mu      sync.Mutex
	queue   []Event
	stopped bool
	ready   chan struct{}

	surfaceHeld  atomic.Bool
	running      atomic.Bool
	surfaceAlive atomic.Bool
	dispatched   atomic.Uint64
}

// New returns a loop gated on holds. It installs the coordinator's OnZero
// hook so that releasing the last hold posts an urgent HoldsReleased event.
func New(holds *lifecycle.Coordinator) *Loop {
	l := &Loop{
		holds: holds,
		ready: make(chan struct{}, 1),
	}
	holds.OnZero(func() {
		l.PostUrgent(Event{Kind: HoldsReleased})
	})
	return l
}

// Post appends ev to the queue. It returns false once the loop has stopped.
func (l *Loop) Post(ev Event) bool {
	return l.enqueue(ev, false)
}

// PostUrgent puts ev at the front of the queue.
func (l *Loop) PostUrgent(ev Event) bool {
	return l.enqueue(ev, true)
}

// AttachSurface marks a presentation surface live and takes its hold on the
// caller's goroutine. Call it before anything can release holds, so a zero
// count seen by the loop never races a surface that is still starting. It
// returns false once the loop has stopped.
func (l *Loop) AttachSurface() bool {
	return l.Post(Event{Kind: SurfaceCreated})
}

// attach is idempotent while the surface hold is outstanding.
func (l *Loop) attach() {
	l.surfaceAlive.Store(true)
	if l.surfaceHeld.CompareAndSwap(false, true) {
		l.holds.AddHold()
	}
}

// Do posts fn as a named Task.
func (l *Loop) Do(name string, fn func(ctx context.Context) error) bool {
	return l.Post(Event{Kind: Task, Name: name, Fn: fn})
}

// RequestStop posts the Stop sentinel ahead of queued work.
func (l *Loop) RequestStop() bool {
	return l.PostUrgent(Event{Kind: Stop})
}

func (l *Loop) enqueue(ev Event, urgent bool) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		log.Debug(log.CatLoop, "dropped event after stop", "kind", ev.Kind)
		return false
	}
	if ev.Kind == SurfaceCreated {
		// Still under mu so a concurrent close cannot slip in between.
		l.attach()
	}
	if urgent {
		l.queue = append([]Event{ev}, l.queue...)
	} else {
		l.queue = append(l.queue, ev)
	}
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return true
}

// next blocks until an event is queued or ctx ends.
func (l *Loop) next(ctx context.Context) (Event, error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			ev := l.queue[0]
			l.queue[0] = Event{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return ev, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-l.ready:
		}
	}
}

// Run dispatches events on the calling goroutine until a stop condition is
// met or ctx is cancelled. It returns nil after a gated stop and ctx.Err()
// after cancellation. A loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.close()

	log.Info(log.CatLoop, "event loop started", "holds", l.holds.Count())
	for {
		ev, err := l.next(ctx)
		if err != nil {
			log.Info(log.CatLoop, "event loop cancelled", "reason", err)
			return err
		}
		l.dispatched.Add(1)
		if l.dispatch(ctx, ev) {
			log.Info(log.CatLoop, "event loop stopped", "trigger", ev.Kind, "dispatched", l.dispatched.Load())
			return nil
		}
	}
}

// dispatch handles one event and reports whether the loop should stop.
func (l *Loop) dispatch(ctx context.Context, ev Event) bool {
	log.Debug(log.CatLoop, "dispatch", "kind", ev.Kind, "name", ev.Name, "holds", l.holds.Count())

	switch ev.Kind {
	case SurfaceCreated:
		// Attached when posted; nothing left to do.
		return false

	case SurfaceClosing:
		if !l.surfaceHeld.CompareAndSwap(true, false) {
			log.Warn(log.CatLoop, "surface closing without a surface hold")
			return false
		}
		l.holds.ReleaseHold()
		return false

	case SurfaceDestroyed:
		l.surfaceAlive.Store(false)
		if l.surfaceHeld.CompareAndSwap(true, false) {
			// Destroyed without a close notification.
			l.holds.ReleaseHold()
		}
		return l.holds.CanTerminate()

	case HoldsReleased:
		return l.holds.CanTerminate() && !l.surfaceAlive.Load()

	case Task:
		if ev.Fn == nil {
			return false
		}
		if err := ev.Fn(ctx); err != nil {
			log.ErrorErr(log.CatLoop, "task failed", err, "name", ev.Name)
		}
		return false

	case Stop:
		return true

	default:
		log.Warn(log.CatLoop, "unknown event", "kind", ev.Kind)
		return false
	}
}

func (l *Loop) close() {
	l.mu.Lock()
	l.stopped = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()
	if dropped > 0 {
		log.Debug(log.CatLoop, "discarded queued events", "count", dropped)
	}
}

// SurfaceAlive reports whether a presentation surface is currently live.
func (l *Loop) SurfaceAlive() bool {
	return l.surfaceAlive.Load()
}

// Dispatched returns how many events the loop has handled.
func (l *Loop) Dispatched() uint64 {
	return l.dispatched.Load()
}
