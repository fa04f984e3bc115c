// Package lifecycle counts the reasons the server process must stay alive.
//
// Every live hosted object and the diagnostic surface hold the process open
// through AddHold. Releasing the last hold makes termination permissible and
// fires the OnZero hook so the event loop can re-check its exit condition.
package lifecycle

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/pubsub"
)

// HoldUnderflowError is the panic value raised when ReleaseHold is called
// with no outstanding hold. It always indicates a caller defect.
type HoldUnderflowError struct {
	Count int64
}

func (e *HoldUnderflowError) Error() string {
	return fmt.Sprintf("lifecycle: release with %d outstanding holds", e.Count)
}

// HoldsChanged is published after every change of the hold count.
type HoldsChanged struct {
	Count int64
	Delta int64
}

// Coordinator owns the process-wide hold counter. The zero value is not
// usable; construct with New.
type Coordinator struct {
	holds  atomic.Int64
	onZero atomic.Pointer[func()]
	broker *pubsub.Broker[HoldsChanged]
}

// New returns a coordinator with no holds.
func New() *Coordinator {
	return &Coordinator{broker: pubsub.NewBroker[HoldsChanged]()}
}

// AddHold increments the hold count and returns the new value.
func (c *Coordinator) AddHold() int64 {
	n := c.holds.Add(1)
	log.Debug(log.CatLifecycle, "hold added", "holds", n)
	c.broker.Publish(pubsub.HoldsEvent, HoldsChanged{Count: n, Delta: 1})
	return n
}

// ReleaseHold decrements the hold count and returns the new value. It panics
// with *HoldUnderflowError if no hold is outstanding; the count is left
// unchanged in that case. When the count reaches zero the OnZero hook runs on
// the calling goroutine.
func (c *Coordinator) ReleaseHold() int64 {
	for {
		cur := c.holds.Load()
		if cur <= 0 {
			log.Error(log.CatLifecycle, "hold underflow", "holds", cur)
			panic(&HoldUnderflowError{Count: cur})
		}
		if !c.holds.CompareAndSwap(cur, cur-1) {
			continue
		}
		n := cur - 1
		log.Debug(log.CatLifecycle, "hold released", "holds", n)
		c.broker.Publish(pubsub.HoldsEvent, HoldsChanged{Count: n, Delta: -1})
		if n == 0 {
			if fn := c.onZero.Load(); fn != nil {
				(*fn)()
			}
		}
		return n
	}
}

// CanTerminate reports whether no hold is outstanding.
func (c *Coordinator) CanTerminate() bool {
	return c.holds.Load() == 0
}

// Count returns the current hold count.
func (c *Coordinator) Count() int64 {
	return c.holds.Load()
}

// OnZero installs fn as the hook run when a release brings the count to
// zero. A nil fn removes the hook.
func (c *Coordinator) OnZero(fn func()) {
	if fn == nil {
		c.onZero.Store(nil)
		return
	}
	c.onZero.Store(&fn)
}

// Subscribe returns a channel of count changes that closes when ctx ends.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan pubsub.Event[HoldsChanged] {
	return c.broker.Subscribe(ctx)
}

// Close stops publishing count changes and closes subscriber channels.
func (c *Coordinator) Close() {
	c.broker.Close()
}
