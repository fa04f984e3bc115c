package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCoordinator_StartsTerminable(t *testing.T) {
	c := New()
	require.True(t, c.CanTerminate())
	require.Equal(t, int64(0), c.Count())
}

func TestCoordinator_TwoHolds(t *testing.T) {
	c := New()
	require.Equal(t, int64(1), c.AddHold())
	require.Equal(t, int64(2), c.AddHold())

	require.Equal(t, int64(1), c.ReleaseHold())
	require.False(t, c.CanTerminate())

	require.Equal(t, int64(0), c.ReleaseHold())
	require.True(t, c.CanTerminate())
}

func TestCoordinator_UnderflowPanics(t *testing.T) {
	c := New()

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(*HoldUnderflowError)
		require.True(t, ok, "panic value is %T", r)
		require.Equal(t, int64(0), err.Count)
		require.Equal(t, int64(0), c.Count(), "count unchanged after underflow")
	}()
	c.ReleaseHold()
}

func TestCoordinator_OnZeroFiresOncePerDrain(t *testing.T) {
	c := New()
	var fired atomic.Int32
	c.OnZero(func() { fired.Add(1) })

	c.AddHold()
	c.AddHold()
	c.ReleaseHold()
	require.Equal(t, int32(0), fired.Load())
	c.ReleaseHold()
	require.Equal(t, int32(1), fired.Load())

	c.AddHold()
	c.ReleaseHold()
	require.Equal(t, int32(2), fired.Load())

	c.OnZero(nil)
	c.AddHold()
	c.ReleaseHold()
	require.Equal(t, int32(2), fired.Load())
}

func TestCoordinator_ConcurrentHolds(t *testing.T) {
	c := New()
	const workers, perWorker = 16, 500

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				c.AddHold()
				c.ReleaseHold()
			}
		}()
	}
	wg.Wait()
	require.True(t, c.CanTerminate())
}

func TestCoordinator_PublishesChanges(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Subscribe(ctx)
	c.AddHold()
	c.ReleaseHold()

	for _, want := range []HoldsChanged{{Count: 1, Delta: 1}, {Count: 0, Delta: -1}} {
		select {
		case ev := <-ch:
			require.Equal(t, want, ev.Payload)
		case <-time.After(time.Second):
			require.Fail(t, "timeout waiting for hold event")
		}
	}

	c.Close()
	_, ok := <-ch
	require.False(t, ok)
}

func TestCoordinator_BalancedSequences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := New()
		n := rapid.IntRange(1, 200).Draw(t, "n")
		for range n {
			c.AddHold()
		}
		for i := range n {
			if c.CanTerminate() {
				t.Fatalf("terminable with %d holds left", n-i)
			}
			c.ReleaseHold()
		}
		if !c.CanTerminate() {
			t.Fatalf("not terminable after balanced releases, count=%d", c.Count())
		}
	})
}

func TestCoordinator_CountNeverNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := New()
		ops := rapid.SliceOf(rapid.Bool()).Draw(t, "ops")
		var want int64
		for _, add := range ops {
			if add {
				c.AddHold()
				want++
				continue
			}
			if want == 0 {
				continue
			}
			c.ReleaseHold()
			want--
		}
		if c.Count() != want {
			t.Fatalf("count %d, want %d", c.Count(), want)
		}
	})
}
