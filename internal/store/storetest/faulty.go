package storetest

import (
	"context"
	"errors"
	"sync"

	"github.com/zjrosen/servhost/internal/store"
)

// ErrInjected is the error returned by a Faulty backend once it trips.
var ErrInjected = errors.New("injected store failure")

// Faulty wraps a backend and fails selected operations, to simulate a store
// that dies part way through a multi-node operation.
type Faulty struct {
	store.Backend

	mu sync.Mutex
	// removesLeft is how many RemoveLeaf calls succeed before failures start.
	// Negative disables removal faults.
	removesLeft int
	// failWrites makes Create, SetDefault and SetNamed fail.
	failWrites bool
	// failLookups makes Lookup fail.
	failLookups bool
	// failOnName makes SetDefault fail for nodes created under this name.
	failOnName string
	named      map[store.NodeID]string
}

// NewFaulty wraps b with no faults armed.
func NewFaulty(b store.Backend) *Faulty {
	return &Faulty{Backend: b, removesLeft: -1, named: make(map[store.NodeID]string)}
}

// FailRemovesAfter lets n removals succeed and fails every later one.
func (f *Faulty) FailRemovesAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removesLeft = n
}

// FailWrites toggles failure of every write primitive.
func (f *Faulty) FailWrites(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = on
}

// FailLookups toggles failure of Lookup.
func (f *Faulty) FailLookups(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLookups = on
}

// FailSetDefaultOn makes SetDefault fail on nodes named name.
func (f *Faulty) FailSetDefaultOn(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnName = name
}

// Heal disarms every fault.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removesLeft = -1
	f.failWrites = false
	f.failLookups = false
	f.failOnName = ""
}

// Lookup implements store.Backend.
func (f *Faulty) Lookup(ctx context.Context, parent store.NodeID, name string) (store.NodeID, bool, error) {
	f.mu.Lock()
	fail := f.failLookups
	f.mu.Unlock()
	if fail {
		return 0, false, ErrInjected
	}
	return f.Backend.Lookup(ctx, parent, name)
}

// Create implements store.Backend.
func (f *Faulty) Create(ctx context.Context, parent store.NodeID, name string) (store.NodeID, error) {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return 0, ErrInjected
	}
	id, err := f.Backend.Create(ctx, parent, name)
	if err == nil {
		f.mu.Lock()
		f.named[id] = name
		f.mu.Unlock()
	}
	return id, err
}

// SetDefault implements store.Backend.
func (f *Faulty) SetDefault(ctx context.Context, id store.NodeID, value string) error {
	f.mu.Lock()
	fail := f.failWrites || (f.failOnName != "" && f.named[id] == f.failOnName)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Backend.SetDefault(ctx, id, value)
}

// SetNamed implements store.Backend.
func (f *Faulty) SetNamed(ctx context.Context, id store.NodeID, name, value string) error {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Backend.SetNamed(ctx, id, name, value)
}

// RemoveLeaf implements store.Backend.
func (f *Faulty) RemoveLeaf(ctx context.Context, parent store.NodeID, name string) error {
	f.mu.Lock()
	if f.removesLeft == 0 {
		f.mu.Unlock()
		return ErrInjected
	}
	if f.removesLeft > 0 {
		f.removesLeft--
	}
	f.mu.Unlock()
	return f.Backend.RemoveLeaf(ctx, parent, name)
}
