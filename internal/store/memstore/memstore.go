// Package memstore provides an in-memory store.Backend used by tests and by
// dry runs of the install and uninstall protocols.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/zjrosen/servhost/internal/store"
)

// Compile-time check that Backend satisfies store.Backend.
var _ store.Backend = (*Backend)(nil)

type node struct {
	def      *string
	named    map[string]string
	children map[string]store.NodeID
}

// Backend keeps nodes in a map guarded by a mutex.
type Backend struct {
	mu     sync.Mutex
	nodes  map[store.NodeID]*node
	next   store.NodeID
	closed bool
}

const rootID store.NodeID = 1

// New returns an empty backend holding only the root node.
func New() *Backend {
	return &Backend{
		nodes: map[store.NodeID]*node{rootID: newNode()},
		next:  rootID + 1,
	}
}

func newNode() *node {
	return &node{
		named:    make(map[string]string),
		children: make(map[string]store.NodeID),
	}
}

// Root implements store.Backend.
func (b *Backend) Root() store.NodeID { return rootID }

func (b *Backend) get(id store.NodeID) (*node, error) {
	if b.closed {
		return nil, fmt.Errorf("memstore: closed")
	}
	n, ok := b.nodes[id]
	if !ok {
		return nil, fmt.Errorf("memstore: node %d: %w", id, store.ErrNodeNotFound)
	}
	return n, nil
}

// Lookup implements store.Backend.
func (b *Backend) Lookup(_ context.Context, parent store.NodeID, name string) (store.NodeID, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.get(parent)
	if err != nil {
		return 0, false, err
	}
	id, ok := p.children[name]
	return id, ok, nil
}

// Create implements store.Backend.
func (b *Backend) Create(_ context.Context, parent store.NodeID, name string) (store.NodeID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.get(parent)
	if err != nil {
		return 0, err
	}
	if id, ok := p.children[name]; ok {
		return id, nil
	}
	id := b.next
	b.next++
	b.nodes[id] = newNode()
	p.children[name] = id
	return id, nil
}

// SetDefault implements store.Backend.
func (b *Backend) SetDefault(_ context.Context, id store.NodeID, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(id)
	if err != nil {
		return err
	}
	n.def = &value
	return nil
}

// Default implements store.Backend.
func (b *Backend) Default(_ context.Context, id store.NodeID) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(id)
	if err != nil {
		return "", false, err
	}
	if n.def == nil {
		return "", false, nil
	}
	return *n.def, true, nil
}

// SetNamed implements store.Backend.
func (b *Backend) SetNamed(_ context.Context, id store.NodeID, name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(id)
	if err != nil {
		return err
	}
	n.named[name] = value
	return nil
}

// DeleteNamed implements store.Backend.
func (b *Backend) DeleteNamed(_ context.Context, id store.NodeID, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(id)
	if err != nil {
		return false, err
	}
	_, ok := n.named[name]
	delete(n.named, name)
	return ok, nil
}

// Named implements store.Backend.
func (b *Backend) Named(_ context.Context, id store.NodeID) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(id)
	if err != nil {
		return nil, err
	}
	return maps.Clone(n.named), nil
}

// Children implements store.Backend.
func (b *Backend) Children(_ context.Context, id store.NodeID) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(id)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(n.children)), nil
}

// RemoveLeaf implements store.Backend.
func (b *Backend) RemoveLeaf(_ context.Context, parent store.NodeID, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.get(parent)
	if err != nil {
		return err
	}
	id, ok := p.children[name]
	if !ok {
		return fmt.Errorf("memstore: %q: %w", name, store.ErrNodeNotFound)
	}
	if len(b.nodes[id].children) > 0 {
		return fmt.Errorf("memstore: %q: %w", name, store.ErrHasChildren)
	}
	delete(p.children, name)
	delete(b.nodes, id)
	return nil
}

// Close implements store.Backend. Later calls fail.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Len returns the number of nodes including the root.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}
