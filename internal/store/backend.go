package store

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable reports that the durable store could not be opened
	// or written. Install and uninstall surface it to the caller unchanged.
	ErrStoreUnavailable = errors.New("registration store unavailable")
	// ErrStore reports a failed node operation in the middle of a subtree delete.
	ErrStore = errors.New("registration store error")
	// ErrNodeNotFound is returned by backends for a missing node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrHasChildren is returned when removing a node that still has children.
	ErrHasChildren = errors.New("node has children")
	// ErrInvalidPath is returned for empty names or names containing separators.
	ErrInvalidPath = errors.New("invalid store path")
)

// NodeID identifies a node inside one Backend.
type NodeID int64

// Backend is the durable node store a Tree operates on. Each method is atomic
// with respect to the underlying storage.
type Backend interface {
	// Root returns the id of the root node.
	Root() NodeID
	// Lookup finds the child named name under parent.
	Lookup(ctx context.Context, parent NodeID, name string) (NodeID, bool, error)
	// Create opens the child named name under parent, creating it if needed.
	Create(ctx context.Context, parent NodeID, name string) (NodeID, error)
	// SetDefault sets the default value of a node.
	SetDefault(ctx context.Context, id NodeID, value string) error
	// Default returns the default value of a node, if it has one.
	Default(ctx context.Context, id NodeID) (string, bool, error)
	// SetNamed sets a named value on a node.
	SetNamed(ctx context.Context, id NodeID, name, value string) error
	// DeleteNamed removes a named value, reporting whether it existed.
	DeleteNamed(ctx context.Context, id NodeID, name string) (bool, error)
	// Named returns all named values of a node.
	Named(ctx context.Context, id NodeID) (map[string]string, error)
	// Children returns the names of a node's children in sorted order.
	Children(ctx context.Context, id NodeID) ([]string, error)
	// RemoveLeaf removes the childless node name under parent together with
	// its values. It fails with ErrHasChildren if the node still has children
	// and ErrNodeNotFound if it does not exist.
	RemoveLeaf(ctx context.Context, parent NodeID, name string) error
	// Close releases the backend's handles.
	Close() error
}
