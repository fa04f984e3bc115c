package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zjrosen/servhost/internal/log"
)

// Outcome is the result of a DeleteSubtree call that did not fail.
type Outcome int

const (
	// Deleted means the subtree existed and is now gone.
	Deleted Outcome = iota
	// NotFound means the subtree was already absent.
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Deleted:
		return "deleted"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// DeleteError reports a subtree delete that stopped part way. Removed counts
// the nodes that were already gone when the failing node operation ran.
// Re-running the delete converges on a fully removed subtree.
type DeleteError struct {
	Path    Path
	Removed int
	Err     error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete %s: removed %d node(s) before failure: %v", e.Path, e.Removed, e.Err)
}

// Unwrap exposes both the ErrStore class and the backend cause.
func (e *DeleteError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// Tree provides the registration store operations over a Backend.
type Tree struct {
	b Backend
}

// New wraps a backend.
func New(b Backend) *Tree {
	return &Tree{b: b}
}

// Backend returns the underlying backend.
func (t *Tree) Backend() Backend {
	return t.b
}

// Close closes the underlying backend.
func (t *Tree) Close() error {
	return t.b.Close()
}

// resolve walks path without creating anything.
func (t *Tree) resolve(ctx context.Context, path Path) (NodeID, bool, error) {
	id := t.b.Root()
	for _, name := range path {
		next, ok, err := t.b.Lookup(ctx, id, name)
		if err != nil || !ok {
			return 0, false, err
		}
		id = next
	}
	return id, true, nil
}

// ensure walks path, creating missing nodes. Existing nodes and their other
// children are left as they are.
func (t *Tree) ensure(ctx context.Context, path Path) (NodeID, error) {
	id := t.b.Root()
	for _, name := range path {
		next, err := t.b.Create(ctx, id, name)
		if err != nil {
			return 0, err
		}
		id = next
	}
	return id, nil
}

// SetValue creates every missing node along path and sets the final node's
// default value. A nil value only creates the nodes. Calling it twice with the
// same arguments leaves identical state.
func (t *Tree) SetValue(ctx context.Context, path Path, value *string) error {
	if err := path.validate(); err != nil {
		return err
	}
	id, err := t.ensure(ctx, path)
	if err != nil {
		log.ErrorErr(log.CatStore, "create path failed", err, "path", path)
		return fmt.Errorf("%w: create %s: %w", ErrStoreUnavailable, path, err)
	}
	if value == nil {
		log.Debug(log.CatStore, "ensured", "path", path)
		return nil
	}
	if err := t.b.SetDefault(ctx, id, *value); err != nil {
		log.ErrorErr(log.CatStore, "set default failed", err, "path", path)
		return fmt.Errorf("%w: set %s: %w", ErrStoreUnavailable, path, err)
	}
	log.Debug(log.CatStore, "set", "path", path, "value", *value)
	return nil
}

// Set is SetValue with a non-optional value.
func (t *Tree) Set(ctx context.Context, path Path, value string) error {
	return t.SetValue(ctx, path, &value)
}

// SetNamedValue creates path as needed and sets a named value on its node.
func (t *Tree) SetNamedValue(ctx context.Context, path Path, name, value string) error {
	if err := path.validate(); err != nil {
		return err
	}
	id, err := t.ensure(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrStoreUnavailable, path, err)
	}
	if err := t.b.SetNamed(ctx, id, name, value); err != nil {
		return fmt.Errorf("%w: set %s[%s]: %w", ErrStoreUnavailable, path, name, err)
	}
	log.Debug(log.CatStore, "set named", "path", path, "name", name, "value", value)
	return nil
}

// DeleteNamedValue removes a named value. A missing node or value is not an error.
func (t *Tree) DeleteNamedValue(ctx context.Context, path Path, name string) (Outcome, error) {
	id, ok, err := t.resolve(ctx, path)
	if err != nil {
		return NotFound, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, path, err)
	}
	if !ok {
		return NotFound, nil
	}
	existed, err := t.b.DeleteNamed(ctx, id, name)
	if err != nil {
		return NotFound, fmt.Errorf("%w: delete %s[%s]: %w", ErrStore, path, name, err)
	}
	if !existed {
		return NotFound, nil
	}
	return Deleted, nil
}

// Value returns the default value at path.
func (t *Tree) Value(ctx context.Context, path Path) (string, bool, error) {
	id, ok, err := t.resolve(ctx, path)
	if err != nil {
		return "", false, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, path, err)
	}
	if !ok {
		return "", false, nil
	}
	v, ok, err := t.b.Default(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("%w: read %s: %w", ErrStoreUnavailable, path, err)
	}
	return v, ok, nil
}

// NamedValues returns the named values at path, or nil if path does not exist.
func (t *Tree) NamedValues(ctx context.Context, path Path) (map[string]string, error) {
	id, ok, err := t.resolve(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, path, err)
	}
	if !ok {
		return nil, nil
	}
	return t.b.Named(ctx, id)
}

// Children returns the child names at path, or nil if path does not exist.
func (t *Tree) Children(ctx context.Context, path Path) ([]string, error) {
	id, ok, err := t.resolve(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, path, err)
	}
	if !ok {
		return nil, nil
	}
	return t.b.Children(ctx, id)
}

// SubtreeExists reports whether a node exists at path. It never mutates.
func (t *Tree) SubtreeExists(ctx context.Context, path Path) (bool, error) {
	_, ok, err := t.resolve(ctx, path)
	if err != nil {
		return false, fmt.Errorf("%w: probe %s: %w", ErrStoreUnavailable, path, err)
	}
	return ok, nil
}

// deleteFrame is one pending node in a subtree delete.
type deleteFrame struct {
	parent   NodeID
	id       NodeID
	path     Path
	expanded bool
}

// DeleteSubtree removes child under root together with all of its
// descendants. Descendants are removed depth-first, one leaf at a time, before
// child itself, using an explicit stack so deep trees do not grow the call
// stack. A subtree that is already absent yields NotFound. A store that
// cannot be read before the first removal yields ErrStoreUnavailable; a
// failure after that is a *DeleteError.
func (t *Tree) DeleteSubtree(ctx context.Context, root Path, child string) (Outcome, error) {
	target := root.Child(child)
	if err := target.validate(); err != nil {
		return NotFound, err
	}

	// Nothing is removed until both lookups succeed, so a failure here means
	// the store could not be read.
	parentID, ok, err := t.resolve(ctx, root)
	if err != nil {
		return NotFound, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, root, err)
	}
	if !ok {
		log.Debug(log.CatStore, "delete: parent absent", "path", target)
		return NotFound, nil
	}
	childID, ok, err := t.b.Lookup(ctx, parentID, child)
	if err != nil {
		return NotFound, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, target, err)
	}
	if !ok {
		log.Debug(log.CatStore, "delete: already absent", "path", target)
		return NotFound, nil
	}

	removed := 0
	stack := []deleteFrame{{parent: parentID, id: childID, path: target}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return NotFound, &DeleteError{Path: target, Removed: removed, Err: err}
		}

		top := len(stack) - 1
		if !stack[top].expanded {
			stack[top].expanded = true
			frame := stack[top]

			names, err := t.b.Children(ctx, frame.id)
			if err != nil {
				return NotFound, &DeleteError{Path: frame.path, Removed: removed, Err: err}
			}
			// Push in reverse so the first name is removed first.
			sort.Strings(names)
			for i := len(names) - 1; i >= 0; i-- {
				id, ok, err := t.b.Lookup(ctx, frame.id, names[i])
				if err != nil {
					return NotFound, &DeleteError{Path: frame.path.Child(names[i]), Removed: removed, Err: err}
				}
				if !ok {
					continue
				}
				stack = append(stack, deleteFrame{parent: frame.id, id: id, path: frame.path.Child(names[i])})
			}
			continue
		}

		frame := stack[top]
		_, name := frame.path.Parent()
		if err := t.b.RemoveLeaf(ctx, frame.parent, name); err != nil && !errors.Is(err, ErrNodeNotFound) {
			log.ErrorErr(log.CatStore, "remove node failed", err, "path", frame.path, "removed", removed)
			return NotFound, &DeleteError{Path: frame.path, Removed: removed, Err: err}
		}
		removed++
		stack = stack[:top]
	}

	log.Debug(log.CatStore, "deleted subtree", "path", target, "nodes", removed)
	return Deleted, nil
}

// Delete is DeleteSubtree addressed by the full path of the subtree root.
func (t *Tree) Delete(ctx context.Context, path Path) (Outcome, error) {
	parent, name := path.Parent()
	if name == "" {
		return NotFound, fmt.Errorf("%w: cannot delete the root", ErrInvalidPath)
	}
	return t.DeleteSubtree(ctx, parent, name)
}

// NodeInfo is what Walk reports for each node.
type NodeInfo struct {
	Path    Path
	Default *string
	Named   map[string]string
}

// Walk visits path and its descendants in pre-order, children sorted by name.
// A missing path visits nothing.
func (t *Tree) Walk(ctx context.Context, path Path, fn func(NodeInfo) error) error {
	id, ok, err := t.resolve(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, path, err)
	}
	if !ok {
		return nil
	}

	type item struct {
		id   NodeID
		path Path
	}
	stack := []item{{id: id, path: path}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		info := NodeInfo{Path: it.path}
		if v, ok, err := t.b.Default(ctx, it.id); err != nil {
			return err
		} else if ok {
			info.Default = &v
		}
		if info.Named, err = t.b.Named(ctx, it.id); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}

		names, err := t.b.Children(ctx, it.id)
		if err != nil {
			return err
		}
		sort.Strings(names)
		for i := len(names) - 1; i >= 0; i-- {
			cid, ok, err := t.b.Lookup(ctx, it.id, names[i])
			if err != nil {
				return err
			}
			if ok {
				stack = append(stack, item{id: cid, path: it.path.Child(names[i])})
			}
		}
	}
	return nil
}
