// Package storetest holds a behavioural suite every store.Backend must pass
// and helpers for simulating store failures.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/servhost/internal/store"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Backend

// RunBackendSuite exercises the node primitives and the Tree operations on
// top of backends produced by newBackend.
func RunBackendSuite(t *testing.T, newBackend Factory) {
	t.Helper()

	ctx := context.Background()
	open := func(t *testing.T) (store.Backend, *store.Tree) {
		b := newBackend(t)
		t.Cleanup(func() { _ = b.Close() })
		return b, store.New(b)
	}

	t.Run("CreateIsIdempotent", func(t *testing.T) {
		b, _ := open(t)
		a, err := b.Create(ctx, b.Root(), "CLSID")
		require.NoError(t, err)
		again, err := b.Create(ctx, b.Root(), "CLSID")
		require.NoError(t, err)
		require.Equal(t, a, again)

		id, ok, err := b.Lookup(ctx, b.Root(), "CLSID")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, a, id)
	})

	t.Run("LookupMissing", func(t *testing.T) {
		b, _ := open(t)
		_, ok, err := b.Lookup(ctx, b.Root(), "absent")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("DefaultAndNamedValues", func(t *testing.T) {
		b, _ := open(t)
		id, err := b.Create(ctx, b.Root(), "node")
		require.NoError(t, err)

		_, ok, err := b.Default(ctx, id)
		require.NoError(t, err)
		require.False(t, ok, "fresh node has no default")

		require.NoError(t, b.SetDefault(ctx, id, "v1"))
		require.NoError(t, b.SetDefault(ctx, id, "v2"))
		v, ok, err := b.Default(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v2", v)

		require.NoError(t, b.SetDefault(ctx, id, ""))
		v, ok, err = b.Default(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "empty string is a value")
		require.Equal(t, "", v)

		require.NoError(t, b.SetNamed(ctx, id, "levels", "store=DEBUG"))
		require.NoError(t, b.SetNamed(ctx, id, "format", "%s"))
		named, err := b.Named(ctx, id)
		require.NoError(t, err)
		require.Equal(t, map[string]string{"levels": "store=DEBUG", "format": "%s"}, named)

		existed, err := b.DeleteNamed(ctx, id, "format")
		require.NoError(t, err)
		require.True(t, existed)
		existed, err = b.DeleteNamed(ctx, id, "format")
		require.NoError(t, err)
		require.False(t, existed)
	})

	t.Run("ChildrenSorted", func(t *testing.T) {
		b, _ := open(t)
		for _, name := range []string{"b", "c", "a"} {
			_, err := b.Create(ctx, b.Root(), name)
			require.NoError(t, err)
		}
		names, err := b.Children(ctx, b.Root())
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, names)
	})

	t.Run("RemoveLeafRefusesParent", func(t *testing.T) {
		b, _ := open(t)
		p, err := b.Create(ctx, b.Root(), "parent")
		require.NoError(t, err)
		_, err = b.Create(ctx, p, "child")
		require.NoError(t, err)

		err = b.RemoveLeaf(ctx, b.Root(), "parent")
		require.ErrorIs(t, err, store.ErrHasChildren)

		require.NoError(t, b.RemoveLeaf(ctx, p, "child"))
		require.NoError(t, b.RemoveLeaf(ctx, b.Root(), "parent"))

		err = b.RemoveLeaf(ctx, b.Root(), "parent")
		require.ErrorIs(t, err, store.ErrNodeNotFound)
	})

	t.Run("SetValuePreservesSiblings", func(t *testing.T) {
		_, tree := open(t)
		require.NoError(t, tree.Set(ctx, store.P(`CLSID\{A}`), "first"))
		require.NoError(t, tree.Set(ctx, store.P(`CLSID\{A}\ProgID`), "A.1"))
		require.NoError(t, tree.Set(ctx, store.P(`CLSID\{A}\LocalServer32`), "/bin/a"))

		v, ok, err := tree.Value(ctx, store.P(`CLSID\{A}`))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "first", v)

		children, err := tree.Children(ctx, store.P(`CLSID\{A}`))
		require.NoError(t, err)
		require.Equal(t, []string{"LocalServer32", "ProgID"}, children)
	})

	t.Run("SetValueNilOnlyCreates", func(t *testing.T) {
		_, tree := open(t)
		require.NoError(t, tree.SetValue(ctx, store.P(`a\b\c`), nil))

		ok, err := tree.SubtreeExists(ctx, store.P(`a\b\c`))
		require.NoError(t, err)
		require.True(t, ok)

		_, has, err := tree.Value(ctx, store.P(`a\b\c`))
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("DeleteSubtreeRemovesEverything", func(t *testing.T) {
		_, tree := open(t)
		require.NoError(t, tree.Set(ctx, store.P(`CLSID\{A}`), "a"))
		require.NoError(t, tree.Set(ctx, store.P(`CLSID\{A}\x\y\z`), "deep"))
		require.NoError(t, tree.SetNamedValue(ctx, store.P(`CLSID\{A}\x`), "k", "v"))
		require.NoError(t, tree.Set(ctx, store.P(`CLSID\{B}`), "b"))

		outcome, err := tree.DeleteSubtree(ctx, store.P("CLSID"), "{A}")
		require.NoError(t, err)
		require.Equal(t, store.Deleted, outcome)

		ok, err := tree.SubtreeExists(ctx, store.P(`CLSID\{A}`))
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = tree.SubtreeExists(ctx, store.P(`CLSID\{B}`))
		require.NoError(t, err)
		require.True(t, ok, "sibling subtree must survive")

		outcome, err = tree.DeleteSubtree(ctx, store.P("CLSID"), "{A}")
		require.NoError(t, err)
		require.Equal(t, store.NotFound, outcome)
	})

	t.Run("DeleteSubtreeUnderMissingParent", func(t *testing.T) {
		_, tree := open(t)
		outcome, err := tree.DeleteSubtree(ctx, store.P(`no\such`), "node")
		require.NoError(t, err)
		require.Equal(t, store.NotFound, outcome)
	})

	t.Run("InterruptedDeleteRetries", func(t *testing.T) {
		b, _ := open(t)
		faulty := NewFaulty(b)
		tree := store.New(faulty)

		for _, c := range []string{"c1", "c2", "c3"} {
			require.NoError(t, tree.Set(ctx, store.P("parent", c), c))
		}

		faulty.FailRemovesAfter(2)
		_, err := tree.DeleteSubtree(ctx, nil, "parent")
		require.Error(t, err)
		require.ErrorIs(t, err, store.ErrStore)
		require.ErrorIs(t, err, ErrInjected)

		var delErr *store.DeleteError
		require.ErrorAs(t, err, &delErr)
		require.Equal(t, 2, delErr.Removed)

		remaining, err := tree.Children(ctx, store.P("parent"))
		require.NoError(t, err)
		require.Len(t, remaining, 1)

		faulty.Heal()
		outcome, err := tree.DeleteSubtree(ctx, nil, "parent")
		require.NoError(t, err)
		require.Equal(t, store.Deleted, outcome)

		ok, err := tree.SubtreeExists(ctx, store.P("parent"))
		require.NoError(t, err)
		require.False(t, ok)

		rootChildren, err := tree.Children(ctx, nil)
		require.NoError(t, err)
		require.Empty(t, rootChildren)
	})

	t.Run("ExportImportRoundTrip", func(t *testing.T) {
		_, src := open(t)
		require.NoError(t, src.Set(ctx, store.P(`CLSID\{A}`), "a"))
		require.NoError(t, src.Set(ctx, store.P(`CLSID\{A}\ProgID`), "A.1"))
		require.NoError(t, src.SetNamedValue(ctx, store.P(`CLSID\{A}\Logging`), "levels", "store=DEBUG"))

		snap, err := src.Export(ctx, nil)
		require.NoError(t, err)

		_, dst := open(t)
		require.NoError(t, dst.Import(ctx, nil, snap))

		again, err := dst.Export(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, snap.Render(nil), again.Render(nil))
	})
}
