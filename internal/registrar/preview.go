package registrar

import (
	"context"
	"fmt"

	"github.com/zjrosen/servhost/internal/store"
	"github.com/zjrosen/servhost/internal/store/memstore"
)

// Preview runs fn against an in-memory copy of the registrar's store and
// returns the changes it would make, one "+ " or "- " line per entry. The
// real store is only read.
func (r *Registrar) Preview(ctx context.Context, fn func(context.Context, *Registrar) error) (string, error) {
	before, err := r.tree.Export(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("snapshot store: %w", err)
	}

	scratch := store.New(memstore.New())
	defer func() { _ = scratch.Close() }()
	if err := scratch.Import(ctx, nil, before); err != nil {
		return "", fmt.Errorf("copy store: %w", err)
	}

	copyReg := &Registrar{tree: scratch, serverPath: r.serverPath, tracer: r.tracer}
	if err := fn(ctx, copyReg); err != nil {
		return "", err
	}

	after, err := scratch.Export(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("snapshot result: %w", err)
	}
	return store.Diff(before.Render(nil), after.Render(nil)), nil
}
