package registrar

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/guid"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/store"
	"github.com/zjrosen/servhost/internal/tracing"
)

// Uninstall removes every class of cat, then the shared library if no
// class still refers to it. Entries that are already gone are skipped, so
// uninstalling twice, or uninstalling something never installed, succeeds.
func (r *Registrar) Uninstall(ctx context.Context, cat *catalog.Catalog) (err error) {
	if err := validateCatalog(cat); err != nil {
		return err
	}

	ctx, span := tracing.Start(ctx, r.tracer, tracing.SpanUninstall,
		attribute.Int("servhost.classes", cat.Len()))
	defer func() { tracing.End(span, err) }()

	log.Info(log.CatRegistrar, "uninstall", "classes", cat.Len())
	for _, rec := range cat.Records() {
		if err := r.unregisterClass(ctx, rec); err != nil {
			return err
		}
	}
	if err := r.UnregisterLibrary(ctx, cat.Library()); err != nil {
		return err
	}
	return r.pruneRoots(ctx)
}

// UnregisterClass removes one class record.
//
// When the class is also registered for in-process activation, only this
// server's LocalServer32 entry is removed and the rest of the record is left
// for the other registration. Otherwise the class subtree and both ProgID
// subtrees are removed.
func (r *Registrar) UnregisterClass(ctx context.Context, rec catalog.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return r.unregisterClass(ctx, rec)
}

func (r *Registrar) unregisterClass(ctx context.Context, rec catalog.Record) (err error) {
	id := rec.Identity
	ctx, span := tracing.Start(ctx, r.tracer, tracing.SpanUnregisterClass,
		attribute.String(tracing.AttrClassID, id.String()),
		attribute.String(tracing.AttrProgID, rec.ProgID))
	defer func() { tracing.End(span, err) }()

	shared, err := r.tree.SubtreeExists(ctx, classPath(id, keyInprocServer))
	if err != nil {
		return &StepError{Identity: id, Step: StepUnregister, Err: err}
	}

	type target struct {
		root  store.Path
		child string
	}
	var targets []target
	if shared {
		log.Info(log.CatRegistrar, "class has an in-process registration; removing local server only", "class", id)
		targets = []target{{classPath(id), keyLocalServer}}
	} else {
		targets = []target{
			{store.P(classesRoot), id.String()},
			{nil, rec.VersionIndependentProgID},
			{nil, rec.ProgID},
		}
	}

	for _, t := range targets {
		if err := r.deleteSubtree(ctx, t.root, t.child); err != nil {
			return &StepError{Identity: id, Step: StepUnregister, Err: err}
		}
	}
	log.Info(log.CatRegistrar, "unregistered class", "class", id, "shared", shared)
	return nil
}

func (r *Registrar) deleteSubtree(ctx context.Context, root store.Path, child string) (err error) {
	path := root.Child(child)
	ctx, span := tracing.Start(ctx, r.tracer, tracing.SpanDeleteSubtree,
		attribute.String(tracing.AttrStorePath, path.String()))
	defer func() { tracing.End(span, err) }()

	outcome, err := r.tree.DeleteSubtree(ctx, root, child)
	if err != nil {
		var delErr *store.DeleteError
		if errors.As(err, &delErr) {
			span.SetAttributes(attribute.Int(tracing.AttrRemoved, delErr.Removed))
		}
		return err
	}
	span.SetAttributes(attribute.String(tracing.AttrOutcome, outcome.String()))
	log.Debug(log.CatRegistrar, "delete subtree", "path", path, "outcome", outcome)
	return nil
}

// LibraryReferenced reports whether any class in the store still names
// libID as its interface library.
func (r *Registrar) LibraryReferenced(ctx context.Context, libID guid.Identity) (bool, error) {
	classes, err := r.tree.Children(ctx, store.P(classesRoot))
	if err != nil {
		return false, err
	}
	want := libID.String()
	for _, class := range classes {
		v, ok, err := r.tree.Value(ctx, store.P(classesRoot, class, keyTypeLib))
		if err != nil {
			return false, err
		}
		if ok && v == want {
			return true, nil
		}
	}
	return false, nil
}

// UnregisterLibrary removes this version of the library unless a class
// still refers to it. The library node itself goes once no version is left.
func (r *Registrar) UnregisterLibrary(ctx context.Context, lib catalog.Library) error {
	if err := validateLibrary(lib); err != nil {
		return err
	}

	inUse, err := r.LibraryReferenced(ctx, lib.ID)
	if err != nil {
		return &StepError{Identity: lib.ID, Step: StepLibrary, Err: err}
	}
	if inUse {
		log.Info(log.CatRegistrar, "library still referenced; keeping it", "library", lib.ID)
		return nil
	}

	libRoot := store.P(librariesRoot, lib.ID.String())
	if err := r.deleteSubtree(ctx, libRoot, lib.Version); err != nil {
		return &StepError{Identity: lib.ID, Step: StepLibrary, Err: err}
	}
	if err := r.pruneEmpty(ctx, libRoot); err != nil {
		return &StepError{Identity: lib.ID, Step: StepLibrary, Err: err}
	}
	log.Info(log.CatRegistrar, "unregistered library", "library", lib.ID, "version", lib.Version)
	return nil
}

// pruneRoots removes the CLSID and TypeLib containers once they are empty,
// but only those install created. A root that was there before is kept.
func (r *Registrar) pruneRoots(ctx context.Context) error {
	for _, root := range []string{classesRoot, librariesRoot} {
		path := store.P(root)
		named, err := r.tree.NamedValues(ctx, path)
		if err != nil {
			return err
		}
		if len(named) != 1 || named[valueCreatedBy] != createdByName {
			continue
		}
		if err := r.pruneEmpty(ctx, path, valueCreatedBy); err != nil {
			return err
		}
	}
	return nil
}

// pruneEmpty deletes the node at path if it has no value and no children,
// and no named values other than those listed in ignore.
func (r *Registrar) pruneEmpty(ctx context.Context, path store.Path, ignore ...string) error {
	children, err := r.tree.Children(ctx, path)
	if err != nil || len(children) > 0 {
		return err
	}
	if _, ok, err := r.tree.Value(ctx, path); err != nil || ok {
		return err
	}
	named, err := r.tree.NamedValues(ctx, path)
	if err != nil {
		return err
	}
	for _, key := range ignore {
		delete(named, key)
	}
	if len(named) > 0 {
		return nil
	}
	parent, name := path.Parent()
	_, err = r.tree.DeleteSubtree(ctx, parent, name)
	return err
}
