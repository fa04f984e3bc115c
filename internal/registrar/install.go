package registrar

import (
	"context"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/store"
	"github.com/zjrosen/servhost/internal/tracing"
)

// Install publishes every class of cat followed by the shared library. All
// records are validated first. The first failing record stops the install
// with a *StepError; classes published before it stay published.
func (r *Registrar) Install(ctx context.Context, cat *catalog.Catalog) (err error) {
	if err := validateCatalog(cat); err != nil {
		return err
	}

	ctx, span := tracing.Start(ctx, r.tracer, tracing.SpanInstall,
		attribute.Int("servhost.classes", cat.Len()))
	defer func() { tracing.End(span, err) }()

	log.Info(log.CatRegistrar, "install", "classes", cat.Len(), "server", r.serverPath)
	for _, rec := range cat.Records() {
		if err := r.registerClass(ctx, rec); err != nil {
			return err
		}
	}
	return r.RegisterLibrary(ctx, cat.Library())
}

// RegisterClass publishes one class record. Running it again with the same
// record leaves the store unchanged.
func (r *Registrar) RegisterClass(ctx context.Context, rec catalog.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return r.registerClass(ctx, rec)
}

type write struct {
	step  Step
	path  store.Path
	value string
}

func (r *Registrar) registerClass(ctx context.Context, rec catalog.Record) (err error) {
	id := rec.Identity
	ctx, span := tracing.Start(ctx, r.tracer, tracing.SpanRegisterClass,
		attribute.String(tracing.AttrClassID, id.String()),
		attribute.String(tracing.AttrProgID, rec.ProgID))
	defer func() { tracing.End(span, err) }()

	if err := r.claimRoot(ctx, classesRoot); err != nil {
		log.ErrorErr(log.CatRegistrar, "register step failed", err, "class", id, "step", StepClass)
		return &StepError{Identity: id, Step: StepClass, Err: err}
	}

	friendly := rec.DisplayName()
	vi := store.P(rec.VersionIndependentProgID)
	prog := store.P(rec.ProgID)

	// Each group is one protocol step; a failure aborts the rest.
	steps := [][]write{
		{{StepClass, classPath(id), friendly}},
		{{StepLocalServer, classPath(id, keyLocalServer), r.serverPath}},
		{{StepProgID, classPath(id, keyProgID), rec.ProgID}},
		{{StepVIProgID, classPath(id, keyVIProgID), rec.VersionIndependentProgID}},
		{{StepTypeLib, classPath(id, keyTypeLib), rec.LibraryID.String()}},
		{
			{StepVIProgIDKey, vi, friendly},
			{StepVIProgIDKey, vi.Child(keyCLSID), id.String()},
			{StepVIProgIDKey, vi.Child(keyCurVer), rec.ProgID},
		},
		{
			{StepProgIDKey, prog, friendly},
			{StepProgIDKey, prog.Child(keyCLSID), id.String()},
		},
	}
	for _, group := range steps {
		for _, w := range group {
			if err := r.tree.Set(ctx, w.path, w.value); err != nil {
				log.ErrorErr(log.CatRegistrar, "register step failed", err, "class", id, "step", w.step)
				span.SetAttributes(attribute.String(tracing.AttrStep, w.step.String()))
				return &StepError{Identity: id, Step: w.step, Err: err}
			}
		}
	}

	log.Info(log.CatRegistrar, "registered class", "class", id, "progid", rec.ProgID)
	return nil
}

// RegisterLibrary publishes the interface library next to the server
// executable.
func (r *Registrar) RegisterLibrary(ctx context.Context, lib catalog.Library) (err error) {
	if err := validateLibrary(lib); err != nil {
		return err
	}
	ctx, span := tracing.Start(ctx, r.tracer, tracing.SpanRegisterLibrary,
		attribute.String(tracing.AttrLibraryID, lib.ID.String()))
	defer func() { tracing.End(span, err) }()

	if err := r.claimRoot(ctx, librariesRoot); err != nil {
		log.ErrorErr(log.CatRegistrar, "register library failed", err, "library", lib.ID)
		return &StepError{Identity: lib.ID, Step: StepLibrary, Err: err}
	}

	dir := filepath.Dir(r.serverPath)
	writes := []write{
		{StepLibrary, libraryPath(lib), lib.Name},
		{StepLibrary, libraryPath(lib, "0", "win64"), filepath.Join(dir, lib.FileName)},
		{StepLibrary, libraryPath(lib, keyHelpDir), dir},
	}
	for _, w := range writes {
		if err := r.tree.Set(ctx, w.path, w.value); err != nil {
			log.ErrorErr(log.CatRegistrar, "register library failed", err, "library", lib.ID)
			return &StepError{Identity: lib.ID, Step: StepLibrary, Err: err}
		}
	}
	log.Info(log.CatRegistrar, "registered library", "library", lib.ID, "version", lib.Version)
	return nil
}

// claimRoot creates root with the CreatedBy marker if it does not exist yet.
// An existing root is left untouched.
func (r *Registrar) claimRoot(ctx context.Context, root string) error {
	path := store.P(root)
	ok, err := r.tree.SubtreeExists(ctx, path)
	if err != nil || ok {
		return err
	}
	return r.tree.SetNamedValue(ctx, path, valueCreatedBy, createdByName)
}
