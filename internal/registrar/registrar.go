// Package registrar publishes and removes the activation metadata of hosted
// classes in the registration store.
//
// Install and Uninstall are idempotent and tolerate partial prior state: a
// previous install that stopped half way is completed by running Install
// again and removed by running Uninstall.
package registrar

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/guid"
	"github.com/zjrosen/servhost/internal/store"
)

// ErrInvalidRecord is returned when a record cannot be published as given.
// It is reported before the store is touched.
var ErrInvalidRecord = errors.New("invalid registration record")

// Store roots.
const (
	classesRoot   = "CLSID"
	librariesRoot = "TypeLib"
)

// A root created by install carries this named value, so uninstall removes
// only roots it created.
const (
	valueCreatedBy = "CreatedBy"
	createdByName  = "servhost"
)

// Subkey names under a class node.
const (
	keyLocalServer  = "LocalServer32"
	keyInprocServer = "InprocServer32"
	keyProgID       = "ProgID"
	keyVIProgID     = "VersionIndependentProgID"
	keyTypeLib      = "TypeLib"
	keyCLSID        = "CLSID"
	keyCurVer       = "CurVer"
	keyHelpDir      = "HELPDIR"
	keyLogging      = "Logging"
)

// Step names one write of the install protocol.
type Step int

const (
	StepClass Step = iota + 1
	StepLocalServer
	StepProgID
	StepVIProgID
	StepTypeLib
	StepVIProgIDKey
	StepProgIDKey
	StepLibrary
	StepUnregister
)

func (s Step) String() string {
	switch s {
	case StepClass:
		return "class"
	case StepLocalServer:
		return "local-server"
	case StepProgID:
		return "progid"
	case StepVIProgID:
		return "version-independent-progid"
	case StepTypeLib:
		return "typelib"
	case StepVIProgIDKey:
		return "version-independent-progid-key"
	case StepProgIDKey:
		return "progid-key"
	case StepLibrary:
		return "library"
	case StepUnregister:
		return "unregister"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// StepError reports the step at which publishing or removing a record
// failed. Entries written by earlier steps are left in place.
type StepError struct {
	Identity guid.Identity
	Step     Step
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("register %s: %s: %v", e.Identity, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Registrar runs the install and uninstall protocols against a store.
type Registrar struct {
	tree       *store.Tree
	serverPath string
	tracer     trace.Tracer
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithServerPath overrides the executable path published as the local
// server. By default the running executable is used.
func WithServerPath(path string) Option {
	return func(r *Registrar) {
		r.serverPath = path
	}
}

// WithTracer records spans for each protocol step.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registrar) {
		r.tracer = tracer
	}
}

// New returns a Registrar writing to tree.
func New(tree *store.Tree, opts ...Option) (*Registrar, error) {
	r := &Registrar{tree: tree}
	for _, opt := range opts {
		opt(r)
	}
	if r.serverPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve server path: %w", err)
		}
		r.serverPath = exe
	}
	return r, nil
}

// ServerPath returns the path published under LocalServer32.
func (r *Registrar) ServerPath() string {
	return r.serverPath
}

// Tree returns the store the registrar writes to.
func (r *Registrar) Tree() *store.Tree {
	return r.tree
}

func classPath(id guid.Identity, sub ...string) store.Path {
	return store.P(append([]string{classesRoot, id.String()}, sub...)...)
}

func libraryPath(lib catalog.Library, sub ...string) store.Path {
	return store.P(append([]string{librariesRoot, lib.ID.String(), lib.Version}, sub...)...)
}

// validateRecord rejects records whose names cannot be stored as single
// path components.
func validateRecord(rec catalog.Record) error {
	if rec.Identity.IsNil() {
		return fmt.Errorf("%w: nil class identity", ErrInvalidRecord)
	}
	if rec.LibraryID.IsNil() {
		return fmt.Errorf("%w: %s: nil library identity", ErrInvalidRecord, rec.Identity)
	}
	for field, v := range map[string]string{
		"ProgID":                   rec.ProgID,
		"VersionIndependentProgID": rec.VersionIndependentProgID,
	} {
		if v == "" || strings.Contains(v, store.Separator) {
			return fmt.Errorf("%w: %s: %s %q", ErrInvalidRecord, rec.Identity, field, v)
		}
	}
	if rec.ProgID == rec.VersionIndependentProgID {
		return fmt.Errorf("%w: %s: ProgID equals VersionIndependentProgID", ErrInvalidRecord, rec.Identity)
	}
	return nil
}

func validateLibrary(lib catalog.Library) error {
	if lib.ID.IsNil() {
		return fmt.Errorf("%w: nil library identity", ErrInvalidRecord)
	}
	if lib.Version == "" || strings.Contains(lib.Version, store.Separator) {
		return fmt.Errorf("%w: library %s: version %q", ErrInvalidRecord, lib.ID, lib.Version)
	}
	return nil
}

// validateCatalog checks every record and the library before anything is
// written.
func validateCatalog(cat *catalog.Catalog) error {
	if err := validateLibrary(cat.Library()); err != nil {
		return err
	}
	for _, rec := range cat.Records() {
		if err := validateRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// Footprint returns the store paths install writes for cat: each class key,
// its ProgID and version-independent ProgID keys, and the library key.
func Footprint(cat *catalog.Catalog) []store.Path {
	var paths []store.Path
	for _, rec := range cat.Records() {
		paths = append(paths,
			classPath(rec.Identity),
			store.P(rec.VersionIndependentProgID),
			store.P(rec.ProgID),
		)
	}
	lib := cat.Library()
	return append(paths, store.P(librariesRoot, lib.ID.String()))
}
