// Package catalog holds the fixed set of classes a server hosts: their
// registration records, the shared interface library and the factory used
// to activate each class.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/zjrosen/servhost/internal/guid"
)

var (
	// ErrDuplicateIdentity is returned when two entries share a class identity.
	ErrDuplicateIdentity = errors.New("duplicate class identity")
	// ErrNilIdentity is returned for an entry or library without an identity.
	ErrNilIdentity = errors.New("nil identity")
	// ErrNilActivator is returned for an entry without an activator.
	ErrNilActivator = errors.New("nil activator")
	// ErrUnknownClass is returned by Lookup for an identity not in the catalog.
	ErrUnknownClass = errors.New("class not registered")
)

// Record is the registration data published for one class.
type Record struct {
	Identity                 guid.Identity
	FriendlyName             string
	ProgID                   string
	VersionIndependentProgID string
	LibraryID                guid.Identity
}

// DisplayName returns FriendlyName, or a name derived from the
// version-independent ProgID when FriendlyName is empty.
func (r Record) DisplayName() string {
	if r.FriendlyName != "" {
		return r.FriendlyName
	}
	return strings.ReplaceAll(r.VersionIndependentProgID, ".", " ")
}

// Library describes the interface metadata library shared by the classes.
type Library struct {
	ID      guid.Identity
	Name    string
	Version string
	// FileName is resolved next to the server executable.
	FileName string
}

// Instance is one live hosted object.
type Instance interface {
	// Release tears the object down. It is called exactly once.
	Release() error
}

// Activator creates a new instance of a class.
type Activator func(ctx context.Context) (Instance, error)

// Entry pairs a class record with its factory.
type Entry struct {
	Record   Record
	Activate Activator
}

// Catalog is an immutable identity-keyed class table.
type Catalog struct {
	library Library
	entries []Entry
	byID    map[guid.Identity]int
}

// New validates entries and builds a catalog. Entry order is preserved.
func New(lib Library, entries ...Entry) (*Catalog, error) {
	if lib.ID.IsNil() {
		return nil, fmt.Errorf("library %q: %w", lib.Name, ErrNilIdentity)
	}

	c := &Catalog{
		library: lib,
		entries: make([]Entry, 0, len(entries)),
		byID:    make(map[guid.Identity]int, len(entries)),
	}
	for i, e := range entries {
		id := e.Record.Identity
		if id.IsNil() {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.Record.ProgID, ErrNilIdentity)
		}
		if e.Activate == nil {
			return nil, fmt.Errorf("entry %s: %w", id, ErrNilActivator)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("entry %s: %w", id, ErrDuplicateIdentity)
		}
		if e.Record.LibraryID.IsNil() {
			e.Record.LibraryID = lib.ID
		}
		c.byID[id] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// Library returns the shared interface library.
func (c *Catalog) Library() Library {
	return c.library
}

// Entries returns a copy of the entries in declaration order.
func (c *Catalog) Entries() []Entry {
	return slices.Clone(c.entries)
}

// Records returns the registration records in declaration order.
func (c *Catalog) Records() []Record {
	out := make([]Record, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Record
	}
	return out
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id guid.Identity) (Entry, error) {
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrUnknownClass)
	}
	return c.entries[i], nil
}

// Len returns the number of classes.
func (c *Catalog) Len() int {
	return len(c.entries)
}
