package store

import (
	"fmt"
	"strings"
)

// Separator joins node names in the text form of a Path.
const Separator = `\`

// Path is a sequence of node names from the root.
type Path []string

// ParsePath splits a backslash separated path. Empty segments are dropped.
func ParsePath(s string) Path {
	var p Path
	for _, part := range strings.Split(s, Separator) {
		if part != "" {
			p = append(p, part)
		}
	}
	return p
}

// P builds a Path from its parts, splitting any part that contains separators.
func P(parts ...string) Path {
	var p Path
	for _, part := range parts {
		p = append(p, ParsePath(part)...)
	}
	return p
}

// String renders the path with backslash separators.
func (p Path) String() string {
	return strings.Join(p, Separator)
}

// Child returns a new path with name appended.
func (p Path) Child(name string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, name)
}

// Parent returns the path without its last element and that element.
// The root has no parent and returns (nil, "").
func (p Path) Parent() (Path, string) {
	if len(p) == 0 {
		return nil, ""
	}
	return p[:len(p)-1], p[len(p)-1]
}

// validate rejects names a backend cannot represent.
func (p Path) validate() error {
	for i, name := range p {
		if name == "" {
			return fmt.Errorf("%w: empty name at position %d in %q", ErrInvalidPath, i, p.String())
		}
		if strings.Contains(name, Separator) {
			return fmt.Errorf("%w: name %q contains a separator", ErrInvalidPath, name)
		}
	}
	return nil
}
