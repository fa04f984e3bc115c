// Package store implements the hierarchical registration store.
//
// The store is a tree of named nodes. Each node has an optional default value,
// zero or more named values and zero or more named children. A Tree offers the
// registration-level operations (SetValue, SubtreeExists, DeleteSubtree) on top
// of a Backend, which only provides node-level primitives. Every Backend
// primitive is atomic; the aggregate operations are not transactional.
//
// Paths are written with backslash separators, e.g. `CLSID\{...}\ProgID`, and
// are relative to the backend root.
package store
