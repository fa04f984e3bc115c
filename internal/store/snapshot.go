package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"
)

// Snapshot is a detached copy of a subtree.
type Snapshot struct {
	Name     string            `yaml:"name"`
	Default  *string           `yaml:"default,omitempty"`
	Values   map[string]string `yaml:"values,omitempty"`
	Children []*Snapshot       `yaml:"children,omitempty"`
}

// Export copies the subtree at path. It returns nil if path does not exist.
func (t *Tree) Export(ctx context.Context, path Path) (*Snapshot, error) {
	var root *Snapshot
	byPath := make(map[string]*Snapshot)

	err := t.Walk(ctx, path, func(info NodeInfo) error {
		_, name := info.Path.Parent()
		node := &Snapshot{Name: name, Default: info.Default}
		if len(info.Named) > 0 {
			node.Values = info.Named
		}
		byPath[info.Path.String()] = node

		if root == nil {
			root = node
			return nil
		}
		parent, _ := info.Path.Parent()
		p, ok := byPath[parent.String()]
		if !ok {
			return fmt.Errorf("export: parent of %s not visited", info.Path)
		}
		p.Children = append(p.Children, node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

// Import writes snap under path. Existing nodes are kept and overwritten
// value by value; nothing is deleted.
func (t *Tree) Import(ctx context.Context, path Path, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	type item struct {
		path Path
		node *Snapshot
	}
	stack := []item{{path: path, node: snap}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(it.path) > 0 {
			if err := t.SetValue(ctx, it.path, it.node.Default); err != nil {
				return err
			}
		} else if it.node.Default != nil {
			if err := t.b.SetDefault(ctx, t.b.Root(), *it.node.Default); err != nil {
				return fmt.Errorf("%w: set root: %w", ErrStoreUnavailable, err)
			}
		}
		for name, value := range it.node.Values {
			if err := t.SetNamedValue(ctx, it.path, name, value); err != nil {
				return err
			}
		}
		for _, child := range it.node.Children {
			stack = append(stack, item{path: it.path.Child(child.Name), node: child})
		}
	}
	return nil
}

// Render writes the snapshot as one line per node and value, in the style of
// a registry export:
//
//	CLSID\{...} = "Friendly name"
//	CLSID\{...}\Logging [levels] = "store=DEBUG"
func (s *Snapshot) Render(base Path) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	var walk func(n *Snapshot, p Path)
	walk = func(n *Snapshot, p Path) {
		switch {
		case n.Default != nil:
			fmt.Fprintf(&b, "%s = %q\n", p, *n.Default)
		case len(p) > 0:
			fmt.Fprintf(&b, "%s\n", p)
		}
		names := make([]string, 0, len(n.Values))
		for name := range n.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%s [%s] = %q\n", p, name, n.Values[name])
		}
		for _, c := range n.Children {
			walk(c, p.Child(c.Name))
		}
	}
	walk(s, base)
	return b.String()
}

// YAML encodes the snapshot.
func (s *Snapshot) YAML() (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	return string(data), nil
}

// Diff returns a line-oriented diff between two renders, with "+" and "-"
// prefixes on changed lines. Equal renders produce an empty string.
func Diff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteString("\n")
			}
		}
	}
	return out.String()
}
