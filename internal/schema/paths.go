package schema

import (
	"fmt"
	"sort"
	"strings"

	"histagg/internal/storage"
)

// ToFieldPaths flattens s into dotted paths, depth first.
func ToFieldPaths(s *Schema) []storage.FieldPath {
	var out []storage.FieldPath
	var walk func(prefix string, fields []Field)
	walk = func(prefix string, fields []Field) {
		for _, f := range fields {
			path := f.Name
			if prefix != "" {
				path = prefix + "." + f.Name
			}
			typ := f.Type
			if typ == "" && f.IsComposite() {
				typ = "RECORD"
			}
			out = append(out, storage.FieldPath{Path: path, DataType: typ})
			walk(path, f.Fields)
		}
	}
	if s != nil {
		walk("", s.Fields)
	}
	return out
}

// FromFieldPaths rebuilds a field tree from dotted paths. Missing ancestors
// are created as RECORD fields. Siblings come out sorted by name.
func FromFieldPaths(paths []storage.FieldPath) (*Schema, error) {
	type node struct {
		field    Field
		children map[string]*node
	}
	root := &node{children: map[string]*node{}}

	for _, p := range paths {
		segs := strings.Split(p.Path, ".")
		cur := root
		for i, seg := range segs {
			if seg == "" {
				return nil, fmt.Errorf("field path %q: empty segment", p.Path)
			}
			next, ok := cur.children[seg]
			if !ok {
				next = &node{field: Field{Name: seg, Type: "RECORD"}, children: map[string]*node{}}
				cur.children[seg] = next
			}
			if i == len(segs)-1 && p.DataType != "" {
				next.field.Type = p.DataType
			}
			cur = next
		}
	}

	var build func(n *node) []Field
	build = func(n *node) []Field {
		if len(n.children) == 0 {
			return nil
		}
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]Field, 0, len(names))
		for _, name := range names {
			c := n.children[name]
			f := c.field
			f.Fields = build(c)
			out = append(out, f)
		}
		return out
	}
	return &Schema{Fields: build(root)}, nil
}
