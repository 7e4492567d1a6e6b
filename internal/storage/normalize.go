package storage

import (
	"sort"
	"strings"
)

// NormalizeFieldPaths trims paths and types, drops empty paths, keeps the first
// occurrence of a duplicated path, and sorts by path.
//
// Backends call it before writing so every store holds the same canonical rows
// regardless of the order the schema source produced them in.
func NormalizeFieldPaths(paths []FieldPath) []FieldPath {
	seen := make(map[string]bool, len(paths))
	out := make([]FieldPath, 0, len(paths))
	for _, p := range paths {
		path := strings.TrimSpace(p.Path)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, FieldPath{Path: path, DataType: strings.ToUpper(strings.TrimSpace(p.DataType))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
