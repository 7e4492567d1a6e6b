// Package schema models a table schema as a typed field tree and discovers
// which histogram probes the reference table carries, and in which processes.
package schema

import "strings"

// Field is one column of a table schema in BigQuery's API representation.
// A composite field (RECORD/STRUCT) carries its children in Fields.
type Field struct {
	Name   string  `json:"name"`
	Type   string  `json:"type,omitempty"`
	Mode   string  `json:"mode,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

// IsComposite reports whether f has, or is declared to have, child fields.
func (f Field) IsComposite() bool {
	if len(f.Fields) > 0 {
		return true
	}
	switch strings.ToUpper(f.Type) {
	case "RECORD", "STRUCT":
		return true
	}
	return false
}

// Child returns the direct child named name.
func (f Field) Child(name string) (Field, bool) {
	return lookup(f.Fields, name)
}

// Schema is the top-level field list of a table.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Field returns the top-level field named name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	return lookup(s.Fields, name)
}

func lookup(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
