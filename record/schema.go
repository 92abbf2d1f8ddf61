package record

import (
	"fmt"
	"sort"
)

// FieldKind distinguishes scalar fields from one-to-one references.
type FieldKind string

const (
	KindScalar    FieldKind = "scalar"
	KindReference FieldKind = "reference"
)

// FieldDescriptor describes one field of an entity type. For
// reference fields RefType names the destination entity type and
// Cascade carries the inverse relationship's delete rule.
type FieldDescriptor struct {
	Name    string
	Kind    FieldKind
	RefType string
	Cascade bool
}

// TypeDescriptor is the ordered field list for one entity type.
type TypeDescriptor struct {
	Name   string
	Fields []FieldDescriptor
}

// Schema is the explicit per-type descriptor set supplied at
// configuration time. It replaces any runtime reflection over entity
// shapes: the mapper only ever consults the schema.
type Schema struct {
	types map[string]TypeDescriptor
}

// NewSchema builds a schema from type descriptors. Descriptors are
// validated eagerly so misconfiguration fails at startup, not
// mid-pass.
func NewSchema(types ...TypeDescriptor) (*Schema, error) {
	s := &Schema{types: make(map[string]TypeDescriptor, len(types))}
	for _, td := range types {
		if td.Name == "" {
			return nil, fmt.Errorf("schema: type descriptor with empty name")
		}
		if _, dup := s.types[td.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate type %q", td.Name)
		}
		seen := make(map[string]struct{}, len(td.Fields))
		for _, fd := range td.Fields {
			if fd.Name == "" {
				return nil, fmt.Errorf("schema: type %q has a field with empty name", td.Name)
			}
			if _, dup := seen[fd.Name]; dup {
				return nil, fmt.Errorf("schema: type %q duplicates field %q", td.Name, fd.Name)
			}
			seen[fd.Name] = struct{}{}
			switch fd.Kind {
			case KindScalar:
				if fd.RefType != "" {
					return nil, fmt.Errorf("schema: scalar field %s.%s must not set RefType", td.Name, fd.Name)
				}
			case KindReference:
				if fd.RefType == "" {
					return nil, fmt.Errorf("schema: reference field %s.%s requires RefType", td.Name, fd.Name)
				}
			default:
				return nil, fmt.Errorf("schema: field %s.%s has unknown kind %q", td.Name, fd.Name, fd.Kind)
			}
		}
		s.types[td.Name] = td
	}
	// Reference targets must themselves be declared.
	for _, td := range s.types {
		for _, fd := range td.Fields {
			if fd.Kind == KindReference {
				if _, ok := s.types[fd.RefType]; !ok {
					return nil, fmt.Errorf("schema: field %s.%s references undeclared type %q", td.Name, fd.Name, fd.RefType)
				}
			}
		}
	}
	return s, nil
}

// Type returns the descriptor for a type name.
func (s *Schema) Type(name string) (TypeDescriptor, bool) {
	td, ok := s.types[name]
	return td, ok
}

// TypeNames returns all declared type names, sorted.
func (s *Schema) TypeNames() []string {
	names := make([]string, 0, len(s.types))
	for name := range s.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
