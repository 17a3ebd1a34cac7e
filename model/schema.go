package model

import (
	"fmt"
	"slices"
)

// Field describes how one model field is persisted.
type Field struct {
	// Name is the field name in rows and in the model.
	Name string

	// Transient excludes the field from insert and update payloads.
	// Transient fields are still loaded into memory when present in a row.
	Transient bool

	// Encoder optionally transforms the value on its way to and from storage.
	Encoder Encoder
}

// Schema is the field descriptor of a model type. It is built once and is
// read-only afterwards. Fields that are not declared persist as-is.
//
// A nil *Schema is valid and declares no fields.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema from an ordered list of fields.
// A field declared twice replaces the earlier declaration.
func NewSchema(fields ...Field) *Schema {
	s := &Schema{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		if i, ok := s.index[f.Name]; ok {
			s.fields[i] = f
			continue
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s
}

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []Field {
	if s == nil {
		return nil
	}
	return slices.Clone(s.fields)
}

// Field returns the declaration for name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Persists reports whether name is written to storage.
func (s *Schema) Persists(name string) bool {
	f, ok := s.Field(name)
	return !ok || !f.Transient
}

// Persistable filters names down to the fields that are written to storage.
func (s *Schema) Persistable(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if s.Persists(name) {
			out = append(out, name)
		}
	}
	return out
}

// Decode builds a persisted model from a storage row. The pk field becomes the
// identifier; every other field is decoded and stored without being marked changed.
func (s *Schema) Decode(pk string, row Row) (*Model, error) {
	m := &Model{
		pk:        pk,
		data:      make(Row, len(row)),
		changed:   make(map[string]struct{}),
		persisted: true,
	}
	for name, raw := range row {
		if name == pk {
			m.id = raw
			continue
		}
		value := raw
		if f, ok := s.Field(name); ok && f.Encoder != nil {
			v, err := f.Encoder.Decode(raw)
			if err != nil {
				return nil, fmt.Errorf("decode field %q: %w", name, err)
			}
			value = v
		}
		m.data[name] = value
	}
	return m, nil
}

// Payload encodes the current values of names into a write payload.
func (s *Schema) Payload(m *Model, names []string) (Row, error) {
	payload := make(Row, len(names))
	for _, name := range names {
		value := m.Get(name)
		if f, ok := s.Field(name); ok && f.Encoder != nil {
			v, err := f.Encoder.Encode(value)
			if err != nil {
				return nil, fmt.Errorf("encode field %q: %w", name, err)
			}
			value = v
		}
		payload[name] = value
	}
	return payload, nil
}
