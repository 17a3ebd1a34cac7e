package model

import (
	"context"
	"maps"
	"slices"
)

// Record is implemented by every persistable type. Application models embed
// *Model, which provides Base.
type Record interface {
	Base() *Model
}

// Model is an in-memory record with field-level change tracking.
//
// A Model is not safe for concurrent mutation.
type Model struct {
	id        any
	pk        string
	data      Row
	changed   map[string]struct{}
	persisted bool
	bound     *boundOps
}

// boundOps ties a model to the repository that created or loaded it.
type boundOps struct {
	save   func(ctx context.Context) error
	delete func(ctx context.Context) (bool, error)
}

// New creates an unpersisted model. Every field in attrs is marked changed,
// except the "id" field, which becomes the identifier.
func New(attrs Row) *Model {
	return newModel(DefaultPrimaryKey, attrs)
}

func newModel(pk string, attrs Row) *Model {
	m := &Model{
		pk:      pk,
		data:    make(Row, len(attrs)),
		changed: make(map[string]struct{}, len(attrs)),
	}
	m.SetAll(attrs)
	return m
}

// Base returns the model itself, so *Model satisfies Record.
func (m *Model) Base() *Model {
	return m
}

// ID returns the identifier, or nil before the first insert.
func (m *Model) ID() any {
	return m.id
}

// PrimaryKeyField returns the name of the identifier field.
func (m *Model) PrimaryKeyField() string {
	return m.pk
}

// IsPersisted reports whether the model was loaded from or saved to storage.
func (m *Model) IsPersisted() bool {
	return m.persisted
}

// Get returns the current value of field, or nil if it is not set.
func (m *Model) Get(field string) any {
	if field == m.pk {
		return m.id
	}
	return m.data[field]
}

// Lookup returns the current value of field and whether it is set.
func (m *Model) Lookup(field string) (any, bool) {
	if field == m.pk {
		return m.id, m.id != nil
	}
	v, ok := m.data[field]
	return v, ok
}

// Data returns a copy of the field values, without the identifier.
func (m *Model) Data() Row {
	return maps.Clone(m.data)
}

// Set writes a value and marks the field as changed.
// Writing the primary key field sets the identifier and is not tracked.
func (m *Model) Set(field string, value any) *Model {
	if m.put(field, value) {
		m.MarkChanged(field)
	}
	return m
}

// SetAll merges fields into the model and marks each of them as changed.
func (m *Model) SetAll(fields Row) *Model {
	for k, v := range fields {
		m.Set(k, v)
	}
	return m
}

// Put writes a value without marking the field as changed.
func (m *Model) Put(field string, value any) *Model {
	m.put(field, value)
	return m
}

// PutAll merges fields into the model without marking them as changed.
func (m *Model) PutAll(fields Row) *Model {
	for k, v := range fields {
		m.put(k, v)
	}
	return m
}

// put stores value and reports whether field is a data field.
func (m *Model) put(field string, value any) bool {
	if field == m.pk {
		m.id = value
		return false
	}
	if m.data == nil {
		m.data = make(Row)
	}
	m.data[field] = value
	return true
}

// MarkChanged flags field as changed without touching its value.
func (m *Model) MarkChanged(field string) *Model {
	if field == m.pk {
		return m
	}
	if m.changed == nil {
		m.changed = make(map[string]struct{})
	}
	m.changed[field] = struct{}{}
	return m
}

// MarkUnchanged removes field from the changed set without touching its value.
func (m *Model) MarkUnchanged(field string) *Model {
	delete(m.changed, field)
	return m
}

// IsChanged reports whether field has been changed since the last save.
func (m *Model) IsChanged(field string) bool {
	_, ok := m.changed[field]
	return ok
}

// ChangedFields returns the names of the fields changed since the last save.
// The order is sorted but carries no meaning.
func (m *Model) ChangedFields() []string {
	return slices.Sorted(maps.Keys(m.changed))
}

// ClearChangedFields empties the changed set.
func (m *Model) ClearChangedFields() {
	clear(m.changed)
}

// Save persists the changed fields through the repository that owns the model.
func (m *Model) Save(ctx context.Context) error {
	if m.bound == nil {
		return ErrUnbound
	}
	return m.bound.save(ctx)
}

// Delete removes the model's record through the repository that owns it.
func (m *Model) Delete(ctx context.Context) (bool, error) {
	if m.bound == nil {
		return false, ErrUnbound
	}
	return m.bound.delete(ctx)
}
