// Package memory provides an in-process model.Adapter backed by a map.
//
// It holds one table of rows, so use one Adapter per model type. Rows keep
// their insertion order. Raw queries are not supported.
//
// Stored rows share no slices or maps with callers: payloads are copied on
// write and rows are copied on read. Pointer values are stored as-is.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/tendril/model"
)

var _ model.Adapter = (*Adapter)(nil)

// Adapter stores rows in memory. It is safe for concurrent use.
type Adapter struct {
	mu    sync.RWMutex
	pk    string
	rows  map[any]model.Row
	order []any
}

// New creates an empty adapter using "id" as the primary key field.
func New() *Adapter {
	return NewWithKey(model.DefaultPrimaryKey)
}

// NewWithKey creates an empty adapter with a custom primary key field.
func NewWithKey(pk string) *Adapter {
	return &Adapter{
		pk:   pk,
		rows: make(map[any]model.Row),
	}
}

// PrimaryKeyField returns the identifier field name.
func (a *Adapter) PrimaryKeyField() string {
	return a.pk
}

// Session returns the adapter itself; memory storage needs no connection.
func (a *Adapter) Session(ctx context.Context) (model.Session, error) {
	return a, nil
}

// Len returns the number of stored rows.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rows)
}

// Get returns a copy of the row with the given identifier, or nil.
func (a *Adapter) Get(ctx context.Context, sess model.Session, id any) (model.Row, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	row, ok := a.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneRow(row), nil
}

// GetBy returns the first row, in insertion order, selected by q.
func (a *Adapter) GetBy(ctx context.Context, sess model.Session, q model.Query) (model.Row, error) {
	rows, err := a.scan(q, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// All returns every row selected by q, in insertion order.
func (a *Adapter) All(ctx context.Context, sess model.Session, q model.Query) ([]model.Row, error) {
	return a.scan(q, 0)
}

func (a *Adapter) scan(q model.Query, limit int) ([]model.Row, error) {
	if q.IsRaw() {
		return nil, fmt.Errorf("memory adapter: %w: %q", model.ErrUnsupportedQuery, q.Raw)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []model.Row
	for _, id := range a.order {
		row := a.rows[id]
		if !matches(row, q.Match) {
			continue
		}
		out = append(out, cloneRow(row))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// matches reports whether row holds every field of match with an equal value.
func matches(row, match model.Row) bool {
	for k, want := range match {
		got, ok := row[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Insert stores payload as a new row. A missing identifier is generated as a UUID.
// Inserting an identifier that already exists is reported as an unsuccessful save.
func (a *Adapter) Insert(ctx context.Context, sess model.Session, m *model.Model, payload model.Row) (model.SaveResult, error) {
	id := m.ID()
	if id == nil {
		id = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.rows[id]; exists {
		return model.SaveResult{}, nil
	}
	row := cloneRow(payload)
	if row == nil {
		row = make(model.Row)
	}
	row[a.pk] = id
	a.rows[id] = row
	a.order = append(a.order, id)
	return model.SaveResult{Success: true, Inserted: true, ID: id, Rows: 1}, nil
}

// Update merges payload into the existing row. Updating a missing row is
// reported as an unsuccessful save.
func (a *Adapter) Update(ctx context.Context, sess model.Session, m *model.Model, payload model.Row) (model.SaveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[m.ID()]
	if !ok {
		return model.SaveResult{}, nil
	}
	for k, v := range payload {
		if k == a.pk {
			continue
		}
		row[k] = cloneValue(v)
	}
	return model.SaveResult{Success: true, ID: m.ID(), Rows: 1}, nil
}

// Delete removes the row and reports whether it existed.
func (a *Adapter) Delete(ctx context.Context, sess model.Session, m *model.Model) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := m.ID()
	if _, ok := a.rows[id]; !ok {
		return false, nil
	}
	delete(a.rows, id)
	a.order = slices.DeleteFunc(a.order, func(v any) bool { return v == id })
	return true, nil
}

// cloneRow copies row, including nested slices and maps.
func cloneRow(row model.Row) model.Row {
	if row == nil {
		return nil
	}
	out := make(model.Row, len(row))
	for k, v := range row {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(cloneReflect(v.Index(i)))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value()))
		}
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(cloneReflect(v.Elem()))
		return out
	}
	return v
}
