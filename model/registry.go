package model

import (
	"context"
	"fmt"
)

// Binding is the type-erased view of a Repository, used where the concrete
// record type is not known statically.
type Binding interface {
	// Name returns the model type name.
	Name() string

	// Schema returns the field descriptor.
	Schema() *Schema

	// PrimaryKeyField returns the identifier field name.
	PrimaryKeyField() string

	// Load decodes a storage row into a record.
	Load(ctx context.Context, row Row) (Record, error)
}

// Registry maps model type names to their bindings.
//
// Registration is not synchronized. Populate the registry during program
// start-up and treat it as read-only afterwards.
type Registry struct {
	bindings []Binding
	byName   map[string]Binding
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: []Binding{},
		byName:   make(map[string]Binding),
	}
}

// Register adds a binding under its Name.
func (r *Registry) Register(b Binding) error {
	name := b.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.bindings = append(r.bindings, b)
	r.byName[name] = b
	return nil
}

// MustRegister is like Register but panics on a duplicate name.
func (r *Registry) MustRegister(b Binding) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Lookup returns the binding registered under name.
func (r *Registry) Lookup(name string) (Binding, error) {
	b, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return b, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns the registered type names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.bindings))
	for i, b := range r.bindings {
		names[i] = b.Name()
	}
	return names
}
