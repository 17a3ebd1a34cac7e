// Package model provides change-tracked records persisted through pluggable storage adapters.
//
// A [Model] is a bag of field values that remembers which fields were written
// since it was last saved. Saving writes only those fields, so an unchanged
// record costs nothing to save.
//
// # Defining a model type
//
// Application types embed *Model and bind to storage through a [Repository]:
//
//	type Person struct{ *model.Model }
//
//	func (p Person) FirstName() string { s, _ := p.Get("firstName").(string); return s }
//
//	people, err := model.NewRepository(model.Config[Person]{
//	    Name:    "person",
//	    Adapter: memory.New(),
//	    Schema: model.NewSchema(
//	        model.Field{Name: "birthday", Encoder: model.Time(time.DateOnly)},
//	        model.Field{Name: "fullName", Transient: true},
//	    ),
//	    Wrap: func(m *model.Model) Person { return Person{m} },
//	})
//
// # Change tracking
//
//   - [Model.Set] and [Model.SetAll] write values and mark fields changed
//   - [Model.Put] and [Model.PutAll] write values silently
//   - [Model.MarkChanged] and [Model.MarkUnchanged] edit the changed set directly
//
// Records loaded from storage start with no changed fields.
//
// # Saving
//
// [Repository.Save] (or [Model.Save] on a bound record) filters the changed
// fields down to persistable ones, runs the PreSave hook, encodes the payload
// and calls the adapter's Insert or Update. A persisted record with nothing to
// write is returned without touching the adapter.
//
// # Adapters
//
// Storage backends implement [Adapter]. This module ships three:
// adapter/memory, adapter/bolt and adapter/dynamo.
//
// # Errors
//
//   - [ErrSaveFailed] - the adapter refused an insert or update
//   - [ErrNoAdapter], [ErrNoWrap] - the repository is misconfigured
//   - [ErrUnbound] - Save or Delete on a model with no repository
//   - [ErrNotRegistered], [ErrAlreadyRegistered] - registry misuse
//   - [ErrUnsupportedQuery] - the adapter cannot run the query form
//
// Records that do not exist are not errors: Get and GetBy report them with a
// false boolean.
package model
