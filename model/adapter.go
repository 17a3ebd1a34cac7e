package model

import "context"

// DefaultPrimaryKey is the identifier field name used when no adapter is involved.
const DefaultPrimaryKey = "id"

// Row is a raw storage record, keyed by field name.
type Row map[string]any

// Session is an opaque handle to a storage connection or unit of work.
// Its concrete type is defined by the adapter that returned it.
type Session any

// SaveResult is reported by Adapter.Insert and Adapter.Update.
type SaveResult struct {
	// Success is false when the adapter refused the write.
	Success bool

	// Inserted is true when a new record was created.
	Inserted bool

	// ID is the identifier assigned by the adapter, if any.
	ID any

	// Rows is the number of records affected.
	Rows int
}

// Query selects rows for Adapter.All and Adapter.GetBy.
//
// A Query either matches on field equality (Match) or carries an
// adapter-defined raw query string with positional arguments (Raw).
// The zero Query selects everything.
type Query struct {
	Match Row
	Raw   string
	Args  []any
}

// Match returns a Query selecting rows whose fields equal the given values.
func Match(fields Row) Query {
	return Query{Match: fields}
}

// Raw returns a Query holding an opaque query string and its bind values.
// The meaning of the string is entirely up to the adapter.
func Raw(query string, args ...any) Query {
	return Query{Raw: query, Args: args}
}

// IsRaw reports whether the query carries a raw query string.
func (q Query) IsRaw() bool {
	return q.Raw != ""
}

// IsZero reports whether the query selects everything.
func (q Query) IsZero() bool {
	return q.Raw == "" && len(q.Match) == 0
}

// Adapter is the capability contract every storage backend implements.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// PrimaryKeyField returns the name of the identifier field in rows.
	PrimaryKeyField() string

	// Session acquires a storage session for one operation.
	Session(ctx context.Context) (Session, error)

	// Get returns the row with the given identifier, or nil if there is none.
	Get(ctx context.Context, sess Session, id any) (Row, error)

	// GetBy returns the first row selected by q, or nil if there is none.
	GetBy(ctx context.Context, sess Session, q Query) (Row, error)

	// All returns every row selected by q.
	All(ctx context.Context, sess Session, q Query) ([]Row, error)

	// Insert writes a new record built from payload.
	// m.ID() is non-nil when the caller supplied an identifier.
	Insert(ctx context.Context, sess Session, m *Model, payload Row) (SaveResult, error)

	// Update writes payload over the existing record identified by m.ID().
	Update(ctx context.Context, sess Session, m *Model, payload Row) (SaveResult, error)

	// Delete removes the record identified by m.ID() and reports whether it did.
	Delete(ctx context.Context, sess Session, m *Model) (bool, error)
}
