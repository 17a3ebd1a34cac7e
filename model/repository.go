package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ErrNilModel is returned when a record's Base() is nil.
var ErrNilModel = errors.New("tendril: record has no model")

// Hooks are optional lifecycle callbacks for a model type.
type Hooks[T Record] struct {
	// PreSave runs before the write payload is built. An error aborts the save.
	PreSave func(ctx context.Context, sess Session, rec T) error

	// PostSave runs in the background after a successful save.
	// Its error is logged and otherwise ignored.
	PostSave func(ctx context.Context, sess Session, rec T) error

	// PostLoad runs on every loaded record and may replace it.
	// An error aborts the retrieval.
	PostLoad func(ctx context.Context, sess Session, rec T) (T, error)
}

// Config binds a model type to its storage.
type Config[T Record] struct {
	// Name identifies the model type in logs, errors and the Registry.
	// Default: "model"
	Name string

	// Adapter is the storage backend. Required.
	Adapter Adapter

	// Schema declares per-field persistence. Nil persists every field as-is.
	Schema *Schema

	// Wrap converts a loaded *Model into T.
	// May be nil only when T is *Model.
	Wrap func(*Model) T

	// Hooks are the lifecycle callbacks.
	Hooks Hooks[T]

	// Logger receives debug and warning output. Default: slog.Default()
	Logger *slog.Logger
}

// validate fills defaults and rejects unusable configurations.
func (c *Config[T]) validate() error {
	if c.Adapter == nil {
		return ErrNoAdapter
	}
	if c.Wrap == nil {
		if _, ok := any((*Model)(nil)).(T); !ok {
			return ErrNoWrap
		}
		c.Wrap = func(m *Model) T { return any(m).(T) }
	}
	if c.Name == "" {
		c.Name = "model"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Repository loads and saves records of one model type.
type Repository[T Record] struct {
	cfg Config[T]
	pk  string
}

// NewRepository validates cfg and returns a repository for T.
func NewRepository[T Record](cfg Config[T]) (*Repository[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pk := cfg.Adapter.PrimaryKeyField()
	if pk == "" {
		pk = DefaultPrimaryKey
	}
	return &Repository[T]{cfg: cfg, pk: pk}, nil
}

// Name returns the model type name.
func (r *Repository[T]) Name() string { return r.cfg.Name }

// Schema returns the field descriptor.
func (r *Repository[T]) Schema() *Schema { return r.cfg.Schema }

// Adapter returns the storage backend.
func (r *Repository[T]) Adapter() Adapter { return r.cfg.Adapter }

// PrimaryKeyField returns the adapter's identifier field name.
func (r *Repository[T]) PrimaryKeyField() string { return r.pk }

// New creates an unpersisted record from attrs. The primary key field, if
// present, becomes the identifier; every other field is marked changed.
func (r *Repository[T]) New(attrs Row) T {
	rec := r.cfg.Wrap(newModel(r.pk, attrs))
	r.bind(rec)
	return rec
}

// bind attaches the repository to rec for Model.Save and Model.Delete.
func (r *Repository[T]) bind(rec T) {
	m := rec.Base()
	if m == nil {
		return
	}
	m.bound = &boundOps{
		save: func(ctx context.Context) error {
			_, err := r.Save(ctx, rec)
			return err
		},
		delete: func(ctx context.Context) (bool, error) {
			return r.Delete(ctx, rec)
		},
	}
}

// Get returns the record with the given identifier.
// The boolean is false, with a nil error, when no such record exists.
func (r *Repository[T]) Get(ctx context.Context, id any) (T, bool, error) {
	var zero T
	sess, err := r.session(ctx)
	if err != nil {
		return zero, false, err
	}
	row, err := r.cfg.Adapter.Get(ctx, sess, id)
	if err != nil {
		return zero, false, fmt.Errorf("get %s %v: %w", r.cfg.Name, id, err)
	}
	if row == nil {
		return zero, false, nil
	}
	rec, err := r.load(ctx, sess, row)
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

// GetBy returns the first record selected by q.
// The boolean is false, with a nil error, when nothing matches.
func (r *Repository[T]) GetBy(ctx context.Context, q Query) (T, bool, error) {
	var zero T
	sess, err := r.session(ctx)
	if err != nil {
		return zero, false, err
	}
	row, err := r.cfg.Adapter.GetBy(ctx, sess, q)
	if err != nil {
		return zero, false, fmt.Errorf("get %s by query: %w", r.cfg.Name, err)
	}
	if row == nil {
		return zero, false, nil
	}
	rec, err := r.load(ctx, sess, row)
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

// All returns every record selected by q, in the order the adapter returned them.
// PostLoad hooks run concurrently; if any of them fails, All fails.
func (r *Repository[T]) All(ctx context.Context, q Query) ([]T, error) {
	sess, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.cfg.Adapter.All(ctx, sess, q)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.cfg.Name, err)
	}

	out := make([]T, len(rows))
	if r.cfg.Hooks.PostLoad == nil {
		for i, row := range rows {
			if out[i], err = r.load(ctx, sess, row); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, row := range rows {
			g.Go(func() error {
				rec, err := r.load(gctx, sess, row)
				if err != nil {
					return err
				}
				out[i] = rec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	r.cfg.Logger.Debug("loaded records", "model", r.cfg.Name, "count", len(out))
	return out, nil
}

// Load decodes a storage row into a bound record and runs the PostLoad hook.
// It is used by consumers that receive rows outside of a query, such as change streams.
func (r *Repository[T]) Load(ctx context.Context, row Row) (Record, error) {
	sess, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := r.load(ctx, sess, row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository[T]) load(ctx context.Context, sess Session, row Row) (T, error) {
	var zero T
	m, err := r.cfg.Schema.Decode(r.pk, row)
	if err != nil {
		return zero, fmt.Errorf("load %s: %w", r.cfg.Name, err)
	}
	rec := r.cfg.Wrap(m)
	if r.cfg.Hooks.PostLoad != nil {
		rec, err = r.cfg.Hooks.PostLoad(ctx, sess, rec)
		if err != nil {
			return zero, fmt.Errorf("post-load hook %s: %w", r.cfg.Name, err)
		}
	}
	r.bind(rec)
	return rec, nil
}

// Save writes the record's changed, persistable fields. Unpersisted records
// are inserted and adopt the identifier assigned by the adapter; persisted
// records are updated. A persisted record with nothing to write is returned
// without any adapter call.
//
// On failure the record is left as it was: still unpersisted if it was, with
// its changed fields intact.
func (r *Repository[T]) Save(ctx context.Context, rec T) (T, error) {
	m := rec.Base()
	if m == nil {
		return rec, ErrNilModel
	}

	fields := r.cfg.Schema.Persistable(m.ChangedFields())
	if m.persisted && len(fields) == 0 {
		r.cfg.Logger.Debug("save skipped, nothing changed", "model", r.cfg.Name, "id", m.id)
		return rec, nil
	}

	sess, err := r.session(ctx)
	if err != nil {
		return rec, err
	}

	if r.cfg.Hooks.PreSave != nil {
		if err := r.cfg.Hooks.PreSave(ctx, sess, rec); err != nil {
			return rec, fmt.Errorf("pre-save hook %s: %w", r.cfg.Name, err)
		}
	}

	payload, err := r.cfg.Schema.Payload(m, fields)
	if err != nil {
		return rec, fmt.Errorf("save %s: %w", r.cfg.Name, err)
	}

	op := "update"
	var result SaveResult
	if m.persisted {
		result, err = r.cfg.Adapter.Update(ctx, sess, m, payload)
	} else {
		op = "insert"
		result, err = r.cfg.Adapter.Insert(ctx, sess, m, payload)
	}
	if err != nil {
		return rec, fmt.Errorf("%s %s: %w", op, r.cfg.Name, err)
	}
	if !result.Success {
		return rec, fmt.Errorf("%s %s: %w", op, r.cfg.Name, ErrSaveFailed)
	}

	if !m.persisted && result.ID != nil {
		m.id = result.ID
	}
	m.persisted = true
	m.ClearChangedFields()

	r.cfg.Logger.Debug("saved record",
		"model", r.cfg.Name,
		"op", op,
		"id", m.id,
		"fields", len(payload),
	)

	if hook := r.cfg.Hooks.PostSave; hook != nil {
		bg := context.WithoutCancel(ctx)
		go func() {
			if err := hook(bg, sess, rec); err != nil {
				r.cfg.Logger.Warn("post-save hook failed",
					"model", r.cfg.Name,
					"id", m.id,
					"error", err,
				)
			}
		}()
	}

	return rec, nil
}

// Delete removes the record and returns whatever the adapter reports.
// The in-memory record is left untouched and must not be saved again.
func (r *Repository[T]) Delete(ctx context.Context, rec T) (bool, error) {
	m := rec.Base()
	if m == nil {
		return false, ErrNilModel
	}
	sess, err := r.session(ctx)
	if err != nil {
		return false, err
	}
	ok, err := r.cfg.Adapter.Delete(ctx, sess, m)
	if err != nil {
		return false, fmt.Errorf("delete %s %v: %w", r.cfg.Name, m.id, err)
	}
	return ok, nil
}

func (r *Repository[T]) session(ctx context.Context) (Session, error) {
	sess, err := r.cfg.Adapter.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session for %s: %w", r.cfg.Name, err)
	}
	return sess, nil
}
