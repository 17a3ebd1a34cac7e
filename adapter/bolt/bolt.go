// Package bolt provides a model.Adapter backed by an embedded bbolt database.
//
// One database file holds any number of model types. Each type gets a bucket
// named "Type.<name>" whose keys are record ids and whose values are JSON rows.
// Unique fields are kept in "Index.<name>.<field>" buckets mapping value to id.
//
// Rows round-trip through JSON, so numbers load as float64.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jacentio/tendril/model"
)

var (
	// ErrUniqueViolation is returned when a unique field value is already held by another record.
	ErrUniqueViolation = errors.New("tendril: unique index constraint violation")

	// ErrRawArgs is returned when a raw query carries arguments.
	ErrRawArgs = errors.New("tendril: bolt raw queries are id prefixes and take no arguments")
)

// Config holds configuration for opening a database.
type Config struct {
	// Path is the database file. It is created if missing.
	Path string

	// Mode is the file mode used when creating the file.
	// Default: 0600
	Mode os.FileMode

	// Timeout bounds the wait for the file lock.
	// Default: 1s
	Timeout time.Duration

	// Logger receives debug output. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns defaults for the database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Mode:    0600,
		Timeout: time.Second,
	}
}

func (c *Config) validate() error {
	if c.Path == "" {
		return errors.New("tendril: bolt path is required")
	}
	if c.Mode == 0 {
		c.Mode = 0600
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// DB is an open bbolt database shared by the adapters of several model types.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Logger.Debug("open bolt store", "path", cfg.Path)

	db, err := bbolt.Open(cfg.Path, cfg.Mode, &bbolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return &DB{db: db, logger: cfg.Logger}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.logger.Debug("close bolt store")
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Adapter returns the adapter for one model type. Fields named in unique
// must hold distinct values across the type's records.
func (d *DB) Adapter(typeName string, unique ...string) *Adapter {
	return &Adapter{
		db:       d,
		typeName: typeName,
		bucket:   []byte("Type." + typeName),
		unique:   unique,
	}
}

var _ model.Adapter = (*Adapter)(nil)

// Adapter stores the records of one model type.
type Adapter struct {
	db       *DB
	typeName string
	bucket   []byte
	unique   []string
}

// PrimaryKeyField returns "id".
func (a *Adapter) PrimaryKeyField() string {
	return model.DefaultPrimaryKey
}

// Session returns the shared database handle. Each operation runs in its own transaction.
func (a *Adapter) Session(ctx context.Context) (model.Session, error) {
	return a.db, nil
}

// Get returns the row stored under id, or nil.
func (a *Adapter) Get(ctx context.Context, sess model.Session, id any) (model.Row, error) {
	key := []byte(idString(id))
	a.db.logger.Debug("bolt get", "type", a.typeName, "id", string(key))

	var row model.Row
	err := a.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(a.bucket)
		if bucket == nil {
			return nil
		}
		val := bucket.Get(key)
		if val == nil {
			return nil
		}
		var err error
		row, err = decodeRow(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetBy returns the first row, in id order, selected by q.
func (a *Adapter) GetBy(ctx context.Context, sess model.Session, q model.Query) (model.Row, error) {
	rows, err := a.scan(q, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// All returns every row selected by q, in id order. A raw query is an id
// prefix; a Match query filters on equality of JSON values.
func (a *Adapter) All(ctx context.Context, sess model.Session, q model.Query) ([]model.Row, error) {
	return a.scan(q, 0)
}

func (a *Adapter) scan(q model.Query, limit int) ([]model.Row, error) {
	var prefix []byte
	var match model.Row
	if q.IsRaw() {
		if len(q.Args) > 0 {
			return nil, ErrRawArgs
		}
		prefix = []byte(q.Raw)
	} else if len(q.Match) > 0 {
		var err error
		if match, err = normalize(q.Match); err != nil {
			return nil, err
		}
	}

	results := make([]model.Row, 0)
	err := a.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(a.bucket)
		if bucket == nil {
			// No records of this type yet
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			row, err := decodeRow(v)
			if err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			if !matches(row, match) {
				continue
			}
			results = append(results, row)
			if limit > 0 && len(results) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.db.logger.Debug("bolt scan", "type", a.typeName, "prefix", string(prefix), "count", len(results))
	return results, nil
}

// Insert stores payload as a new record. A missing id is allocated from the
// bucket sequence as 16 hex digits. An existing id is reported as an
// unsuccessful save.
func (a *Adapter) Insert(ctx context.Context, sess model.Session, m *model.Model, payload model.Row) (model.SaveResult, error) {
	var result model.SaveResult
	err := a.db.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(a.bucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}

		id := idString(m.ID())
		if id == "" {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocate id: %w", err)
			}
			id = fmt.Sprintf("%016x", seq)
		}
		key := []byte(id)
		if bucket.Get(key) != nil {
			return nil
		}

		row := make(model.Row, len(payload)+1)
		for k, v := range payload {
			row[k] = v
		}
		row[model.DefaultPrimaryKey] = id

		if err := a.updateIndexes(tx, id, nil, row); err != nil {
			return err
		}
		if err := putRow(bucket, key, row); err != nil {
			return err
		}
		result = model.SaveResult{Success: true, Inserted: true, ID: id, Rows: 1}
		return nil
	})
	if err != nil {
		return model.SaveResult{}, err
	}
	a.db.logger.Debug("bolt insert", "type", a.typeName, "id", result.ID, "success", result.Success)
	return result, nil
}

// Update merges payload into the stored record. A missing record is reported
// as an unsuccessful save.
func (a *Adapter) Update(ctx context.Context, sess model.Session, m *model.Model, payload model.Row) (model.SaveResult, error) {
	id := idString(m.ID())
	key := []byte(id)

	var result model.SaveResult
	err := a.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(a.bucket)
		if bucket == nil {
			return nil
		}
		val := bucket.Get(key)
		if val == nil {
			return nil
		}
		old, err := decodeRow(val)
		if err != nil {
			return err
		}

		row := make(model.Row, len(old)+len(payload))
		for k, v := range old {
			row[k] = v
		}
		for k, v := range payload {
			if k != model.DefaultPrimaryKey {
				row[k] = v
			}
		}

		if err := a.updateIndexes(tx, id, old, row); err != nil {
			return err
		}
		if err := putRow(bucket, key, row); err != nil {
			return err
		}
		result = model.SaveResult{Success: true, ID: m.ID(), Rows: 1}
		return nil
	})
	if err != nil {
		return model.SaveResult{}, err
	}
	a.db.logger.Debug("bolt update", "type", a.typeName, "id", id, "success", result.Success)
	return result, nil
}

// Delete removes the record and its index entries, reporting whether it existed.
func (a *Adapter) Delete(ctx context.Context, sess model.Session, m *model.Model) (bool, error) {
	id := idString(m.ID())
	key := []byte(id)

	var deleted bool
	err := a.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(a.bucket)
		if bucket == nil {
			return nil
		}
		val := bucket.Get(key)
		if val == nil {
			return nil
		}
		old, err := decodeRow(val)
		if err != nil {
			return err
		}
		if err := a.updateIndexes(tx, id, old, nil); err != nil {
			return err
		}
		if err := bucket.Delete(key); err != nil {
			return fmt.Errorf("failed to delete record %s from bucket %s: %w", id, a.bucket, err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	a.db.logger.Debug("bolt delete", "type", a.typeName, "id", id, "deleted", deleted)
	return deleted, nil
}

// updateIndexes moves unique index entries from old to row. A nil old means
// insert, a nil row means delete.
func (a *Adapter) updateIndexes(tx *bbolt.Tx, id string, old, row model.Row) error {
	idBytes := []byte(id)
	for _, field := range a.unique {
		name := []byte("Index." + a.typeName + "." + field)
		idx, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return fmt.Errorf("failed to create index bucket %s: %w", name, err)
		}

		oldKey, hadOld := indexKey(old, field)
		newKey, hasNew := indexKey(row, field)
		if hadOld && hasNew && bytes.Equal(oldKey, newKey) {
			continue
		}

		if hasNew {
			if existing := idx.Get(newKey); existing != nil && !bytes.Equal(existing, idBytes) {
				return fmt.Errorf("field %q value already held by %s: %w", field, existing, ErrUniqueViolation)
			}
			if err := idx.Put(newKey, idBytes); err != nil {
				return fmt.Errorf("failed to put index entry for %s: %w", field, err)
			}
		}
		if hadOld {
			if err := idx.Delete(oldKey); err != nil {
				return fmt.Errorf("failed to delete index entry for %s: %w", field, err)
			}
		}
	}
	return nil
}

func indexKey(row model.Row, field string) ([]byte, bool) {
	v, ok := row[field]
	if !ok || v == nil {
		return nil, false
	}
	return []byte(fmt.Sprint(v)), true
}

func putRow(bucket *bbolt.Bucket, key []byte, row model.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	if err := bucket.Put(key, data); err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

// decodeRow unmarshals a stored value. json.Unmarshal copies out of the
// transaction-owned slice.
func decodeRow(val []byte) (model.Row, error) {
	var row model.Row
	if err := json.Unmarshal(val, &row); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return row, nil
}

// normalize round-trips match values through JSON so they compare equal to stored values.
func normalize(match model.Row) (model.Row, error) {
	data, err := json.Marshal(match)
	if err != nil {
		return nil, fmt.Errorf("marshal match: %w", err)
	}
	return decodeRow(data)
}

func matches(row, match model.Row) bool {
	for k, want := range match {
		got, ok := row[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
