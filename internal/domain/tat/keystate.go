package tat

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/labtat/labtat/pkg/atomicfile"
)

// KeySet is an immutable set of correlation keys.
type KeySet struct {
	keys map[string]struct{}
}

func NewKeySet(keys ...string) KeySet {
	s := KeySet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

func (s KeySet) Contains(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s KeySet) Len() int { return len(s.keys) }

// Union returns a new set holding s and keys.
func (s KeySet) Union(keys ...string) KeySet {
	out := KeySet{keys: make(map[string]struct{}, len(s.keys)+len(keys))}
	for k := range s.keys {
		out.keys[k] = struct{}{}
	}
	for _, k := range keys {
		out.keys[k] = struct{}{}
	}
	return out
}

// Sorted returns the keys in ascending order.
func (s KeySet) Sorted() []string {
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KeyStore persists the processed correlation keys between runs. Commit
// replaces the stored set atomically.
type KeyStore interface {
	Load(ctx context.Context) (KeySet, error)
	Commit(ctx context.Context, set KeySet) error
	Close() error
}

const (
	StateDriverFile   = "file"
	StateDriverSQLite = "sqlite"
)

// OpenKeyStore returns the key store for driver.
func OpenKeyStore(driver, path string) (KeyStore, error) {
	switch driver {
	case "", StateDriverFile:
		return NewFileKeyStore(path)
	case StateDriverSQLite:
		return NewSQLiteKeyStore(path)
	}
	return nil, fmt.Errorf("unknown state driver %q", driver)
}

// ---------------------------------------------------------------------------
// JSON file
// ---------------------------------------------------------------------------

const keyFileSchema = `{
	"type": "array",
	"items": {"type": ["string", "number"]}
}`

// FileKeyStore keeps the set as a JSON array of strings.
type FileKeyStore struct {
	path   string
	schema *jsonschema.Schema
}

func NewFileKeyStore(path string) (*FileKeyStore, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("keys.json", strings.NewReader(keyFileSchema)); err != nil {
		return nil, fmt.Errorf("add key file schema: %w", err)
	}
	schema, err := c.Compile("keys.json")
	if err != nil {
		return nil, fmt.Errorf("compile key file schema: %w", err)
	}
	return &FileKeyStore{path: path, schema: schema}, nil
}

// Load reads the file. A missing or empty file is an empty set; a file that
// is not an array of keys is an error.
func (s *FileKeyStore) Load(_ context.Context) (KeySet, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewKeySet(), nil
	}
	if err != nil {
		return KeySet{}, fmt.Errorf("read key state %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewKeySet(), nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return KeySet{}, fmt.Errorf("parse key state %s: %w", s.path, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return KeySet{}, fmt.Errorf("key state %s does not match schema: %w", s.path, err)
	}
	items := doc.([]any)
	keys := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			keys = append(keys, v)
		case json.Number:
			keys = append(keys, v.String())
		}
	}
	return NewKeySet(keys...), nil
}

func (s *FileKeyStore) Commit(_ context.Context, set KeySet) error {
	data, err := json.Marshal(set.Sorted())
	if err != nil {
		return fmt.Errorf("encode key state: %w", err)
	}
	return atomicfile.WriteBytes(s.path, data)
}

func (s *FileKeyStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

// SQLiteKeyStore keeps the set in a single-table SQLite database.
type SQLiteKeyStore struct {
	db *sql.DB
}

func NewSQLiteKeyStore(path string) (*SQLiteKeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS processed_keys (
		key TEXT PRIMARY KEY
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create processed_keys table: %w", err)
	}
	return &SQLiteKeyStore{db: db}, nil
}

func (s *SQLiteKeyStore) Load(ctx context.Context) (KeySet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM processed_keys`)
	if err != nil {
		return KeySet{}, fmt.Errorf("select processed keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return KeySet{}, fmt.Errorf("scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return KeySet{}, err
	}
	return NewKeySet(keys...), nil
}

// Commit inserts every key of set in one transaction. Keys are never
// removed.
func (s *SQLiteKeyStore) Commit(ctx context.Context, set KeySet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO processed_keys (key) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, k := range set.Sorted() {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return fmt.Errorf("insert key %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit processed keys: %w", err)
	}
	return nil
}

func (s *SQLiteKeyStore) Close() error { return s.db.Close() }
