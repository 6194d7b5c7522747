// Package db provides the durable key/record store behind drafts and the
// mutation queue.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"

	_ "modernc.org/sqlite"
)

// DatabaseName is the file name of the store inside the data directory.
const DatabaseName = "shiftsync.db"

// ErrRecordNotFound is returned by Load when no record exists for the key.
var ErrRecordNotFound = apperrors.New(apperrors.ErrNotFound, "record not found")

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Record is one stored value.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt int64 // unix millis
}

// RecordStore is the persistence contract used by the draft manager and
// the mutation queue.
type RecordStore interface {
	Save(ctx context.Context, ns Namespace, key string, value []byte) error
	Load(ctx context.Context, ns Namespace, key string) ([]byte, error)
	Delete(ctx context.Context, ns Namespace, key string) error
	List(ctx context.Context, ns Namespace) ([]Record, error)
	Close() error
}

// DurableStore is a sqlite-backed RecordStore. The underlying connection is
// opened on first use and reused until Close.
type DurableStore struct {
	dataDir    string
	steps      []SchemaStep
	namespaces map[Namespace]bool

	mu sync.Mutex
	db *sql.DB
}

// NewDurableStore creates a store rooted at dataDir using DefaultSchema.
func NewDurableStore(dataDir string) *DurableStore {
	return NewDurableStoreWithSchema(dataDir, DefaultSchema)
}

// NewDurableStoreWithSchema creates a store with an explicit schema.
func NewDurableStoreWithSchema(dataDir string, steps []SchemaStep) *DurableStore {
	return &DurableStore{
		dataDir:    dataDir,
		steps:      steps,
		namespaces: namespacesOf(steps),
	}
}

// Path returns the database file path.
func (s *DurableStore) Path() string {
	return filepath.Join(s.dataDir, DatabaseName)
}

// Open opens the database and runs the schema upgrade. Repeated and
// concurrent calls return the same handle.
// The database is opened with:
// - a single connection (sqlite has one writer)
// - WAL mode
// - a busy timeout so readers do not fail while a write commits
func (s *DurableStore) Open(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	for ns := range s.namespaces {
		if !namespacePattern.MatchString(string(ns)) {
			return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid namespace name %q", ns))
		}
	}

	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create data directory", err)
	}

	db, err := sql.Open("sqlite", s.Path())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to configure database", err)
		}
	}

	applied, err := NewMigrator(db, s.steps).Up(ctx)
	if err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "schema upgrade failed", err)
	}
	if applied > 0 {
		logging.Info("Durable store schema upgraded", map[string]interface{}{
			"path":          s.Path(),
			"steps_applied": applied,
		})
	}

	s.db = db
	return db, nil
}

// Close closes the database connection. The store can be reopened by any
// later call.
func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *DurableStore) handle(ctx context.Context, ns Namespace) (*sql.DB, error) {
	if !s.namespaces[ns] {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown namespace %q", ns))
	}
	return s.Open(ctx)
}

// Save writes value under key, replacing any previous value. The original
// insertion position of the key is kept.
func (s *DurableStore) Save(ctx context.Context, ns Namespace, key string, value []byte) error {
	db, err := s.handle(ctx, ns)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, tableName(ns))
	if _, err := db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("save %s/%s", ns, key), err)
	}
	return nil
}

// Load returns the value stored under key, or ErrRecordNotFound.
func (s *DurableStore) Load(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	db, err := s.handle(ctx, ns)
	if err != nil {
		return nil, err
	}

	var value []byte
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", tableName(ns))
	err = db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("load %s/%s", ns, key), err)
	}
	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *DurableStore) Delete(ctx context.Context, ns Namespace, key string) error {
	db, err := s.handle(ctx, ns)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", tableName(ns))
	if _, err := db.ExecContext(ctx, query, key); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("delete %s/%s", ns, key), err)
	}
	return nil
}

// List returns every record in ns in insertion order.
func (s *DurableStore) List(ctx context.Context, ns Namespace) ([]Record, error) {
	db, err := s.handle(ctx, ns)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT key, value, updated_at FROM %s ORDER BY seq", tableName(ns))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("list %s", ns), err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value, &r.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("list %s", ns), err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("list %s", ns), err)
	}
	return records, nil
}

// OpenOrFallback opens a DurableStore in dataDir. When the database cannot
// be opened the session degrades to an in-memory store and a warning is
// logged; the returned bool reports whether persistence is available.
func OpenOrFallback(ctx context.Context, dataDir string) (RecordStore, bool) {
	store := NewDurableStore(dataDir)
	if _, err := store.Open(ctx); err != nil {
		logging.Warn("Durable store unavailable, continuing in memory only", map[string]interface{}{
			"data_dir": dataDir,
			"error":    err.Error(),
		})
		return NewMemoryStore(), false
	}
	return store, true
}
