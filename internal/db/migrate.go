// Package db provides additive schema upgrades for the record store.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Namespace names one private keyspace inside the store. Each namespace is
// backed by its own table.
type Namespace string

const (
	// NamespaceDrafts holds one draft record per form context key.
	NamespaceDrafts Namespace = "drafts"
	// NamespaceQueue holds the pending and failed operation lists.
	NamespaceQueue Namespace = "mutation_queue"
)

// SchemaStep is one schema version. A step may only add namespaces; nothing
// is ever dropped or altered by an upgrade.
type SchemaStep struct {
	Version     int
	Description string
	Namespaces  []Namespace
}

// DefaultSchema is the schema shipped with this build.
var DefaultSchema = []SchemaStep{
	{Version: 1, Description: "drafts_and_mutation_queue", Namespaces: []Namespace{NamespaceDrafts, NamespaceQueue}},
}

// Migration represents an applied schema step.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies schema steps to a sqlite database.
type Migrator struct {
	db    *sql.DB
	steps []SchemaStep
}

// NewMigrator creates a new Migrator instance. Steps are applied in version order.
func NewMigrator(db *sql.DB, steps []SchemaStep) *Migrator {
	sorted := append([]SchemaStep(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{db: db, steps: sorted}
}

// tableName maps a namespace to its backing table.
func tableName(ns Namespace) string {
	return "ns_" + string(ns)
}

func (s SchemaStep) ddl() string {
	var b strings.Builder
	for _, ns := range s.Namespaces {
		fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`, tableName(ns))
	}
	return b.String()
}

func (s SchemaStep) checksum() string {
	sum := sha256.Sum256([]byte(s.ddl()))
	return hex.EncodeToString(sum[:])
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Up applies every step newer than the current version. Running Up on an
// up-to-date database is a no-op.
func (m *Migrator) Up(ctx context.Context) (applied int, err error) {
	if err := m.Initialize(ctx); err != nil {
		return 0, fmt.Errorf("failed to initialize schema_migrations: %w", err)
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, step := range m.steps {
		if step.Version <= current {
			continue
		}
		if err := m.apply(ctx, step); err != nil {
			return applied, fmt.Errorf("failed to apply schema V%d: %w", step.Version, err)
		}
		applied++
	}
	return applied, nil
}

// apply runs a single step in a transaction.
func (m *Migrator) apply(ctx context.Context, step SchemaStep) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, step.ddl()); err != nil {
		return fmt.Errorf("failed to create namespaces: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, step.Version, time.Now().Unix(), step.Description, step.checksum()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// namespacesOf returns the union of namespaces declared by steps.
func namespacesOf(steps []SchemaStep) map[Namespace]bool {
	out := make(map[Namespace]bool)
	for _, s := range steps {
		for _, ns := range s.Namespaces {
			out[ns] = true
		}
	}
	return out
}
