// Package db tests for additive schema upgrades.
package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n))
	return n == 1
}

// TestMigrator_Up verifies namespaces and the migration record are created.
func TestMigrator_Up(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	m := NewMigrator(db, DefaultSchema)

	applied, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	assert.True(t, tableExists(t, db, "ns_drafts"))
	assert.True(t, tableExists(t, db, "ns_mutation_queue"))

	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	migs, err := m.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, migs, 1)
	assert.Len(t, migs[0].Checksum, 64)
	assert.Equal(t, "drafts_and_mutation_queue", migs[0].Description)
}

// TestMigrator_Up_idempotent verifies a second run applies nothing.
func TestMigrator_Up_idempotent(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)

	_, err := NewMigrator(db, DefaultSchema).Up(ctx)
	require.NoError(t, err)
	applied, err := NewMigrator(db, DefaultSchema).Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

// TestDurableStore_additiveUpgrade verifies a newer schema adds a namespace
// without touching existing data.
func TestDurableStore_additiveUpgrade(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v1 := NewDurableStore(dir)
	require.NoError(t, v1.Save(ctx, NamespaceDrafts, "handover-draft", []byte(`{"shift":"night"}`)))
	require.NoError(t, v1.Close())

	steps := append(append([]SchemaStep(nil), DefaultSchema...), SchemaStep{
		Version:     2,
		Description: "attachments",
		Namespaces:  []Namespace{"attachments"},
	})
	v2 := NewDurableStoreWithSchema(dir, steps)
	defer v2.Close()

	got, err := v2.Load(ctx, NamespaceDrafts, "handover-draft")
	require.NoError(t, err)
	assert.JSONEq(t, `{"shift":"night"}`, string(got))

	require.NoError(t, v2.Save(ctx, "attachments", "a1", []byte(`{}`)))

	h, err := v2.Open(ctx)
	require.NoError(t, err)
	version, err := NewMigrator(h, steps).CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

// TestDurableStore_invalidNamespaceName verifies table names are restricted.
func TestDurableStore_invalidNamespaceName(t *testing.T) {
	s := NewDurableStoreWithSchema(t.TempDir(), []SchemaStep{{Version: 1, Description: "bad", Namespaces: []Namespace{"drop table;"}}})
	_, err := s.Open(context.Background())
	assert.Error(t, err)
}
