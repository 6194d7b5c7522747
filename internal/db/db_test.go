// Package db tests for the durable record store.
package db

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Test Helpers
// =====================================================

func openTestStore(t *testing.T) *DurableStore {
	t.Helper()
	s := NewDurableStore(t.TempDir())
	_, err := s.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storeContract runs the RecordStore contract against any implementation.
func storeContract(t *testing.T, s RecordStore) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, NamespaceDrafts, "handover-draft", []byte(`{"notes":"x"}`)))
		got, err := s.Load(ctx, NamespaceDrafts, "handover-draft")
		require.NoError(t, err)
		assert.JSONEq(t, `{"notes":"x"}`, string(got))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, NamespaceDrafts, "handover-draft", []byte(`{"notes":"y"}`)))
		got, err := s.Load(ctx, NamespaceDrafts, "handover-draft")
		require.NoError(t, err)
		assert.JSONEq(t, `{"notes":"y"}`, string(got))
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Load(ctx, NamespaceDrafts, "nope")
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("namespaces do not share keys", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, NamespaceQueue, "handover-draft", []byte(`[]`)))
		got, err := s.Load(ctx, NamespaceDrafts, "handover-draft")
		require.NoError(t, err)
		assert.JSONEq(t, `{"notes":"y"}`, string(got))
	})

	t.Run("list keeps insertion order across overwrite", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, NamespaceDrafts, "b", []byte(`1`)))
		require.NoError(t, s.Save(ctx, NamespaceDrafts, "c", []byte(`2`)))
		require.NoError(t, s.Save(ctx, NamespaceDrafts, "b", []byte(`3`)))

		records, err := s.List(ctx, NamespaceDrafts)
		require.NoError(t, err)
		var keys []string
		for _, r := range records {
			keys = append(keys, r.Key)
		}
		assert.Equal(t, []string{"handover-draft", "b", "c"}, keys)
		assert.Equal(t, "3", string(records[1].Value))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, NamespaceDrafts, "b"))
		require.NoError(t, s.Delete(ctx, NamespaceDrafts, "b"), "deleting twice is fine")
		_, err := s.Load(ctx, NamespaceDrafts, "b")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("unknown namespace", func(t *testing.T) {
		err := s.Save(ctx, Namespace("secrets"), "k", []byte(`1`))
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	})
}

// =====================================================
// Contract Tests
// =====================================================

func TestDurableStore_contract(t *testing.T) {
	storeContract(t, openTestStore(t))
}

func TestMemoryStore_contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

// =====================================================
// Open / Close Tests
// =====================================================

// TestOpen_reusesHandle verifies repeated and concurrent opens share one connection.
func TestOpen_reusesHandle(t *testing.T) {
	s := NewDurableStore(t.TempDir())
	defer s.Close()

	first, err := s.Open(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Open(context.Background())
			assert.NoError(t, err)
			assert.Same(t, first, h)
		}()
	}
	wg.Wait()

	_, statErr := os.Stat(s.Path())
	assert.NoError(t, statErr, "database file should exist")
}

// TestOpen_walMode verifies the connection is configured for WAL.
func TestOpen_walMode(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(context.Background())
	require.NoError(t, err)

	var mode string
	require.NoError(t, h.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	s := NewDurableStore("/dev/null/invalid_path/that/cannot/be/created")
	_, err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
}

// TestClose_reopenPersists verifies records survive close and reopen.
func TestClose_reopenPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewDurableStore(dir)
	require.NoError(t, s.Save(ctx, NamespaceQueue, "pending", []byte(`["a","b"]`)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	reopened := NewDurableStore(dir)
	defer reopened.Close()
	got, err := reopened.Load(ctx, NamespaceQueue, "pending")
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(got))
}

// =====================================================
// Fallback Tests
// =====================================================

func TestOpenOrFallback(t *testing.T) {
	ctx := context.Background()

	store, durable := OpenOrFallback(ctx, t.TempDir())
	defer store.Close()
	assert.True(t, durable)
	assert.IsType(t, &DurableStore{}, store)

	mem, durable := OpenOrFallback(ctx, "/dev/null/nope")
	assert.False(t, durable)
	assert.IsType(t, &MemoryStore{}, mem)
	assert.NoError(t, mem.Save(ctx, NamespaceDrafts, "k", []byte(`{}`)))
}

func TestErrRecordNotFound_isAppError(t *testing.T) {
	var appErr *apperrors.AppError
	require.True(t, errors.As(ErrRecordNotFound, &appErr))
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code)
}
