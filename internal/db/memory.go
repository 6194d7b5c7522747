package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
)

// MemoryStore is an in-process RecordStore. It backs tests and the degraded
// mode entered when the database cannot be opened.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[Namespace]bool
	data       map[Namespace]map[string]Record
	order      map[Namespace][]string
}

// NewMemoryStore creates an empty MemoryStore for DefaultSchema namespaces.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: namespacesOf(DefaultSchema),
		data:       make(map[Namespace]map[string]Record),
		order:      make(map[Namespace][]string),
	}
}

func (m *MemoryStore) check(ns Namespace) error {
	if !m.namespaces[ns] {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown namespace %q", ns))
	}
	return nil
}

// Save stores a copy of value under key.
func (m *MemoryStore) Save(_ context.Context, ns Namespace, key string, value []byte) error {
	if err := m.check(ns); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.data[ns]
	if !ok {
		bucket = make(map[string]Record)
		m.data[ns] = bucket
	}
	if _, exists := bucket[key]; !exists {
		m.order[ns] = append(m.order[ns], key)
	}
	bucket[key] = Record{Key: key, Value: append([]byte(nil), value...), UpdatedAt: time.Now().UnixMilli()}
	return nil
}

// Load returns a copy of the value under key, or ErrRecordNotFound.
func (m *MemoryStore) Load(_ context.Context, ns Namespace, key string) ([]byte, error) {
	if err := m.check(ns); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.data[ns][key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return append([]byte(nil), r.Value...), nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, ns Namespace, key string) error {
	if err := m.check(ns); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[ns][key]; !ok {
		return nil
	}
	delete(m.data[ns], key)
	keys := m.order[ns]
	for i, k := range keys {
		if k == key {
			m.order[ns] = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

// List returns every record in ns in insertion order.
func (m *MemoryStore) List(_ context.Context, ns Namespace) ([]Record, error) {
	if err := m.check(ns); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0, len(m.order[ns]))
	for _, k := range m.order[ns] {
		r := m.data[ns][k]
		r.Value = append([]byte(nil), r.Value...)
		records = append(records, r)
	}
	return records, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
