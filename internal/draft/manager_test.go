package draft

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shiftsync/internal/db"
)

// =====================================================
// Test Helpers
// =====================================================

// countingStore records every Save so tests can assert write amplification.
type countingStore struct {
	*db.MemoryStore
	mu        sync.Mutex
	saves     int
	failing   bool
	failSaves bool // Save errors, Load keeps working
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: db.NewMemoryStore()}
}

func (s *countingStore) Save(ctx context.Context, ns db.Namespace, key string, value []byte) error {
	s.mu.Lock()
	s.saves++
	failing := s.failing || s.failSaves
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, ns, key, value)
}

func (s *countingStore) Load(ctx context.Context, ns db.Namespace, key string) ([]byte, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return nil, errors.New("disk unreadable")
	}
	return s.MemoryStore.Load(ctx, ns, key)
}

func (s *countingStore) setFailSaves(v bool) {
	s.mu.Lock()
	s.failSaves = v
	s.mu.Unlock()
}

func (s *countingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func newTestManager(t *testing.T) (*Manager, *countingStore, *clockwork.FakeClock) {
	t.Helper()
	store := newCountingStore()
	clock := clockwork.NewFakeClock()
	m := NewManager(store, Config{Key: "handover-draft", Interval: 30 * time.Second}, WithClock(clock))
	t.Cleanup(m.Close)
	return m, store, clock
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// waitForTimer blocks until the fake clock has the debounce timer registered.
func waitForTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

// =====================================================
// Save / Load Tests
// =====================================================

// TestSaveDraft_roundTrip verifies SaveDraft followed by LoadDraft returns the same payload.
func TestSaveDraft_roundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	in := payload(t, map[string]interface{}{
		"shift":     "night",
		"equipment": []string{"radio-4", "truck-2"},
		"notes":     map[string]interface{}{"open_issues": 2},
	})
	m.SaveDraft(ctx, in, "handover-17")

	got, ok := m.LoadDraft(ctx)
	require.True(t, ok)
	assert.JSONEq(t, string(in), string(got.Payload))
	assert.Equal(t, "handover-17", got.LinkedEntityID)
	assert.Equal(t, "handover-draft", got.Key)
}

// TestLoadDraft_idempotent verifies two loads without a save are identical.
func TestLoadDraft_idempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	m.SaveDraft(ctx, payload(t, map[string]string{"a": "b"}), "")

	first, ok1 := m.LoadDraft(ctx)
	second, ok2 := m.LoadDraft(ctx)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second)
}

// TestLoadDraft_empty verifies a missing draft reports false.
func TestLoadDraft_empty(t *testing.T) {
	m, _, _ := newTestManager(t)
	got, ok := m.LoadDraft(context.Background())
	assert.False(t, ok)
	assert.Nil(t, got)
}

// TestSaveDraft_storageFailure verifies storage errors are swallowed and the
// mirror still serves the draft.
func TestSaveDraft_storageFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	store.failing = true

	rec := m.SaveDraft(ctx, payload(t, map[string]int{"n": 1}), "")
	assert.JSONEq(t, `{"n":1}`, string(rec.Payload))

	got, ok := m.LoadDraft(ctx)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
}

// TestSaveDraft_saveFailsLoadIntact verifies a draft whose write failed is
// still returned when the store reads fine but holds nothing or an older draft.
func TestSaveDraft_saveFailsLoadIntact(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()
	store.setFailSaves(true)

	m.SaveDraft(ctx, payload(t, map[string]int{"rev": 1}), "")
	got, ok := m.LoadDraft(ctx)
	require.True(t, ok, "store has nothing, mirror wins")
	assert.JSONEq(t, `{"rev":1}`, string(got.Payload))

	store.setFailSaves(false)
	clock.Advance(time.Second)
	m.SaveDraft(ctx, payload(t, map[string]int{"rev": 2}), "")

	store.setFailSaves(true)
	clock.Advance(time.Second)
	m.SaveDraft(ctx, payload(t, map[string]int{"rev": 3}), "")
	got, ok = m.LoadDraft(ctx)
	require.True(t, ok)
	assert.JSONEq(t, `{"rev":3}`, string(got.Payload), "stale stored draft must not win")

	store.setFailSaves(false)
	clock.Advance(time.Second)
	m.SaveDraft(ctx, payload(t, map[string]int{"rev": 4}), "")
	fresh := NewManager(store, Config{Key: "handover-draft"})
	got, ok = fresh.LoadDraft(ctx)
	require.True(t, ok)
	assert.JSONEq(t, `{"rev":4}`, string(got.Payload))
}

// TestDraft_survivesRestart verifies a draft written through one manager is
// visible to a new manager on the same store.
func TestDraft_survivesRestart(t *testing.T) {
	store := db.NewDurableStore(t.TempDir())
	defer store.Close()
	ctx := context.Background()

	NewManager(store, DefaultConfig()).SaveDraft(ctx, json.RawMessage(`{"step":3}`), "")

	got, ok := NewManager(store, DefaultConfig()).LoadDraft(ctx)
	require.True(t, ok)
	assert.JSONEq(t, `{"step":3}`, string(got.Payload))
}

// =====================================================
// Debounce Tests
// =====================================================

// TestScheduleAutoSave_debounce verifies five calls inside one interval
// produce exactly one write holding the final payload.
func TestScheduleAutoSave_debounce(t *testing.T) {
	m, store, clock := newTestManager(t)

	for i := 1; i <= 5; i++ {
		m.ScheduleAutoSave(payload(t, map[string]int{"rev": i}), "")
		waitForTimer(t, clock)
		clock.Advance(5 * time.Second)
	}
	assert.Equal(t, 0, store.saveCount())
	assert.Equal(t, StateScheduled, m.State())

	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.saveCount())

	got, ok := m.LoadDraft(context.Background())
	require.True(t, ok)
	assert.JSONEq(t, `{"rev":5}`, string(got.Payload))
}

// TestScheduleAutoSave_stampsWriteTime verifies the saved timestamp is the
// time of the write, not the time the save was scheduled.
func TestScheduleAutoSave_stampsWriteTime(t *testing.T) {
	m, _, clock := newTestManager(t)
	scheduled := clock.Now()

	m.ScheduleAutoSave(payload(t, map[string]int{"rev": 1}), "")
	waitForTimer(t, clock)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)

	got, ok := m.LoadDraft(context.Background())
	require.True(t, ok)
	assert.Equal(t, scheduled.Add(30*time.Second).UnixMilli(), got.LastSavedAt)
}

// TestClearDraft_cancelsPendingSave verifies a cleared draft does not come
// back from the debounce timer.
func TestClearDraft_cancelsPendingSave(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	m.SaveDraft(ctx, payload(t, map[string]int{"rev": 1}), "")
	m.ScheduleAutoSave(payload(t, map[string]int{"rev": 2}), "")
	waitForTimer(t, clock)

	m.ClearDraft(ctx)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, store.saveCount())
	_, ok := m.LoadDraft(ctx)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, m.State())
}

// TestScheduleAutoSave_afterClear verifies clearing does not disable later saves.
func TestScheduleAutoSave_afterClear(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	m.ScheduleAutoSave(payload(t, map[string]int{"rev": 1}), "")
	m.ClearDraft(ctx)

	m.ScheduleAutoSave(payload(t, map[string]int{"rev": 2}), "")
	waitForTimer(t, clock)
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		got, ok := m.LoadDraft(ctx)
		return ok && string(got.Payload) == `{"rev":2}`
	}, time.Second, 5*time.Millisecond)
}

// TestSaveDraft_supersedesSchedule verifies an explicit save cancels the
// pending auto-save so an older payload cannot overwrite it.
func TestSaveDraft_supersedesSchedule(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	m.ScheduleAutoSave(payload(t, map[string]int{"rev": 1}), "")
	waitForTimer(t, clock)
	m.SaveDraft(ctx, payload(t, map[string]int{"rev": 2}), "")

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, store.saveCount())
	got, ok := m.LoadDraft(ctx)
	require.True(t, ok)
	assert.JSONEq(t, `{"rev":2}`, string(got.Payload))
}

// TestFlush verifies a scheduled payload can be written early.
func TestFlush(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	assert.False(t, m.Flush(ctx))

	m.ScheduleAutoSave(payload(t, map[string]string{"notes": "handover"}), "h-1")
	assert.True(t, m.Flush(ctx))
	assert.Equal(t, 1, store.saveCount())
	assert.Equal(t, StateIdle, m.State())

	got, ok := m.LoadDraft(ctx)
	require.True(t, ok)
	assert.Equal(t, "h-1", got.LinkedEntityID)
}

func TestNewManager_defaults(t *testing.T) {
	m := NewManager(db.NewMemoryStore(), Config{})
	assert.Equal(t, "handover-draft", m.Key())
	assert.Equal(t, 30*time.Second, m.interval)
	assert.Equal(t, StateIdle, m.State())
}
