// Package draft keeps unsubmitted form state in the durable store so that a
// crash, reload or lost connection loses at most one debounce interval of
// edits.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/shiftsync/internal/db"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
)

// State is the auto-save state of a Manager.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateSaving    State = "saving"
)

// Config holds draft manager configuration.
type Config struct {
	Key      string        // form context key, one draft per key
	Interval time.Duration // debounce interval for auto-save
}

// DefaultConfig returns default draft configuration.
func DefaultConfig() Config {
	return Config{
		Key:      "handover-draft",
		Interval: 30 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for the debounce timer.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager saves, loads and clears the draft for one form context.
//
// Store I/O is serialized by ioMu so that a clear can never be overtaken by
// a debounce fire that started earlier. gen is bumped by every operation
// that supersedes a scheduled payload; a timer whose generation no longer
// matches does nothing. dirty is set while the store is behind the mirror
// because the last write or delete failed.
type Manager struct {
	store    db.RecordStore
	clock    clockwork.Clock
	key      string
	interval time.Duration

	ioMu sync.Mutex

	mu      sync.Mutex
	state   State
	gen     uint64
	timer   clockwork.Timer
	pending *models.DraftRecord
	mirror  *models.DraftRecord
	dirty   bool
}

// NewManager creates a Manager backed by store.
func NewManager(store db.RecordStore, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}

	m := &Manager{
		store:    store,
		clock:    clockwork.NewRealClock(),
		key:      cfg.Key,
		interval: cfg.Interval,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the form context key.
func (m *Manager) Key() string {
	return m.key
}

// State returns the current auto-save state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) record(payload json.RawMessage, linkedEntityID string) models.DraftRecord {
	return models.DraftRecord{
		Key:            m.key,
		Payload:        append(json.RawMessage(nil), payload...),
		LastSavedAt:    m.clock.Now().UnixMilli(),
		LinkedEntityID: linkedEntityID,
	}
}

// cancelLocked stops any scheduled auto-save. Caller holds mu.
func (m *Manager) cancelLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = nil
}

// SaveDraft writes payload immediately and supersedes any scheduled
// auto-save. Storage failures are logged; the in-memory mirror still holds
// the draft for the rest of the session.
func (m *Manager) SaveDraft(ctx context.Context, payload json.RawMessage, linkedEntityID string) models.DraftRecord {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	rec := m.record(payload, linkedEntityID)

	m.mu.Lock()
	m.cancelLocked()
	m.mirror = &rec
	m.state = StateSaving
	m.mu.Unlock()

	ok := m.persist(ctx, rec)

	m.mu.Lock()
	m.dirty = !ok
	if m.state == StateSaving {
		m.state = StateIdle
	}
	m.mu.Unlock()
	return rec
}

// ScheduleAutoSave (re)starts the debounce timer with payload. Only the
// payload of the last call within one interval is written.
func (m *Manager) ScheduleAutoSave(payload json.RawMessage, linkedEntityID string) {
	rec := m.record(payload, linkedEntityID)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	gen := m.gen
	m.pending = &rec
	m.state = StateScheduled
	m.timer = m.clock.AfterFunc(m.interval, func() {
		m.fire(gen)
	})
}

// fire persists the scheduled payload if generation gen is still current.
func (m *Manager) fire(gen uint64) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.pending == nil {
		m.mu.Unlock()
		return
	}
	rec := *m.pending
	rec.LastSavedAt = m.clock.Now().UnixMilli()
	m.pending = nil
	m.timer = nil
	m.state = StateSaving
	m.mu.Unlock()

	ok := m.persist(context.Background(), rec)

	m.mu.Lock()
	if gen == m.gen {
		m.mirror = &rec
		m.dirty = !ok
		m.state = StateIdle
	}
	m.mu.Unlock()
}

// Flush writes a scheduled payload now instead of waiting for the timer.
// It reports whether anything was pending.
func (m *Manager) Flush(ctx context.Context) bool {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return false
	}
	rec := *m.pending
	rec.LastSavedAt = m.clock.Now().UnixMilli()
	m.cancelLocked()
	m.mirror = &rec
	m.state = StateSaving
	m.mu.Unlock()

	ok := m.persist(ctx, rec)

	m.mu.Lock()
	m.dirty = !ok
	if m.state == StateSaving {
		m.state = StateIdle
	}
	m.mu.Unlock()
	return true
}

// LoadDraft returns the persisted draft. The in-memory mirror wins when the
// last write failed, when the store has no draft or cannot be read, and when
// the mirror is newer than the stored record.
func (m *Manager) LoadDraft(ctx context.Context) (*models.DraftRecord, bool) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	m.mu.Lock()
	dirty := m.dirty
	m.mu.Unlock()
	if dirty {
		logging.Debug("Draft store is behind, using in-memory copy", map[string]interface{}{"key": m.key})
		return m.mirrorCopy()
	}

	raw, err := m.store.Load(ctx, db.NamespaceDrafts, m.key)
	if errors.Is(err, db.ErrRecordNotFound) {
		return m.mirrorCopy()
	}
	if err == nil {
		var rec models.DraftRecord
		if err = json.Unmarshal(raw, &rec); err == nil {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.mirror != nil && m.mirror.LastSavedAt > rec.LastSavedAt {
				out := *m.mirror
				return &out, true
			}
			m.mirror = &rec
			out := rec
			return &out, true
		}
	}

	logging.Warn("Draft load failed, using in-memory copy", map[string]interface{}{
		"key":   m.key,
		"error": err.Error(),
	})
	return m.mirrorCopy()
}

func (m *Manager) mirrorCopy() (*models.DraftRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mirror == nil {
		return nil, false
	}
	out := *m.mirror
	return &out, true
}

// ClearDraft cancels any scheduled auto-save and deletes the draft. Later
// calls to ScheduleAutoSave start a fresh lifecycle.
func (m *Manager) ClearDraft(ctx context.Context) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	m.mu.Lock()
	m.cancelLocked()
	m.mirror = nil
	m.state = StateIdle
	m.mu.Unlock()

	err := m.store.Delete(ctx, db.NamespaceDrafts, m.key)
	if err != nil && !errors.Is(err, db.ErrRecordNotFound) {
		logging.Warn("Draft delete failed", map[string]interface{}{
			"key":   m.key,
			"error": err.Error(),
		})
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
}

// Close cancels the debounce timer without writing.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.state = StateIdle
}

// persist writes rec and reports whether the store accepted it.
func (m *Manager) persist(ctx context.Context, rec models.DraftRecord) bool {
	data, err := json.Marshal(rec)
	if err == nil {
		err = m.store.Save(ctx, db.NamespaceDrafts, m.key, data)
	}
	if err != nil {
		logging.Warn("Draft save failed", map[string]interface{}{
			"key":   m.key,
			"error": err.Error(),
		})
		return false
	}
	logging.Debug("Draft saved", map[string]interface{}{"key": m.key})
	return true
}
