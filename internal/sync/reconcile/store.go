// Package reconcile holds the client-side view of server entities and
// merges optimistic local writes, confirmed server state and pushed
// changes from other actors into it.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
	"github.com/kimhsiao/shiftsync/internal/sync/conflict"
	"github.com/kimhsiao/shiftsync/internal/uuid"
)

// WriteID identifies one optimistic write until it is confirmed or rejected.
type WriteID string

// Write describes an optimistic write.
type Write struct {
	ID     WriteID // generated when empty
	Entity models.Entity
	Delete bool // remove Entity.ID from the view instead of upserting
}

// Fetcher loads the authoritative entity set from the server.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]models.Entity, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context) ([]models.Entity, error)

// FetchAll calls f.
func (f FetchFunc) FetchAll(ctx context.Context) ([]models.Entity, error) { return f(ctx) }

// ChangeKind describes what happened to an entity in the view.
type ChangeKind string

const (
	ChangeUpsert  ChangeKind = "upsert"
	ChangeRemove  ChangeKind = "remove"
	ChangeRekey   ChangeKind = "rekey" // placeholder ID replaced by the server ID
	ChangeRefresh ChangeKind = "refresh"
)

// Change is delivered to subscribers after every view change.
type Change struct {
	Kind       ChangeKind
	Type       string
	ID         string
	PreviousID string         // set for ChangeRekey
	Entity     *models.Entity // current view value; nil when removed
	Confirmed  bool           // no local write is in flight for the entity
}

type entityKey struct {
	typ string
	id  string
}

func keyOf(e models.Entity) entityKey {
	return entityKey{typ: e.Type, id: e.ID}
}

type write struct {
	id       WriteID
	key      entityKey
	entity   models.Entity
	delete   bool
	detached bool // target was deleted by a push while in flight
}

// Store is the reconciliation store. It is safe for concurrent use.
//
// The view of an entity is its latest in-flight write when one exists and
// the last confirmed value otherwise. Pushed creates and updates that
// arrive while a write is in flight are buffered and re-applied when the
// last write on that entity resolves.
type Store struct {
	fetcher Fetcher

	mu        sync.Mutex
	confirmed map[entityKey]models.Entity
	writes    map[WriteID]*write
	inflight  map[entityKey][]WriteID
	buffered  map[entityKey][]models.PushEvent
	subs      map[int]func(Change)
	nextSub   int

	// Keys whose confirmed value changed while a refresh was fetching,
	// stamped with the epoch of the change. Cleared when no refresh runs.
	refreshing int
	epoch      uint64
	touched    map[entityKey]uint64
}

// NewStore creates an empty Store. fetcher may be nil when RefreshAll is
// never used.
func NewStore(fetcher Fetcher) *Store {
	return &Store{
		fetcher:   fetcher,
		confirmed: make(map[entityKey]models.Entity),
		writes:    make(map[WriteID]*write),
		inflight:  make(map[entityKey][]WriteID),
		buffered:  make(map[entityKey][]models.PushEvent),
		subs:      make(map[int]func(Change)),
		touched:   make(map[entityKey]uint64),
	}
}

// ApplyOptimistic shows e immediately as unconfirmed.
func (s *Store) ApplyOptimistic(e models.Entity) WriteID {
	return s.ApplyWrite(Write{Entity: e})
}

// ApplyOptimisticDelete hides an entity immediately.
func (s *Store) ApplyOptimisticDelete(entityType, id string) WriteID {
	return s.ApplyWrite(Write{Entity: models.Entity{ID: id, Type: entityType}, Delete: true})
}

// ApplyWrite records an optimistic write. A caller-supplied ID is kept so
// writes can be re-applied under the same ID after a restart.
func (s *Store) ApplyWrite(w Write) WriteID {
	if w.ID == "" {
		w.ID = WriteID(uuid.New())
	}
	k := keyOf(w.Entity)

	s.mu.Lock()
	if old, ok := s.writes[w.ID]; ok {
		s.dropWriteLocked(old)
	}
	s.writes[w.ID] = &write{id: w.ID, key: k, entity: w.Entity.Clone(), delete: w.Delete}
	s.inflight[k] = append(s.inflight[k], w.ID)
	ch := s.viewChangeLocked(k)
	s.mu.Unlock()

	s.notify(ch)
	return w.ID
}

// ApplyConfirmed replaces whatever the view holds for e with the server's
// value and resolves every write in flight for it.
func (s *Store) ApplyConfirmed(e models.Entity) {
	k := keyOf(e)

	s.mu.Lock()
	for _, wid := range s.inflight[k] {
		delete(s.writes, wid)
	}
	delete(s.inflight, k)
	s.confirmed[k] = e.Clone()
	s.touchLocked(k)
	changes := []Change{s.viewChangeLocked(k)}
	changes = append(changes, s.flushLocked(k)...)
	s.mu.Unlock()

	s.notify(changes...)
}

// ConfirmWrite resolves write id with the server's entity. When the server
// assigned a different ID the placeholder is replaced. A nil entity
// confirms a delete.
func (s *Store) ConfirmWrite(id WriteID, e *models.Entity) error {
	s.mu.Lock()
	w, ok := s.writes[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("write %s not in flight", id))
	}
	s.dropWriteLocked(w)

	var changes []Change
	if e == nil || w.delete {
		delete(s.confirmed, w.key)
		s.touchLocked(w.key)
		if !w.detached {
			changes = append(changes, s.viewChangeLocked(w.key))
		}
		changes = append(changes, s.flushLocked(w.key)...)
		s.mu.Unlock()
		s.notify(changes...)
		return nil
	}

	confirmed := e.Clone()
	if confirmed.Type == "" {
		confirmed.Type = w.key.typ
	}
	k := keyOf(confirmed)
	if k != w.key {
		s.rekeyLocked(w.key, k)
		s.touchLocked(w.key)
		changes = append(changes, Change{
			Kind:       ChangeRekey,
			Type:       k.typ,
			ID:         k.id,
			PreviousID: w.key.id,
		})
	}
	s.confirmed[k] = confirmed
	s.touchLocked(k)
	view := s.viewChangeLocked(k)
	if len(changes) > 0 {
		changes[0].Entity = view.Entity
		changes[0].Confirmed = view.Confirmed
	} else {
		changes = append(changes, view)
	}
	changes = append(changes, s.flushLocked(k)...)
	s.mu.Unlock()

	logging.Debug("Write confirmed", map[string]interface{}{
		"write_id":  string(id),
		"entity_id": k.id,
	})
	s.notify(changes...)
	return nil
}

// RejectWrite rolls back write id. The view falls back to any later write
// still in flight, then to the last confirmed value; a never-confirmed
// create disappears.
func (s *Store) RejectWrite(id WriteID) error {
	s.mu.Lock()
	w, ok := s.writes[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("write %s not in flight", id))
	}
	s.dropWriteLocked(w)

	var changes []Change
	if !w.detached {
		changes = append(changes, s.viewChangeLocked(w.key))
	}
	changes = append(changes, s.flushLocked(w.key)...)
	s.mu.Unlock()

	logging.Debug("Write rolled back", map[string]interface{}{
		"write_id":  string(id),
		"entity_id": w.key.id,
	})
	s.notify(changes...)
	return nil
}

// ApplyPushEvent merges a change made by another actor. Creates and
// updates apply immediately unless a local write for the entity is in
// flight, in which case they wait for it. Deletes always apply and drop
// any local overlay.
func (s *Store) ApplyPushEvent(ev models.PushEvent) error {
	if !ev.Change.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown change type %q", ev.Change))
	}
	if ev.Entity.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "push event without entity id")
	}
	k := keyOf(ev.Entity)

	s.mu.Lock()
	if ev.Change == models.ChangeDeleted {
		for _, wid := range s.inflight[k] {
			s.writes[wid].detached = true
		}
		delete(s.inflight, k)
		delete(s.buffered, k)
		delete(s.confirmed, k)
		s.touchLocked(k)
		ch := s.viewChangeLocked(k)
		s.mu.Unlock()
		s.notify(ch)
		return nil
	}

	if len(s.inflight[k]) > 0 {
		ev.Entity = ev.Entity.Clone()
		s.buffered[k] = append(s.buffered[k], ev)
		s.mu.Unlock()
		logging.Debug("Push buffered behind local write", map[string]interface{}{
			"entity_id": k.id,
		})
		return nil
	}

	s.confirmed[k] = ev.Entity.Clone()
	s.touchLocked(k)
	ch := s.viewChangeLocked(k)
	s.mu.Unlock()
	s.notify(ch)
	return nil
}

// RefreshAll replaces the confirmed view with a full fetch. Writes still in
// flight stay on top of the fetched data. An entity confirmed, pushed or
// deleted after the fetch started keeps its newer state. Fetch errors are
// returned.
func (s *Store) RefreshAll(ctx context.Context) error {
	if s.fetcher == nil {
		return apperrors.New(apperrors.ErrRefreshFailed, "no fetcher configured")
	}

	s.mu.Lock()
	s.refreshing++
	start := s.epoch
	s.mu.Unlock()

	entities, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		s.mu.Lock()
		s.endRefreshLocked()
		s.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrRefreshFailed, "refresh failed", err)
	}

	next := make(map[entityKey]models.Entity, len(entities))
	for _, e := range entities {
		next[keyOf(e)] = e.Clone()
	}

	s.mu.Lock()
	kept := 0
	for k, at := range s.touched {
		if at <= start {
			continue
		}
		kept++
		if e, ok := s.confirmed[k]; ok {
			next[k] = e
		} else {
			delete(next, k)
		}
	}
	s.confirmed = next
	s.endRefreshLocked()
	s.mu.Unlock()

	if kept > 0 {
		logging.Debug("Refresh kept newer entities", map[string]interface{}{"count": kept})
	}

	logging.Info("View refreshed", map[string]interface{}{"entities": len(entities)})
	s.notify(Change{Kind: ChangeRefresh})
	return nil
}

// Get returns the current view of one entity.
func (s *Store) Get(entityType, id string) (models.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.viewLocked(entityKey{typ: entityType, id: id})
	if !ok {
		return models.Entity{}, false
	}
	return e.Clone(), true
}

// List returns the current view of a collection ordered by ID.
func (s *Store) List(entityType string) []models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[entityKey]bool)
	for k := range s.confirmed {
		if k.typ == entityType {
			keys[k] = true
		}
	}
	for k := range s.inflight {
		if k.typ == entityType {
			keys[k] = true
		}
	}

	out := make([]models.Entity, 0, len(keys))
	for k := range keys {
		if e, ok := s.viewLocked(k); ok {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsConfirmed reports whether the entity is visible and has no local write
// in flight.
func (s *Store) IsConfirmed(entityType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entityKey{typ: entityType, id: id}
	_, ok := s.confirmed[k]
	return ok && len(s.inflight[k]) == 0
}

// InFlight returns the number of unresolved optimistic writes that are
// still visible. Writes whose target was deleted by a push are not counted.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if !w.detached {
			n++
		}
	}
	return n
}

// Subscribe registers fn for view changes. Subscribers must not modify the
// store from inside fn.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) viewLocked(k entityKey) (models.Entity, bool) {
	if ids := s.inflight[k]; len(ids) > 0 {
		w := s.writes[ids[len(ids)-1]]
		if w.delete {
			return models.Entity{}, false
		}
		return w.entity, true
	}
	e, ok := s.confirmed[k]
	return e, ok
}

func (s *Store) viewChangeLocked(k entityKey) Change {
	ch := Change{Type: k.typ, ID: k.id, Confirmed: len(s.inflight[k]) == 0}
	if e, ok := s.viewLocked(k); ok {
		c := e.Clone()
		ch.Kind = ChangeUpsert
		ch.Entity = &c
	} else {
		ch.Kind = ChangeRemove
	}
	return ch
}

// touchLocked records that the confirmed value of k changed while a refresh
// is fetching.
func (s *Store) touchLocked(k entityKey) {
	if s.refreshing == 0 {
		return
	}
	s.epoch++
	s.touched[k] = s.epoch
}

func (s *Store) endRefreshLocked() {
	s.refreshing--
	if s.refreshing == 0 {
		clear(s.touched)
	}
}

// dropWriteLocked forgets w and unlinks it from its entity.
func (s *Store) dropWriteLocked(w *write) {
	delete(s.writes, w.id)
	ids := s.inflight[w.key]
	for i, wid := range ids {
		if wid == w.id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.inflight, w.key)
	} else {
		s.inflight[w.key] = ids
	}
}

// rekeyLocked moves everything tracked under a placeholder key to the
// server-assigned key.
func (s *Store) rekeyLocked(from, to entityKey) {
	delete(s.confirmed, from)
	if ids := s.inflight[from]; len(ids) > 0 {
		for _, wid := range ids {
			w := s.writes[wid]
			w.key = to
			w.entity.ID = to.id
			w.entity.Type = to.typ
		}
		s.inflight[to] = append(s.inflight[to], ids...)
		delete(s.inflight, from)
	}
	if evs := s.buffered[from]; len(evs) > 0 {
		s.buffered[to] = append(s.buffered[to], evs...)
		delete(s.buffered, from)
	}
}

// flushLocked re-applies buffered pushes once no write is in flight for k.
// A buffered push older than the confirmed value is discarded when both
// carry a version.
func (s *Store) flushLocked(k entityKey) []Change {
	if len(s.inflight[k]) > 0 {
		return nil
	}
	evs := s.buffered[k]
	delete(s.buffered, k)

	var changes []Change
	for _, ev := range evs {
		if cur, ok := s.confirmed[k]; ok {
			if conflict.Resolve(cur, ev.Entity).Stale {
				continue
			}
		}
		s.confirmed[k] = ev.Entity
		s.touchLocked(k)
		changes = append(changes, s.viewChangeLocked(k))
	}
	return changes
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range subs {
			fn(ch)
		}
	}
}
