package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
	"github.com/kimhsiao/shiftsync/internal/sync/connectivity"
	"github.com/kimhsiao/shiftsync/internal/sync/queue"
	"github.com/kimhsiao/shiftsync/internal/sync/reconcile"
	"github.com/kimhsiao/shiftsync/internal/sync/retry"
	"github.com/kimhsiao/shiftsync/internal/transport/push"
	"github.com/kimhsiao/shiftsync/internal/uuid"
)

// Mutation is a user action bound for the server.
type Mutation struct {
	Kind       models.OperationKind `json:"kind"`
	EntityType string               `json:"entity_type"`
	EntityID   string               `json:"entity_id,omitempty"` // target of updates and deletes; empty for creates
	Payload    json.RawMessage      `json:"payload,omitempty"`   // request body, a JSON object of fields
}

// Outcome tells the caller what happened to a mutation.
type Outcome string

const (
	// OutcomeSent means the server confirmed the mutation.
	OutcomeSent Outcome = "sent"
	// OutcomeQueued means the mutation waits in the queue for replay.
	OutcomeQueued Outcome = "queued"
)

// SendResult describes an accepted mutation.
type SendResult struct {
	Outcome     Outcome           `json:"outcome"`
	OperationID string            `json:"operation_id"`
	WriteID     reconcile.WriteID `json:"write_id"`
	Entity      *models.Entity    `json:"entity,omitempty"` // confirmed entity when sent, optimistic view when queued
}

// Status is the data behind the offline banner and queue badge.
type Status struct {
	Online   bool `json:"online"`
	Pending  int  `json:"pending"`
	Failed   int  `json:"failed"`
	InFlight int  `json:"in_flight"`
}

// Summary renders the status for the user, e.g. "3 changes queued, 1 failed".
func (s Status) Summary() string {
	if s.Pending == 0 && s.Failed == 0 {
		if s.Online {
			return "All changes saved"
		}
		return "Offline"
	}
	var parts []string
	if s.Pending > 0 {
		parts = append(parts, plural(s.Pending, "change")+" queued")
	}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", s.Failed))
	}
	msg := strings.Join(parts, ", ")
	if !s.Online {
		msg = "Offline: " + msg
	}
	return msg
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// Config holds engine configuration.
type Config struct {
	RequestTimeout time.Duration // bound for a direct send
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{RequestTimeout: 15 * time.Second}
}

// Deps are the collaborators of a SyncEngine. Prober and Push are optional.
type Deps struct {
	Queue    *queue.Queue
	Registry *queue.Registry
	Store    *reconcile.Store
	Monitor  *connectivity.Monitor
	Prober   *connectivity.Prober
	Push     *push.Client
	Clock    clockwork.Clock
}

// SyncEngine coordinates optimistic writes, direct sends, queue replay and
// push merging.
type SyncEngine struct {
	queue    *queue.Queue
	registry *queue.Registry
	store    *reconcile.Store
	monitor  *connectivity.Monitor
	prober   *connectivity.Prober
	push     *push.Client
	clock    clockwork.Clock
	timeout  time.Duration

	mu      stdsync.Mutex
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup
	closed  bool
	bgCtx   context.Context
	started bool
}

// NewSyncEngine wires the collaborators together. The queue's result hooks,
// the monitor's reconnect trigger and the push handlers are installed here.
func NewSyncEngine(deps Deps, cfg Config) *SyncEngine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		queue:    deps.Queue,
		registry: deps.Registry,
		store:    deps.Store,
		monitor:  deps.Monitor,
		prober:   deps.Prober,
		push:     deps.Push,
		clock:    deps.Clock,
		timeout:  cfg.RequestTimeout,
		bgCtx:    bgCtx,
		cancel:   cancel,
	}

	e.queue.OnResult(queue.Hooks{
		OnSuccess: e.onReplayed,
		OnFatal:   e.onReplayFailed,
	})
	e.monitor.OnReconnect(e.onReconnect)

	if e.push != nil {
		for _, change := range []models.ChangeType{models.ChangeCreated, models.ChangeUpdated, models.ChangeDeleted} {
			e.push.Handle(change, func(ev models.PushEvent) {
				if err := e.ApplyPush(ev); err != nil {
					logging.Warn("Push event rejected", map[string]interface{}{"error": err.Error()})
				}
			})
		}
		e.push.OnConnect(func() {
			e.goBackground(func(ctx context.Context) {
				if err := e.RefreshAll(ctx); err != nil {
					logging.Warn("Refresh after push reconnect failed", map[string]interface{}{"error": err.Error()})
				}
			})
		})
	}
	return e
}

// Start launches the prober and the push connection.
func (e *SyncEngine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	if e.prober != nil {
		e.prober.Start(e.bgCtx)
	}
	if e.push != nil {
		e.goBackground(func(ctx context.Context) {
			if err := e.push.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Error("Push client stopped", err)
			}
		})
	}
	logging.Info("Sync engine started", map[string]interface{}{"online": e.monitor.Online()})
}

// Restore reloads the queue after a restart and shows every pending
// mutation again as an optimistic write.
func (e *SyncEngine) Restore(ctx context.Context) error {
	if err := e.queue.Load(ctx); err != nil {
		return err
	}
	for _, op := range e.queue.Pending() {
		w := reconcile.Write{
			ID:     reconcile.WriteID(op.WriteID),
			Entity: e.optimisticEntity(op.EntityType, op.EntityID, op.Payload),
			Delete: op.Kind.IsDelete(),
		}
		wid := e.store.ApplyWrite(w)
		if op.WriteID == "" {
			logging.Warn("Restored operation had no write id", map[string]interface{}{
				"operation_id": op.ID,
				"write_id":     string(wid),
			})
		}
	}
	return nil
}

// EnqueueOrSend applies m optimistically, then sends it directly when
// online. A retryable failure or being offline queues it; a fatal failure
// rolls the optimistic write back and returns a VALIDATION_ERROR.
func (e *SyncEngine) EnqueueOrSend(ctx context.Context, m Mutation) (SendResult, error) {
	if !m.Kind.Valid() {
		return SendResult{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", m.Kind))
	}
	if m.EntityType == "" {
		return SendResult{}, apperrors.New(apperrors.ErrInvalid, "entity type is required")
	}
	if m.EntityID == "" {
		if !isCreate(m.Kind) {
			return SendResult{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s requires an entity id", m.Kind))
		}
		m.EntityID = uuid.NewLocal()
	}

	view := e.optimisticEntity(m.EntityType, m.EntityID, m.Payload)
	wid := e.store.ApplyWrite(reconcile.Write{Entity: view, Delete: m.Kind.IsDelete()})

	op := models.QueuedOperation{
		ID:         uuid.New(),
		Kind:       m.Kind,
		Payload:    m.Payload,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		WriteID:    string(wid),
	}
	res := SendResult{OperationID: op.ID, WriteID: wid}

	if !e.monitor.Online() {
		return e.enqueue(ctx, op, res)
	}
	if !isCreate(op.Kind) && uuid.IsLocal(op.EntityID) {
		// The create behind the placeholder has not been confirmed yet; the
		// queue replays this after it and re-points it at the server ID.
		return e.enqueue(ctx, op, res)
	}

	confirmed, err := e.send(ctx, op)
	if err == nil {
		entity := e.confirm(op, confirmed)
		res.Outcome = OutcomeSent
		res.Entity = entity
		return res, nil
	}

	if retry.Classify(err) == retry.Retryable {
		logging.Info("Direct send failed, queueing", map[string]interface{}{
			"operation_id": op.ID,
			"kind":         string(op.Kind),
			"error":        err.Error(),
		})
		return e.enqueue(ctx, op, res)
	}

	e.reject(wid)
	logging.ErrorWithCode("Mutation rejected", string(apperrors.ErrValidation), err, map[string]interface{}{
		"operation_id": op.ID,
		"kind":         string(op.Kind),
	})
	return SendResult{}, apperrors.Wrap(apperrors.ErrValidation, "mutation rejected by server", err)
}

func (e *SyncEngine) enqueue(ctx context.Context, op models.QueuedOperation, res SendResult) (SendResult, error) {
	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		e.reject(reconcile.WriteID(op.WriteID))
		return SendResult{}, err
	}
	res.Outcome = OutcomeQueued
	if view, ok := e.store.Get(op.EntityType, op.EntityID); ok {
		res.Entity = &view
	}
	return res, nil
}

func (e *SyncEngine) send(ctx context.Context, op models.QueuedOperation) (*models.Entity, error) {
	h, ok := e.registry.Handler(op.Kind)
	if !ok {
		return nil, apperrors.New(apperrors.ErrHandlerMissing, fmt.Sprintf("no handler for %q", op.Kind))
	}
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return h(sctx, op)
}

// confirm resolves the optimistic write behind op with the server result.
// Responses without a body confirm the optimistic value as sent.
func (e *SyncEngine) confirm(op models.QueuedOperation, confirmed *models.Entity) *models.Entity {
	wid := reconcile.WriteID(op.WriteID)

	if op.Kind.IsDelete() {
		if err := e.store.ConfirmWrite(wid, nil); err != nil {
			e.store.ApplyPushEvent(models.PushEvent{
				Change: models.ChangeDeleted,
				Entity: models.Entity{ID: op.EntityID, Type: op.EntityType},
			})
		}
		return nil
	}

	if confirmed == nil {
		view := e.optimisticEntity(op.EntityType, op.EntityID, op.Payload)
		confirmed = &view
	}
	if confirmed.Type == "" {
		confirmed.Type = op.EntityType
	}
	if confirmed.ID != op.EntityID {
		e.queue.Rekey(e.bgCtx, op.EntityType, op.EntityID, confirmed.ID)
	}
	if err := e.store.ConfirmWrite(wid, confirmed); err != nil {
		e.store.ApplyConfirmed(*confirmed)
	}
	return confirmed
}

func (e *SyncEngine) reject(wid reconcile.WriteID) {
	if err := e.store.RejectWrite(wid); err != nil {
		logging.Debug("Rollback skipped", map[string]interface{}{
			"write_id": string(wid),
			"error":    err.Error(),
		})
	}
}

func (e *SyncEngine) onReplayed(op models.QueuedOperation, confirmed *models.Entity) {
	e.confirm(op, confirmed)
}

func (e *SyncEngine) onReplayFailed(op models.QueuedOperation, err error) {
	e.reject(reconcile.WriteID(op.WriteID))
}

func (e *SyncEngine) onReconnect() {
	e.goBackground(func(ctx context.Context) {
		res := e.queue.ProcessQueue(ctx)
		logging.Info("Replay after reconnect", map[string]interface{}{
			"replayed": res.Replayed,
			"failed":   res.Failed,
			"pending":  res.Pending,
		})
	})
}

// goBackground runs fn on a tracked goroutine unless the engine is closed.
func (e *SyncEngine) goBackground(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.bgCtx)
	}()
}

// ProcessQueue replays queued mutations now.
func (e *SyncEngine) ProcessQueue(ctx context.Context) queue.Result {
	return e.queue.ProcessQueue(ctx)
}

// RetryFailed requeues failed mutations at the head of the queue and
// replays them. Their optimistic writes are shown again.
func (e *SyncEngine) RetryFailed(ctx context.Context) queue.Result {
	for _, op := range e.queue.Failed() {
		e.store.ApplyWrite(reconcile.Write{
			ID:     reconcile.WriteID(op.WriteID),
			Entity: e.optimisticEntity(op.EntityType, op.EntityID, op.Payload),
			Delete: op.Kind.IsDelete(),
		})
	}
	return e.queue.RetryFailed(ctx)
}

// Discard abandons a failed mutation.
func (e *SyncEngine) Discard(ctx context.Context, operationID string) error {
	_, err := e.queue.Discard(ctx, operationID)
	return err
}

// RefreshAll reloads the view from the server.
func (e *SyncEngine) RefreshAll(ctx context.Context) error {
	return e.store.RefreshAll(ctx)
}

// ApplyPush merges a change made by another actor.
func (e *SyncEngine) ApplyPush(ev models.PushEvent) error {
	return e.store.ApplyPushEvent(ev)
}

// Store returns the reconciliation store for read access.
func (e *SyncEngine) Store() *reconcile.Store {
	return e.store
}

// Status returns the current counts.
func (e *SyncEngine) Status() Status {
	counts := e.queue.Counts()
	return Status{
		Online:   e.monitor.Online(),
		Pending:  counts.Pending,
		Failed:   counts.Failed,
		InFlight: e.store.InFlight(),
	}
}

// SubscribeStatus reports Status after every queue or connectivity change.
func (e *SyncEngine) SubscribeStatus(fn func(Status)) (unsubscribe func()) {
	stopQueue := e.queue.Subscribe(func(queue.Counts) { fn(e.Status()) })
	stopMonitor := e.monitor.Subscribe(func(bool) { fn(e.Status()) })
	return func() {
		stopQueue()
		stopMonitor()
	}
}

// Close stops background work. Queued mutations stay persisted.
func (e *SyncEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if e.prober != nil {
		e.prober.Stop()
	}
	e.wg.Wait()
	e.queue.Close()
	logging.Info("Sync engine stopped")
}

// optimisticEntity builds the view of an entity after applying payload:
// fields in payload replace those of the current view.
func (e *SyncEngine) optimisticEntity(entityType, id string, payload json.RawMessage) models.Entity {
	entity := models.Entity{
		ID:        id,
		Type:      entityType,
		Fields:    payload,
		UpdatedAt: e.clock.Now().UnixMilli(),
	}
	if current, ok := e.store.Get(entityType, id); ok {
		entity.Version = current.Version
		entity.Fields = mergeFields(current.Fields, payload)
	}
	return entity
}

func mergeFields(base, patch json.RawMessage) json.RawMessage {
	if len(base) == 0 {
		return patch
	}
	if len(patch) == 0 {
		return base
	}
	var merged, changes map[string]json.RawMessage
	if json.Unmarshal(base, &merged) != nil || json.Unmarshal(patch, &changes) != nil {
		return patch
	}
	if merged == nil {
		merged = make(map[string]json.RawMessage, len(changes))
	}
	for k, v := range changes {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return patch
	}
	return out
}

func isCreate(kind models.OperationKind) bool {
	switch kind {
	case models.KindCreateUser, models.KindCreateEquipment, models.KindCreateHandover:
		return true
	}
	return false
}
