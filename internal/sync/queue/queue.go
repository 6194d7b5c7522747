// Package queue holds server-bound mutations that could not be delivered and
// replays them in FIFO order once the server is reachable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/shiftsync/internal/db"
	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
	"github.com/kimhsiao/shiftsync/internal/sync/retry"
	"github.com/kimhsiao/shiftsync/internal/uuid"
)

// Store keys inside db.NamespaceQueue.
const (
	keyPending = "pending"
	keyFailed  = "failed"
)

// Config holds queue configuration.
type Config struct {
	MaxSize        int           // pending + failed; 0 means unbounded
	HandlerTimeout time.Duration // upper bound for one replay call
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:        1000,
		HandlerTimeout: 15 * time.Second,
	}
}

// Counts is a snapshot of the queue sizes shown to the user.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Result describes one replay pass.
type Result struct {
	Replayed int   // operations confirmed and removed
	Failed   int   // operations moved to the failed list
	Stopped  bool  // a retryable failure ended the pass early
	Err      error // the retryable failure, when Stopped
	Pending  int   // operations still pending after the pass
}

// OK reports whether the pass drained the queue without failures.
func (r Result) OK() bool {
	return !r.Stopped && r.Failed == 0
}

// Hooks are called after an operation leaves the pending list.
type Hooks struct {
	OnSuccess func(op models.QueuedOperation, confirmed *models.Entity)
	OnFatal   func(op models.QueuedOperation, err error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for the backoff timer.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithScheduler sets the retry scheduler.
func WithScheduler(s *retry.Scheduler) Option {
	return func(q *Queue) { q.sched = s }
}

// WithAutoRetry enables timed replay after a retryable failure. The timer
// only replays while online reports true.
func WithAutoRetry(online func() bool) Option {
	return func(q *Queue) { q.online = online }
}

// WithRegisterer registers queue metrics with reg.
func WithRegisterer(reg prom.Registerer) Option {
	return func(q *Queue) { q.reg = reg }
}

// Queue is the persistent mutation queue. It is safe for concurrent use.
type Queue struct {
	store    db.RecordStore
	registry *Registry
	sched    *retry.Scheduler
	clock    clockwork.Clock
	cfg      Config
	online   func() bool
	reg      prom.Registerer
	metrics  *metrics

	group     singleflight.Group
	persistMu sync.Mutex
	loaded    bool // stored lists merged into memory; guarded by persistMu

	mu      sync.Mutex
	pending []models.QueuedOperation
	failed  []models.QueuedOperation
	hooks   Hooks
	subs    map[int]func(Counts)
	nextSub int
	timer   clockwork.Timer
	closed  bool
}

// New creates a Queue persisting to store and replaying through registry.
// Call Load to restore operations from a previous run.
func New(store db.RecordStore, registry *Registry, cfg Config, opts ...Option) *Queue {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultConfig().HandlerTimeout
	}
	if cfg.MaxSize < 0 {
		cfg.MaxSize = 0
	}

	q := &Queue{
		store:    store,
		registry: registry,
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
		subs:     make(map[int]func(Counts)),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.sched == nil {
		q.sched = retry.NewScheduler(retry.DefaultPolicy(), nil)
	}
	q.metrics = newMetrics(q, q.reg)
	return q
}

// OnResult installs the success and fatal hooks.
func (q *Queue) OnResult(h Hooks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = h
}

// Enqueue appends op to the pending list and persists the queue. The ID is
// generated when empty; attempts always start at zero. A storage failure is
// logged and the operation stays queued in memory.
func (q *Queue) Enqueue(ctx context.Context, op models.QueuedOperation) (models.QueuedOperation, error) {
	if !op.Kind.Valid() {
		return models.QueuedOperation{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
	if op.ID == "" {
		op.ID = uuid.New()
	}
	op.Payload = cloneRaw(op.Payload)
	op.QueuedAt = q.clock.Now().UnixMilli()
	op.Attempts = 0
	op.LastError = ""

	q.mu.Lock()
	if q.cfg.MaxSize > 0 && len(q.pending)+len(q.failed) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return models.QueuedOperation{}, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.cfg.MaxSize))
	}
	q.pending = append(q.pending, op)
	if q.timer == nil && q.autoRetryOnline() {
		q.armLocked(0)
	}
	q.mu.Unlock()

	q.persist(ctx)
	q.notify()

	logging.Info("Operation queued", map[string]interface{}{
		"operation_id": op.ID,
		"kind":         string(op.Kind),
		"entity_id":    op.EntityID,
	})
	return op, nil
}

// ProcessQueue replays pending operations in FIFO order. A success removes
// the operation and continues; a retryable failure increments attempts and
// stops the pass; a fatal failure moves the operation to the failed list and
// continues. Concurrent calls share one pass.
func (q *Queue) ProcessQueue(ctx context.Context) Result {
	v, _, _ := q.group.Do("replay", func() (interface{}, error) {
		return q.process(ctx), nil
	})
	return v.(Result)
}

func (q *Queue) process(ctx context.Context) Result {
	var res Result

	for {
		if err := ctx.Err(); err != nil {
			res.Stopped = true
			res.Err = err
			break
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		op := cloneOp(q.pending[0])
		q.mu.Unlock()

		confirmed, err := q.replay(ctx, op)
		if err == nil {
			q.mu.Lock()
			q.removeLocked(&q.pending, op.ID)
			hooks := q.hooks
			q.mu.Unlock()

			res.Replayed++
			q.metrics.replayed.Inc()
			q.persist(ctx)
			q.notify()
			logging.Info("Operation replayed", map[string]interface{}{
				"operation_id": op.ID,
				"kind":         string(op.Kind),
			})
			if hooks.OnSuccess != nil {
				hooks.OnSuccess(op, confirmed)
			}
			continue
		}

		if retry.Classify(err) == retry.Retryable {
			q.mu.Lock()
			attempts := q.bumpLocked(op.ID, err)
			q.armLocked(attempts - 1)
			q.mu.Unlock()

			res.Stopped = true
			res.Err = err
			q.metrics.retries.Inc()
			q.persist(ctx)
			q.notify()
			logging.Warn("Replay stopped, will retry", map[string]interface{}{
				"operation_id": op.ID,
				"kind":         string(op.Kind),
				"attempts":     attempts,
				"error":        err.Error(),
			})
			break
		}

		q.mu.Lock()
		failedOp, moved := q.failLocked(op.ID, err)
		hooks := q.hooks
		q.mu.Unlock()

		res.Failed++
		q.metrics.fatal.Inc()
		q.persist(ctx)
		q.notify()
		logging.ErrorWithCode("Operation failed permanently", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": op.ID,
			"kind":         string(op.Kind),
		})
		if moved && hooks.OnFatal != nil {
			hooks.OnFatal(failedOp, err)
		}
	}

	q.mu.Lock()
	res.Pending = len(q.pending)
	if !res.Stopped {
		q.stopTimerLocked()
	}
	q.mu.Unlock()
	return res
}

// replay runs the handler for op under the handler timeout. A handler that
// ignores its context is abandoned when the timeout expires.
func (q *Queue) replay(ctx context.Context, op models.QueuedOperation) (*models.Entity, error) {
	h, ok := q.registry.Handler(op.Kind)
	if !ok {
		return nil, apperrors.New(apperrors.ErrHandlerMissing, fmt.Sprintf("no handler for %q", op.Kind))
	}

	hctx, cancel := context.WithTimeout(ctx, q.cfg.HandlerTimeout)
	defer cancel()

	type outcome struct {
		entity *models.Entity
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		entity, err := h(hctx, op)
		done <- outcome{entity, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.ErrTimeout, "replay timed out", out.err)
		}
		return out.entity, out.err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.ErrTimeout, "replay timed out", hctx.Err())
		}
		return nil, hctx.Err()
	}
}

// RetryFailed moves every failed operation to the head of the pending list,
// in original order with attempts reset, and runs a replay pass.
func (q *Queue) RetryFailed(ctx context.Context) Result {
	q.mu.Lock()
	moved := len(q.failed)
	if moved > 0 {
		head := make([]models.QueuedOperation, 0, moved+len(q.pending))
		for _, op := range q.failed {
			op.Attempts = 0
			op.LastError = ""
			head = append(head, op)
		}
		q.pending = append(head, q.pending...)
		q.failed = nil
	}
	q.mu.Unlock()

	if moved > 0 {
		q.persist(ctx)
		q.notify()
		logging.Info("Failed operations requeued", map[string]interface{}{"count": moved})
	}
	return q.ProcessQueue(ctx)
}

// Discard removes an operation from the failed list.
func (q *Queue) Discard(ctx context.Context, id string) (models.QueuedOperation, error) {
	q.mu.Lock()
	var found *models.QueuedOperation
	for i := range q.failed {
		if q.failed[i].ID == id {
			op := q.failed[i]
			found = &op
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return models.QueuedOperation{}, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("failed operation %s not found", id))
	}
	q.removeLocked(&q.failed, id)
	q.mu.Unlock()

	q.persist(ctx)
	q.notify()
	logging.Info("Failed operation discarded", map[string]interface{}{"operation_id": id})
	return *found, nil
}

// Clear removes every pending and failed operation.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.pending = nil
	q.failed = nil
	q.stopTimerLocked()
	q.mu.Unlock()

	q.persistMu.Lock()
	q.loaded = true
	q.persistMu.Unlock()

	q.persist(ctx)
	q.notify()
	logging.Info("Queue cleared")
}

// Load restores both lists from the store. Operations enqueued before Load
// keep their place after the restored ones. Load is also run implicitly
// before the first write to the store, so an early Enqueue never overwrites
// what a previous run left behind.
func (q *Queue) Load(ctx context.Context) error {
	q.persistMu.Lock()
	counts, err := q.loadLocked(ctx)
	q.persistMu.Unlock()
	if err != nil {
		return err
	}

	q.notify()
	logging.Info("Queue restored", map[string]interface{}{
		"pending": counts.Pending,
		"failed":  counts.Failed,
	})
	return nil
}

// loadLocked merges the stored lists into memory. persistMu must be held.
func (q *Queue) loadLocked(ctx context.Context) (Counts, error) {
	pending, err := q.loadList(ctx, keyPending)
	if err != nil {
		return Counts{}, err
	}
	failed, err := q.loadList(ctx, keyFailed)
	if err != nil {
		return Counts{}, err
	}

	q.mu.Lock()
	q.pending = merge(pending, q.pending)
	q.failed = merge(failed, q.failed)
	counts := Counts{Pending: len(q.pending), Failed: len(q.failed)}
	q.mu.Unlock()

	q.loaded = true
	return counts, nil
}

// Rekey points every queued operation that targets entity from at entity
// to. It runs when the server assigns an ID to an entity created under a
// placeholder, so follow-up operations reach the real record.
func (q *Queue) Rekey(ctx context.Context, entityType, from, to string) int {
	if from == "" || to == "" || from == to {
		return 0
	}

	q.mu.Lock()
	n := rekeyList(q.pending, entityType, from, to) + rekeyList(q.failed, entityType, from, to)
	q.mu.Unlock()

	if n > 0 {
		q.persist(ctx)
		logging.Debug("Queued operations rekeyed", map[string]interface{}{
			"from":  from,
			"to":    to,
			"count": n,
		})
	}
	return n
}

func rekeyList(ops []models.QueuedOperation, entityType, from, to string) int {
	n := 0
	for i := range ops {
		if ops[i].EntityID == from && (entityType == "" || ops[i].EntityType == entityType) {
			ops[i].EntityID = to
			n++
		}
	}
	return n
}

func (q *Queue) loadList(ctx context.Context, key string) ([]models.QueuedOperation, error) {
	raw, err := q.store.Load(ctx, db.NamespaceQueue, key)
	if errors.Is(err, db.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ops []models.QueuedOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("decode queue list %s", key), err)
	}
	return ops, nil
}

// PendingCount returns the number of pending operations.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// FailedCount returns the number of failed operations.
func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// Counts returns both sizes at once.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{Pending: len(q.pending), Failed: len(q.failed)}
}

// Pending returns a copy of the pending list in replay order.
func (q *Queue) Pending() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.pending)
}

// Failed returns a copy of the failed list.
func (q *Queue) Failed() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.failed)
}

// Subscribe registers fn to receive counts after every change. The returned
// function removes the subscription.
func (q *Queue) Subscribe(fn func(Counts)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

// Close stops the backoff timer. Queued operations stay persisted.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.stopTimerLocked()
}

func (q *Queue) notify() {
	q.mu.Lock()
	counts := Counts{Pending: len(q.pending), Failed: len(q.failed)}
	subs := make([]func(Counts), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	for _, fn := range subs {
		fn(counts)
	}
}

// persist writes both lists. Snapshots are taken under persistMu so the
// last write always reflects the latest state. The stored lists are merged
// in first if Load has not run yet; when that fails nothing is written.
func (q *Queue) persist(ctx context.Context) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if !q.loaded {
		if _, err := q.loadLocked(ctx); err != nil {
			logging.Warn("Queue restore before persist failed, keeping in memory", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
	}

	q.mu.Lock()
	pending, errP := json.Marshal(nonNil(q.pending))
	failed, errF := json.Marshal(nonNil(q.failed))
	q.mu.Unlock()

	err := errors.Join(errP, errF)
	if err == nil {
		err = q.store.Save(ctx, db.NamespaceQueue, keyPending, pending)
	}
	if err == nil {
		err = q.store.Save(ctx, db.NamespaceQueue, keyFailed, failed)
	}
	if err != nil {
		logging.Warn("Queue persist failed, keeping in memory", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (q *Queue) autoRetryOnline() bool {
	return q.online != nil && !q.closed && q.online()
}

// armLocked (re)starts the backoff timer for the given retry number.
func (q *Queue) armLocked(attempt int) {
	if q.online == nil || q.closed {
		return
	}
	q.stopTimerLocked()
	delay := q.sched.NextDelay(attempt)
	q.timer = q.clock.AfterFunc(delay, q.onBackoff)
	logging.Debug("Replay scheduled", map[string]interface{}{
		"delay_ms": delay.Milliseconds(),
	})
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) onBackoff() {
	q.mu.Lock()
	q.timer = nil
	closed := q.closed
	q.mu.Unlock()

	if closed || !q.online() {
		return
	}
	q.ProcessQueue(context.Background())
}

// bumpLocked records a retryable failure on the pending operation id and
// returns its new attempt count.
func (q *Queue) bumpLocked(id string, err error) int {
	for i := range q.pending {
		if q.pending[i].ID == id {
			q.pending[i].Attempts++
			q.pending[i].LastError = err.Error()
			return q.pending[i].Attempts
		}
	}
	return 0
}

// failLocked moves the pending operation id to the failed list.
func (q *Queue) failLocked(id string, err error) (models.QueuedOperation, bool) {
	for i := range q.pending {
		if q.pending[i].ID == id {
			op := q.pending[i]
			op.Attempts++
			op.LastError = err.Error()
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.failed = append(q.failed, op)
			return cloneOp(op), true
		}
	}
	return models.QueuedOperation{}, false
}

func (q *Queue) removeLocked(list *[]models.QueuedOperation, id string) {
	ops := *list
	for i := range ops {
		if ops[i].ID == id {
			*list = append(ops[:i], ops[i+1:]...)
			return
		}
	}
}

// merge puts restored operations first. An operation present in both keeps
// its restored position and its in-memory content.
func merge(restored, current []models.QueuedOperation) []models.QueuedOperation {
	live := make(map[string]int, len(current))
	for i, op := range current {
		live[op.ID] = i
	}
	used := make(map[string]bool, len(restored))
	out := make([]models.QueuedOperation, 0, len(restored)+len(current))
	for _, op := range restored {
		if used[op.ID] {
			continue
		}
		used[op.ID] = true
		if i, ok := live[op.ID]; ok {
			op = current[i]
		}
		out = append(out, op)
	}
	for _, op := range current {
		if !used[op.ID] {
			out = append(out, op)
		}
	}
	return out
}

func nonNil(ops []models.QueuedOperation) []models.QueuedOperation {
	if ops == nil {
		return []models.QueuedOperation{}
	}
	return ops
}

func cloneOp(op models.QueuedOperation) models.QueuedOperation {
	op.Payload = cloneRaw(op.Payload)
	return op
}

func cloneList(ops []models.QueuedOperation) []models.QueuedOperation {
	out := make([]models.QueuedOperation, len(ops))
	for i, op := range ops {
		out[i] = cloneOp(op)
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
