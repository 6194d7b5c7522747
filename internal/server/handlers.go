// Package server exposes the sync engine and draft manager to a local UI
// over REST, and pushes status and entity changes over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
	"github.com/kimhsiao/shiftsync/internal/sync"
	"github.com/kimhsiao/shiftsync/internal/sync/queue"
)

// QueueLister lists queued operations.
type QueueLister interface {
	Pending() []models.QueuedOperation
	Failed() []models.QueuedOperation
}

// EntityReader reads the reconciled view.
type EntityReader interface {
	List(entityType string) []models.Entity
	Get(entityType, id string) (models.Entity, bool)
}

// DraftStore is the part of the draft manager the UI drives.
type DraftStore interface {
	SaveDraft(ctx context.Context, payload json.RawMessage, linkedEntityID string) models.DraftRecord
	ScheduleAutoSave(payload json.RawMessage, linkedEntityID string)
	LoadDraft(ctx context.Context) (*models.DraftRecord, bool)
	ClearDraft(ctx context.Context)
}

// SyncHandler serves the sync, entity and draft endpoints.
type SyncHandler struct {
	engine   sync.SyncEngineInterface
	queue    QueueLister
	entities EntityReader
	drafts   DraftStore
}

// NewSyncHandler creates a SyncHandler. drafts may be nil.
func NewSyncHandler(engine sync.SyncEngineInterface, queue QueueLister, entities EntityReader, drafts DraftStore) *SyncHandler {
	return &SyncHandler{
		engine:   engine,
		queue:    queue,
		entities: entities,
		drafts:   drafts,
	}
}

// statusResponse is the body of GET /sync/status.
type statusResponse struct {
	sync.Status
	Summary string `json:"summary"`
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "shiftsync",
	})
}

// =====================================================
// Sync Endpoints
// =====================================================

// GetStatus handles GET /sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Status()
	writeJSON(w, http.StatusOK, statusResponse{Status: status, Summary: status.Summary()})
}

// Submit handles POST /sync/mutations.
func (h *SyncHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var m sync.Mutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}

	res, err := h.engine.EnqueueOrSend(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusOK
	if res.Outcome == sync.OutcomeQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

// TriggerSync handles POST /sync/now.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, resultBody(h.engine.ProcessQueue(r.Context())))
}

// RetryFailed handles POST /sync/retry.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, resultBody(h.engine.RetryFailed(r.Context())))
}

// Refresh handles POST /sync/refresh.
func (h *SyncHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RefreshAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "refreshed"})
}

// ListQueue handles GET /sync/queue.
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": nonNil(h.queue.Pending()),
		"failed":  nonNil(h.queue.Failed()),
	})
}

// DiscardOperation handles DELETE /sync/queue/{id}.
func (h *SyncHandler) DiscardOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Entity Endpoints
// =====================================================

// ListEntities handles GET /entities/{type}.
func (h *SyncHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	list := h.entities.List(r.PathValue("type"))
	if list == nil {
		list = []models.Entity{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetEntity handles GET /entities/{type}/{id}.
func (h *SyncHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entities.Get(r.PathValue("type"), r.PathValue("id"))
	if !ok {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "entity not found"))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// =====================================================
// Draft Endpoints
// =====================================================

type draftRequest struct {
	Payload        json.RawMessage `json:"payload"`
	LinkedEntityID string          `json:"linked_entity_id,omitempty"`
	Immediate      bool            `json:"immediate,omitempty"` // save now instead of debouncing
}

// GetDraft handles GET /drafts.
func (h *SyncHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.drafts.LoadDraft(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "no draft"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutDraft handles PUT /drafts.
func (h *SyncHandler) PutDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "payload is required"))
		return
	}

	if req.Immediate {
		writeJSON(w, http.StatusOK, h.drafts.SaveDraft(r.Context(), req.Payload, req.LinkedEntityID))
		return
	}
	h.drafts.ScheduleAutoSave(req.Payload, req.LinkedEntityID)
	w.WriteHeader(http.StatusAccepted)
}

// DeleteDraft handles DELETE /drafts.
func (h *SyncHandler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	h.drafts.ClearDraft(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Helpers
// =====================================================

func resultBody(res queue.Result) map[string]interface{} {
	body := map[string]interface{}{
		"replayed": res.Replayed,
		"failed":   res.Failed,
		"pending":  res.Pending,
		"stopped":  res.Stopped,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	return body
}

func nonNil(ops []models.QueuedOperation) []models.QueuedOperation {
	if ops == nil {
		return []models.QueuedOperation{}
	}
	return ops
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// httpStatusOf maps an error code to the status the UI sees.
func httpStatusOf(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrQueueFull:
		return http.StatusTooManyRequests
	case apperrors.ErrRefreshFailed, apperrors.ErrTransientIO, apperrors.ErrTimeout:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := httpStatusOf(err)
	if status >= 500 {
		logging.ErrorWithCode("Request failed", string(code), err)
	}

	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": msg,
		},
	})
}
