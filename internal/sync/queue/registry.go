package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/models"
)

// Handler replays one operation against the server. It returns the
// server-confirmed entity, or nil for operations without a response body
// (deletes).
type Handler func(ctx context.Context, op models.QueuedOperation) (*models.Entity, error)

// Registry maps every operation kind to its replay handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.OperationKind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.OperationKind]Handler)}
}

// Register binds h to kind, replacing any earlier handler.
func (r *Registry) Register(kind models.OperationKind, h Handler) error {
	if !kind.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", kind))
	}
	if h == nil {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("nil handler for %q", kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	return nil
}

// Handler returns the handler for kind.
func (r *Registry) Handler(kind models.OperationKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Validate returns HANDLER_MISSING when any known kind has no handler.
// Call it once at startup so a missing route fails fast instead of
// stranding operations in the failed list.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, kind := range models.AllKinds() {
		if _, ok := r.handlers[kind]; !ok {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return apperrors.New(apperrors.ErrHandlerMissing, "no handler for: "+strings.Join(missing, ", "))
}
