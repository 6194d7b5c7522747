// Package sync ties the mutation queue, reconciliation store, connectivity
// monitor and push transport into one engine used by the UI layer.
package sync

import (
	"context"

	"github.com/kimhsiao/shiftsync/internal/models"
	"github.com/kimhsiao/shiftsync/internal/sync/queue"
)

// SyncEngineInterface is the surface the rendering layer talks to.
// It allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// EnqueueOrSend applies a mutation optimistically and delivers it now
	// when possible, queueing it otherwise.
	EnqueueOrSend(ctx context.Context, m Mutation) (SendResult, error)

	// ProcessQueue replays queued mutations.
	ProcessQueue(ctx context.Context) queue.Result

	// RetryFailed requeues permanently failed mutations and replays.
	RetryFailed(ctx context.Context) queue.Result

	// Discard abandons a failed mutation.
	Discard(ctx context.Context, operationID string) error

	// RefreshAll reloads the view from the server.
	RefreshAll(ctx context.Context) error

	// ApplyPush merges a change made by another actor.
	ApplyPush(ev models.PushEvent) error

	// Status returns the counts behind the offline banner.
	Status() Status

	// SubscribeStatus reports Status after every change.
	SubscribeStatus(fn func(Status)) (unsubscribe func())
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
