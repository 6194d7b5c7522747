// Package conflict decides between a confirmed entity and a change that
// arrived for it while a local write was in flight.
package conflict

import (
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
)

// Resolution names the side that won.
type Resolution string

const (
	// IncomingWins means the later arrival replaces the current value.
	IncomingWins Resolution = "incoming_wins"
	// CurrentWins means the incoming change is stale and dropped.
	CurrentWins Resolution = "current_wins"
)

// Result is the outcome of Resolve.
type Result struct {
	Winner     models.Entity
	Resolution Resolution
	Stale      bool // incoming carried a version not newer than current
}

// Resolve applies last-write-wins by arrival, except that an incoming value
// whose version is not newer than the current one is stale. Versions of 0
// are unknown and never make a change stale.
func Resolve(current models.Entity, incoming models.Entity) Result {
	if current.Version > 0 && incoming.Version > 0 && incoming.Version <= current.Version {
		logging.Debug("Stale change discarded", map[string]interface{}{
			"entity_type":      current.Type,
			"entity_id":        current.ID,
			"current_version":  current.Version,
			"incoming_version": incoming.Version,
			"resolution":       string(CurrentWins),
		})
		return Result{Winner: current, Resolution: CurrentWins, Stale: true}
	}
	return Result{Winner: incoming, Resolution: IncomingWins}
}
