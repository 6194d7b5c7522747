package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kimhsiao/shiftsync/internal/models"
)

func entity(version int64) models.Entity {
	return models.Entity{ID: "eq-1", Type: "equipment", Version: version}
}

// TestResolve covers the version rule in both directions and the cases
// where a version is unknown.
func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		current  int64
		incoming int64
		want     Resolution
	}{
		{"newer incoming", 3, 4, IncomingWins},
		{"older incoming", 5, 4, CurrentWins},
		{"same version", 4, 4, CurrentWins},
		{"current unknown", 0, 2, IncomingWins},
		{"incoming unknown", 7, 0, IncomingWins},
		{"both unknown", 0, 0, IncomingWins},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Resolve(entity(tt.current), entity(tt.incoming))
			assert.Equal(t, tt.want, r.Resolution)
			assert.Equal(t, tt.want == CurrentWins, r.Stale)
			if tt.want == IncomingWins {
				assert.Equal(t, tt.incoming, r.Winner.Version)
			} else {
				assert.Equal(t, tt.current, r.Winner.Version)
			}
		})
	}
}
