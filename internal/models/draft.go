package models

import (
	"encoding/json"
	"time"
)

// DraftRecord is unsubmitted form state kept for crash and reload recovery.
type DraftRecord struct {
	Key            string          `json:"key"`
	Payload        json.RawMessage `json:"payload"`
	LastSavedAt    int64           `json:"last_saved_at"` // unix millis
	LinkedEntityID string          `json:"linked_entity_id,omitempty"`
}

// LastSavedTime returns LastSavedAt as time.Time.
func (d *DraftRecord) LastSavedTime() time.Time {
	return time.UnixMilli(d.LastSavedAt)
}
