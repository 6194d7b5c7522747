package models

import (
	"encoding/json"
	"time"
)

// Entity is a business record as far as the sync core is concerned: an ID,
// a collection type and an opaque JSON object of fields.
type Entity struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Version   int64           `json:"version,omitempty"`    // server revision, 0 when unknown
	UpdatedAt int64           `json:"updated_at,omitempty"` // unix millis
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	if e.Fields != nil {
		e.Fields = append(json.RawMessage(nil), e.Fields...)
	}
	return e
}

// ChangeType is the kind of change carried by a push event.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return true
	}
	return false
}

// PushEvent is an already-decoded entity change delivered by the push
// transport on behalf of another actor.
type PushEvent struct {
	Change     ChangeType `json:"change"`
	Entity     Entity     `json:"entity"`
	ReceivedAt int64      `json:"received_at,omitempty"` // unix millis
}
