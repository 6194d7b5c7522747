// Package models provides data model definitions for the shiftsync core.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind identifies a server-bound mutation. The set is closed: every
// kind must have a registered replay handler.
type OperationKind string

const (
	KindCreateUser      OperationKind = "create_user"
	KindCreateEquipment OperationKind = "create_equipment"
	KindUpdateEquipment OperationKind = "update_equipment"
	KindCreateHandover  OperationKind = "create_handover"
	KindUpdateHandover  OperationKind = "update_handover"
	KindUpdateRecord    OperationKind = "update_record"
	KindDeleteRecord    OperationKind = "delete_record"
)

// AllKinds lists every known operation kind in declaration order.
func AllKinds() []OperationKind {
	return []OperationKind{
		KindCreateUser,
		KindCreateEquipment,
		KindUpdateEquipment,
		KindCreateHandover,
		KindUpdateHandover,
		KindUpdateRecord,
		KindDeleteRecord,
	}
}

// Valid reports whether k is one of the known kinds.
func (k OperationKind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// IsDelete reports whether the kind removes its target entity.
func (k OperationKind) IsDelete() bool {
	return k == KindDeleteRecord
}

// QueuedOperation is a mutation that could not reach the server and waits
// for replay.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	WriteID    string          `json:"write_id,omitempty"`
	QueuedAt   int64           `json:"queued_at"` // unix millis
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// QueuedAtTime returns QueuedAt as time.Time.
func (op *QueuedOperation) QueuedAtTime() time.Time {
	return time.UnixMilli(op.QueuedAt)
}
