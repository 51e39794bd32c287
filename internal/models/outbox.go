package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation an OutboxRecord carries
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Coalesce returns the operation that results from applying next on top of op
// for the same document while the record is still unsynced
func (op Operation) Coalesce(next Operation) Operation {
	if op == OpCreate && next == OpUpdate {
		return OpCreate
	}
	return next
}

// OutboxRecord is one pending local mutation awaiting transmission to the cloud
type OutboxRecord struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Operation        Operation `json:"operation"`
	TargetCollection string    `json:"target_collection"`
	DocumentID       string    `json:"document_id"`
	Payload          Entity    `json:"payload"`
	Priority         int       `json:"priority"`
	Status           Status    `json:"status"`
	AttemptCount     int       `json:"attempt_count"`
	LastError        string    `json:"last_error,omitempty"`
	NextAttemptAt    time.Time `json:"next_attempt_at"`
	Revision         int64     `json:"revision"`
	ClaimedRevision  int64     `json:"claimed_revision"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Active reports whether the record still counts against the one-active-record-per-document rule
func (r OutboxRecord) Active() bool {
	return r.Status == StatusPending || r.Status == StatusInFlight
}

// CoalescedInFlight reports whether the record was replaced after being claimed for a push
func (r OutboxRecord) CoalescedInFlight() bool {
	return r.Status == StatusInFlight && r.Revision != r.ClaimedRevision
}

// Envelope builds the wire entity for this record: the full snapshot plus sync metadata
func (r OutboxRecord) Envelope() Entity {
	e := r.Payload.Clone()
	if e == nil {
		e = Entity{}
	}
	e[FieldID] = r.DocumentID
	e[FieldTenantID] = r.TenantID
	if _, err := e.UpdatedAt(); err != nil {
		e.SetUpdatedAt(r.UpdatedAt)
	}
	e[FieldIsDeleted] = r.Operation == OpDelete
	return e
}

// EstimateBytes approximates the wire size of the record payload
func (r OutboxRecord) EstimateBytes() int {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return 0
	}
	return len(b)
}
