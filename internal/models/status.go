package models

import "fmt"

// Status is the lifecycle state of an OutboxRecord
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// transitions lists every legal move of the outbox state machine.
// Failed is reported, never stored, so nothing transitions into it.
var transitions = map[Status][]Status{
	StatusPending:  {StatusInFlight},
	StatusInFlight: {StatusSynced, StatusPending, StatusAbandoned},
}

// ParseStatus converts a stored string back to a Status
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInFlight, StatusSynced, StatusFailed, StatusAbandoned:
		return st, nil
	}
	return "", fmt.Errorf("unknown outbox status %q", s)
}

// Terminal reports whether no transition may leave s
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusAbandoned
}

// CanTransition reports whether from -> to is a legal state machine move
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a caller attempts an illegal status change
type TransitionError struct {
	RecordID string
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("outbox record %s: illegal transition %s -> %s", e.RecordID, e.From, e.To)
}

// Transition moves the record to the next status, enforcing the state machine
func (r *OutboxRecord) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{RecordID: r.ID, From: r.Status, To: to}
	}
	if to == StatusInFlight {
		r.ClaimedRevision = r.Revision
	}
	r.Status = to
	return nil
}
