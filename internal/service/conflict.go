package service

import (
	"fmt"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// Decision is the outcome of conflict resolution for one pulled entity
type Decision int

const (
	Skip Decision = iota
	Apply
)

func (d Decision) String() string {
	if d == Apply {
		return "apply"
	}
	return "skip"
}

// Resolve decides whether incoming (from a pull) replaces local (nil when absent).
// dirty reports that the document has a pending or in-flight outbox record.
//
// Last write wins on updated_at. Ties heal local drift unless the local copy is
// dirty, and a committed tombstone is never resurrected by a live version.
func Resolve(incoming, local models.Entity, dirty bool) (Decision, error) {
	inTS, err := incoming.UpdatedAt()
	if err != nil {
		return Skip, fmt.Errorf("incoming %s: %w", incoming.ID(), err)
	}

	if local == nil {
		return Apply, nil
	}

	if local.IsDeleted() && !incoming.IsDeleted() {
		return Skip, nil
	}

	// an unreadable local timestamp loses to any valid incoming one
	localTS, err := local.UpdatedAt()
	if err != nil {
		localTS = time.Time{}
	}

	switch {
	case inTS.After(localTS):
		return Apply, nil
	case dirty:
		return Skip, nil
	case inTS.Equal(localTS):
		return Apply, nil
	default:
		return Skip, nil
	}
}
