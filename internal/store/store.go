// Package store defines the local persistence contract of the sync engine.
//
// All reads and writes happen inside Run, which commits when fn returns nil
// and rolls back otherwise. Implementations must serialize write transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrActiveConflict is returned when a second Pending/InFlight record would exist for one document
	ErrActiveConflict = errors.New("document already has an active outbox record")
)

// Store is the local-store adapter consumed by the engine
type Store interface {
	Run(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the queue, entity and cursor tables within one local transaction
type Tx interface {
	QueueTx
	EntityTx
	CursorTx
}

// QueueTx is the Queue Store: durable outbox records
type QueueTx interface {
	// ActiveRecord returns the Pending or InFlight record of a document, or nil
	ActiveRecord(tenantID, collection, documentID string) (*models.OutboxRecord, error)
	// Record returns ErrNotFound when id is unknown
	Record(id string) (*models.OutboxRecord, error)
	InsertRecord(rec models.OutboxRecord) error
	UpdateRecord(rec models.OutboxRecord) error
	DeleteRecord(id string) error
	// DueRecords returns Pending records with NextAttemptAt <= now ordered by
	// priority then created_at. limit <= 0 means unbounded.
	DueRecords(tenantID string, now time.Time, limit int) ([]models.OutboxRecord, error)
	RecordsByStatus(tenantID string, status models.Status) ([]models.OutboxRecord, error)
	CountByStatus(tenantID string) (map[models.Status]int, error)
	// RetryingCount counts Pending records that already failed at least once
	RetryingCount(tenantID string) (int, error)
	// NextAttemptAt returns the earliest NextAttemptAt of the tenant's Pending records
	NextAttemptAt(tenantID string) (time.Time, bool, error)
	// PurgeRecords deletes records in status last updated before cutoff
	PurgeRecords(status models.Status, before time.Time) (int, error)
	// Tenants lists every tenant known to the queue or the cursor table,
	// leaving out tenants marked logged out
	Tenants() ([]string, error)
}

// EntityTx is the local copy of synced domain entities
type EntityTx interface {
	// Entity returns nil when the document is not stored locally
	Entity(tenantID, collection, id string) (models.Entity, error)
	UpsertEntity(tenantID, collection string, e models.Entity) error
}

// CursorTx persists per-tenant pull cursors
type CursorTx interface {
	// Cursor returns nil when the tenant has never pulled
	Cursor(tenantID string) (*models.SyncCursor, error)
	SaveCursor(c models.SyncCursor) error
	DeleteCursor(tenantID string) error
	// SetLoggedOut marks or clears the logged-out state of a tenant session
	SetLoggedOut(tenantID string, loggedOut bool) error
	LoggedOut(tenantID string) (bool, error)
}
