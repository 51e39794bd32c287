// Package service implements the offline-first sync engine: the push and pull
// pipelines, conflict resolution and the per-tenant sync manager.
package service

import (
	"context"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// Transport defines the contract with the cloud sync server
type Transport interface {
	Push(ctx context.Context, batch models.PushBatch) (models.PushResult, error)
	Pull(ctx context.Context, tenantID string, since time.Time, limit int) (models.PullPage, error)
}

// PushReport summarizes one push pass of a tenant
type PushReport struct {
	Claimed   int `json:"claimed"`
	Synced    int `json:"synced"`
	Retried   int `json:"retried"`
	Abandoned int `json:"abandoned"`
	Requeued  int `json:"requeued"`
	// Released counts orphaned in-flight records recovered at the start of the pass
	Released int `json:"released"`
}

// PullReport summarizes one pull pass of a tenant
type PullReport struct {
	Pages   int       `json:"pages"`
	Applied int       `json:"applied"`
	Skipped int       `json:"skipped"`
	Dropped int       `json:"dropped"`
	Cursor  time.Time `json:"cursor"`
}

// CycleReport is the outcome of one Pull-then-Push cycle
type CycleReport struct {
	TenantID string        `json:"tenant_id"`
	Pull     PullReport    `json:"pull"`
	Push     PushReport    `json:"push"`
	Duration time.Duration `json:"duration"`
}

// EnqueueRequest describes one local mutation handed to the outbox
type EnqueueRequest struct {
	TenantID   string
	Collection string
	DocumentID string
	Operation  models.Operation
	Payload    models.Entity
	Priority   int
}
