package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

type entityKey struct {
	tenant     string
	collection string
	id         string
}

type memState struct {
	records   map[string]models.OutboxRecord
	entities  map[entityKey]models.Entity
	cursors   map[string]models.SyncCursor
	loggedOut map[string]bool
}

func (s *memState) clone() *memState {
	return &memState{
		records:   maps.Clone(s.records),
		entities:  maps.Clone(s.entities),
		cursors:   maps.Clone(s.cursors),
		loggedOut: maps.Clone(s.loggedOut),
	}
}

// MemoryStore is a process-local Store. Transactions run one at a time on a
// copy of the state that replaces the committed state only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		records:   make(map[string]models.OutboxRecord),
		entities:  make(map[entityKey]models.Entity),
		cursors:   make(map[string]models.SyncCursor),
		loggedOut: make(map[string]bool),
	}}
}

func (m *MemoryStore) Run(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	st *memState
}

func cloneRecord(r models.OutboxRecord) *models.OutboxRecord {
	r.Payload = r.Payload.Clone()
	return &r
}

func (t *memTx) ActiveRecord(tenantID, collection, documentID string) (*models.OutboxRecord, error) {
	for _, r := range t.st.records {
		if r.TenantID == tenantID && r.TargetCollection == collection && r.DocumentID == documentID && r.Active() {
			return cloneRecord(r), nil
		}
	}
	return nil, nil
}

func (t *memTx) Record(id string) (*models.OutboxRecord, error) {
	r, ok := t.st.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (t *memTx) InsertRecord(rec models.OutboxRecord) error {
	if _, exists := t.st.records[rec.ID]; exists {
		return fmt.Errorf("insert outbox record %s: duplicate id", rec.ID)
	}
	if rec.Active() {
		if other, _ := t.ActiveRecord(rec.TenantID, rec.TargetCollection, rec.DocumentID); other != nil {
			return ErrActiveConflict
		}
	}
	t.st.records[rec.ID] = *cloneRecord(rec)
	return nil
}

func (t *memTx) UpdateRecord(rec models.OutboxRecord) error {
	if _, exists := t.st.records[rec.ID]; !exists {
		return ErrNotFound
	}
	if rec.Active() {
		other, _ := t.ActiveRecord(rec.TenantID, rec.TargetCollection, rec.DocumentID)
		if other != nil && other.ID != rec.ID {
			return ErrActiveConflict
		}
	}
	t.st.records[rec.ID] = *cloneRecord(rec)
	return nil
}

func (t *memTx) DeleteRecord(id string) error {
	if _, exists := t.st.records[id]; !exists {
		return ErrNotFound
	}
	delete(t.st.records, id)
	return nil
}

func (t *memTx) DueRecords(tenantID string, now time.Time, limit int) ([]models.OutboxRecord, error) {
	var out []models.OutboxRecord
	for _, r := range t.st.records {
		if r.TenantID == tenantID && r.Status == models.StatusPending && !r.NextAttemptAt.After(now) {
			out = append(out, *cloneRecord(r))
		}
	}
	sortByPriority(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) RecordsByStatus(tenantID string, status models.Status) ([]models.OutboxRecord, error) {
	var out []models.OutboxRecord
	for _, r := range t.st.records {
		if r.TenantID == tenantID && r.Status == status {
			out = append(out, *cloneRecord(r))
		}
	}
	sortByPriority(out)
	return out, nil
}

func (t *memTx) CountByStatus(tenantID string) (map[models.Status]int, error) {
	counts := make(map[models.Status]int)
	for _, r := range t.st.records {
		if r.TenantID == tenantID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (t *memTx) RetryingCount(tenantID string) (int, error) {
	n := 0
	for _, r := range t.st.records {
		if r.TenantID == tenantID && r.Status == models.StatusPending && r.AttemptCount > 0 {
			n++
		}
	}
	return n, nil
}

func (t *memTx) NextAttemptAt(tenantID string) (time.Time, bool, error) {
	var next time.Time
	found := false
	for _, r := range t.st.records {
		if r.TenantID != tenantID || r.Status != models.StatusPending {
			continue
		}
		if !found || r.NextAttemptAt.Before(next) {
			next = r.NextAttemptAt
			found = true
		}
	}
	return next, found, nil
}

func (t *memTx) PurgeRecords(status models.Status, before time.Time) (int, error) {
	n := 0
	for id, r := range t.st.records {
		if r.Status == status && r.UpdatedAt.Before(before) {
			delete(t.st.records, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) Tenants() ([]string, error) {
	seen := make(map[string]struct{})
	for _, r := range t.st.records {
		seen[r.TenantID] = struct{}{}
	}
	for id := range t.st.cursors {
		seen[id] = struct{}{}
	}
	for id := range t.st.loggedOut {
		delete(seen, id)
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (t *memTx) Entity(tenantID, collection, id string) (models.Entity, error) {
	e, ok := t.st.entities[entityKey{tenantID, collection, id}]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (t *memTx) UpsertEntity(tenantID, collection string, e models.Entity) error {
	id := e.ID()
	if id == "" {
		return fmt.Errorf("upsert %s entity: missing id", collection)
	}
	t.st.entities[entityKey{tenantID, collection, id}] = e.Clone()
	return nil
}

func (t *memTx) Cursor(tenantID string) (*models.SyncCursor, error) {
	c, ok := t.st.cursors[tenantID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *memTx) SaveCursor(c models.SyncCursor) error {
	if prev, ok := t.st.cursors[c.TenantID]; ok && prev.LastPulledAt.After(c.LastPulledAt) {
		c.LastPulledAt = prev.LastPulledAt
	}
	t.st.cursors[c.TenantID] = c
	return nil
}

func (t *memTx) DeleteCursor(tenantID string) error {
	delete(t.st.cursors, tenantID)
	return nil
}

func (t *memTx) SetLoggedOut(tenantID string, loggedOut bool) error {
	if loggedOut {
		t.st.loggedOut[tenantID] = true
	} else {
		delete(t.st.loggedOut, tenantID)
	}
	return nil
}

func (t *memTx) LoggedOut(tenantID string) (bool, error) {
	return t.st.loggedOut[tenantID], nil
}

func sortByPriority(recs []models.OutboxRecord) {
	slices.SortFunc(recs, func(a, b models.OutboxRecord) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
