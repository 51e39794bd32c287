package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// Store is the cloud-side persistence of synced entities
type Store interface {
	// UpsertEntities applies one push in a single transaction. An entity replaces the
	// stored row only when its updated_at is strictly newer.
	UpsertEntities(ctx context.Context, tenantID string, collections map[string][]models.Entity) (UpsertResult, error)
	// ChangesSince returns rows whose server change time is after since. A page never
	// splits rows sharing one change time.
	ChangesSince(ctx context.Context, tenantID string, since time.Time, limit int) (models.PullPage, error)
}

// UpsertResult reports what one push changed
type UpsertResult struct {
	Written int
	Ignored int
	// ServerTimestamp is the change time stamped on the written rows
	ServerTimestamp time.Time
}

// Publisher announces committed pushes to other devices of the tenant
type Publisher interface {
	PublishChange(ctx context.Context, notice models.ChangeNotice) error
}

type rowKey struct {
	tenant     string
	collection string
	id         string
}

type row struct {
	key       rowKey
	data      models.Entity
	updatedAt time.Time
	syncedAt  time.Time
}

// MemoryStore keeps the cloud state in process memory
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[rowKey]row
	hwm   time.Time
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[rowKey]row),
		clock: time.Now,
	}
}

// mark returns a change time at or after every one handed out so far
func (m *MemoryStore) mark() time.Time {
	now := m.clock().UTC().Truncate(time.Microsecond)
	if now.Before(m.hwm) {
		now = m.hwm
	}
	m.hwm = now
	return now
}

// nextChange returns a change time strictly after every one handed out so far
func (m *MemoryStore) nextChange() time.Time {
	now := m.clock().UTC().Truncate(time.Microsecond)
	if !now.After(m.hwm) {
		now = m.hwm.Add(time.Microsecond)
	}
	m.hwm = now
	return now
}

func (m *MemoryStore) UpsertEntities(ctx context.Context, tenantID string, collections map[string][]models.Entity) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var res UpsertResult
	changedAt := m.nextChange()
	for collection, entities := range collections {
		for _, e := range entities {
			ts, err := e.UpdatedAt()
			if err != nil {
				return UpsertResult{}, err
			}
			k := rowKey{tenant: tenantID, collection: collection, id: e.ID()}
			if existing, ok := m.rows[k]; ok && !ts.After(existing.updatedAt) {
				res.Ignored++
				continue
			}
			m.rows[k] = row{key: k, data: e.Clone(), updatedAt: ts, syncedAt: changedAt}
			res.Written++
		}
	}
	res.ServerTimestamp = changedAt
	return res, nil
}

func (m *MemoryStore) ChangesSince(ctx context.Context, tenantID string, since time.Time, limit int) (models.PullPage, error) {
	if err := ctx.Err(); err != nil {
		return models.PullPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []row
	for _, r := range m.rows {
		if r.key.tenant == tenantID && r.syncedAt.After(since) {
			changed = append(changed, r)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		a, b := changed[i], changed[j]
		if !a.syncedAt.Equal(b.syncedAt) {
			return a.syncedAt.Before(b.syncedAt)
		}
		if a.key.collection != b.key.collection {
			return a.key.collection < b.key.collection
		}
		return a.key.id < b.key.id
	})

	pg := models.PullPage{Collections: make(map[string][]models.Entity)}
	cut := len(changed)
	if limit > 0 && len(changed) > limit {
		boundary := changed[limit-1].syncedAt
		cut = limit
		for cut < len(changed) && changed[cut].syncedAt.Equal(boundary) {
			cut++
		}
	}
	for _, r := range changed[:cut] {
		pg.Collections[r.key.collection] = append(pg.Collections[r.key.collection], r.data.Clone())
	}

	pg.HasMore = cut < len(changed)
	if pg.HasMore {
		pg.ServerTimestamp = changed[cut-1].syncedAt
	} else {
		pg.ServerTimestamp = m.mark()
	}
	return pg, nil
}
