package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/store"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pullCall struct {
	tenantID string
	since    time.Time
	limit    int
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  []string
	pushes []models.PushBatch
	pulls  []pullCall
	pushFn func(ctx context.Context, b models.PushBatch) (models.PushResult, error)
	pullFn func(ctx context.Context, tenantID string, since time.Time, limit int) (models.PullPage, error)
}

func (f *fakeTransport) Push(ctx context.Context, b models.PushBatch) (models.PushResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "push")
	f.pushes = append(f.pushes, b)
	fn := f.pushFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, b)
	}
	return models.PushResult{Status: models.PushStatusSuccess, SyncedCount: b.Size()}, nil
}

func (f *fakeTransport) Pull(ctx context.Context, tenantID string, since time.Time, limit int) (models.PullPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "pull")
	f.pulls = append(f.pulls, pullCall{tenantID: tenantID, since: since, limit: limit})
	fn := f.pullFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, tenantID, since, limit)
	}
	return models.PullPage{ServerTimestamp: since}, nil
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeTransport) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	m     *Manager
	st    *store.MemoryStore
	tr    *fakeTransport
	clock *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		st:    store.NewMemoryStore(),
		tr:    &fakeTransport{},
		clock: newFakeClock(t0),
	}
	h.m = NewManager(h.st, h.tr, discardLogger(), append([]Option{WithClock(h.clock)}, opts...)...)
	t.Cleanup(h.m.stopRetries)
	return h
}

func (h *harness) enqueue(t *testing.T, tenant, collection, doc string, op models.Operation, payload models.Entity) models.OutboxRecord {
	t.Helper()
	rec, err := h.m.Enqueue(context.Background(), EnqueueRequest{
		TenantID:   tenant,
		Collection: collection,
		DocumentID: doc,
		Operation:  op,
		Payload:    payload,
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) record(t *testing.T, id string) models.OutboxRecord {
	t.Helper()
	var out models.OutboxRecord
	require.NoError(t, h.st.Run(context.Background(), func(tx store.Tx) error {
		r, err := tx.Record(id)
		if err != nil {
			return err
		}
		out = *r
		return nil
	}))
	return out
}

func (h *harness) entity(t *testing.T, tenant, collection, id string) models.Entity {
	t.Helper()
	var out models.Entity
	require.NoError(t, h.st.Run(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Entity(tenant, collection, id)
		return err
	}))
	return out
}

func (h *harness) cursor(t *testing.T, tenant string) *models.SyncCursor {
	t.Helper()
	var out *models.SyncCursor
	require.NoError(t, h.st.Run(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Cursor(tenant)
		return err
	}))
	return out
}

func entityAt(id string, ts time.Time, fields ...any) models.Entity {
	e := models.Entity{models.FieldID: id, models.FieldUpdatedAt: models.FormatTimestamp(ts)}
	for i := 0; i+1 < len(fields); i += 2 {
		e[fields[i].(string)] = fields[i+1]
	}
	return e
}

func page(ts time.Time, more bool, collection string, entities ...models.Entity) models.PullPage {
	return models.PullPage{
		ServerTimestamp: ts,
		HasMore:         more,
		Collections:     map[string][]models.Entity{collection: entities},
	}
}
