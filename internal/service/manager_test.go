package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/store"
	"github.com/Guizzs26/go-offline-sync/internal/syncerr"
)

func TestEnqueueCoalescesIntoActiveRecord(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "t1", "customers", "c1", models.OpCreate, models.Entity{"name": "A"})
	h.clock.Advance(time.Second)
	second := h.enqueue(t, "t1", "customers", "c1", models.OpUpdate, models.Entity{"name": "B"})

	assert.Equal(t, first.ID, second.ID)
	got := h.record(t, first.ID)
	assert.Equal(t, models.OpCreate, got.Operation)
	assert.Equal(t, "B", got.Payload["name"])
	assert.Equal(t, int64(2), got.Revision)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Second)))
	assert.Equal(t, "B", h.entity(t, "t1", "customers", "c1")["name"])

	h.enqueue(t, "t1", "customers", "c1", models.OpDelete, nil)
	got = h.record(t, first.ID)
	assert.Equal(t, models.OpDelete, got.Operation)
	assert.True(t, h.entity(t, "t1", "customers", "c1").IsDeleted())

	st, err := h.m.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
}

func TestEnqueueAfterSyncCreatesNewRecord(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	_, err := h.m.SyncNow(context.Background(), "t1")
	require.NoError(t, err)

	second := h.enqueue(t, "t1", "customers", "c1", models.OpUpdate, nil)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.StatusSynced, h.record(t, first.ID).Status)
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Collection: "audit_log", DocumentID: "x", Operation: models.OpCreate})
	assert.ErrorIs(t, err, ErrUnknownCollection)

	_, err = h.m.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Collection: "customers", Operation: models.OpCreate})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = h.m.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Collection: "customers", DocumentID: "x", Operation: "upsert"})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = h.m.Enqueue(ctx, EnqueueRequest{Collection: "customers", DocumentID: "x", Operation: models.OpCreate})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestEnqueueSurfacesStorageErrors(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.m.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Collection: "customers", DocumentID: "x", Operation: models.OpCreate})
	assert.Error(t, err)
}

func TestHighValueEnqueueFiresTrigger(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	select {
	case id := <-h.m.triggers:
		t.Fatalf("unexpected trigger for %s", id)
	default:
	}

	h.enqueue(t, "t1", "bills", "b1", models.OpCreate, nil)
	select {
	case id := <-h.m.triggers:
		assert.Equal(t, "t1", id)
	default:
		t.Fatal("expected a trigger for a high-value collection")
	}
}

func TestSyncNowPullsBeforePushing(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)

	report, err := h.m.SyncNow(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pull", "push"}, h.tr.callOrder())
	assert.Equal(t, 1, report.Push.Synced)
	assert.Equal(t, "t1", report.TenantID)

	st, err := h.m.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Empty(t, st.LastError)
	assert.True(t, st.LastPushAt.Equal(t0))
	assert.False(t, st.CycleRunning)
}

func TestSyncNowRecordsFailureInStatus(t *testing.T) {
	h := newHarness(t)
	h.tr.pushFn = func(context.Context, models.PushBatch) (models.PushResult, error) {
		return models.PushResult{}, &syncerr.TransientNetworkError{Op: "push", Status: 503}
	}
	h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)

	_, err := h.m.SyncNow(context.Background(), "t1")
	require.Error(t, err)

	st, err := h.m.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Failed)
	assert.Contains(t, st.LastError, "503")
	assert.True(t, st.LastErrorAt.Equal(t0))
}

func TestSyncNowSkipsPushAfterLocalStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	h.tr.pullFn = func(context.Context, string, time.Time, int) (models.PullPage, error) {
		return models.PullPage{}, syncerr.Storage("apply", assert.AnError)
	}

	_, err := h.m.SyncNow(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, syncerr.IsLocalStorage(err))
	assert.Zero(t, h.tr.pushCount())
}

func TestLogoutCancelsCycleAndClearsCursor(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.Run(context.Background(), func(tx store.Tx) error {
		return tx.SaveCursor(models.SyncCursor{TenantID: "t1", LastPulledAt: t0})
	}))

	started := make(chan struct{})
	h.tr.pullFn = func(ctx context.Context, _ string, since time.Time, _ int) (models.PullPage, error) {
		close(started)
		<-ctx.Done()
		return models.PullPage{}, ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.m.SyncNow(context.Background(), "t1")
		done <- err
	}()
	<-started

	require.NoError(t, h.m.Logout(context.Background(), "t1"))
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Nil(t, h.cursor(t, "t1"))
	assert.NotContains(t, h.m.Tenants(), "t1")
	assert.Zero(t, h.tr.pushCount())
}

func TestLogoutKeepsOutboxRecords(t *testing.T) {
	h := newHarness(t)
	rec := h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	require.NoError(t, h.m.Logout(context.Background(), "t1"))
	assert.Equal(t, models.StatusPending, h.record(t, rec.ID).Status)

	_, err := h.m.Login(context.Background(), "t1")
	require.NoError(t, err)
	assert.Contains(t, h.m.Tenants(), "t1")

	report, err := h.m.SyncNow(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Push.Synced)
}

func TestLogoutIsNotUndoneByRestart(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	require.NoError(t, h.m.Logout(context.Background(), "t1"))

	// a fresh manager over the same store, as after a process restart
	restarted := NewManager(h.st, h.tr, discardLogger(), WithClock(h.clock))
	t.Cleanup(restarted.stopRetries)
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Empty(t, restarted.Tenants())

	_, err := restarted.SyncNow(context.Background(), "t1")
	require.ErrorIs(t, err, ErrTenantClosed)
	assert.Zero(t, h.tr.pushCount())

	// records queued while logged out wait for Login
	h.enqueue(t, "t1", "customers", "c2", models.OpCreate, nil)
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Empty(t, restarted.Tenants())

	_, err = restarted.Login(context.Background(), "t1")
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Equal(t, []string{"t1"}, restarted.Tenants())
}

func abandon(t *testing.T, h *harness, doc string) models.OutboxRecord {
	t.Helper()
	h.tr.pushFn = func(context.Context, models.PushBatch) (models.PushResult, error) {
		return models.PushResult{}, &syncerr.ServerRejection{Status: 400, Reason: "invalid"}
	}
	rec := h.enqueue(t, "t1", "customers", doc, models.OpCreate, models.Entity{"name": doc})
	_, err := h.m.push.Push(context.Background(), "t1")
	require.Error(t, err)
	h.tr.pushFn = nil
	require.Equal(t, models.StatusAbandoned, h.record(t, rec.ID).Status)
	return rec
}

func TestRetryAbandonedCreatesFreshRecord(t *testing.T) {
	h := newHarness(t)
	rec := abandon(t, h, "c1")

	list, err := h.m.ListAbandoned(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)

	fresh, err := h.m.RetryAbandoned(context.Background(), "t1", rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, fresh.ID)
	assert.Equal(t, models.StatusPending, fresh.Status)
	assert.Equal(t, "c1", fresh.Payload["name"])
	assert.Equal(t, models.StatusAbandoned, h.record(t, rec.ID).Status)

	_, err = h.m.RetryAbandoned(context.Background(), "t1", rec.ID)
	assert.ErrorIs(t, err, ErrSuperseded)

	_, err = h.m.RetryAbandoned(context.Background(), "t1", fresh.ID)
	assert.ErrorIs(t, err, ErrNotAbandoned)

	_, err = h.m.RetryAbandoned(context.Background(), "t2", rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDiscardAbandoned(t *testing.T) {
	h := newHarness(t)
	rec := abandon(t, h, "c1")

	require.NoError(t, h.m.DiscardAbandoned(context.Background(), "t1", rec.ID))
	list, err := h.m.ListAbandoned(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, h.m.DiscardAbandoned(context.Background(), "t1", rec.ID), store.ErrNotFound)
}

func TestPurgeRemovesOnlyOldSyncedRecords(t *testing.T) {
	h := newHarness(t)
	synced := h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	_, err := h.m.push.Push(context.Background(), "t1")
	require.NoError(t, err)
	abandoned := abandon(t, h, "c2")

	h.clock.Advance(time.Hour)
	n, err := h.m.Purge(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.m.Purge(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, h.st.Run(context.Background(), func(tx store.Tx) error {
		_, err := tx.Record(synced.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.Record(abandoned.ID)
		return err
	}))
}

func TestRunSyncsTriggeredTenants(t *testing.T) {
	h := newHarness(t, WithSyncInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	rec := h.enqueue(t, "t1", "bills", "b1", models.OpCreate, models.Entity{"total": "10.00"})
	require.Eventually(t, func() bool {
		return h.record(t, rec.ID).Status == models.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSyncAllCoversEveryTenant(t *testing.T) {
	h := newHarness(t)
	r1 := h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	r2 := h.enqueue(t, "t2", "customers", "c1", models.OpCreate, nil)

	require.NoError(t, h.m.SyncAll(context.Background()))
	assert.Equal(t, models.StatusSynced, h.record(t, r1.ID).Status)
	assert.Equal(t, models.StatusSynced, h.record(t, r2.ID).Status)
	assert.Equal(t, []string{"t1", "t2"}, h.m.Tenants())
}

func TestSyncNowHandsOverRerunRequestedDuringCycle(t *testing.T) {
	h := newHarness(t)
	h.tr.pullFn = func(ctx context.Context, _ string, since time.Time, _ int) (models.PullPage, error) {
		// a change notice arriving while the explicit cycle holds the tenant
		if tc := h.m.lookup("t1"); tc != nil {
			_ = h.m.background(ctx, tc)
		}
		return models.PullPage{ServerTimestamp: since}, nil
	}

	_, err := h.m.SyncNow(context.Background(), "t1")
	require.NoError(t, err)

	select {
	case id := <-h.m.triggers:
		assert.Equal(t, "t1", id)
	default:
		t.Fatal("rerun request was dropped after the explicit cycle")
	}
}

func TestSyncNowWithoutRerunLeavesNoTrigger(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.SyncNow(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, h.m.triggers)
}

func TestEnqueueKeepsMicrosecondTimestamps(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(987654321 * time.Nanosecond)

	stamped := h.enqueue(t, "t1", "customers", "c1", models.OpCreate, nil)
	assert.Equal(t, "2026-03-02T10:00:00.987654Z", stamped.Payload[models.FieldUpdatedAt])

	given := models.Entity{models.FieldUpdatedAt: "2026-03-02T09:00:00.000000999Z"}
	rec := h.enqueue(t, "t1", "customers", "c2", models.OpCreate, given)
	assert.Equal(t, "2026-03-02T09:00:00Z", rec.Payload[models.FieldUpdatedAt])
}
