// Package storetest is a conformance suite run against every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/store"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func record(id, tenant, doc string, priority int, created time.Time) models.OutboxRecord {
	return models.OutboxRecord{
		ID:               id,
		TenantID:         tenant,
		Operation:        models.OpCreate,
		TargetCollection: "customers",
		DocumentID:       doc,
		Payload:          models.Entity{"name": "Asha", "balance": "120.50"},
		Priority:         priority,
		Status:           models.StatusPending,
		NextAttemptAt:    created,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

// Run exercises the Store contract against fresh stores built by newStore
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("RecordRoundTrip", func(t *testing.T) { testRecordRoundTrip(t, newStore(t)) })
	t.Run("ActiveUniqueness", func(t *testing.T) { testActiveUniqueness(t, newStore(t)) })
	t.Run("DueOrdering", func(t *testing.T) { testDueOrdering(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("EntitiesAndCursors", func(t *testing.T) { testEntitiesAndCursors(t, newStore(t)) })
	t.Run("CountsAndPurge", func(t *testing.T) { testCountsAndPurge(t, newStore(t)) })
	t.Run("LoggedOutTenants", func(t *testing.T) { testLoggedOutTenants(t, newStore(t)) })
}

func testRecordRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := record("r1", "t1", "c1", 5, base)

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error { return tx.InsertRecord(rec) }))

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		got, err := tx.Record("r1")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.TenantID)
		assert.Equal(t, models.OpCreate, got.Operation)
		assert.Equal(t, "Asha", got.Payload["name"])
		assert.True(t, got.CreatedAt.Equal(base))

		active, err := tx.ActiveRecord("t1", "customers", "c1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "r1", active.ID)

		none, err := tx.ActiveRecord("t2", "customers", "c1")
		require.NoError(t, err)
		assert.Nil(t, none)

		_, err = tx.Record("missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testActiveUniqueness(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Run(ctx, func(tx store.Tx) error { return tx.InsertRecord(record("r1", "t1", "c1", 0, base)) }))

	err := s.Run(ctx, func(tx store.Tx) error { return tx.InsertRecord(record("r2", "t1", "c1", 0, base)) })
	assert.ErrorIs(t, err, store.ErrActiveConflict)

	// once the first record is terminal a fresh one may be inserted
	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		r, err := tx.Record("r1")
		if err != nil {
			return err
		}
		r.Status = models.StatusSynced
		if err := tx.UpdateRecord(*r); err != nil {
			return err
		}
		return tx.InsertRecord(record("r2", "t1", "c1", 0, base))
	}))
}

func testDueOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		recs := []models.OutboxRecord{
			record("late-low", "t1", "d1", 1, base.Add(2*time.Minute)),
			record("early-low", "t1", "d2", 1, base.Add(time.Minute)),
			record("urgent", "t1", "d3", 0, base.Add(3*time.Minute)),
			record("other-tenant", "t2", "d4", 0, base),
		}
		backoff := record("backoff", "t1", "d5", 0, base)
		backoff.NextAttemptAt = base.Add(time.Hour)
		recs = append(recs, backoff)
		for _, r := range recs {
			if err := tx.InsertRecord(r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		due, err := tx.DueRecords("t1", base.Add(10*time.Minute), 0)
		require.NoError(t, err)
		ids := make([]string, 0, len(due))
		for _, r := range due {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"urgent", "early-low", "late-low"}, ids)

		limited, err := tx.DueRecords("t1", base.Add(10*time.Minute), 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		next, ok, err := tx.NextAttemptAt("t1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, next.Equal(base.Add(time.Minute)))

		tenants, err := tx.Tenants()
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2"}, tenants)
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Run(ctx, func(tx store.Tx) error {
		if err := tx.InsertRecord(record("r1", "t1", "c1", 0, base)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		_, err := tx.Record("r1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testEntitiesAndCursors(t *testing.T, s store.Store) {
	ctx := context.Background()
	ent := models.Entity{"id": "b1", "total_amount": "99.90", "is_deleted": false}
	ent.SetUpdatedAt(base)

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		if err := tx.UpsertEntity("t1", "bills", ent); err != nil {
			return err
		}
		return tx.SaveCursor(models.SyncCursor{TenantID: "t1", LastPulledAt: base, LastSuccessfulPullAt: base})
	}))

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		got, err := tx.Entity("t1", "bills", "b1")
		require.NoError(t, err)
		require.NotNil(t, got)
		ts, err := got.UpdatedAt()
		require.NoError(t, err)
		assert.True(t, ts.Equal(base))
		assert.False(t, got.IsDeleted())

		missing, err := tx.Entity("t2", "bills", "b1")
		require.NoError(t, err)
		assert.Nil(t, missing)

		c, err := tx.Cursor("t1")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.True(t, c.LastPulledAt.Equal(base))

		return tx.DeleteCursor("t1")
	}))

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		c, err := tx.Cursor("t1")
		require.NoError(t, err)
		assert.Nil(t, c)
		return nil
	}))
}

func testCountsAndPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		old := record("old", "t1", "d1", 0, base)
		old.Status = models.StatusSynced
		fresh := record("fresh", "t1", "d2", 0, base.Add(48*time.Hour))
		fresh.Status = models.StatusSynced
		dead := record("dead", "t1", "d3", 0, base)
		dead.Status = models.StatusAbandoned
		retrying := record("retrying", "t1", "d4", 0, base)
		retrying.AttemptCount = 2
		for _, r := range []models.OutboxRecord{old, fresh, dead, retrying} {
			if err := tx.InsertRecord(r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		counts, err := tx.CountByStatus("t1")
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.StatusSynced])
		assert.Equal(t, 1, counts[models.StatusAbandoned])
		assert.Equal(t, 1, counts[models.StatusPending])

		retrying, err := tx.RetryingCount("t1")
		require.NoError(t, err)
		assert.Equal(t, 1, retrying)

		n, err := tx.PurgeRecords(models.StatusSynced, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		abandoned, err := tx.RecordsByStatus("t1", models.StatusAbandoned)
		require.NoError(t, err)
		assert.Len(t, abandoned, 1)
		return nil
	}))
}

func testLoggedOutTenants(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		if err := tx.InsertRecord(record("r1", "t1", "d1", 0, base)); err != nil {
			return err
		}
		return tx.SaveCursor(models.SyncCursor{TenantID: "t2", LastPulledAt: base})
	}))

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		return tx.SetLoggedOut("t1", true)
	}))
	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		ids, err := tx.Tenants()
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, ids)

		out, err := tx.LoggedOut("t1")
		require.NoError(t, err)
		assert.True(t, out)

		// marking twice is harmless
		return tx.SetLoggedOut("t1", true)
	}))

	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		return tx.SetLoggedOut("t1", false)
	}))
	require.NoError(t, s.Run(ctx, func(tx store.Tx) error {
		ids, err := tx.Tenants()
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2"}, ids)

		out, err := tx.LoggedOut("t1")
		require.NoError(t, err)
		assert.False(t, out)
		return nil
	}))
}
