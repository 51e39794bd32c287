package db

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

func openPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("SYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SYNC_TEST_DATABASE_URL not set")
	}
	st, err := NewPostgresStore(context.Background(), url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func pgEntity(id string, ts time.Time, name string) models.Entity {
	return models.Entity{"id": id, "updated_at": models.FormatTimestamp(ts), "is_deleted": false, "name": name}
}

func TestPostgresUpsertLastWriteWins(t *testing.T) {
	st := openPostgres(t)
	ctx := context.Background()
	tenant := uuid.NewString()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	res, err := st.UpsertEntities(ctx, tenant, map[string][]models.Entity{"customers": {pgEntity("c1", base.Add(time.Minute), "newer")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	res, err = st.UpsertEntities(ctx, tenant, map[string][]models.Entity{"customers": {pgEntity("c1", base, "older")}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Written)
	assert.Equal(t, 1, res.Ignored)

	pg, err := st.ChangesSince(ctx, tenant, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, pg.Collections["customers"], 1)
	assert.Equal(t, "newer", pg.Collections["customers"][0]["name"])
	assert.False(t, pg.HasMore)
}

func TestPostgresPagesKeepTiesTogether(t *testing.T) {
	st := openPostgres(t)
	ctx := context.Background()
	tenant := uuid.NewString()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	_, err := st.UpsertEntities(ctx, tenant, map[string][]models.Entity{"customers": {
		pgEntity("c1", base, "a"), pgEntity("c2", base, "b"), pgEntity("c3", base, "c"),
	}})
	require.NoError(t, err)
	second, err := st.UpsertEntities(ctx, tenant, map[string][]models.Entity{"customers": {pgEntity("c4", base, "d")}})
	require.NoError(t, err)

	first, err := st.ChangesSince(ctx, tenant, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, first.Collections["customers"], 3)
	assert.True(t, first.HasMore)

	rest, err := st.ChangesSince(ctx, tenant, first.ServerTimestamp, 2)
	require.NoError(t, err)
	require.Len(t, rest.Collections["customers"], 1)
	assert.False(t, rest.HasMore)
	assert.False(t, rest.ServerTimestamp.Before(second.ServerTimestamp))
}
