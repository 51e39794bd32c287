package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

func (t *sqliteTx) Entity(tenantID, collection, id string) (models.Entity, error) {
	var data string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT data FROM sync_entities WHERE tenant_id = ? AND collection = ? AND id = ?
	`, tenantID, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", collection, id, err)
	}
	return models.DecodeEntity([]byte(data))
}

func (t *sqliteTx) UpsertEntity(tenantID, collection string, e models.Entity) error {
	id := e.ID()
	if id == "" {
		return fmt.Errorf("upsert %s entity: missing id", collection)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize %s/%s: %w", collection, id, err)
	}

	var updatedAt int64
	if ts, err := e.UpdatedAt(); err == nil {
		updatedAt = toNanos(ts)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO sync_entities (tenant_id, collection, id, updated_at, is_deleted, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, collection, id) DO UPDATE SET
			updated_at = excluded.updated_at,
			is_deleted = excluded.is_deleted,
			data = excluded.data
	`, tenantID, collection, id, updatedAt, e.IsDeleted(), string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *sqliteTx) Cursor(tenantID string) (*models.SyncCursor, error) {
	var pulled, success int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT last_pulled_at, last_successful_pull_at FROM sync_cursors WHERE tenant_id = ?
	`, tenantID).Scan(&pulled, &success)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	return &models.SyncCursor{
		TenantID:             tenantID,
		LastPulledAt:         fromNanos(pulled),
		LastSuccessfulPullAt: fromNanos(success),
	}, nil
}

func (t *sqliteTx) SaveCursor(c models.SyncCursor) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO sync_cursors (tenant_id, last_pulled_at, last_successful_pull_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			last_pulled_at = MAX(sync_cursors.last_pulled_at, excluded.last_pulled_at),
			last_successful_pull_at = excluded.last_successful_pull_at
	`, c.TenantID, toNanos(c.LastPulledAt), toNanos(c.LastSuccessfulPullAt))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteCursor(tenantID string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM sync_cursors WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

func (t *sqliteTx) SetLoggedOut(tenantID string, loggedOut bool) error {
	var err error
	if loggedOut {
		_, err = t.tx.ExecContext(t.ctx, `
			INSERT INTO sync_tenants (tenant_id, logged_out_at) VALUES (?, ?)
			ON CONFLICT (tenant_id) DO NOTHING
		`, tenantID, toNanos(time.Now()))
	} else {
		_, err = t.tx.ExecContext(t.ctx, `DELETE FROM sync_tenants WHERE tenant_id = ?`, tenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to update tenant session: %w", err)
	}
	return nil
}

func (t *sqliteTx) LoggedOut(tenantID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM sync_tenants WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to load tenant session: %w", err)
	}
	return n > 0, nil
}
