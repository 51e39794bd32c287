package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/store"
)

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

const recordColumns = `id, tenant_id, operation, target_collection, document_id, payload, priority,
	status, attempt_count, last_error, next_attempt_at, revision, claimed_revision, created_at, updated_at`

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.OutboxRecord, error) {
	var (
		rec                        models.OutboxRecord
		op, status, payload        string
		nextAt, createdAt, updated int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&op,
		&rec.TargetCollection,
		&rec.DocumentID,
		&payload,
		&rec.Priority,
		&status,
		&rec.AttemptCount,
		&rec.LastError,
		&nextAt,
		&rec.Revision,
		&rec.ClaimedRevision,
		&createdAt,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	rec.Operation = models.Operation(op)
	if rec.Status, err = models.ParseStatus(status); err != nil {
		return nil, err
	}
	if rec.Payload, err = models.DecodeEntity([]byte(payload)); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.NextAttemptAt = fromNanos(nextAt)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

func (t *sqliteTx) queryRecords(query string, args ...any) ([]models.OutboxRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox scan error: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (t *sqliteTx) ActiveRecord(tenantID, collection, documentID string) (*models.OutboxRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+recordColumns+`
		FROM outbox_records
		WHERE tenant_id = ? AND target_collection = ? AND document_id = ?
		  AND status IN ('pending', 'in_flight')
	`, tenantID, collection, documentID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active record: %w", err)
	}
	return rec, nil
}

func (t *sqliteTx) Record(id string) (*models.OutboxRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+recordColumns+` FROM outbox_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return rec, nil
}

func (t *sqliteTx) InsertRecord(rec models.OutboxRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO outbox_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.TenantID,
		string(rec.Operation),
		rec.TargetCollection,
		rec.DocumentID,
		string(payload),
		rec.Priority,
		string(rec.Status),
		rec.AttemptCount,
		rec.LastError,
		toNanos(rec.NextAttemptAt),
		rec.Revision,
		rec.ClaimedRevision,
		toNanos(rec.CreatedAt),
		toNanos(rec.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrActiveConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (t *sqliteTx) UpdateRecord(rec models.OutboxRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE outbox_records
		SET operation = ?, payload = ?, priority = ?, status = ?, attempt_count = ?,
		    last_error = ?, next_attempt_at = ?, revision = ?, claimed_revision = ?, updated_at = ?
		WHERE id = ?
	`,
		string(rec.Operation),
		string(payload),
		rec.Priority,
		string(rec.Status),
		rec.AttemptCount,
		rec.LastError,
		toNanos(rec.NextAttemptAt),
		rec.Revision,
		rec.ClaimedRevision,
		toNanos(rec.UpdatedAt),
		rec.ID,
	)
	if isUniqueViolation(err) {
		return store.ErrActiveConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) DeleteRecord(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM outbox_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) DueRecords(tenantID string, now time.Time, limit int) ([]models.OutboxRecord, error) {
	if limit <= 0 {
		// SQLite treats a negative LIMIT as unbounded
		limit = -1
	}
	return t.queryRecords(`
		SELECT `+recordColumns+`
		FROM outbox_records
		WHERE tenant_id = ? AND status = 'pending' AND next_attempt_at <= ?
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?
	`, tenantID, now.UnixNano(), limit)
}

func (t *sqliteTx) RecordsByStatus(tenantID string, status models.Status) ([]models.OutboxRecord, error) {
	return t.queryRecords(`
		SELECT `+recordColumns+`
		FROM outbox_records
		WHERE tenant_id = ? AND status = ?
		ORDER BY priority ASC, created_at ASC, id ASC
	`, tenantID, string(status))
}

func (t *sqliteTx) CountByStatus(tenantID string) (map[models.Status]int, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT status, COUNT(*) FROM outbox_records WHERE tenant_id = ? GROUP BY status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("outbox count scan error: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

func (t *sqliteTx) RetryingCount(tenantID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM outbox_records
		WHERE tenant_id = ? AND status = 'pending' AND attempt_count > 0
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count retrying records: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) NextAttemptAt(tenantID string) (time.Time, bool, error) {
	var next sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT MIN(next_attempt_at) FROM outbox_records WHERE tenant_id = ? AND status = 'pending'
	`, tenantID).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read next attempt: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

func (t *sqliteTx) PurgeRecords(status models.Status, before time.Time) (int, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM outbox_records WHERE status = ? AND updated_at < ?
	`, string(status), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s records: %w", status, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *sqliteTx) Tenants() ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT tenant_id FROM (
			SELECT tenant_id FROM outbox_records
			UNION
			SELECT tenant_id FROM sync_cursors
		)
		WHERE tenant_id NOT IN (SELECT tenant_id FROM sync_tenants)
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tenant scan error: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
