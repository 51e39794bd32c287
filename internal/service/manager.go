package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/store"
	"github.com/Guizzs26/go-offline-sync/internal/syncerr"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const (
	triggerBuffer = 64
	minRetryDelay = time.Second
)

// Manager owns the per-tenant sync contexts and drives every sync cycle
type Manager struct {
	store  store.Store
	push   *PushService
	pull   *PullService
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	tenants  map[string]*TenantSyncContext
	triggers chan string
}

func NewManager(st store.Store, tr Transport, logger *slog.Logger, opts ...Option) *Manager {
	cfg := newConfig(opts)
	return &Manager{
		store:    st,
		push:     newPushService(st, tr, logger, cfg),
		pull:     newPullService(st, tr, logger, cfg),
		cfg:      cfg,
		logger:   logger,
		tenants:  make(map[string]*TenantSyncContext),
		triggers: make(chan string, triggerBuffer),
	}
}

// AddTenant registers a logged-in tenant for background sync
func (m *Manager) AddTenant(tenantID string) *TenantSyncContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tenants[tenantID]
	if !ok {
		tc = newTenantSyncContext(tenantID)
		m.tenants[tenantID] = tc
	}
	return tc
}

func (m *Manager) lookup(tenantID string) *TenantSyncContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenants[tenantID]
}

// Tenants lists the registered tenants in a stable order
func (m *Manager) Tenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Login clears a logged-out marker left by Logout and registers the tenant
func (m *Manager) Login(ctx context.Context, tenantID string) (*TenantSyncContext, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidMutation)
	}
	err := m.store.Run(ctx, func(tx store.Tx) error {
		return tx.SetLoggedOut(tenantID, false)
	})
	if err != nil {
		return nil, syncerr.Storage("login", err)
	}
	return m.AddTenant(tenantID), nil
}

// Restore registers every tenant that still has local sync state and was not logged out
func (m *Manager) Restore(ctx context.Context) error {
	var ids []string
	err := m.store.Run(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.Tenants()
		return err
	})
	if err != nil {
		return syncerr.Storage("list tenants", err)
	}
	for _, id := range ids {
		m.AddTenant(id)
	}
	return nil
}

// Enqueue records a local mutation in the outbox, coalescing it into the
// document's active record when there is one. The local copy of the entity is
// written in the same transaction. It never touches the network.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (models.OutboxRecord, error) {
	collection := models.NormalizeCollection(req.Collection)
	col, ok := m.cfg.Registry.Lookup(collection)
	switch {
	case req.TenantID == "":
		return models.OutboxRecord{}, fmt.Errorf("%w: tenant id is required", ErrInvalidMutation)
	case !ok:
		return models.OutboxRecord{}, fmt.Errorf("%w: %q", ErrUnknownCollection, req.Collection)
	case req.DocumentID == "":
		return models.OutboxRecord{}, fmt.Errorf("%w: document id is required", ErrInvalidMutation)
	case !req.Operation.Valid():
		return models.OutboxRecord{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidMutation, req.Operation)
	}

	payload := req.Payload.Clone()
	if payload == nil {
		payload = models.Entity{}
	}
	now := m.cfg.Clock.Now()
	// the LWW timestamp is fixed at mutation time, not at push time
	if ts, err := payload.UpdatedAt(); err != nil {
		payload.SetUpdatedAt(now)
	} else {
		payload.SetUpdatedAt(ts)
	}

	var out models.OutboxRecord
	var loggedOut bool
	result := "inserted"
	err := m.store.Run(ctx, func(tx store.Tx) error {
		var err error
		if loggedOut, err = tx.LoggedOut(req.TenantID); err != nil {
			return err
		}
		active, err := tx.ActiveRecord(req.TenantID, collection, req.DocumentID)
		if err != nil {
			return err
		}
		if active != nil {
			active.Operation = active.Operation.Coalesce(req.Operation)
			active.Payload = payload
			active.Priority = min(active.Priority, req.Priority)
			active.Revision++
			active.UpdatedAt = now
			result = "coalesced"
			out = *active
			if err := tx.UpdateRecord(*active); err != nil {
				return err
			}
			return tx.UpsertEntity(req.TenantID, collection, out.Envelope())
		}

		result = "inserted"
		out = models.OutboxRecord{
			ID:               uuid.NewString(),
			TenantID:         req.TenantID,
			Operation:        req.Operation,
			TargetCollection: collection,
			DocumentID:       req.DocumentID,
			Payload:          payload,
			Priority:         req.Priority,
			Status:           models.StatusPending,
			NextAttemptAt:    now,
			Revision:         1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertRecord(out); err != nil {
			return err
		}
		return tx.UpsertEntity(req.TenantID, collection, out.Envelope())
	})
	if err != nil {
		return models.OutboxRecord{}, syncerr.Storage("enqueue", err)
	}
	metrics.RecordsEnqueued.WithLabelValues(collection, result).Inc()

	if loggedOut {
		// kept in the outbox until the next Login
		return out, nil
	}
	m.AddTenant(req.TenantID)
	if col.HighValue {
		m.Trigger(req.TenantID)
	}
	return out, nil
}

// Trigger asks the Run loop for a background cycle of the tenant without blocking
func (m *Manager) Trigger(tenantID string) {
	select {
	case m.triggers <- tenantID:
	default:
		m.logger.Debug("Trigger buffer full, relying on the next scheduled cycle", "tenant_id", tenantID)
	}
}

// SyncNow runs one Pull-then-Push cycle, waiting for a running cycle of the tenant to finish first.
// A tenant logged out on this device is refused with ErrTenantClosed until Login.
func (m *Manager) SyncNow(ctx context.Context, tenantID string) (CycleReport, error) {
	tc := m.lookup(tenantID)
	if tc == nil {
		var loggedOut bool
		err := m.store.Run(ctx, func(tx store.Tx) error {
			var err error
			loggedOut, err = tx.LoggedOut(tenantID)
			return err
		})
		if err != nil {
			return CycleReport{TenantID: tenantID}, syncerr.Storage("load tenant session", err)
		}
		if loggedOut {
			return CycleReport{TenantID: tenantID}, ErrTenantClosed
		}
		tc = m.AddTenant(tenantID)
	}

	tc.cycleMu.Lock()
	report, err := m.runCycle(ctx, tc)
	tc.cycleMu.Unlock()

	// a background request that found this cycle running only set the flag
	if tc.rerun.Load() && ctx.Err() == nil {
		m.Trigger(tenantID)
	}
	return report, err
}

// SyncAll runs a background cycle for every registered tenant, tenants in parallel
func (m *Manager) SyncAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentTenants)

	var mu sync.Mutex
	var errs []error
	for _, id := range m.Tenants() {
		tc := m.lookup(id)
		if tc == nil {
			continue
		}
		g.Go(func() error {
			if err := m.background(gctx, tc); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("tenant %s: %w", tc.TenantID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// background runs a cycle unless one is already running, in which case the
// running cycle is asked to go once more when it finishes
func (m *Manager) background(ctx context.Context, tc *TenantSyncContext) error {
	var errs []error
	for {
		if !tc.cycleMu.TryLock() {
			tc.rerun.Store(true)
			if !tc.cycleMu.TryLock() {
				return errors.Join(errs...)
			}
		}
		tc.rerun.Store(false)
		if _, err := m.runCycle(ctx, tc); err != nil {
			errs = append(errs, err)
		}
		tc.cycleMu.Unlock()

		if !tc.rerun.Load() || ctx.Err() != nil {
			return errors.Join(errs...)
		}
	}
}

// runCycle must be called with tc.cycleMu held
func (m *Manager) runCycle(ctx context.Context, tc *TenantSyncContext) (CycleReport, error) {
	report := CycleReport{TenantID: tc.TenantID}
	cycleCtx, ok := tc.begin(ctx)
	if !ok {
		return report, ErrTenantClosed
	}
	defer tc.end()

	start := time.Now()
	l := m.logger.With("tenant_id", tc.TenantID)

	pullRep, pullErr := m.pull.Pull(cycleCtx, tc.TenantID)
	report.Pull = pullRep
	if pullErr != nil {
		metrics.CycleFailures.WithLabelValues("pull", errorClass(pullErr)).Inc()
		l.Error("Pull failed", "error", pullErr)
	}

	var pushErr error
	pushed := pullErr == nil || !(syncerr.IsLocalStorage(pullErr) || cycleCtx.Err() != nil)
	if pushed {
		report.Push, pushErr = m.push.Push(cycleCtx, tc.TenantID)
		if pushErr != nil {
			metrics.CycleFailures.WithLabelValues("push", errorClass(pushErr)).Inc()
			l.Error("Push failed", "error", pushErr)
		}
	}

	report.Duration = time.Since(start)
	err := errors.Join(pullErr, pushErr)
	tc.record(pullErr == nil, pushed && pushErr == nil, err, m.cfg.Clock.Now())

	if cycleCtx.Err() == nil {
		m.scheduleRetry(ctx, tc)
		m.refreshGauges(ctx, tc.TenantID)
	}

	l.Debug("Sync cycle finished",
		"applied", report.Pull.Applied,
		"synced", report.Push.Synced,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, err
}

// scheduleRetry arms the tenant timer at the earliest next_attempt_at of its pending records
func (m *Manager) scheduleRetry(ctx context.Context, tc *TenantSyncContext) {
	var next time.Time
	var found bool
	err := m.store.Run(ctx, func(tx store.Tx) error {
		var err error
		next, found, err = tx.NextAttemptAt(tc.TenantID)
		return err
	})
	if err != nil {
		m.logger.Warn("Could not schedule retry", "tenant_id", tc.TenantID, "error", err)
		return
	}
	if !found {
		tc.stopRetry()
		return
	}

	delay := max(next.Sub(m.cfg.Clock.Now()), minRetryDelay)
	tenantID := tc.TenantID
	tc.armRetry(delay, func() { m.Trigger(tenantID) })
}

func (m *Manager) refreshGauges(ctx context.Context, tenantID string) {
	var counts map[models.Status]int
	err := m.store.Run(ctx, func(tx store.Tx) error {
		var err error
		counts, err = tx.CountByStatus(tenantID)
		return err
	})
	if err != nil {
		return
	}
	metrics.OutboxBacklog.WithLabelValues(tenantID).Set(float64(counts[models.StatusPending] + counts[models.StatusInFlight]))
	metrics.AbandonedRecords.WithLabelValues(tenantID).Set(float64(counts[models.StatusAbandoned]))
}

// Run drives background sync until ctx is canceled: a periodic timer, event
// triggers and retry timers all converge on the same cycle
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	syncAll := func() {
		if err := m.SyncAll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Scheduled sync finished with errors", "error", err)
		}
	}

	m.logger.Info("Sync manager started", "interval", m.cfg.SyncInterval.String(), "tenants", len(m.Tenants()))
	spawn(syncAll)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sync manager stopping, waiting for running cycles")
			m.stopRetries()
			wg.Wait()
			return nil
		case <-ticker.C:
			spawn(syncAll)
		case id := <-m.triggers:
			tc := m.lookup(id)
			if tc == nil {
				continue
			}
			spawn(func() {
				if err := m.background(ctx, tc); err != nil && ctx.Err() == nil {
					m.logger.Warn("Triggered sync finished with errors", "tenant_id", id, "error", err)
				}
			})
		}
	}
}

func (m *Manager) stopRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tc := range m.tenants {
		tc.stopRetry()
	}
}

// Status summarizes the tenant's outbox and sync health
func (m *Manager) Status(ctx context.Context, tenantID string) (models.TenantStatus, error) {
	st := models.TenantStatus{TenantID: tenantID}
	err := m.store.Run(ctx, func(tx store.Tx) error {
		counts, err := tx.CountByStatus(tenantID)
		if err != nil {
			return err
		}
		failed, err := tx.RetryingCount(tenantID)
		if err != nil {
			return err
		}
		cursor, err := tx.Cursor(tenantID)
		if err != nil {
			return err
		}
		st.Pending = counts[models.StatusPending]
		st.InFlight = counts[models.StatusInFlight]
		st.Abandoned = counts[models.StatusAbandoned]
		st.Failed = failed
		if cursor != nil {
			st.LastPulledAt = cursor.LastPulledAt
			st.LastPullAt = cursor.LastSuccessfulPullAt
		}
		return nil
	})
	if err != nil {
		return st, syncerr.Storage("status", err)
	}

	if tc := m.lookup(tenantID); tc != nil {
		tc.mu.Lock()
		if !tc.lastPullAt.IsZero() {
			st.LastPullAt = tc.lastPullAt
		}
		st.LastPushAt = tc.lastPushAt
		st.LastError = tc.lastErr
		st.LastErrorAt = tc.lastErrAt
		st.CycleRunning = tc.running
		tc.mu.Unlock()
	}
	metrics.OutboxBacklog.WithLabelValues(tenantID).Set(float64(st.Pending + st.InFlight))
	metrics.AbandonedRecords.WithLabelValues(tenantID).Set(float64(st.Abandoned))
	return st, nil
}

// Logout cancels the tenant's running cycle, waits for it, clears its cursor and
// forgets the tenant. The logged-out marker keeps Restore from bringing the
// tenant back; outbox records are kept and pushed after the next Login.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	tc := m.tenants[tenantID]
	delete(m.tenants, tenantID)
	m.mu.Unlock()

	if tc != nil {
		tc.close()
	}
	err := m.store.Run(ctx, func(tx store.Tx) error {
		if err := tx.DeleteCursor(tenantID); err != nil {
			return err
		}
		return tx.SetLoggedOut(tenantID, true)
	})
	if err != nil {
		return syncerr.Storage("logout", err)
	}
	m.logger.Info("Tenant logged out", "tenant_id", tenantID)
	return nil
}

// ListAbandoned returns the records waiting for operator action
func (m *Manager) ListAbandoned(ctx context.Context, tenantID string) ([]models.OutboxRecord, error) {
	var out []models.OutboxRecord
	err := m.store.Run(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.RecordsByStatus(tenantID, models.StatusAbandoned)
		return err
	})
	if err != nil {
		return nil, syncerr.Storage("list abandoned", err)
	}
	return out, nil
}

func abandonedRecord(tx store.Tx, tenantID, id string) (*models.OutboxRecord, error) {
	rec, err := tx.Record(id)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if rec.Status != models.StatusAbandoned {
		return nil, fmt.Errorf("%w: status is %s", ErrNotAbandoned, rec.Status)
	}
	return rec, nil
}

// RetryAbandoned queues the abandoned payload again as a brand-new record.
// The abandoned record stays as it is.
func (m *Manager) RetryAbandoned(ctx context.Context, tenantID, id string) (models.OutboxRecord, error) {
	now := m.cfg.Clock.Now()
	var out models.OutboxRecord
	err := m.store.Run(ctx, func(tx store.Tx) error {
		rec, err := abandonedRecord(tx, tenantID, id)
		if err != nil {
			return err
		}
		active, err := tx.ActiveRecord(tenantID, rec.TargetCollection, rec.DocumentID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: record %s", ErrSuperseded, active.ID)
		}
		out = models.OutboxRecord{
			ID:               uuid.NewString(),
			TenantID:         rec.TenantID,
			Operation:        rec.Operation,
			TargetCollection: rec.TargetCollection,
			DocumentID:       rec.DocumentID,
			Payload:          rec.Payload.Clone(),
			Priority:         rec.Priority,
			Status:           models.StatusPending,
			NextAttemptAt:    now,
			Revision:         1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return tx.InsertRecord(out)
	})
	if err != nil {
		if isOperatorError(err) {
			return models.OutboxRecord{}, err
		}
		return models.OutboxRecord{}, syncerr.Storage("retry abandoned", err)
	}
	m.logger.Info("Abandoned record requeued", "tenant_id", tenantID, "abandoned_id", id, "record_id", out.ID)
	m.AddTenant(tenantID)
	m.Trigger(tenantID)
	return out, nil
}

// DiscardAbandoned deletes an abandoned record for good
func (m *Manager) DiscardAbandoned(ctx context.Context, tenantID, id string) error {
	err := m.store.Run(ctx, func(tx store.Tx) error {
		if _, err := abandonedRecord(tx, tenantID, id); err != nil {
			return err
		}
		return tx.DeleteRecord(id)
	})
	if err != nil {
		if isOperatorError(err) {
			return err
		}
		return syncerr.Storage("discard abandoned", err)
	}
	m.logger.Info("Abandoned record discarded", "tenant_id", tenantID, "record_id", id)
	return nil
}

// Purge deletes synced records older than the retention window. Abandoned records are never purged.
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := m.cfg.Clock.Now().Add(-retention)
	var n int
	err := m.store.Run(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.PurgeRecords(models.StatusSynced, cutoff)
		return err
	})
	if err != nil {
		return 0, syncerr.Storage("purge", err)
	}
	if n > 0 {
		m.logger.Info("Purged synced outbox records", "count", n, "cutoff", models.FormatTimestamp(cutoff))
	}
	return n, nil
}

func isOperatorError(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrNotAbandoned) || errors.Is(err, ErrSuperseded)
}

func errorClass(err error) string {
	switch {
	case syncerr.IsLocalStorage(err):
		return "storage"
	case syncerr.IsRejection(err):
		return "rejected"
	case syncerr.IsPayloadTooLarge(err):
		return "too_large"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case syncerr.IsTransient(err):
		return "transient"
	default:
		return "unknown"
	}
}
