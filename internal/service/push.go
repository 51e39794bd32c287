package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/store"
	"github.com/Guizzs26/go-offline-sync/internal/syncerr"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const maxPushMemoryThresholdMB = 20

// PushService drains a tenant's outbox to the server
type PushService struct {
	store     store.Store
	transport Transport
	cfg       Config
	logger    *slog.Logger

	// budget is the byte bound of the next claim: halved when the server refuses a
	// body as too large, grown back toward cfg.PushMaxBytes after each accepted push
	budget atomic.Int64
}

func NewPushService(st store.Store, tr Transport, logger *slog.Logger, opts ...Option) *PushService {
	return newPushService(st, tr, logger, newConfig(opts))
}

func newPushService(st store.Store, tr Transport, logger *slog.Logger, cfg Config) *PushService {
	s := &PushService{
		store:     st,
		transport: tr,
		cfg:       cfg,
		logger:    logger,
	}
	s.budget.Store(int64(cfg.PushMaxBytes))
	return s
}

// verdict is the server outcome for one claimed record
type verdict struct {
	outcome string
	reason  string
}

const (
	outcomeSynced    = "synced"
	outcomeRetry     = "retry"
	outcomeAbandoned = "abandoned"
	outcomeRequeued  = "requeued"
)

// Push claims due records, sends them in one call and settles each record from the server verdict.
// The returned error is the transport failure, if any; the queue is settled either way.
func (s *PushService) Push(ctx context.Context, tenantID string) (PushReport, error) {
	var report PushReport
	l := s.logger.With("tenant_id", tenantID)
	now := s.cfg.Clock.Now()

	var claimed []models.OutboxRecord
	err := s.store.Run(ctx, func(tx store.Tx) error {
		orphans, err := tx.RecordsByStatus(tenantID, models.StatusInFlight)
		if err != nil {
			return err
		}
		for _, r := range orphans {
			if err := r.Transition(models.StatusPending); err != nil {
				return err
			}
			r.UpdatedAt = now
			if err := tx.UpdateRecord(r); err != nil {
				return err
			}
		}
		report.Released = len(orphans)

		due, err := tx.DueRecords(tenantID, now, s.cfg.PushBatchSize)
		if err != nil {
			return err
		}
		due = withinBudget(due, int(s.budget.Load()))
		for i := range due {
			if err := due[i].Transition(models.StatusInFlight); err != nil {
				return err
			}
			due[i].UpdatedAt = now
			if err := tx.UpdateRecord(due[i]); err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	if err != nil {
		return report, syncerr.Storage("claim outbox records", err)
	}
	if report.Released > 0 {
		l.Warn("Released orphaned in-flight records", "count", report.Released)
		metrics.PushRecords.WithLabelValues(outcomeRequeued).Add(float64(report.Released))
	}
	if len(claimed) == 0 {
		return report, nil
	}
	report.Claimed = len(claimed)
	metrics.PushBatchSize.Observe(float64(len(claimed)))

	batch := s.buildBatch(tenantID, claimed)
	if batchMB := batch.Bytes / (1024 * 1024); batchMB > maxPushMemoryThresholdMB {
		l.Warn("Heavy push batch detected: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", maxPushMemoryThresholdMB,
			"count", len(claimed),
		)
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.TransportTimeout)
	result, callErr := s.transport.Push(callCtx, batch.PushBatch)
	cancel()
	metrics.PushDuration.WithLabelValues(callStatus(callErr)).Observe(time.Since(start).Seconds())

	s.adjustBudget(l, batch.Bytes, len(claimed), callErr)
	verdicts := s.verdicts(ctx, claimed, result, callErr)

	// the queue is settled even when the cycle was canceled mid-call
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()
	settledAt := s.cfg.Clock.Now()
	err = s.store.Run(settleCtx, func(tx store.Tx) error {
		report.Synced, report.Retried, report.Abandoned, report.Requeued = 0, 0, 0, 0
		for _, c := range claimed {
			cur, err := tx.Record(c.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if cur.Status != models.StatusInFlight {
				continue
			}
			outcome, err := s.settle(cur, verdicts[c.ID], settledAt)
			if err != nil {
				return err
			}
			if err := tx.UpdateRecord(*cur); err != nil {
				return err
			}
			switch outcome {
			case outcomeSynced:
				report.Synced++
			case outcomeRetry:
				report.Retried++
			case outcomeAbandoned:
				report.Abandoned++
			case outcomeRequeued:
				report.Requeued++
			}
		}
		return nil
	})
	if err != nil {
		l.Error("CRITICAL: failed to settle pushed records", "error", err, "count", len(claimed))
		return report, syncerr.Storage("settle outbox records", err)
	}

	metrics.PushRecords.WithLabelValues(outcomeSynced).Add(float64(report.Synced))
	metrics.PushRecords.WithLabelValues(outcomeRetry).Add(float64(report.Retried))
	metrics.PushRecords.WithLabelValues(outcomeAbandoned).Add(float64(report.Abandoned))
	metrics.PushRecords.WithLabelValues(outcomeRequeued).Add(float64(report.Requeued))

	l.Info("Push cycle telemetry",
		"claimed", report.Claimed,
		"synced", report.Synced,
		"retried", report.Retried,
		"abandoned", report.Abandoned,
		"requeued", report.Requeued,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if report.Abandoned > 0 {
		l.Error("Outbox records abandoned: operator action required", "count", report.Abandoned)
	}

	if callErr != nil {
		return report, fmt.Errorf("push %d records: %w", len(claimed), callErr)
	}
	return report, nil
}

// withinBudget keeps the longest prefix of due whose estimated size fits maxBytes.
// The first record always goes, so a single large record is never starved.
func withinBudget(due []models.OutboxRecord, maxBytes int) []models.OutboxRecord {
	total := 0
	for i, r := range due {
		total += r.EstimateBytes()
		if i > 0 && total > maxBytes {
			return due[:i]
		}
	}
	return due
}

func (s *PushService) adjustBudget(l *slog.Logger, sent, claimed int, callErr error) {
	switch {
	case syncerr.IsPayloadTooLarge(callErr) && claimed > 1:
		next := max(int64(sent/2), 1)
		s.budget.Store(next)
		l.Warn("Server refused push body as too large, splitting the next batch",
			"records", claimed,
			"sent_bytes", sent,
			"next_budget_bytes", next,
		)
	case callErr == nil:
		s.budget.Store(min(s.budget.Load()*2, int64(s.cfg.PushMaxBytes)))
	}
}

type pushBatch struct {
	models.PushBatch
	Bytes int
}

func (s *PushService) buildBatch(tenantID string, claimed []models.OutboxRecord) pushBatch {
	b := pushBatch{PushBatch: models.PushBatch{
		TenantID:    tenantID,
		Collections: make(map[string][]models.Entity),
	}}
	for _, r := range claimed {
		b.Collections[r.TargetCollection] = append(b.Collections[r.TargetCollection], r.Envelope())
		b.Bytes += r.EstimateBytes()
	}
	return b
}

// verdicts maps every claimed record id to the server outcome of the call
func (s *PushService) verdicts(ctx context.Context, claimed []models.OutboxRecord, result models.PushResult, callErr error) map[string]verdict {
	out := make(map[string]verdict, len(claimed))

	var whole verdict
	switch {
	case callErr == nil:
		whole = verdict{outcome: outcomeSynced}
	case errors.Is(callErr, context.Canceled) && ctx.Err() != nil:
		whole = verdict{outcome: outcomeRequeued, reason: "cycle canceled"}
	case syncerr.IsPayloadTooLarge(callErr) && len(claimed) > 1:
		whole = verdict{outcome: outcomeRequeued, reason: "batch split"}
	case syncerr.IsPayloadTooLarge(callErr):
		// one record alone is over the server limit: no split can ever deliver it
		whole = verdict{outcome: outcomeAbandoned, reason: callErr.Error()}
	case syncerr.IsRejection(callErr):
		whole = verdict{outcome: outcomeAbandoned, reason: callErr.Error()}
	default:
		whole = verdict{outcome: outcomeRetry, reason: callErr.Error()}
	}

	rejected := make(map[string]models.Rejection, len(result.Rejected))
	if callErr == nil {
		for _, rj := range result.Rejected {
			rejected[rejectionKey(models.NormalizeCollection(rj.Collection), rj.ID)] = rj
		}
	}

	for _, r := range claimed {
		v := whole
		if rj, ok := rejected[rejectionKey(r.TargetCollection, r.DocumentID)]; ok {
			v = verdict{outcome: outcomeAbandoned, reason: rj.Reason}
			if rj.Retryable {
				v.outcome = outcomeRetry
			}
		}
		out[r.ID] = v
	}
	return out
}

// settle applies a verdict to the current version of a claimed record
func (s *PushService) settle(rec *models.OutboxRecord, v verdict, now time.Time) (string, error) {
	coalesced := rec.CoalescedInFlight()
	rec.UpdatedAt = now

	outcome := v.outcome
	switch outcome {
	case outcomeSynced:
		if coalesced {
			// the acknowledged snapshot is stale; the newer one still has to go out
			outcome = outcomeRequeued
			rec.NextAttemptAt = now
			rec.LastError = ""
			return outcome, rec.Transition(models.StatusPending)
		}
		rec.LastError = ""
		return outcome, rec.Transition(models.StatusSynced)

	case outcomeRequeued:
		rec.NextAttemptAt = now
		return outcome, rec.Transition(models.StatusPending)

	case outcomeAbandoned:
		rec.LastError = v.reason
		if coalesced {
			rec.NextAttemptAt = now
			return outcomeRequeued, rec.Transition(models.StatusPending)
		}
		return outcome, rec.Transition(models.StatusAbandoned)

	default:
		rec.AttemptCount++
		rec.LastError = v.reason
		if rec.AttemptCount > s.cfg.MaxAttempts {
			return outcomeAbandoned, rec.Transition(models.StatusAbandoned)
		}
		rec.NextAttemptAt = now.Add(infra.RetryDelay(s.cfg.BackoffBase, rec.AttemptCount, s.cfg.BackoffCapExp))
		return outcomeRetry, rec.Transition(models.StatusPending)
	}
}

func rejectionKey(collection, id string) string {
	return collection + "/" + id
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case syncerr.IsRejection(err):
		return "rejected"
	case syncerr.IsPayloadTooLarge(err):
		return "too_large"
	default:
		return "error"
	}
}
