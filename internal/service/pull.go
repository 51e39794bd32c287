package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/store"
	"github.com/Guizzs26/go-offline-sync/internal/syncerr"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

// PullService fetches remote changes and merges them into the local store
type PullService struct {
	store     store.Store
	transport Transport
	cfg       Config
	logger    *slog.Logger
}

func NewPullService(st store.Store, tr Transport, logger *slog.Logger, opts ...Option) *PullService {
	return newPullService(st, tr, logger, newConfig(opts))
}

func newPullService(st store.Store, tr Transport, logger *slog.Logger, cfg Config) *PullService {
	return &PullService{
		store:     st,
		transport: tr,
		cfg:       cfg,
		logger:    logger,
	}
}

type pageStats struct {
	applied, skipped, dropped int
	cursor                    time.Time
}

// Pull pages through the tenant's remote changes since its cursor.
// Each page and its cursor advance commit in one local transaction.
func (s *PullService) Pull(ctx context.Context, tenantID string) (PullReport, error) {
	var report PullReport
	l := s.logger.With("tenant_id", tenantID)

	for page := 0; page < s.cfg.MaxPullPages; page++ {
		var since time.Time
		err := s.store.Run(ctx, func(tx store.Tx) error {
			c, err := tx.Cursor(tenantID)
			if c != nil {
				since = c.LastPulledAt
			}
			return err
		})
		if err != nil {
			return report, syncerr.Storage("load cursor", err)
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.TransportTimeout)
		pg, err := s.transport.Pull(callCtx, tenantID, since, s.cfg.PullPageSize)
		cancel()
		if err != nil {
			metrics.PullDuration.WithLabelValues(callStatus(err)).Observe(time.Since(start).Seconds())
			return report, fmt.Errorf("pull page %d: %w", page+1, err)
		}

		stats, err := s.applyPage(ctx, l, tenantID, pg)
		metrics.PullDuration.WithLabelValues(callStatus(err)).Observe(time.Since(start).Seconds())
		if err != nil {
			return report, syncerr.Storage("apply pulled page", err)
		}

		report.Pages++
		report.Applied += stats.applied
		report.Skipped += stats.skipped
		report.Dropped += stats.dropped
		report.Cursor = stats.cursor

		if !pg.HasMore {
			return report, nil
		}
		if !pg.ServerTimestamp.After(since) {
			l.Warn("Server reported more changes without advancing the cursor, stopping pull",
				"cursor", models.FormatTimestamp(since))
			return report, nil
		}
	}

	l.Warn("Pull page limit reached, remaining changes wait for the next cycle",
		"max_pages", s.cfg.MaxPullPages)
	return report, nil
}

func (s *PullService) applyPage(ctx context.Context, l *slog.Logger, tenantID string, pg models.PullPage) (pageStats, error) {
	var stats pageStats
	now := s.cfg.Clock.Now()

	collections := make([]string, 0, len(pg.Collections))
	for name := range pg.Collections {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	err := s.store.Run(ctx, func(tx store.Tx) error {
		stats = pageStats{}

		for _, raw := range collections {
			entities := pg.Collections[raw]
			name := models.NormalizeCollection(raw)
			if _, ok := s.cfg.Registry.Lookup(name); !ok {
				l.Warn("Dropping entities of unregistered collection", "collection", raw, "count", len(entities))
				stats.dropped += len(entities)
				continue
			}

			for _, e := range entities {
				if tid := e.TenantID(); tid != "" && tid != tenantID {
					mismatch := &syncerr.TenantMismatchError{Expected: tenantID, Got: tid, Collection: name, ID: e.ID()}
					l.Error("Security Trigger: dropping foreign entity", "error", mismatch)
					stats.dropped++
					continue
				}
				id := e.ID()
				if id == "" {
					l.Warn("Dropping entity without id", "collection", name)
					stats.dropped++
					continue
				}

				local, err := tx.Entity(tenantID, name, id)
				if err != nil {
					return err
				}
				active, err := tx.ActiveRecord(tenantID, name, id)
				if err != nil {
					return err
				}

				decision, err := Resolve(e, local, active != nil)
				if err != nil {
					l.Warn("Dropping unresolvable entity", "collection", name, "id", id, "error", err)
					stats.dropped++
					continue
				}
				if decision == Skip {
					stats.skipped++
					continue
				}

				stored := e.Clone()
				stored[models.FieldTenantID] = tenantID
				if err := tx.UpsertEntity(tenantID, name, stored); err != nil {
					return err
				}
				stats.applied++
			}
		}

		// a logout while the page was being applied must not commit it
		if err := ctx.Err(); err != nil {
			return err
		}

		cursor, err := tx.Cursor(tenantID)
		if err != nil {
			return err
		}
		if cursor == nil {
			cursor = &models.SyncCursor{TenantID: tenantID}
		}
		cursor.Advance(pg.ServerTimestamp, now)
		stats.cursor = cursor.LastPulledAt
		return tx.SaveCursor(*cursor)
	})
	if err != nil {
		return pageStats{}, err
	}

	metrics.PullEntities.WithLabelValues("applied").Add(float64(stats.applied))
	metrics.PullEntities.WithLabelValues("skipped").Add(float64(stats.skipped))
	metrics.PullEntities.WithLabelValues("dropped").Add(float64(stats.dropped))
	return stats, nil
}
