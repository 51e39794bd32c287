// Package server is the reference cloud endpoint of the sync protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/transport"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const (
	defaultPullLimit = 500
	maxPullLimit     = 5000
	maxBodyBytes     = 32 << 20
	publishTimeout   = 5 * time.Second
)

// Server serves /sync/push and /sync/pull on top of a Store
type Server struct {
	store        Store
	publisher    Publisher
	registry     models.Registry
	maxBodyBytes int64
	logger       *slog.Logger
}

type Option func(*Server)

// WithPublisher broadcasts a change notice after every push that wrote rows
func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

func WithRegistry(r models.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithMaxBodyBytes caps request bodies; larger ones get 413
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

func New(st Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		store:        st,
		registry:     models.DefaultRegistry,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With("component", "sync_server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/sync", func(r chi.Router) {
		r.Post("/push", s.handlePush)
		r.Post("/pull", s.handlePull)
	})
	return r
}

// observe records the latency of every routed request by pattern and status
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ServerRequestDuration.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pushResponse struct {
	Status      string             `json:"status"`
	SyncedCount int                `json:"synced_count"`
	Rejected    []models.Rejection `json:"rejected,omitempty"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := s.logger.With("request_id", middleware.GetReqID(ctx))

	var fields map[string]json.RawMessage
	if err := s.decodeBody(w, r, &fields); err != nil {
		writeBodyError(w, err)
		return
	}
	tenantID, err := tenantOf(fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l = l.With("tenant_id", tenantID)

	batch := make(map[string][]models.Entity)
	var rejected []models.Rejection
	for key, raw := range fields {
		if key == models.FieldTenantID {
			continue
		}
		entities, err := models.DecodeEntities(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("collection %s must be an array of objects", key))
			return
		}

		name := models.NormalizeCollection(key)
		if _, ok := s.registry.Lookup(name); !ok {
			for _, e := range entities {
				rejected = append(rejected, models.Rejection{Collection: key, ID: e.ID(), Reason: "unknown collection"})
			}
			continue
		}
		for _, e := range entities {
			if reason := validateEntity(e); reason != "" {
				rejected = append(rejected, models.Rejection{Collection: name, ID: e.ID(), Reason: reason})
				continue
			}
			row := e.Clone()
			row[models.FieldTenantID] = tenantID
			batch[name] = append(batch[name], row)
		}
	}
	metrics.ServerPushEntities.WithLabelValues("rejected").Add(float64(len(rejected)))

	res, err := s.store.UpsertEntities(ctx, tenantID, batch)
	if err != nil {
		l.Error("Push transaction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "push could not be stored")
		return
	}
	metrics.ServerPushEntities.WithLabelValues("written").Add(float64(res.Written))
	metrics.ServerPushEntities.WithLabelValues("ignored").Add(float64(res.Ignored))

	if res.Written > 0 && s.publisher != nil {
		notice := models.ChangeNotice{
			TenantID:        tenantID,
			DeviceID:        r.Header.Get(transport.HeaderDeviceID),
			ServerTimestamp: res.ServerTimestamp,
			Count:           res.Written,
		}
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		if err := s.publisher.PublishChange(pubCtx, notice); err != nil {
			// the push is committed; devices still see it on their next scheduled pull
			l.Warn("Change notice not published", "error", err)
		}
		cancel()
	}

	resp := pushResponse{
		Status:      models.PushStatusSuccess,
		SyncedCount: res.Written + res.Ignored,
		Rejected:    rejected,
	}
	if len(rejected) > 0 {
		resp.Status = models.PushStatusPartial
	}
	l.Info("Push processed", "written", res.Written, "ignored", res.Ignored, "rejected", len(rejected))
	writeJSON(w, http.StatusOK, resp)
}

type pullRequest struct {
	TenantID          string `json:"business_id"`
	LastSyncTimestamp string `json:"last_sync_timestamp"`
	Limit             int    `json:"limit"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pullRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "business_id is required")
		return
	}

	var since time.Time
	if req.LastSyncTimestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, req.LastSyncTimestamp)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "last_sync_timestamp must be RFC 3339")
			return
		}
		since = t.UTC()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}
	limit = min(limit, maxPullLimit)

	pg, err := s.store.ChangesSince(ctx, req.TenantID, since, limit)
	if err != nil {
		s.logger.Error("Pull query failed", "tenant_id", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "changes could not be read")
		return
	}
	metrics.ServerPulledEntities.Add(float64(pg.Size()))

	resp := make(map[string]any, len(pg.Collections)+2)
	for name, entities := range pg.Collections {
		resp[name] = entities
	}
	resp["server_timestamp"] = models.FormatTimestamp(pg.ServerTimestamp)
	resp["has_more"] = pg.HasMore
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	return json.NewDecoder(body).Decode(v)
}

// writeBodyError answers 413 for oversized bodies so clients split the batch instead of dropping it
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
}

func tenantOf(fields map[string]json.RawMessage) (string, error) {
	raw, ok := fields[models.FieldTenantID]
	if !ok {
		return "", errors.New("business_id is required")
	}
	var tenantID string
	if err := json.Unmarshal(raw, &tenantID); err != nil || tenantID == "" {
		return "", errors.New("business_id must be a non-empty string")
	}
	return tenantID, nil
}

func validateEntity(e models.Entity) string {
	if e.ID() == "" {
		return "id is required"
	}
	if _, err := e.UpdatedAt(); err != nil {
		return fmt.Sprintf("invalid updated_at: %v", err)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: reason})
}
