// Package transport implements the sync protocol client over HTTP/JSON.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/syncerr"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
)

const (
	PushPath = "/sync/push"
	PullPath = "/sync/pull"

	// HeaderDeviceID identifies the sending device so change notices can skip their origin
	HeaderDeviceID = "X-Device-ID"

	maxErrorBody = 512
)

// Client talks to the cloud sync server
type Client struct {
	baseURL  string
	http     *http.Client
	deviceID string
	token    string
	logger   *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithAuthToken sends the token as a bearer credential on every call
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pushResponse struct {
	Status      string             `json:"status"`
	SyncedCount int                `json:"synced_count"`
	Rejected    []models.Rejection `json:"rejected"`
	Error       string             `json:"error"`
}

// Push sends one tenant batch. Every collection is a top-level key next to business_id.
func (c *Client) Push(ctx context.Context, batch models.PushBatch) (models.PushResult, error) {
	body := make(map[string]any, len(batch.Collections)+1)
	for name, entities := range batch.Collections {
		body[name] = entities
	}
	body[models.FieldTenantID] = batch.TenantID

	raw, err := c.post(ctx, "push", PushPath, body)
	if err != nil {
		return models.PushResult{}, err
	}

	var resp pushResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.PushResult{}, &syncerr.TransientNetworkError{Op: "push", Err: fmt.Errorf("decode response: %w", err)}
	}
	switch resp.Status {
	case models.PushStatusSuccess, models.PushStatusPartial:
	case "error":
		return models.PushResult{}, &syncerr.ServerRejection{Status: http.StatusOK, Reason: resp.Error}
	default:
		return models.PushResult{}, &syncerr.TransientNetworkError{Op: "push", Err: fmt.Errorf("unexpected push status %q", resp.Status)}
	}

	return models.PushResult{
		Status:      resp.Status,
		SyncedCount: resp.SyncedCount,
		Rejected:    resp.Rejected,
	}, nil
}

type pullRequest struct {
	TenantID          string `json:"business_id"`
	LastSyncTimestamp string `json:"last_sync_timestamp,omitempty"`
	Limit             int    `json:"limit,omitempty"`
}

// Pull fetches one page of changes made after since
func (c *Client) Pull(ctx context.Context, tenantID string, since time.Time, limit int) (models.PullPage, error) {
	req := pullRequest{TenantID: tenantID, Limit: limit}
	if !since.IsZero() {
		req.LastSyncTimestamp = models.FormatTimestamp(since)
	}

	raw, err := c.post(ctx, "pull", PullPath, req)
	if err != nil {
		return models.PullPage{}, err
	}
	pg, err := decodePullPage(raw)
	if err != nil {
		return models.PullPage{}, &syncerr.TransientNetworkError{Op: "pull", Err: err}
	}
	return pg, nil
}

func decodePullPage(raw []byte) (models.PullPage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.PullPage{}, fmt.Errorf("decode pull page: %w", err)
	}

	pg := models.PullPage{Collections: make(map[string][]models.Entity)}
	for key, value := range fields {
		switch key {
		case "server_timestamp":
			var ts string
			if err := json.Unmarshal(value, &ts); err != nil {
				return models.PullPage{}, fmt.Errorf("decode server_timestamp: %w", err)
			}
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return models.PullPage{}, fmt.Errorf("parse server_timestamp %q: %w", ts, err)
			}
			pg.ServerTimestamp = t.UTC()
		case "has_more":
			if err := json.Unmarshal(value, &pg.HasMore); err != nil {
				return models.PullPage{}, fmt.Errorf("decode has_more: %w", err)
			}
		default:
			// only arrays are collections; other metadata keys are ignored
			if len(value) == 0 || value[0] != '[' {
				continue
			}
			entities, err := models.DecodeEntities(value)
			if err != nil {
				return models.PullPage{}, fmt.Errorf("collection %s: %w", key, err)
			}
			pg.Collections[key] = entities
		}
	}
	if pg.ServerTimestamp.IsZero() {
		return models.PullPage{}, errors.New("pull page has no server_timestamp")
	}
	return pg, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.deviceID != "" {
		req.Header.Set(HeaderDeviceID, c.deviceID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &syncerr.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &syncerr.TransientNetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if decoded, err := encoding.ToUTF8(resp.Header.Get("Content-Type"), raw); err != nil {
		c.logger.Warn("Response body charset not decoded", "op", op, "error", err)
	} else {
		raw = decoded
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	return nil, classify(op, resp.StatusCode, raw)
}

// classify maps a non-2xx status onto the sync error taxonomy
func classify(op string, status int, body []byte) error {
	reason := errorReason(body)
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return &syncerr.PayloadTooLargeError{Op: op, Reason: reason}
	case status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden:
		// auth failures are retried once the token is refreshed
		return &syncerr.TransientNetworkError{Op: op, Status: status, Err: errors.New(reason)}
	default:
		return &syncerr.ServerRejection{Status: status, Reason: reason}
	}
}

func errorReason(body []byte) string {
	var env struct {
		Error  string `json:"error"`
		Detail any    `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Detail != nil {
			return fmt.Sprint(env.Detail)
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "empty response body"
	}
	return s
}
