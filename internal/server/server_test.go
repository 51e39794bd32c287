package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/transport"
)

var ts0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	notices []models.ChangeNotice
	err     error
}

func (p *recordingPublisher) PublishChange(_ context.Context, n models.ChangeNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
	return p.err
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	srv := httptest.NewServer(New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...).Routes())
	t.Cleanup(srv.Close)
	return srv, st
}

func post(t *testing.T, url string, body any, header ...string) (int, map[string]json.RawMessage) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func customer(id string, ts time.Time, name string) map[string]any {
	return map[string]any{"id": id, "updated_at": models.FormatTimestamp(ts), "is_deleted": false, "name": name}
}

func pullAll(t *testing.T, url, tenant string) map[string]json.RawMessage {
	t.Helper()
	status, out := post(t, url+transport.PullPath, map[string]any{"business_id": tenant})
	require.Equal(t, http.StatusOK, status)
	return out
}

func decodeEntities(t *testing.T, raw json.RawMessage) []models.Entity {
	t.Helper()
	ents, err := models.DecodeEntities(raw)
	require.NoError(t, err)
	return ents
}

func TestPushThenPull(t *testing.T) {
	srv, _ := newTestServer(t)

	status, out := post(t, srv.URL+transport.PushPath, map[string]any{
		"business_id": "t1",
		"customers":   []any{customer("c1", ts0, "Asha")},
		"bills":       []any{map[string]any{"id": "b1", "updated_at": models.FormatTimestamp(ts0), "total": 1234.56, "business_id": "t2"}},
	})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `"success"`, string(out["status"]))
	assert.JSONEq(t, `2`, string(out["synced_count"]))

	page := pullAll(t, srv.URL, "t1")
	assert.JSONEq(t, `false`, string(page["has_more"]))
	bills := decodeEntities(t, page["bills"])
	require.Len(t, bills, 1)
	assert.Equal(t, "t1", bills[0].TenantID())
	assert.Equal(t, json.Number("1234.56"), bills[0]["total"])

	other := pullAll(t, srv.URL, "t2")
	assert.NotContains(t, other, "bills")
}

func TestPushLastWriteWins(t *testing.T) {
	srv, _ := newTestServer(t)
	push := func(ts time.Time, name string) {
		status, _ := post(t, srv.URL+transport.PushPath, map[string]any{
			"business_id": "t1",
			"customers":   []any{customer("c1", ts, name)},
		})
		require.Equal(t, http.StatusOK, status)
	}

	push(ts0.Add(time.Minute), "newer")
	push(ts0, "older")
	push(ts0.Add(time.Minute), "same time")

	customers := decodeEntities(t, pullAll(t, srv.URL, "t1")["customers"])
	require.Len(t, customers, 1)
	assert.Equal(t, "newer", customers[0]["name"])
}

func TestPushPartialRejection(t *testing.T) {
	srv, _ := newTestServer(t)
	status, out := post(t, srv.URL+transport.PushPath, map[string]any{
		"business_id": "t1",
		"customers": []any{
			customer("c1", ts0, "ok"),
			map[string]any{"id": "c2", "updated_at": "tomorrow"},
			map[string]any{"updated_at": models.FormatTimestamp(ts0)},
		},
		"audit_log": []any{customer("a1", ts0, "x")},
	})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `"partial"`, string(out["status"]))
	assert.JSONEq(t, `1`, string(out["synced_count"]))

	var rejected []models.Rejection
	require.NoError(t, json.Unmarshal(out["rejected"], &rejected))
	assert.Len(t, rejected, 3)
	for _, rj := range rejected {
		assert.False(t, rj.Retryable)
	}
}

func TestPushBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	status, out := post(t, srv.URL+transport.PushPath, map[string]any{"customers": []any{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `"business_id is required"`, string(out["error"]))

	status, _ = post(t, srv.URL+transport.PushPath, map[string]any{"business_id": "t1", "customers": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = post(t, srv.URL+transport.PullPath, map[string]any{"business_id": "t1", "last_sync_timestamp": "yesterday"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestOversizedBodyIsTooLargeNotBadRequest(t *testing.T) {
	srv, st := newTestServer(t, WithMaxBodyBytes(1024))

	status, out := post(t, srv.URL+transport.PushPath, map[string]any{
		"business_id": "t1",
		"customers":   []any{customer("c1", ts0, string(bytes.Repeat([]byte("a"), 4096)))},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Contains(t, string(out["error"]), "exceeds 1024 bytes")

	pg, err := st.ChangesSince(context.Background(), "t1", time.Time{}, 10)
	require.NoError(t, err)
	assert.Zero(t, pg.Size())

	status, _ = post(t, srv.URL+transport.PushPath, map[string]any{
		"business_id": "t1",
		"customers":   []any{customer("c1", ts0, "small")},
	})
	assert.Equal(t, http.StatusOK, status)
}

func TestPullPagesWithoutSplittingTies(t *testing.T) {
	srv, _ := newTestServer(t)
	status, _ := post(t, srv.URL+transport.PushPath, map[string]any{
		"business_id": "t1",
		"customers":   []any{customer("c1", ts0, "a"), customer("c2", ts0, "b"), customer("c3", ts0, "c")},
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = post(t, srv.URL+transport.PushPath, map[string]any{
		"business_id": "t1",
		"customers":   []any{customer("c4", ts0, "d")},
	})
	require.Equal(t, http.StatusOK, status)

	status, first := post(t, srv.URL+transport.PullPath, map[string]any{"business_id": "t1", "limit": 2})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeEntities(t, first["customers"]), 3)
	assert.JSONEq(t, `true`, string(first["has_more"]))

	var cursor string
	require.NoError(t, json.Unmarshal(first["server_timestamp"], &cursor))
	status, second := post(t, srv.URL+transport.PullPath, map[string]any{"business_id": "t1", "limit": 2, "last_sync_timestamp": cursor})
	require.Equal(t, http.StatusOK, status)
	rest := decodeEntities(t, second["customers"])
	require.Len(t, rest, 1)
	assert.Equal(t, "c4", rest[0].ID())
	assert.JSONEq(t, `false`, string(second["has_more"]))
}

func TestPushPublishesChangeNotice(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	srv, _ := newTestServer(t, WithPublisher(pub))

	body := map[string]any{"business_id": "t1", "customers": []any{customer("c1", ts0, "a")}}
	status, _ := post(t, srv.URL+transport.PushPath, body, transport.HeaderDeviceID, "device-a")
	require.Equal(t, http.StatusOK, status)

	// replaying the same version writes nothing and announces nothing
	status, _ = post(t, srv.URL+transport.PushPath, body, transport.HeaderDeviceID, "device-a")
	require.Equal(t, http.StatusOK, status)

	require.Len(t, pub.notices, 1)
	n := pub.notices[0]
	assert.Equal(t, "t1", n.TenantID)
	assert.Equal(t, "device-a", n.DeviceID)
	assert.Equal(t, 1, n.Count)
	assert.False(t, n.ServerTimestamp.IsZero())
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMemoryStoreChangeTimesAreStrictlyIncreasing(t *testing.T) {
	st := NewMemoryStore()
	st.clock = func() time.Time { return ts0 }
	ctx := context.Background()

	r1, err := st.UpsertEntities(ctx, "t1", map[string][]models.Entity{"customers": {{"id": "c1", "updated_at": models.FormatTimestamp(ts0)}}})
	require.NoError(t, err)
	pg, err := st.ChangesSince(ctx, "t1", time.Time{}, 10)
	require.NoError(t, err)
	r2, err := st.UpsertEntities(ctx, "t1", map[string][]models.Entity{"customers": {{"id": "c2", "updated_at": models.FormatTimestamp(ts0)}}})
	require.NoError(t, err)

	assert.True(t, r2.ServerTimestamp.After(r1.ServerTimestamp))
	assert.True(t, r2.ServerTimestamp.After(pg.ServerTimestamp))

	next, err := st.ChangesSince(ctx, "t1", pg.ServerTimestamp, 10)
	require.NoError(t, err)
	require.Len(t, next.Collections["customers"], 1)
	assert.Equal(t, "c2", next.Collections["customers"][0].ID())
}
