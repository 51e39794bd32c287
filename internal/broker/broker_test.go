package broker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

type recordingTrigger struct {
	mu      sync.Mutex
	tenants []string
}

func (r *recordingTrigger) Trigger(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
}

func (r *recordingTrigger) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tenants...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "tenant.62697a2d3432.changed", RoutingKey("biz-42"))
}

func TestRoutingKeyKeepsTopicCharactersLiteral(t *testing.T) {
	for _, id := range []string{"a.b", "*", "#", "acme.#"} {
		key := RoutingKey(id)
		assert.Equal(t, 2, strings.Count(key, "."), key)
		assert.NotContains(t, key, "*")
		assert.NotContains(t, key, "#")
	}
	assert.NotEqual(t, RoutingKey("a.b"), RoutingKey("a*b"))
}

func TestHandleNotice(t *testing.T) {
	c := &ChangeListener{deviceID: "device-a", logger: quietLogger()}

	tenant, err := c.handle([]byte(`{"business_id":"t1","device_id":"device-b","count":2}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant)

	tenant, err = c.handle([]byte(`{"business_id":"t1","device_id":"device-a"}`))
	require.NoError(t, err)
	assert.Empty(t, tenant, "own notices are ignored")

	tenant, err = c.handle([]byte(`{"business_id":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant)

	_, err = c.handle([]byte(`{"device_id":"device-b"}`))
	assert.Error(t, err)

	_, err = c.handle([]byte(`not json`))
	assert.Error(t, err)
}

// Requires a running broker; the notice published by one device triggers the other
func TestPublishAndListen(t *testing.T) {
	url := os.Getenv("SYNC_TEST_RABBITMQ_URL")
	if url == "" {
		t.Skip("SYNC_TEST_RABBITMQ_URL not set")
	}

	trigger := &recordingTrigger{}
	listener, err := NewChangeListener(url, "device-a", []string{"t1"}, trigger, quietLogger())
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Listen(ctx) }()

	pub, err := NewPublisher(url, quietLogger())
	require.NoError(t, err)
	defer pub.Close()

	notice := models.ChangeNotice{TenantID: "t1", DeviceID: "device-b", ServerTimestamp: time.Now().UTC(), Count: 1}
	require.Eventually(t, func() bool {
		_ = pub.PublishChange(ctx, notice)
		return len(trigger.seen()) > 0
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, "t1", trigger.seen()[0])
}
