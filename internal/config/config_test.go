package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TENANTS", "")
	t.Setenv("PULL_PAGE_SIZE", "")
	t.Setenv("PUSH_BATCH_SIZE", "")
	t.Setenv("PUSH_MAX_BYTES_MB", "")

	cfg := Load()
	assert.Equal(t, 500, cfg.PushBatchSize)
	assert.Equal(t, 8<<20, cfg.PushMaxBytes)
	assert.Equal(t, 500, cfg.PullPageSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 180*time.Second, cfg.SyncInterval)
	assert.Empty(t, cfg.Tenants)
}

func TestLoadOverridesAndClamps(t *testing.T) {
	t.Setenv("TENANTS", " shop-1, ,shop-2 ")
	t.Setenv("PUSH_BATCH_SIZE", "999999")
	t.Setenv("PULL_PAGE_SIZE", "0")
	t.Setenv("PUSH_MAX_BYTES_MB", "64")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("BACKOFF_BASE_MS", "250")

	cfg := Load()
	assert.Equal(t, []string{"shop-1", "shop-2"}, cfg.Tenants)
	assert.Equal(t, MaxBatchSize, cfg.PushBatchSize)
	assert.Equal(t, MinPageSize, cfg.PullPageSize)
	assert.Equal(t, MaxPushMB<<20, cfg.PushMaxBytes)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
}
