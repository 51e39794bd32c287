package service

import (
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

const (
	defaultPullPageSize         = 500
	defaultMaxPullPages         = 100
	defaultTransportTimeout     = 30 * time.Second
	defaultMaxAttempts          = 3
	defaultBackoffBase          = 2 * time.Second
	defaultBackoffCapExp        = 6
	defaultSyncInterval         = 3 * time.Minute
	defaultMaxConcurrentTenants = 4
	defaultPushMaxBytes         = 8 << 20
	settleTimeout               = 5 * time.Second
)

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config holds the sync policy shared by the pipelines and the manager
type Config struct {
	// PushBatchSize bounds records per push call; 0 sends everything due in one call
	PushBatchSize        int
	// PushMaxBytes bounds the estimated payload bytes per push call; at least one record is always sent
	PushMaxBytes         int
	PullPageSize         int
	MaxPullPages         int
	TransportTimeout     time.Duration
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffCapExp        int
	SyncInterval         time.Duration
	MaxConcurrentTenants int
	Registry             models.Registry
	Clock                Clock
}

func (c Config) withDefaults() Config {
	if c.PushBatchSize < 0 {
		c.PushBatchSize = 0
	}
	if c.PushMaxBytes <= 0 {
		c.PushMaxBytes = defaultPushMaxBytes
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = defaultPullPageSize
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = defaultMaxPullPages
	}
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = defaultTransportTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCapExp < 0 {
		c.BackoffCapExp = defaultBackoffCapExp
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.MaxConcurrentTenants <= 0 {
		c.MaxConcurrentTenants = defaultMaxConcurrentTenants
	}
	if c.Registry == nil {
		c.Registry = models.DefaultRegistry
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	return c
}

func newConfig(opts []Option) Config {
	cfg := Config{BackoffCapExp: defaultBackoffCapExp}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.withDefaults()
}

// Option configures the sync engine
type Option func(*Config)

// WithPushBatchSize bounds the number of records sent per push call
func WithPushBatchSize(n int) Option {
	return func(c *Config) { c.PushBatchSize = n }
}

// WithPushMaxBytes bounds the estimated payload size of a push call
func WithPushMaxBytes(n int) Option {
	return func(c *Config) { c.PushMaxBytes = n }
}

// WithPullPageSize sets the page size requested from the server
func WithPullPageSize(n int) Option {
	return func(c *Config) { c.PullPageSize = n }
}

// WithMaxPullPages bounds the pages fetched in a single pull
func WithMaxPullPages(n int) Option {
	return func(c *Config) { c.MaxPullPages = n }
}

// WithTransportTimeout bounds each push or pull call
func WithTransportTimeout(d time.Duration) Option {
	return func(c *Config) { c.TransportTimeout = d }
}

// WithRetryPolicy sets the attempt ceiling and the backoff schedule base * 2^min(attempt, capExp)
func WithRetryPolicy(maxAttempts int, base time.Duration, capExp int) Option {
	return func(c *Config) {
		c.MaxAttempts = maxAttempts
		c.BackoffBase = base
		c.BackoffCapExp = capExp
	}
}

// WithSyncInterval sets the periodic trigger of Run
func WithSyncInterval(d time.Duration) Option {
	return func(c *Config) { c.SyncInterval = d }
}

// WithMaxConcurrentTenants bounds tenant cycles running in parallel
func WithMaxConcurrentTenants(n int) Option {
	return func(c *Config) { c.MaxConcurrentTenants = n }
}

// WithRegistry replaces the collection whitelist
func WithRegistry(r models.Registry) Option {
	return func(c *Config) { c.Registry = r }
}

// WithClock sets the engine clock
func WithClock(clock Clock) Option {
	return func(c *Config) { c.Clock = clock }
}
