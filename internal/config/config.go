package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinBatchSize = 0
	MaxBatchSize = 5000

	MinPageSize = 1
	MaxPageSize = 5000

	// the reference server refuses bodies over 32 MiB
	MinPushMB = 1
	MaxPushMB = 31
)

type Config struct {
	DeviceID     string
	DeviceDBPath string
	ServerURL    string
	AuthToken    string
	Tenants      []string

	DatabaseURL string
	RabbitMQURL string
	ListenAddr  string
	MetricsPort string

	LogLevel  string
	LogFormat string
	LogFile   string

	PushBatchSize       int
	PushMaxBytes        int
	PullPageSize        int
	MaxPullPages        int
	SyncInterval        time.Duration
	TransportTimeout    time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffCapExp       int
	Retention           time.Duration
	MaintenanceInterval time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	// 0 lifts the record bound; the byte bound always applies
	pushBatch := clamp("PUSH_BATCH_SIZE", getEnvInt("PUSH_BATCH_SIZE", 500), MinBatchSize, MaxBatchSize)
	pushMB := clamp("PUSH_MAX_BYTES_MB", getEnvInt("PUSH_MAX_BYTES_MB", 8), MinPushMB, MaxPushMB)
	pullPage := clamp("PULL_PAGE_SIZE", getEnvInt("PULL_PAGE_SIZE", 500), MinPageSize, MaxPageSize)

	return &Config{
		DeviceID:     getEnv("DEVICE_ID", hostname()),
		DeviceDBPath: getEnv("DEVICE_DB_PATH", "offline-sync.db"),
		ServerURL:    getEnv("SERVER_URL", "http://localhost:8080"),
		AuthToken:    getEnv("AUTH_TOKEN", ""),
		Tenants:      splitList(getEnv("TENANTS", "")),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		MetricsPort: getEnv("METRICS_PORT", "9091"),

		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogFormat: getEnv("LOG_FORMAT", "TEXT"),
		LogFile:   getEnv("LOG_FILE", ""),

		PushBatchSize:       pushBatch,
		PushMaxBytes:        pushMB << 20,
		PullPageSize:        pullPage,
		MaxPullPages:        max(getEnvInt("MAX_PULL_PAGES", 100), 1),
		SyncInterval:        time.Duration(getEnvInt("SYNC_INTERVAL_SEC", 180)) * time.Second,
		TransportTimeout:    time.Duration(getEnvInt("TRANSPORT_TIMEOUT_SEC", 30)) * time.Second,
		MaxAttempts:         max(getEnvInt("MAX_ATTEMPTS", 3), 1),
		BackoffBase:         time.Duration(getEnvInt("BACKOFF_BASE_MS", 2000)) * time.Millisecond,
		BackoffCapExp:       max(getEnvInt("BACKOFF_CAP_EXP", 6), 0),
		Retention:           time.Duration(getEnvInt("RETENTION_HOURS", 72)) * time.Hour,
		MaintenanceInterval: time.Duration(max(getEnvInt("MAINTENANCE_INTERVAL_MIN", 5), 1)) * time.Minute,
	}
}

func clamp(key string, v, lo, hi int) int {
	if v > hi {
		slog.Warn("Value exceeds safety limit. Clamping to maximum", "key", key, "requested", v, "limit", hi)
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "device"
	}
	return h
}
