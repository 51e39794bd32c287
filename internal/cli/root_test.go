package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/server"
	"github.com/Guizzs26/go-offline-sync/internal/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DeviceID:         "device-a",
		DeviceDBPath:     filepath.Join(t.TempDir(), "device.db"),
		ServerURL:        "http://127.0.0.1:1",
		PullPageSize:     100,
		MaxPullPages:     10,
		TransportTimeout: 5 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		BackoffCapExp:    6,
		SyncInterval:     time.Minute,
		Retention:        72 * time.Hour,
	}
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func executeJSON(t *testing.T, cfg *config.Config, into any, args ...string) {
	t.Helper()
	out, err := execute(t, cfg, append(args, "--format", "json")...)
	require.NoError(t, err, out)
	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	if into != nil {
		require.NoError(t, json.Unmarshal(resp.Data, into))
	}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(testConfig(t))
	require.NotNil(t, cmd)
	assert.Equal(t, "syncctl", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(testConfig(t))
	commands := [][]string{
		{"status"}, {"enqueue"}, {"sync"}, {"purge"}, {"login"}, {"logout"},
		{"abandoned", "list"}, {"abandoned", "retry"}, {"abandoned", "discard"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cfg := testConfig(t)
	cmd := NewRootCommand(cfg)

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, cfg.DeviceDBPath, dbFlag.DefValue)

	serverFlag := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, serverFlag)
	assert.Equal(t, cfg.ServerURL, serverFlag.DefValue)
}

func TestPurgeRetentionDefaultsToConfig(t *testing.T) {
	cmd := NewRootCommand(testConfig(t))
	purgeCmd, _, err := cmd.Find([]string{"purge"})
	require.NoError(t, err)

	flag := purgeCmd.Flags().Lookup("retention")
	require.NotNil(t, flag)
	assert.Equal(t, "72h0m0s", flag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, testConfig(t), "status", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestEnqueueThenStatus(t *testing.T) {
	cfg := testConfig(t)

	var rec models.OutboxRecord
	executeJSON(t, cfg, &rec, "enqueue", "-t", "acme", "-c", "Bills", "--id", "b-1",
		"--op", "create", "--payload", `{"total_amount": 12.50}`)
	assert.Equal(t, "bills", rec.TargetCollection)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "acme", rec.Payload.TenantID())

	executeJSON(t, cfg, nil, "enqueue", "-t", "acme", "-c", "bills", "--id", "b-1",
		"--payload", `{"total_amount": 13}`)

	var statuses []models.TenantStatus
	executeJSON(t, cfg, &statuses, "status")
	require.Len(t, statuses, 1)
	assert.Equal(t, "acme", statuses[0].TenantID)
	assert.Equal(t, 1, statuses[0].Pending, "second edit coalesces into the first record")
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)

	_, err := execute(t, cfg, "enqueue", "-t", "acme", "-c", "unknown", "--id", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrUnknownCollection)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, cfg, "enqueue", "-t", "acme", "-c", "bills", "--id", "x", "--payload", "{not json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, cfg, "enqueue", "-t", "acme", "-c", "bills", "--id", "x", "--op", "upsert")
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrInvalidMutation)
}

func TestAbandonedUnknownRecord(t *testing.T) {
	cfg := testConfig(t)

	var recs []models.OutboxRecord
	executeJSON(t, cfg, &recs, "abandoned", "list", "-t", "acme")
	assert.Empty(t, recs)

	_, err := execute(t, cfg, "abandoned", "retry", "-t", "acme", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, cfg, "abandoned", "discard", "-t", "acme", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncBetweenDevices(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(server.New(server.NewMemoryStore(), logger).Routes())
	defer srv.Close()

	deviceA := testConfig(t)
	deviceA.ServerURL = srv.URL
	deviceB := testConfig(t)
	deviceB.ServerURL = srv.URL
	deviceB.DeviceID = "device-b"

	executeJSON(t, deviceA, nil, "enqueue", "-t", "acme", "-c", "bills", "--id", "b-1",
		"--op", "create", "--payload", `{"total_amount": 99}`)

	var pushed service.CycleReport
	executeJSON(t, deviceA, &pushed, "sync", "-t", "acme")
	assert.Equal(t, 1, pushed.Push.Synced)

	var statuses []models.TenantStatus
	executeJSON(t, deviceA, &statuses, "status", "-t", "acme")
	require.Len(t, statuses, 1)
	assert.Zero(t, statuses[0].Pending)

	var pulled service.CycleReport
	executeJSON(t, deviceB, &pulled, "sync", "-t", "acme")
	assert.Equal(t, 1, pulled.Pull.Applied)
	assert.Zero(t, pulled.Push.Claimed)
}

func TestSyncUnreachableServer(t *testing.T) {
	cfg := testConfig(t)
	executeJSON(t, cfg, nil, "enqueue", "-t", "acme", "-c", "customers", "--id", "c-1")

	_, err := execute(t, cfg, "sync", "-t", "acme")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var statuses []models.TenantStatus
	executeJSON(t, cfg, &statuses, "status", "-t", "acme")
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].Pending)
	assert.Equal(t, 1, statuses[0].Failed)
}

func TestSyncRequiresTenantOrAll(t *testing.T) {
	_, err := execute(t, testConfig(t), "sync")
	require.Error(t, err)
}

func TestPurgeAndLogout(t *testing.T) {
	cfg := testConfig(t)

	var purged map[string]int
	executeJSON(t, cfg, &purged, "purge", "--retention", "1h")
	assert.Equal(t, 0, purged["purged"])

	var out map[string]string
	executeJSON(t, cfg, &out, "logout", "-t", "acme")
	assert.Equal(t, "acme", out["logged_out"])
}

func TestLogoutSurvivesRestartUntilLogin(t *testing.T) {
	cfg := testConfig(t)
	executeJSON(t, cfg, nil, "enqueue", "-t", "acme", "-c", "customers", "--id", "c-1")
	executeJSON(t, cfg, nil, "logout", "-t", "acme")

	var statuses []models.TenantStatus
	executeJSON(t, cfg, &statuses, "status")
	assert.Empty(t, statuses)

	_, err := execute(t, cfg, "sync", "-t", "acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrTenantClosed)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var out map[string]string
	executeJSON(t, cfg, &out, "login", "-t", "acme")
	assert.Equal(t, "acme", out["logged_in"])

	executeJSON(t, cfg, &statuses, "status")
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].Pending)
}
