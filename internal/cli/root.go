package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	Database  string
	ServerURL string
	DeviceID  string
	AuthToken string

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of syncctl. Flag defaults come from cfg.
func NewRootCommand(cfg *config.Config) *cobra.Command {
	opts := &RootOptions{cfg: cfg}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the offline sync outbox of this device",
		Long: `Inspect and operate the device-local sync state: the outbox queue,
the pull cursors and the records abandoned after exhausting their retries.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", cfg.DeviceDBPath, "path to the device SQLite database")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", cfg.ServerURL, "base URL of the sync server")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device", cfg.DeviceID, "device id sent to the server")
	cmd.PersistentFlags().StringVar(&opts.AuthToken, "token", cfg.AuthToken, "bearer token for the sync server")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewAbandonedCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// withManager opens the device database and hands a manager over it to fn
func (o *RootOptions) withManager(cmd *cobra.Command, fn func(ctx context.Context, m *service.Manager) error) error {
	if o.Database == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	logger := o.logger(cmd.ErrOrStderr())

	st, err := db.OpenSQLite(o.Database, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open device database", err)
	}
	defer st.Close()

	tr := transport.New(o.ServerURL, logger,
		transport.WithDeviceID(o.DeviceID),
		transport.WithAuthToken(o.AuthToken),
	)
	m := service.NewManager(st, tr, logger, ManagerOptions(o.cfg)...)
	return fn(cmd.Context(), m)
}

// ManagerOptions maps the process configuration onto the sync engine options
func ManagerOptions(cfg *config.Config) []service.Option {
	return []service.Option{
		service.WithPushBatchSize(cfg.PushBatchSize),
		service.WithPushMaxBytes(cfg.PushMaxBytes),
		service.WithPullPageSize(cfg.PullPageSize),
		service.WithMaxPullPages(cfg.MaxPullPages),
		service.WithTransportTimeout(cfg.TransportTimeout),
		service.WithRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCapExp),
		service.WithSyncInterval(cfg.SyncInterval),
	}
}
