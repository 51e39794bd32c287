package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-offline-sync/internal/service"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Retention time.Duration
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced outbox records older than the retention window",
		Long: `Delete synced outbox records older than the retention window.
Pending, in-flight and abandoned records are never purged.

Examples:
  syncctl purge
  syncctl purge --retention 24h`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Retention, "retention", rootOpts.cfg.Retention, "keep synced records younger than this")
	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	if opts.Retention < 0 {
		return NewExitError(ExitCommandError, "--retention must not be negative")
	}
	return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
		n, err := m.Purge(ctx, opts.Retention)
		if err != nil {
			return fail(err)
		}
		return opts.formatter(cmd).Success(map[string]int{"purged": n}, func(w io.Writer) {
			fmt.Fprintf(w, "Purged %d synced records\n", n)
		})
	})
}

// LogoutOptions holds flags for the logout command.
type LogoutOptions struct {
	*RootOptions
	Tenant string
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogoutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Log a tenant out of this device",
		Long: `Clear the tenant's pull cursor and mark the tenant logged out, so neither
the daemon nor "sync --all" picks it up again. Queued outbox records are kept
and pushed after the next "syncctl login".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
				if err := m.Logout(ctx, opts.Tenant); err != nil {
					return fail(err)
				}
				return opts.formatter(cmd).Success(map[string]string{"logged_out": opts.Tenant}, func(w io.Writer) {
					fmt.Fprintf(w, "Tenant %s logged out\n", opts.Tenant)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Tenant, "tenant", "t", "", "tenant (business) id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogoutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Resume syncing a tenant on this device",
		Long: `Clear the logged-out mark of a tenant. The next sync starts with a full
pull and pushes the records queued while the tenant was logged out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
				if _, err := m.Login(ctx, opts.Tenant); err != nil {
					return fail(err)
				}
				return opts.formatter(cmd).Success(map[string]string{"logged_in": opts.Tenant}, func(w io.Writer) {
					fmt.Fprintf(w, "Tenant %s logged in\n", opts.Tenant)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Tenant, "tenant", "t", "", "tenant (business) id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
