package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-offline-sync/internal/service"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Tenant string
	All    bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a Pull-then-Push cycle now",
		Long: `Run one sync cycle against the server: pull remote changes first, then
push the outbox.

Examples:
  syncctl sync --tenant acme
  syncctl sync --all --server https://sync.example.com`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Tenant, "tenant", "t", "", "tenant (business) id")
	cmd.Flags().BoolVar(&opts.All, "all", false, "sync every tenant with local sync state")
	cmd.MarkFlagsMutuallyExclusive("tenant", "all")
	cmd.MarkFlagsOneRequired("tenant", "all")
	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
		f := opts.formatter(cmd)
		if opts.All {
			if err := m.Restore(ctx); err != nil {
				return fail(err)
			}
			tenants := m.Tenants()
			f.VerboseLog("Syncing %d tenants", len(tenants))
			if err := m.SyncAll(ctx); err != nil {
				return fail(err)
			}
			return f.Success(tenants, func(w io.Writer) {
				fmt.Fprintf(w, "Synced %d tenants\n", len(tenants))
			})
		}

		report, err := m.SyncNow(ctx, opts.Tenant)
		if err != nil {
			return fail(err)
		}
		return f.Success(report, func(w io.Writer) {
			fmt.Fprintf(w, "Tenant %s synced in %s\n", report.TenantID, report.Duration)
			fmt.Fprintf(w, "  pull: %d pages, %d applied, %d skipped, %d dropped, cursor %s\n",
				report.Pull.Pages, report.Pull.Applied, report.Pull.Skipped, report.Pull.Dropped, stamp(report.Pull.Cursor))
			fmt.Fprintf(w, "  push: %d claimed, %d synced, %d retried, %d abandoned, %d requeued\n",
				report.Push.Claimed, report.Push.Synced, report.Push.Retried, report.Push.Abandoned, report.Push.Requeued)
		})
	})
}
