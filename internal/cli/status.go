package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Tenant string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outbox counters and sync health",
		Long: `Show the outbox counters of one tenant, or of every tenant with local
sync state when --tenant is omitted.

Examples:
  syncctl status --tenant acme
  syncctl status --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Tenant, "tenant", "t", "", "tenant (business) id")
	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
		tenants := []string{opts.Tenant}
		if opts.Tenant == "" {
			if err := m.Restore(ctx); err != nil {
				return fail(err)
			}
			tenants = m.Tenants()
		}

		out := make([]models.TenantStatus, 0, len(tenants))
		for _, id := range tenants {
			st, err := m.Status(ctx, id)
			if err != nil {
				return fail(err)
			}
			out = append(out, st)
		}

		return opts.formatter(cmd).Success(out, func(w io.Writer) {
			if len(out) == 0 {
				fmt.Fprintln(w, "No tenants with local sync state")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TENANT\tPENDING\tIN_FLIGHT\tFAILED\tABANDONED\tLAST_PULLED_AT")
			for _, st := range out {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
					st.TenantID, st.Pending, st.InFlight, st.Failed, st.Abandoned, stamp(st.LastPulledAt))
			}
			tw.Flush()
		})
	})
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return models.FormatTimestamp(t)
}

// fail maps engine errors onto exit codes: operator mistakes are command errors
func fail(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, service.ErrNotAbandoned),
		errors.Is(err, service.ErrSuperseded),
		errors.Is(err, service.ErrInvalidMutation),
		errors.Is(err, service.ErrTenantClosed),
		errors.Is(err, service.ErrUnknownCollection):
		return WrapExitError(ExitCommandError, "rejected", err)
	default:
		return WrapExitError(ExitFailure, "failed", err)
	}
}
