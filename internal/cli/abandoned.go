package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/service"
)

// AbandonedOptions holds flags shared by the abandoned subcommands.
type AbandonedOptions struct {
	*RootOptions
	Tenant string
}

// NewAbandonedCommand creates the abandoned command group.
func NewAbandonedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AbandonedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "abandoned",
		Short: "Inspect and resolve records that exhausted their retries",
		Long: `Records that failed more than the configured number of attempts are
abandoned and never retried automatically. Requeue them once the cause is
fixed, or discard them.

Examples:
  syncctl abandoned list --tenant acme
  syncctl abandoned retry --tenant acme 3f0c...
  syncctl abandoned discard --tenant acme 3f0c...`,
	}

	cmd.PersistentFlags().StringVarP(&opts.Tenant, "tenant", "t", "", "tenant (business) id (required)")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List abandoned records",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAbandonedList(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "retry <record-id>",
		Short:         "Requeue an abandoned record as a new pending record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAbandonedRetry(opts, cmd, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "discard <record-id>",
		Short:         "Delete an abandoned record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAbandonedDiscard(opts, cmd, args[0])
		},
	})
	return cmd
}

func runAbandonedList(opts *AbandonedOptions, cmd *cobra.Command) error {
	return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
		recs, err := m.ListAbandoned(ctx, opts.Tenant)
		if err != nil {
			return fail(err)
		}
		if recs == nil {
			recs = []models.OutboxRecord{}
		}
		return opts.formatter(cmd).Success(recs, func(w io.Writer) {
			if len(recs) == 0 {
				fmt.Fprintln(w, "No abandoned records")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCOLLECTION\tDOCUMENT\tOP\tATTEMPTS\tLAST_ERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.TargetCollection, r.DocumentID, r.Operation, r.AttemptCount, r.LastError)
			}
			tw.Flush()
		})
	})
}

func runAbandonedRetry(opts *AbandonedOptions, cmd *cobra.Command, id string) error {
	return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
		rec, err := m.RetryAbandoned(ctx, opts.Tenant, id)
		if err != nil {
			return fail(err)
		}
		return opts.formatter(cmd).Success(rec, func(w io.Writer) {
			fmt.Fprintf(w, "Requeued %s/%s as record %s\n", rec.TargetCollection, rec.DocumentID, rec.ID)
		})
	})
}

func runAbandonedDiscard(opts *AbandonedOptions, cmd *cobra.Command, id string) error {
	return opts.withManager(cmd, func(ctx context.Context, m *service.Manager) error {
		if err := m.DiscardAbandoned(ctx, opts.Tenant, id); err != nil {
			return fail(err)
		}
		return opts.formatter(cmd).Success(map[string]string{"discarded": id}, func(w io.Writer) {
			fmt.Fprintf(w, "Discarded record %s\n", id)
		})
	})
}
