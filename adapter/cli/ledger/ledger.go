package ledger

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	errledger "github.com/felixgeelhaar/slotwise/internal/ledger"
)

var (
	showAll         bool
	filterType      string
	filterOperation string
	limit           int
	resolvedBy      string
	resolveNotes    string
)

// Cmd is the error ledger command group.
var Cmd = &cobra.Command{
	Use:   "ledger",
	Short: "Review the error ledger",
	Long: `The error ledger records every terminal failure: dead-lettered jobs and
failed bookings. Entries stay until resolved and swept.`,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List ledger entries, newest first",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		errType := errledger.ErrorType(filterType)
		if errType != "" && !errType.IsValid() {
			return fmt.Errorf("unknown error type %q", filterType)
		}

		entries, err := svc.ListErrors(cmd.Context(), errledger.Filter{
			UnresolvedOnly: !showAll,
			Type:           errType,
			Operation:      filterOperation,
			Limit:          limit,
		})
		if err != nil {
			return err
		}

		return cli.Render(cmd, entries, func(w io.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No ledger entries")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tOPERATION\tRETRYABLE\tRETRIES\tRESOLVED\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%t\t%s\n",
					e.ID, e.Type, e.Operation, e.Retryable, e.RetryCount, e.Resolved, e.Message)
			}
			_ = tw.Flush()
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [entry-id]",
	Short: "Mark a ledger entry resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		e, err := svc.ResolveError(cmd.Context(), args[0], resolvedBy, resolveNotes)
		if err != nil {
			return err
		}
		return cli.Render(cmd, e, func(w io.Writer) {
			fmt.Fprintf(w, "Resolved %s\n", e.ID)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Count a manual retry and requeue the failed job if it is dead-lettered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		res, err := svc.RetryError(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return cli.Render(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Retry %d recorded for %s\n", res.Entry.RetryCount, res.Entry.ID)
			if res.RequeuedJobID != "" {
				fmt.Fprintf(w, "Requeued as job %s\n", res.RequeuedJobID)
			}
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Apply retention to resolved entries, dead letters and finished jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp()
		if err != nil {
			return err
		}
		if app.Admin == nil {
			return cli.ErrNotInitialized
		}
		report, err := app.Admin.SweepRetention(cmd.Context(), app.Retention)
		if err != nil {
			return err
		}
		return cli.Render(cmd, report, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted %d ledger entries, %d dead letters, %d finished jobs\n",
				report.LedgerEntries, report.DeadLetters, report.CleanedJobs)
		})
	},
}

func init() {
	listCmd.Flags().BoolVar(&showAll, "all", false, "include resolved entries")
	listCmd.Flags().StringVar(&filterType, "type", "", "error type, e.g. JOB_FAILED")
	listCmd.Flags().StringVar(&filterOperation, "operation", "", "operation, e.g. dispatch.create_job")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")

	resolveCmd.Flags().StringVar(&resolvedBy, "by", "cli", "who resolved the entry")
	resolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "resolution notes")

	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(resolveCmd)
	Cmd.AddCommand(retryCmd)
	Cmd.AddCommand(sweepCmd)
}
