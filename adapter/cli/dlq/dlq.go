package dlq

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/deadletter"
	"github.com/felixgeelhaar/slotwise/internal/queue"
)

var (
	filterLane    string
	filterJobType string
	limit         int
)

// Cmd is the dead-letter command group.
var Cmd = &cobra.Command{
	Use:   "dlq",
	Short: "Triage dead-lettered jobs",
	Long:  `List jobs that exhausted their retries or failed permanently, requeue them or discard them.`,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List dead-lettered jobs, newest first",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		entries, err := svc.ListDeadLetters(cmd.Context(), deadletter.Filter{
			Lane:    queue.Lane(filterLane),
			JobType: filterJobType,
			Limit:   limit,
		})
		if err != nil {
			return err
		}

		return cli.Render(cmd, entries, func(w io.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No dead-lettered jobs")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLANE\tTYPE\tATTEMPTS\tFAILED\tREASON")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					e.ID, e.Lane, e.JobType, e.Attempts, e.MaxAttempts,
					e.FailedAt.Format("2006-01-02 15:04"), shorten(e.Reason, 60))
			}
			_ = tw.Flush()
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Requeue a dead-lettered job with a fresh attempt counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		jobID, err := svc.RetryDeadLetter(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return cli.Render(cmd, map[string]string{"job_id": jobID}, func(w io.Writer) {
			fmt.Fprintf(w, "Requeued as job %s\n", jobID)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove [entry-id]",
	Short:   "Discard a dead-lettered job",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		if err := svc.RemoveDeadLetter(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	listCmd.Flags().StringVar(&filterLane, "lane", "", "only entries from this lane")
	listCmd.Flags().StringVar(&filterJobType, "type", "", "only entries of this job type")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")

	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(retryCmd)
	Cmd.AddCommand(removeCmd)
}
