package queue

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	jobqueue "github.com/felixgeelhaar/slotwise/internal/queue"
)

var (
	cleanState string
	cleanGrace time.Duration
)

// Cmd is the queue command group.
var Cmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and steer the job lanes",
	Long:  `Show per-lane job counts, pause or resume a lane, and clean finished jobs.`,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per lane",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		lanes, err := svc.QueueStats(cmd.Context())
		if err != nil {
			return err
		}

		return cli.Render(cmd, lanes, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			header := []string{"LANE", "PAUSED", "CONC"}
			for _, s := range jobqueue.States {
				header = append(header, strings.ToUpper(string(s)))
			}
			header = append(header, "DLQ")
			fmt.Fprintln(tw, strings.Join(header, "\t"))

			for _, lv := range lanes {
				row := []string{string(lv.Lane), fmt.Sprint(lv.Paused), fmt.Sprint(lv.Concurrency)}
				for _, s := range jobqueue.States {
					row = append(row, fmt.Sprint(lv.Counts[s]))
				}
				row = append(row, fmt.Sprint(lv.DeadLetters))
				fmt.Fprintln(tw, strings.Join(row, "\t"))
			}
			_ = tw.Flush()
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [lane]",
	Short: "Stop claiming new jobs on a lane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		if err := svc.Pause(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Lane %s paused\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [lane]",
	Short: "Resume claiming jobs on a lane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		if err := svc.Resume(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Lane %s resumed\n", args[0])
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean [lane]",
	Short: "Delete finished jobs older than the grace period",
	Long: `Delete completed or failed jobs of a lane that finished longer ago
than the grace period. Dead-letter entries are kept.

Examples:
  slotwise queue clean analytics
  slotwise queue clean booking --state failed --grace 72h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := cli.RequireAdmin()
		if err != nil {
			return err
		}
		n, err := svc.Clean(cmd.Context(), args[0], cleanState, cleanGrace)
		if err != nil {
			return err
		}
		return cli.Render(cmd, map[string]int{"deleted": n}, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted %d %s jobs from %s\n", n, cleanState, args[0])
		})
	},
}

func init() {
	cleanCmd.Flags().StringVar(&cleanState, "state", string(jobqueue.StateCompleted), "completed or failed")
	cleanCmd.Flags().DurationVar(&cleanGrace, "grace", 24*time.Hour, "keep jobs that finished within this window")

	Cmd.AddCommand(statsCmd)
	Cmd.AddCommand(pauseCmd)
	Cmd.AddCommand(resumeCmd)
	Cmd.AddCommand(cleanCmd)
}
