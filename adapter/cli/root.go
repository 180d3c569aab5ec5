// Package cli provides the slotwise operator command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

var (
	jsonOutput bool
	verbose    bool
	logger     *slog.Logger
)

type commandContext struct {
	correlationID string
	startedAt     time.Time
}

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "slotwise",
	Short: "slotwise - booking intake and job pipeline operations",
	Long: `slotwise books service appointments against scarce slots and runs the
background pipeline that dispatches, confirms and notifies for them.

The CLI creates and manages bookings, inspects and steers the job lanes,
and triages the dead-letter store and the error ledger.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		ctx := observability.NewRequestContext(cmd.Context(), "")
		info := commandContext{
			correlationID: observability.CorrelationIDFromContext(ctx),
			startedAt:     time.Now(),
		}
		cmd.SetContext(context.WithValue(ctx, commandContextKey{}, info))
		logger.Debug("command start",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID,
		)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok {
			return
		}
		logger.Debug("command end",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID,
			"duration_ms", time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// ExecuteContext runs the root command and prints any error on stderr.
func ExecuteContext(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

// Verbose reports whether --verbose was given.
func Verbose() bool {
	return verbose
}

// SetJSONOutput toggles JSON output. Tests use it in place of the flag.
func SetJSONOutput(on bool) {
	jsonOutput = on
}

// Render prints v as indented JSON when --json is set and otherwise calls
// text to print the human form.
func Render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

// describe turns an application error into operator-facing text.
func describe(err error) string {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return err.Error()
	}
	if appErr.Field != "" {
		return fmt.Sprintf("%s: %s", appErr.Field, appErr.Message)
	}
	return err.Error()
}
