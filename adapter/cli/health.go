package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to storage and brokers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := RequireApp()
		if err != nil {
			return err
		}
		if a.Health == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}

		health := a.Health.Check(cmd.Context())
		if err := Render(cmd, health, func(w io.Writer) {
			fmt.Fprintf(w, "status: %s\n", health.Status)
			for _, name := range a.Health.Names() {
				res := health.Checks[name]
				fmt.Fprintf(w, "  %-12s %-10s %s\n", name, res.Status, res.Message)
			}
		}); err != nil {
			return err
		}
		if health.Status == observability.HealthStatusUnhealthy {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := RequireApp()
		if err != nil {
			return err
		}
		if a.Migrate == nil {
			return ErrNotInitialized
		}
		applied, err := a.Migrate(cmd.Context())
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return Render(cmd, map[string]any{"applied": applied}, func(w io.Writer) {
			if len(applied) == 0 {
				fmt.Fprintln(w, "database is up to date")
				return
			}
			for _, v := range applied {
				fmt.Fprintf(w, "applied %s\n", v)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(migrateCmd)
}
