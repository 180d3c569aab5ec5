package booking

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
)

var statusCmd = &cobra.Command{
	Use:   "status [booking-id] [status]",
	Short: "Move a booking to a new status",
	Long: `Move a booking to a new status. Allowed moves:

  pending      -> confirmed, in_progress, cancelled
  confirmed    -> in_progress, cancelled
  in_progress  -> completed, cancelled

Examples:
  slotwise booking status 550e8400-e29b-41d4-a716-446655440000 confirmed`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp()
		if err != nil {
			return err
		}
		if app.UpdateStatusHandler == nil {
			return cli.ErrNotInitialized
		}
		id, err := parseBookingID(args[0])
		if err != nil {
			return err
		}

		b, err := app.UpdateStatusHandler.Handle(cmd.Context(), commands.UpdateBookingStatusCommand{
			BookingID: id,
			Status:    args[1],
		})
		if err != nil {
			return err
		}
		return renderBooking(cmd, queries.ToDTO(b))
	},
}
