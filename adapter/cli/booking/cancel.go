package booking

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel [booking-id]",
	Short: "Cancel a booking and free its slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp()
		if err != nil {
			return err
		}
		if app.CancelBookingHandler == nil {
			return cli.ErrNotInitialized
		}
		id, err := parseBookingID(args[0])
		if err != nil {
			return err
		}

		b, err := app.CancelBookingHandler.Handle(cmd.Context(), commands.CancelBookingCommand{
			BookingID: id,
			Reason:    cancelReason,
		})
		if err != nil {
			return err
		}
		return renderBooking(cmd, queries.ToDTO(b))
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "cancellation reason")
}
