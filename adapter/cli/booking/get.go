package booking

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
)

var getCmd = &cobra.Command{
	Use:     "get [booking-id]",
	Short:   "Show a booking",
	Aliases: []string{"show"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp()
		if err != nil {
			return err
		}
		if app.GetBookingHandler == nil {
			return cli.ErrNotInitialized
		}
		id, err := parseBookingID(args[0])
		if err != nil {
			return err
		}

		dto, err := app.GetBookingHandler.Handle(cmd.Context(), queries.GetBookingQuery{BookingID: id})
		if err != nil {
			return err
		}
		return renderBooking(cmd, *dto)
	},
}
