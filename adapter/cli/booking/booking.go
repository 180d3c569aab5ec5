package booking

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
)

// Cmd is the booking command group.
var Cmd = &cobra.Command{
	Use:   "booking",
	Short: "Create and manage bookings",
	Long:  `Create bookings against slots, inspect them and move them through their lifecycle.`,
}

func init() {
	Cmd.AddCommand(createCmd)
	Cmd.AddCommand(getCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(cancelCmd)
}

func parseBookingID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid booking ID: %w", err)
	}
	return id, nil
}

func renderBooking(cmd *cobra.Command, b queries.BookingDTO) error {
	return cli.Render(cmd, b, func(w io.Writer) {
		fmt.Fprintf(w, "Booking %s\n", b.ID)
		fmt.Fprintf(w, "  status:     %s\n", b.Status)
		fmt.Fprintf(w, "  service:    %s (%s)\n", b.ServiceType, b.Occupancy)
		if b.SlotRef != nil {
			fmt.Fprintf(w, "  slot:       %s\n", *b.SlotRef)
		}
		if b.ExternalJobID != nil {
			fmt.Fprintf(w, "  dispatch:   %s\n", *b.ExternalJobID)
		}
		fmt.Fprintf(w, "  created:    %s\n", b.CreatedAt.Format("2006-01-02 15:04:05"))
	})
}
