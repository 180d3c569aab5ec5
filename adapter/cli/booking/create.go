package booking

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
)

var (
	slotRef         string
	serviceType     string
	occupancy       string
	ownerPermission string
	email           string
	phone           string
	postalCode      string
	notes           string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Book a slot",
	Long: `Create a booking. A slot can be held by one active booking at a time;
a second booking for the same slot is rejected as a conflict.

Renters must state whether the owner has given permission.

Examples:
  slotwise booking create --service boiler_service --occupancy owner --slot slot-42
  slotwise booking create --service repair --occupancy renter --owner-permission yes --email jo@example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireApp()
		if err != nil {
			return err
		}
		if app.CreateBookingHandler == nil {
			return cli.ErrNotInitialized
		}

		c := commands.CreateBookingCommand{
			ServiceType: serviceType,
			Occupancy:   occupancy,
			Email:       email,
			Phone:       phone,
			PostalCode:  postalCode,
			Notes:       notes,
		}
		if cmd.Flags().Changed("slot") {
			s := slotRef
			c.SlotRef = &s
		}
		if ownerPermission != "" {
			p, err := parseYesNo(ownerPermission)
			if err != nil {
				return err
			}
			c.OwnerPermission = &p
		}

		res, err := app.CreateBookingHandler.Handle(cmd.Context(), c)
		if err != nil {
			return err
		}
		return cli.Render(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Booking created: %s (%s)\n", res.BookingID, res.Status)
		})
	},
}

func parseYesNo(s string) (bool, error) {
	switch s {
	case "yes", "true", "y":
		return true, nil
	case "no", "false", "n":
		return false, nil
	}
	return false, fmt.Errorf("owner permission must be yes or no, got %q", s)
}

func init() {
	createCmd.Flags().StringVar(&slotRef, "slot", "", "slot reference to book")
	createCmd.Flags().StringVar(&serviceType, "service", "", "service type (required)")
	createCmd.Flags().StringVar(&occupancy, "occupancy", "owner", "owner or renter")
	createCmd.Flags().StringVar(&ownerPermission, "owner-permission", "", "yes or no; required for renters")
	createCmd.Flags().StringVar(&email, "email", "", "customer email")
	createCmd.Flags().StringVar(&phone, "phone", "", "customer phone")
	createCmd.Flags().StringVar(&postalCode, "postal-code", "", "customer postal code")
	createCmd.Flags().StringVar(&notes, "notes", "", "free text for the technician")
}
