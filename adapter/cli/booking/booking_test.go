package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/app/apptest"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
)

func setupTestApp(t *testing.T) {
	t.Helper()
	cli.SetApp(apptest.NewContainer(t).CLIApp())
	cli.SetJSONOutput(true)
	t.Cleanup(func() {
		cli.SetApp(nil)
		cli.SetJSONOutput(false)
		resetFlags()
	})
	resetFlags()
}

func resetFlags() {
	slotRef = ""
	serviceType = ""
	occupancy = "owner"
	ownerPermission = ""
	email = ""
	phone = ""
	postalCode = ""
	notes = ""
	cancelReason = "cancelled by operator"
	createCmd.Flags().Lookup("slot").Changed = false
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetContext(context.Background())
	cmd.SetOut(&buf)
	return &buf, cmd.RunE(cmd, args)
}

func createBooking(t *testing.T, slot string) commands.CreateBookingResult {
	t.Helper()
	resetFlags()
	serviceType = "boiler_service"
	email = "jo@example.com"
	postalCode = "1011AB"
	if slot != "" {
		require.NoError(t, createCmd.Flags().Set("slot", slot))
	}

	buf, err := run(t, createCmd)
	require.NoError(t, err)
	var res commands.CreateBookingResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	return res
}

func TestCreateCommand(t *testing.T) {
	setupTestApp(t)

	res := createBooking(t, "slot-7")
	assert.Equal(t, "pending", string(res.Status))
	require.NotNil(t, res.SlotRef)
	assert.Equal(t, "slot-7", *res.SlotRef)
}

func TestCreateCommand_SlotTaken(t *testing.T) {
	setupTestApp(t)
	createBooking(t, "slot-7")

	serviceType = "repair"
	_, err := run(t, createCmd)
	assert.True(t, apperrors.IsConflict(err))
}

func TestCreateCommand_TextOutput(t *testing.T) {
	setupTestApp(t)
	cli.SetJSONOutput(false)

	serviceType = "repair"
	email = "jo@example.com"
	buf, err := run(t, createCmd)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Booking created: ")
	assert.Contains(t, buf.String(), "(pending)")
}

func TestCreateCommand_InvalidOwnerPermission(t *testing.T) {
	setupTestApp(t)

	serviceType = "repair"
	occupancy = "renter"
	ownerPermission = "maybe"
	_, err := run(t, createCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yes or no")
}

func TestGetCommand(t *testing.T) {
	setupTestApp(t)
	res := createBooking(t, "")

	buf, err := run(t, getCmd, res.BookingID.String())
	require.NoError(t, err)
	var dto queries.BookingDTO
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dto))
	assert.Equal(t, res.BookingID.String(), dto.ID)
	assert.Nil(t, dto.SlotRef)

	_, err = run(t, getCmd, "not-a-uuid")
	assert.ErrorContains(t, err, "invalid booking ID")
}

func TestStatusAndCancelCommands(t *testing.T) {
	setupTestApp(t)
	res := createBooking(t, "slot-9")

	buf, err := run(t, statusCmd, res.BookingID.String(), "confirmed")
	require.NoError(t, err)
	var dto queries.BookingDTO
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dto))
	assert.Equal(t, "confirmed", dto.Status)

	buf, err = run(t, cancelCmd, res.BookingID.String())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dto))
	assert.Equal(t, "cancelled", dto.Status)

	// The slot is free again.
	again := createBooking(t, "slot-9")
	assert.NotEqual(t, res.BookingID, again.BookingID)
}

func TestCommandsRequireApp(t *testing.T) {
	cli.SetApp(nil)
	_, err := run(t, getCmd, "00000000-0000-0000-0000-000000000001")
	assert.ErrorIs(t, err, cli.ErrNotInitialized)
}
