package cli

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/slotwise/internal/admin"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// ErrNotInitialized is returned by commands run without a container.
var ErrNotInitialized = errors.New("application not initialized - database connection required")

// App holds the CLI application dependencies.
type App struct {
	// Booking handlers
	CreateBookingHandler *commands.CreateBookingHandler
	UpdateStatusHandler  *commands.UpdateBookingStatusHandler
	CancelBookingHandler *commands.CancelBookingHandler
	GetBookingHandler    *queries.GetBookingHandler

	// Pipeline administration
	Admin     *admin.Service
	Retention admin.RetentionPolicy

	Health  *observability.HealthRegistry
	Migrate func(ctx context.Context) ([]string, error)

	// RabbitMQURL enables "events tail". Empty in local mode.
	RabbitMQURL string
}

var app *App

// SetApp sets the global CLI application.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application.
func GetApp() *App {
	return app
}

// RequireApp returns the application or ErrNotInitialized.
func RequireApp() (*App, error) {
	if app == nil {
		return nil, ErrNotInitialized
	}
	return app, nil
}

// RequireAdmin returns the admin service or ErrNotInitialized.
func RequireAdmin() (*admin.Service, error) {
	if app == nil || app.Admin == nil {
		return nil, ErrNotInitialized
	}
	return app.Admin, nil
}
