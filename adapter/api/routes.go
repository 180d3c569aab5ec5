package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Bookings   *BookingHandler
	Admin      *AdminHandler
	Health     *observability.HealthRegistry
	AdminToken string
	Logger     *slog.Logger
}

// NewRouter creates the HTTP handler with every route configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := observability.OrDefault(cfg.Logger)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler(cfg.Health))

	if b := cfg.Bookings; b != nil {
		mux.HandleFunc("POST /api/v1/bookings", b.Create)
		mux.HandleFunc("GET /api/v1/bookings/{id}", b.Get)
		mux.HandleFunc("PATCH /api/v1/bookings/{id}/status", b.UpdateStatus)
		mux.HandleFunc("POST /api/v1/bookings/{id}/cancel", b.Cancel)
	}

	if a := cfg.Admin; a != nil {
		auth := AdminAuthMiddleware(cfg.AdminToken)
		admin := func(pattern string, fn http.HandlerFunc) {
			mux.Handle(pattern, auth(fn))
		}
		admin("GET /admin/queues", a.QueueStats)
		admin("POST /admin/queues/{lane}/pause", a.PauseLane)
		admin("POST /admin/queues/{lane}/resume", a.ResumeLane)
		admin("POST /admin/queues/{lane}/clean", a.CleanLane)
		admin("GET /admin/dead-letters", a.ListDeadLetters)
		admin("POST /admin/dead-letters/{id}/retry", a.RetryDeadLetter)
		admin("DELETE /admin/dead-letters/{id}", a.RemoveDeadLetter)
		admin("GET /admin/errors", a.ListErrors)
		admin("POST /admin/errors/{id}/resolve", a.ResolveError)
		admin("POST /admin/errors/{id}/retry", a.RetryError)
		admin("GET /admin/breakers", a.Breakers)
	}

	// Outermost first.
	var h http.Handler = mux
	h = LoggingMiddleware(logger)(h)
	h = RequestContextMiddleware()(h)
	h = RecoveryMiddleware(logger)(h)
	return h
}

func healthHandler(reg *observability.HealthRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg == nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"status": string(observability.HealthStatusHealthy),
				"time":   time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		health := reg.Check(r.Context())
		status := http.StatusOK
		if health.Status == observability.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}
