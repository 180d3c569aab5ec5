package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/admin"
	"github.com/felixgeelhaar/slotwise/internal/deadletter"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

const defaultPageSize = 50

// AdminHandler exposes queue, dead-letter, ledger and breaker operations.
type AdminHandler struct {
	svc    *admin.Service
	logger *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(svc *admin.Service, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		svc:    svc,
		logger: observability.OrDefault(logger).With("component", "admin_api"),
	}
}

// ResolveRequest is the body of POST /admin/errors/{id}/resolve.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

// QueueStats handles GET /admin/queues
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	lanes, err := h.svc.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lanes": lanes})
}

// PauseLane handles POST /admin/queues/{lane}/pause
func (h *AdminHandler) PauseLane(w http.ResponseWriter, r *http.Request) {
	lane := r.PathValue("lane")
	if err := h.svc.Pause(r.Context(), lane); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lane": lane, "paused": true})
}

// ResumeLane handles POST /admin/queues/{lane}/resume
func (h *AdminHandler) ResumeLane(w http.ResponseWriter, r *http.Request) {
	lane := r.PathValue("lane")
	if err := h.svc.Resume(r.Context(), lane); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lane": lane, "paused": false})
}

// CleanLane handles POST /admin/queues/{lane}/clean?state=completed&grace=24h
func (h *AdminHandler) CleanLane(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = string(queue.StateCompleted)
	}
	var grace time.Duration
	if raw := r.URL.Query().Get("grace"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, r, h.logger, apperrors.Validation("grace", "grace must be a duration such as 24h"))
			return
		}
		grace = d
	}

	n, err := h.svc.Clean(r.Context(), r.PathValue("lane"), state, grace)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// ListDeadLetters handles GET /admin/dead-letters
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entries, err := h.svc.ListDeadLetters(r.Context(), deadletter.Filter{
		Lane:    queue.Lane(r.URL.Query().Get("lane")),
		JobType: r.URL.Query().Get("job_type"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

// RetryDeadLetter handles POST /admin/dead-letters/{id}/retry
func (h *AdminHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.svc.RetryDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// RemoveDeadLetter handles DELETE /admin/dead-letters/{id}
func (h *AdminHandler) RemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveDeadLetter(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListErrors handles GET /admin/errors
func (h *AdminHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	unresolved, err := queryBool(r, "unresolved")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	errType := ledger.ErrorType(r.URL.Query().Get("type"))
	if errType != "" && !errType.IsValid() {
		writeError(w, r, h.logger, apperrors.Validation("type", "unknown error type "+string(errType)))
		return
	}

	entries, err := h.svc.ListErrors(r.Context(), ledger.Filter{
		UnresolvedOnly: unresolved,
		Type:           errType,
		Operation:      r.URL.Query().Get("operation"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

// ResolveError handles POST /admin/errors/{id}/resolve
func (h *AdminHandler) ResolveError(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "admin"
	}

	entry, err := h.svc.ResolveError(r.Context(), r.PathValue("id"), req.ResolvedBy, req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// RetryError handles POST /admin/errors/{id}/retry
func (h *AdminHandler) RetryError(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RetryError(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Breakers handles GET /admin/breakers. Breaker state is per process: the
// API reports the breakers it runs itself. The pipeline breakers are served
// by the worker's health server at GET /breakers.
func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.svc.Breakers()})
}

func pagination(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
