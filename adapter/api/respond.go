package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps an application error to an HTTP status.
func StatusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes err as a JSON error response. Only user-safe text
// reaches the body; server-side failures are logged in full.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusFor(err)
	logger = observability.OrDefault(logger)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	body := ErrorResponse{
		Error:     apperrors.KindOf(err).String(),
		Message:   apperrors.UserMessage(err),
		RequestID: observability.RequestIDFromContext(r.Context()),
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Field = appErr.Field
		if appErr.Kind == apperrors.KindUnauthorized {
			body.Message = appErr.Message
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are rejected.
// An empty body leaves dst untouched when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return apperrors.Validation("body", "request body must be a valid JSON object")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Validation(name, name+" must be a non-negative integer")
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.Validation(name, name+" must be true or false")
	}
	return b, nil
}
