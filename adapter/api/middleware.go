package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Request headers carrying trace identifiers.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// RequestContextMiddleware tags the request context with a request id and a
// correlation id, reusing the caller's values when present, and echoes both
// on the response.
func RequestContextMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := observability.WithRequestID(r.Context(), r.Header.Get(HeaderRequestID))
			ctx = observability.WithCorrelationID(ctx, r.Header.Get(HeaderCorrelationID))

			w.Header().Set(HeaderRequestID, observability.RequestIDFromContext(ctx))
			w.Header().Set(HeaderCorrelationID, observability.CorrelationIDFromContext(ctx))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start),
			)
		})
	}
}

// RecoveryMiddleware recovers from panics.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic recovered", "panic", rec, "path", r.URL.Path)
					writeError(w, r, logger, apperrors.Internal("http", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token disables the check.
func AdminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			scheme, presented, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeError(w, r, nil, apperrors.Unauthorized("admin", "a valid admin token is required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
