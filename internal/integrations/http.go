// Package integrations holds the clients for the collaborators slotwise
// depends on: the dispatch system, the scheduling provider, and the
// notification and analytics consumers reached through the event bus.
//
// Clients classify failures where they happen. Callers only ever inspect
// apperrors kinds and the retryable flag.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// HTTPConfig configures a JSON-over-HTTP client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Transport overrides the base round tripper. Tests use it.
	Transport http.RoundTripper
}

// StatusError is a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

type jsonClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func newJSONClient(cfg HTTPConfig, logger *slog.Logger) *jsonClient {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var transport http.RoundTripper = base
	if cfg.APIKey != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey, TokenType: "Bearer"}),
			Base:   base,
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &jsonClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Transport: transport, Timeout: timeout},
		logger:  observability.OrDefault(logger),
	}
}

// do sends in as JSON and decodes a 2xx body into out when out is non-nil.
func (c *jsonClient) do(ctx context.Context, op, method, path string, in, out any, headers map[string]string) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperrors.Terminal(op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.Terminal(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := observability.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "integration call",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ClassifyStatus(op, resp.StatusCode, string(raw))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Internal(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// transportError classifies errors raised before a response arrived. They
// are retryable unless the caller gave up.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Unavailable(op, err)
}

// ClassifyStatus maps a non-2xx status to a typed error. Client errors are
// terminal; timeouts, throttling and server errors are retryable.
func ClassifyStatus(op string, status int, body string) error {
	se := &StatusError{Op: op, StatusCode: status, Body: strings.TrimSpace(body)}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Unavailable(op, se)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &apperrors.Error{
			Kind:    apperrors.KindUnauthorized,
			Message: "integration rejected credentials",
			Op:      op,
			Cause:   se,
		}
	case status == http.StatusNotFound:
		return &apperrors.Error{
			Kind:    apperrors.KindNotFound,
			Message: "integration resource not found",
			Op:      op,
			Cause:   se,
		}
	case status == http.StatusConflict:
		return &apperrors.Error{
			Kind:    apperrors.KindConflict,
			Message: "integration reported a conflict",
			Op:      op,
			Cause:   se,
		}
	default:
		return apperrors.Terminal(op, se)
	}
}
