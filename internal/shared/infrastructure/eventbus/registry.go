package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Registry routes events to handlers by topic pattern.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: observability.OrDefault(logger)}
}

// Register adds a handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	r.logger.Debug("registered event handler", "routing_keys", h.RoutingKeys())
}

// Patterns returns every registered routing pattern.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, h := range r.handlers {
		for _, k := range h.RoutingKeys() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Match returns the handlers whose patterns match routingKey.
func (r *Registry) Match(routingKey string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, h := range r.handlers {
		for _, p := range h.RoutingKeys() {
			if TopicMatch(p, routingKey) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// Dispatch hands the event to every matching handler. All handlers run;
// their errors are joined.
func (r *Registry) Dispatch(ctx context.Context, event *Event) error {
	handlers := r.Match(event.RoutingKey)
	if len(handlers) == 0 {
		r.logger.DebugContext(ctx, "no handlers for routing key", "routing_key", event.RoutingKey)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			r.logger.ErrorContext(ctx, "event handler failed",
				"routing_key", event.RoutingKey,
				"event_id", event.ID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TopicMatch reports whether an AMQP topic pattern matches a routing key.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
