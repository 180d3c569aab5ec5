package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry hands out one breaker per protected operation. Breakers are
// created lazily and live for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	observer Observer
	logger   *slog.Logger
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config, observer Observer, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		observer: observer,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.config, r.observer, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshot returns every breaker sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
