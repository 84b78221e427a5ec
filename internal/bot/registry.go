package bot

import (
	"log/slog"
	"sync"

	"versebot/internal/domain"
)

// Registry holds the named handlers in registration order. Registration
// happens during startup only; after that the registry is read-only, so
// handlers can look each other up without further locking concerns.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]domain.Handler
	ordered []string
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byName: make(map[string]domain.Handler),
		logger: logger,
	}
}

// Register adds a handler under its own name. Registering the same name twice
// overwrites the previous handler and logs a warning; registration order keeps
// the slot of the first registration.
func (r *Registry) Register(h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if _, exists := r.byName[name]; exists {
		r.logger.Warn("handler already registered, overwriting", "handler", name)
	} else {
		r.ordered = append(r.ordered, name)
	}
	r.byName[name] = h
}

// Get implements domain.HandlerLookup.
func (r *Registry) Get(name string) (domain.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// First returns the earliest-registered handler, the routing fallback of last
// resort. Returns nil when the registry is empty.
func (r *Registry) First() domain.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ordered) == 0 {
		return nil
	}
	return r.byName[r.ordered[0]]
}

// All returns the handlers in registration order.
func (r *Registry) All() []domain.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Handler, 0, len(r.ordered))
	for _, name := range r.ordered {
		out = append(out, r.byName[name])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
