package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/janus"
)

// Handler is a registered child of the session: the publisher or one
// subscriber.
type Handler interface {
	Name() string
	PluginID() uint64
	HandleMessage(*janus.Message) bool
	Awaits(tx string) bool
	Destroy()
}

// Registry is the live set of child handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.handlers {
		if x == h {
			return
		}
	}
	r.handlers = append(r.handlers, h)
	log.Info().Str("module", "app.registry").Str("handler", h.Name()).Int("count", len(r.handlers)).Msg("handler added")
}

// Remove reports whether h was registered.
func (r *Registry) Remove(h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.handlers {
		if x == h {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			log.Info().Str("module", "app.registry").Str("handler", h.Name()).Int("count", len(r.handlers)).Msg("handler removed")
			return true
		}
	}
	return false
}

func (r *Registry) Contains(h Handler) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, x := range r.handlers {
		if x == h {
			return true
		}
	}
	return false
}

// Snapshot returns the handlers in registration order.
func (r *Registry) Snapshot() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.handlers
	r.handlers = nil
	log.Info().Str("module", "app.registry").Int("count", len(out)).Msg("registry cleared")
	return out
}
