package server

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var ErrServerFull = errors.New("CAPACITY_ERROR: Server is full, try again later")

// ClientRegistry is the live set of connected handlers, kept in registration
// order so opponent search is deterministic.
type ClientRegistry struct {
	max      int
	handlers []*ClientHandler
	mu       sync.RWMutex
}

func NewClientRegistry(max int) *ClientRegistry {
	return &ClientRegistry{
		max:      max,
		handlers: make([]*ClientHandler, 0, max),
	}
}

// Add registers h unless the registry is at capacity.
func (r *ClientRegistry) Add(h *ClientHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.handlers) >= r.max {
		return ErrServerFull
	}
	r.handlers = append(r.handlers, h)
	return nil
}

func (r *ClientRegistry) Remove(h *ClientHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.handlers, h)
	if i < 0 {
		return false
	}
	r.handlers = slices.Delete(r.handlers, i, i+1)
	return true
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *ClientRegistry) Contains(h *ClientHandler) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.handlers, h)
}

// Get returns the handler for a connection id
func (r *ClientRegistry) Get(connectionID string) *ClientHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.ID() == connectionID {
			return h
		}
	}
	return nil
}

// ClaimName assigns name to h if no other handler uses it, ignoring case.
func (r *ClientRegistry) ClaimName(h *ClientHandler, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.handlers {
		if other != h && strings.EqualFold(other.Name(), name) {
			return fmt.Errorf("USERNAME_TAKEN: '%s' is already playing", name)
		}
	}
	if !h.setName(name) {
		return fmt.Errorf("ALREADY_CONNECTED: Already connected as '%s'", h.Name())
	}
	return nil
}

// Snapshot copies the handler list.
func (r *ClientRegistry) Snapshot() []*ClientHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers)
}

// Names lists identified players in registration order.
func (r *ClientRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		if name := h.Name(); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// FindOpponent returns the first other handler that is connected, identified,
// holds a roster and has no session. First structural match wins.
func (r *ClientRegistry) FindOpponent(h *ClientHandler) *ClientHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, other := range r.handlers {
		if other != h && other.eligible() {
			return other
		}
	}
	return nil
}
