package server

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"pokebattle-server/internal/protocol"
)

const maxUsernameLength = 20

// RateLimiter caps messages per connection over a sliding window.
// Why per-connection: one noisy client shouldn't starve the others
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string][]time.Time // connectionID -> recent message times
	now         func() time.Time
	mu          sync.Mutex
}

// NewRateLimiter allows maxRequests per window. A non-positive maxRequests
// disables limiting.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow records one message and reports whether it is within the limit.
func (r *RateLimiter) Allow(connectionID string) bool {
	if r.maxRequests <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := prune(r.requests[connectionID], now.Add(-r.window))
	if len(recent) >= r.maxRequests {
		r.requests[connectionID] = recent
		return false
	}
	r.requests[connectionID] = append(recent, now)
	return true
}

// Cleanup forgets connections with no message inside the window.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for connID, stamps := range r.requests {
		if recent := prune(stamps, cutoff); len(recent) > 0 {
			r.requests[connID] = recent
		} else {
			delete(r.requests, connID)
		}
	}
}

func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, connectionID)
}

func (r *RateLimiter) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// prune keeps the timestamps after cutoff, reusing the backing array.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// ConnectionHealth remembers when each connection last sent anything.
// Why separate from RateLimiter: liveness and abuse are different questions
type ConnectionHealth struct {
	lastActivity map[string]time.Time
	now          func() time.Time
	mu           sync.RWMutex
}

func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{
		lastActivity: make(map[string]time.Time),
		now:          time.Now,
	}
}

func (h *ConnectionHealth) UpdateActivity(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity[connectionID] = h.now()
}

// IsInactive reports whether a tracked connection has been silent for longer
// than timeout. Untracked connections are never inactive.
func (h *ConnectionHealth) IsInactive(connectionID string, timeout time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	last, exists := h.lastActivity[connectionID]
	if !exists {
		return false
	}
	return h.now().Sub(last) > timeout
}

// GetInactiveConnections lists every connection silent for longer than timeout.
func (h *ConnectionHealth) GetInactiveConnections(timeout time.Duration) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	inactive := make([]string, 0)
	for connID, last := range h.lastActivity {
		if now.Sub(last) > timeout {
			inactive = append(inactive, connID)
		}
	}
	return inactive
}

func (h *ConnectionHealth) RemoveConnection(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastActivity, connectionID)
}

// ValidateClientKind rejects kinds a client is not allowed to send: unknown
// kinds and server-to-client kinds alike.
func ValidateClientKind(kind protocol.Kind) error {
	if !kind.Known() {
		return fmt.Errorf("INVALID_MESSAGE_KIND: Unknown message kind '%s'", kind)
	}
	if _, ok := clientHandlers[kind]; !ok {
		return fmt.Errorf("INVALID_MESSAGE_KIND: '%s' is sent by the server only", kind)
	}
	return nil
}

// ValidateUsername checks player name requirements
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("USERNAME_INVALID: Username cannot be empty")
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return fmt.Errorf("USERNAME_INVALID: Username too long (max %d characters)", maxUsernameLength)
	}
	if strings.IndexFunc(username, unicode.IsControl) >= 0 {
		return fmt.Errorf("USERNAME_INVALID: Username contains control characters")
	}
	if strings.EqualFold(username, protocol.ServerSender) {
		return fmt.Errorf("USERNAME_INVALID: '%s' is reserved", username)
	}
	return nil
}
