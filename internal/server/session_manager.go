package server

import (
	"errors"
	"slices"
	"sync"

	"pokebattle-server/internal/battle"
)

var ErrSessionNotFound = errors.New("SESSION_NOT_FOUND: No such battle session")

// SessionManager tracks live battle sessions and the rematch ledger: for each
// finished session, the set of players who asked to play again.
type SessionManager struct {
	sessions map[string]*battle.Session // session id -> session
	rematch  map[string]map[string]bool // session id -> requester names
	mu       sync.RWMutex
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*battle.Session),
		rematch:  make(map[string]map[string]bool),
	}
}

func (sm *SessionManager) Add(s *battle.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[s.ID()] = s
}

// Remove drops the session and its rematch requests. It reports whether the
// session was still registered.
func (sm *SessionManager) Remove(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	_, exists := sm.sessions[id]
	delete(sm.sessions, id)
	delete(sm.rematch, id)
	return exists
}

func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *SessionManager) All() []*battle.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*battle.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// RequestRematch records name against the session and returns how many
// distinct players have asked so far.
func (sm *SessionManager) RequestRematch(id, name string) (int, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.sessions[id]; !exists {
		return 0, ErrSessionNotFound
	}
	set, ok := sm.rematch[id]
	if !ok {
		set = make(map[string]bool)
		sm.rematch[id] = set
	}
	set[name] = true
	return len(set), nil
}

// RematchRequests lists the players waiting on a rematch, sorted.
func (sm *SessionManager) RematchRequests(id string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	names := make([]string, 0, len(sm.rematch[id]))
	for name := range sm.rematch[id] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
