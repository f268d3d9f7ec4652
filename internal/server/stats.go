package server

import (
	"slices"
	"sync"
	"time"

	"pokebattle-server/internal/protocol"
)

// Stats is a point-in-time view of the server.
type Stats struct {
	Clients        int       `json:"clients"`
	Sessions       int       `json:"sessions"`
	Players        []string  `json:"players"`
	BattlesStarted int64     `json:"battlesStarted"`
	PeakClients    int       `json:"peakClients"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (s Stats) status() protocol.ServerStatus {
	return protocol.ServerStatus{
		Clients:  s.Clients,
		Sessions: s.Sessions,
		Players:  slices.Clone(s.Players),
	}
}

// Observer is told whenever the client or session count changes. It is called
// without server locks held but must not block.
type Observer interface {
	StatsChanged(Stats)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Stats)

func (f ObserverFunc) StatsChanged(s Stats) { f(s) }

// StatsTracker keeps the latest Stats and the client high-water mark.
type StatsTracker struct {
	latest Stats
	peak   int
	mu     sync.RWMutex
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{}
}

func (t *StatsTracker) StatsChanged(s Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.peak = max(t.peak, s.Clients)
	s.PeakClients = t.peak
	t.latest = s
}

// Snapshot returns the most recent Stats.
func (t *StatsTracker) Snapshot() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.latest
	s.Players = slices.Clone(s.Players)
	if s.Players == nil {
		s.Players = []string{}
	}
	return s
}
