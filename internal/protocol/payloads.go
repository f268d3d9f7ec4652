package protocol

import (
	"encoding/json"
	"errors"
)

// ============================================================================
// CONNECTION
// ============================================================================

type ConnectRequest struct {
	Name string `json:"name"`
}

type ConnectResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

type PlayerPresence struct {
	Name string `json:"name,omitempty"`
}

// Heartbeat carries an opaque token; the server answers "pong".
type Heartbeat struct {
	Token string `json:"token"`
}

// Text is the payload of every free-text kind (notices, narration, errors).
type Text struct {
	Text string `json:"text,omitempty"`
}

// ============================================================================
// TEAM SELECTION
// ============================================================================

type MoveInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Power int    `json:"power"`
}

type SpeciesInfo struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	HP    int        `json:"hp"`
	Types []string   `json:"types"`
	Moves []MoveInfo `json:"moves"`
}

type TeamSelectionPrompt struct {
	Prompt   string        `json:"prompt"`
	TeamSize int           `json:"teamSize"`
	Species  []SpeciesInfo `json:"species,omitempty"`
}

type TeamSelection struct {
	Species []string `json:"species"`
}

// ============================================================================
// BATTLE
// ============================================================================

type RosterEntry struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	MaxHP int        `json:"maxHp"`
	Moves []MoveInfo `json:"moves"`
}

type BattleInit struct {
	YourRoster     []RosterEntry `json:"yourRoster"`
	OpponentRoster []RosterEntry `json:"opponentRoster"`
	YouStartFirst  bool          `json:"youStartFirst"`
}

type MoveSelection struct {
	Index int `json:"index"`
}

// UnmarshalJSON rejects a selection without an index so a bare object can't
// stand in for slot 0.
func (m *MoveSelection) UnmarshalJSON(data []byte) error {
	var raw struct {
		Index *int `json:"index"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Index == nil {
		return errors.New("index is required")
	}
	m.Index = *raw.Index
	return nil
}

// BattleState is personalized per recipient: "self" is always the receiver.
type BattleState struct {
	HPSelf              int  `json:"hpSelf"`
	HPOpponent          int  `json:"hpOpponent"`
	ActiveIndexSelf     int  `json:"activeIndexSelf"`
	ActiveIndexOpponent int  `json:"activeIndexOpponent"`
	IsSelfTurn          bool `json:"isSelfTurn"`
}

type BattleEnd struct {
	PlayerName   string `json:"playerName"`
	OpponentName string `json:"opponentName"`
	Result       string `json:"result"`
	IsWinner     bool   `json:"isWinner"`
}

// ============================================================================
// REMATCH
// ============================================================================

type RematchRequest struct {
	Requester string `json:"requester"`
	Target    string `json:"target"`
}

type RematchResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ============================================================================
// SYSTEM
// ============================================================================

type ServerStatus struct {
	Clients  int      `json:"clients"`
	Sessions int      `json:"sessions"`
	Players  []string `json:"players,omitempty"`
}
