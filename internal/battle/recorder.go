package battle

import "time"

// MoveRecord is one executed move, in the order the session applied it.
type MoveRecord struct {
	SessionID   string    `json:"sessionId"`
	Turn        int       `json:"turn"`
	Player      string    `json:"player"`
	Pokemon     string    `json:"pokemon"`
	Move        string    `json:"move"`
	Damage      int       `json:"damage"`
	RemainingHP int       `json:"remainingHp"`
	Target      string    `json:"target"`
	At          time.Time `json:"at"`
}

// Summary closes a battle. Winner is empty on a draw.
type Summary struct {
	SessionID  string        `json:"sessionId"`
	PlayerA    string        `json:"playerA"`
	PlayerB    string        `json:"playerB"`
	TeamA      []string      `json:"teamA"`
	TeamB      []string      `json:"teamB"`
	Winner     string        `json:"winner"`
	Reason     string        `json:"reason"`
	Duration   time.Duration `json:"duration"`
	TotalTurns int           `json:"totalTurns"`
	DamageA    int           `json:"damageA"`
	DamageB    int           `json:"damageB"`
	StartedAt  time.Time     `json:"startedAt"`
	EndedAt    time.Time     `json:"endedAt"`
}

// Recorder receives the battle log. Calls happen while the session lock is
// held, so implementations must not block or call back into the session.
type Recorder interface {
	RecordMove(MoveRecord)
	RecordSummary(Summary)
}

type nopRecorder struct{}

func (nopRecorder) RecordMove(MoveRecord)  {}
func (nopRecorder) RecordSummary(Summary) {}
