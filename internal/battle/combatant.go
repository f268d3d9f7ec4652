package battle

import (
	"math"

	"pokebattle-server/internal/pokemon"
	"pokebattle-server/internal/protocol"
)

// Rand is the random source a session draws from. *rand.Rand from
// math/rand/v2 satisfies it; tests pass a seeded one.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

const (
	minVariance = 0.85
	maxVariance = 1.00
)

// Combatant is one roster member's battle state.
// Invariant: fainted == (CurrentHP == 0).
type Combatant struct {
	Species   pokemon.Species
	MaxHP     int
	CurrentHP int
	fainted   bool
}

func NewCombatant(s pokemon.Species) *Combatant {
	moves := s.Moves
	if len(moves) > pokemon.MaxMoves {
		moves = moves[:pokemon.MaxMoves]
	}
	s.Moves = moves

	hp := max(0, s.HP())
	return &Combatant{
		Species:   s,
		MaxHP:     hp,
		CurrentHP: hp,
		fainted:   hp == 0,
	}
}

func (c *Combatant) Name() string { return c.Species.Name }

func (c *Combatant) IsFainted() bool { return c.fainted }

// Move returns the move in slot i.
func (c *Combatant) Move(i int) (pokemon.Move, bool) {
	if i < 0 || i >= len(c.Species.Moves) {
		return pokemon.Move{}, false
	}
	return c.Species.Moves[i], true
}

func (c *Combatant) Moves() []pokemon.Move { return c.Species.Moves }

// DamageFrom rolls the damage this combatant receives from move.
// Status moves deal nothing; anything else deals at least 1.
func (c *Combatant) DamageFrom(move pokemon.Move, rng Rand) int {
	if move.Power <= 0 {
		return 0
	}
	u := minVariance + (maxVariance-minVariance)*rng.Float64()
	return max(1, int(math.Round(float64(move.Power)*u)))
}

// TakeDamage subtracts n from current HP, floored at zero, and returns the
// amount actually removed.
func (c *Combatant) TakeDamage(n int) int {
	if n <= 0 || c.fainted {
		return 0
	}
	applied := min(n, c.CurrentHP)
	c.CurrentHP -= applied
	if c.CurrentHP == 0 {
		c.fainted = true
	}
	return applied
}

// HPPercentage is current HP as a rounded integer percentage of max HP.
func (c *Combatant) HPPercentage() int {
	if c.MaxHP <= 0 {
		return 0
	}
	return int(math.Round(float64(c.CurrentHP) * 100 / float64(c.MaxHP)))
}

func (c *Combatant) rosterEntry() protocol.RosterEntry {
	moves := make([]protocol.MoveInfo, 0, len(c.Species.Moves))
	for _, m := range c.Species.Moves {
		moves = append(moves, protocol.MoveInfo{Name: m.Name, Type: m.Type, Power: m.Power})
	}
	return protocol.RosterEntry{
		ID:    c.Species.ID,
		Name:  c.Species.Name,
		MaxHP: c.MaxHP,
		Moves: moves,
	}
}
