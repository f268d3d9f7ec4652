package battle

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"pokebattle-server/internal/pokemon"
	"pokebattle-server/internal/protocol"
)

type State int

const (
	StateCreated State = iota
	StateStarted
	StateEnded
	StateAwaitingRematch
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateEnded:
		return "ended"
	case StateAwaitingRematch:
		return "awaiting_rematch"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Participant is the session's view of a connected player.
type Participant interface {
	Name() string
	Connected() bool
	Send(protocol.Message) bool
}

// RuleViolation rejects a move without changing any state. Reply is the kind
// the offending client should be answered with.
type RuleViolation struct {
	Reply  protocol.Kind
	Reason string
}

func (e *RuleViolation) Error() string {
	return "RULE_VIOLATION: " + e.Reason
}

var (
	ErrAlreadyStarted = errors.New("SESSION_ALREADY_STARTED: Battle was already started")
	ErrRosterMissing  = errors.New("ROSTER_MISSING: Both players need a team before the battle starts")
)

const (
	sideA = 0
	sideB = 1
	draw  = -1
)

const (
	reasonWipe      = "roster defeated"
	reasonDraw      = "both rosters defeated"
	reasonForfeit   = "opponent disconnected"
	reasonAbandoned = "both players disconnected"
	reasonTimeout   = "move timer expired"
)

type Option func(*Session)

func WithRand(r Rand) Option {
	return func(s *Session) {
		if r != nil {
			s.rng = r
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.rec = r
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMoveTimeout makes a turn owner forfeit after d without a move. Zero
// disables the timer.
func WithMoveTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.moveTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is one battle between two participants. Every exported method takes
// the session mutex; two receive loops may call in concurrently.
type Session struct {
	id      string
	players [2]Participant
	rosters [2][]pokemon.Species

	rng         Rand
	rec         Recorder
	log         *zap.Logger
	moveTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	state     State
	teams     [2][]*Combatant
	active    [2]int
	turn      int
	turns     int
	damage    [2]int
	left      [2]bool
	forfeited [2]bool
	winner    int
	reason    string
	startedAt time.Time
	timer     *time.Timer
}

func NewSession(id string, a, b Participant, rosterA, rosterB []pokemon.Species, opts ...Option) *Session {
	s := &Session{
		id:      id,
		players: [2]Participant{a, b},
		rosters: [2][]pokemon.Species{rosterA, rosterB},
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		rec:     nopRecorder{},
		log:     zap.NewNop(),
		now:     time.Now,
		state:   StateCreated,
		winner:  draw,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", id))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Players() (Participant, Participant) {
	return s.players[sideA], s.players[sideB]
}

// Opponent returns the other participant, or nil if p is not in this session.
func (s *Session) Opponent(p Participant) Participant {
	side := s.sideOf(p)
	if side < 0 {
		return nil
	}
	return s.players[1-side]
}

func (s *Session) isTurnOwner(p Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	side := s.sideOf(p)
	return side >= 0 && s.state == StateStarted && s.turn == side
}

// team returns copies of p's combatants.
func (s *Session) team(p Participant) []Combatant {
	s.mu.Lock()
	defer s.mu.Unlock()
	side := s.sideOf(p)
	if side < 0 {
		return nil
	}
	out := make([]Combatant, 0, len(s.teams[side]))
	for _, c := range s.teams[side] {
		out = append(out, *c)
	}
	return out
}

func (s *Session) activeIndex(p Participant) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	side := s.sideOf(p)
	if side < 0 {
		return -1
	}
	return s.active[side]
}

// Winner returns the winner's name once the battle is over; ok is false while
// it is running or when it ended in a draw.
func (s *Session) Winner() (name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state < StateEnded || s.winner == draw {
		return "", false
	}
	return s.players[s.winner].Name(), true
}

func (s *Session) sideOf(p Participant) int {
	switch p {
	case nil:
		return -1
	case s.players[sideA]:
		return sideA
	case s.players[sideB]:
		return sideB
	}
	return -1
}

// Start builds both teams, picks who moves first and opens the turn loop.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return ErrAlreadyStarted
	}
	if len(s.rosters[sideA]) == 0 || len(s.rosters[sideB]) == 0 {
		return ErrRosterMissing
	}

	for side := range s.teams {
		team := make([]*Combatant, 0, len(s.rosters[side]))
		for _, species := range s.rosters[side] {
			team = append(team, NewCombatant(species))
		}
		s.teams[side] = team
	}
	s.turn = s.rng.IntN(2)
	s.state = StateStarted
	s.startedAt = s.now()

	s.log.Info("battle started",
		zap.String("playerA", s.players[sideA].Name()),
		zap.String("playerB", s.players[sideB].Name()),
		zap.String("first", s.players[s.turn].Name()))

	for side := range s.players {
		other := 1 - side
		s.send(side, protocol.KindBattleInit, protocol.BattleInit{
			YourRoster:     rosterEntries(s.teams[side]),
			OpponentRoster: rosterEntries(s.teams[other]),
			YouStartFirst:  s.turn == side,
		})
		s.send(side, protocol.KindBattleStart, protocol.Text{
			Text: fmt.Sprintf("Battle started: %s vs %s", s.players[side].Name(), s.players[other].Name()),
		})
	}
	s.sendState()

	if s.finished() {
		s.end()
		return nil
	}
	s.requestMove()
	return nil
}

// ExecuteMove applies p's move in slot index. A *RuleViolation means nothing
// changed.
func (s *Session) ExecuteMove(p Participant, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	side := s.sideOf(p)
	if side < 0 {
		return &RuleViolation{Reply: protocol.KindError, Reason: "You are not in this battle"}
	}
	if s.state != StateStarted {
		return &RuleViolation{Reply: protocol.KindError, Reason: "The battle is not in progress"}
	}
	if s.turn != side {
		return &RuleViolation{Reply: protocol.KindError, Reason: "It is not your turn"}
	}

	other := 1 - side
	attacker := s.teams[side][s.active[side]]
	if attacker.IsFainted() {
		return &RuleViolation{Reply: protocol.KindError, Reason: "Your Pokémon has fainted"}
	}
	move, ok := attacker.Move(index)
	if !ok {
		return &RuleViolation{Reply: protocol.KindInvalidMove, Reason: fmt.Sprintf("Invalid move %d", index)}
	}

	s.stopTimer()

	defender := s.teams[other][s.active[other]]
	applied := defender.TakeDamage(defender.DamageFrom(move, s.rng))
	s.turns++
	s.damage[side] += applied

	var narration string
	if applied > 0 {
		narration = fmt.Sprintf("%s (%s) used %s on %s (%s) and dealt %d damage! Remaining HP: %d/%d",
			attacker.Name(), p.Name(), move.Name,
			defender.Name(), s.players[other].Name(),
			applied, defender.CurrentHP, defender.MaxHP)
	} else {
		narration = fmt.Sprintf("%s (%s) used %s, but it dealt no damage.", attacker.Name(), p.Name(), move.Name)
	}
	s.broadcast(protocol.KindMoveResult, protocol.Text{Text: narration})
	s.log.Debug("move executed",
		zap.String("player", p.Name()),
		zap.String("move", move.Name),
		zap.Int("damage", applied),
		zap.Int("turn", s.turns))

	s.rec.RecordMove(MoveRecord{
		SessionID:   s.id,
		Turn:        s.turns,
		Player:      p.Name(),
		Pokemon:     attacker.Name(),
		Move:        move.Name,
		Damage:      applied,
		RemainingHP: defender.CurrentHP,
		Target:      defender.Name(),
		At:          s.now(),
	})

	if defender.IsFainted() {
		s.broadcast(protocol.KindPokemonFaint, protocol.Text{
			Text: fmt.Sprintf("%s (%s) fainted!", defender.Name(), s.players[other].Name()),
		})
		s.active[other] = nextAlive(s.teams[other], s.active[other])
	}

	// Turn ownership flips after every executed move
	s.turn = other
	s.sendState()

	if s.finished() {
		s.end()
	} else {
		s.requestMove()
	}
	return nil
}

// PlayerDisconnected records that p left. A running battle ends at once with
// the other side winning by forfeit.
func (s *Session) PlayerDisconnected(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	side := s.sideOf(p)
	if side < 0 {
		return
	}
	s.left[side] = true

	switch s.state {
	case StateCreated, StateStarted:
		s.log.Info("player left mid-battle", zap.String("player", p.Name()))
		s.end()
	}
}

// NotifyRematchDeclined tells the participant still present that no rematch
// will happen because leaver is gone.
func (s *Session) NotifyRematchDeclined(leaver Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	side := s.sideOf(leaver)
	if side < 0 {
		return
	}
	other := 1 - side
	s.send(other, protocol.KindRematchResponse, protocol.RematchResponse{
		Accepted: false,
		Reason:   fmt.Sprintf("%s left the server", leaver.Name()),
	})
}

// AwaitRematch parks a finished battle while rematch consensus is pending.
func (s *Session) AwaitRematch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEnded && s.state != StateAwaitingRematch {
		return false
	}
	s.state = StateAwaitingRematch
	return true
}

// Finished reports whether the battle is over, parked or closed.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state >= StateEnded
}

// Close tears the session down. Nothing is sent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimer()
	s.state = StateClosed
}

// reachable reports whether a side can still receive messages.
func (s *Session) reachable(side int) bool {
	return !s.left[side] && s.players[side].Connected()
}

func (s *Session) finished() bool {
	if !s.reachable(sideA) || !s.reachable(sideB) {
		return true
	}
	if s.forfeited[sideA] || s.forfeited[sideB] {
		return true
	}
	return wiped(s.teams[sideA]) || wiped(s.teams[sideB])
}

func (s *Session) outcome() (winner int, reason string) {
	upA, upB := s.reachable(sideA), s.reachable(sideB)
	switch {
	case !upA && !upB:
		return draw, reasonAbandoned
	case !upA:
		return sideB, reasonForfeit
	case !upB:
		return sideA, reasonForfeit
	case s.forfeited[sideA]:
		return sideB, reasonTimeout
	case s.forfeited[sideB]:
		return sideA, reasonTimeout
	}

	aliveA, aliveB := !wiped(s.teams[sideA]), !wiped(s.teams[sideB])
	switch {
	case aliveA && !aliveB:
		return sideA, reasonWipe
	case aliveB && !aliveA:
		return sideB, reasonWipe
	}
	return draw, reasonDraw
}

func (s *Session) end() {
	s.stopTimer()
	s.state = StateEnded
	s.winner, s.reason = s.outcome()

	for side := range s.players {
		if !s.reachable(side) {
			continue
		}
		other := 1 - side
		result := "Draw"
		switch {
		case s.winner == side && s.reason == reasonForfeit:
			result = "You won! Your opponent disconnected."
		case s.winner == side && s.reason == reasonTimeout:
			result = "You won! Your opponent ran out of time."
		case s.winner == side:
			result = "You won!"
		case s.winner == other:
			result = "You lost!"
		}
		s.send(side, protocol.KindBattleEnd, protocol.BattleEnd{
			PlayerName:   s.players[side].Name(),
			OpponentName: s.players[other].Name(),
			Result:       result,
			IsWinner:     s.winner == side,
		})
		if s.winner == side && s.reason == reasonForfeit {
			s.send(side, protocol.KindNotification, protocol.Text{Text: "Your opponent disconnected. You win by forfeit!"})
		}
	}

	endedAt := s.now()
	summary := Summary{
		SessionID:  s.id,
		PlayerA:    s.players[sideA].Name(),
		PlayerB:    s.players[sideB].Name(),
		TeamA:      speciesNames(s.rosters[sideA]),
		TeamB:      speciesNames(s.rosters[sideB]),
		Reason:     s.reason,
		TotalTurns: s.turns,
		DamageA:    s.damage[sideA],
		DamageB:    s.damage[sideB],
		StartedAt:  s.startedAt,
		EndedAt:    endedAt,
	}
	if !s.startedAt.IsZero() {
		summary.Duration = endedAt.Sub(s.startedAt)
	}
	if s.winner != draw {
		summary.Winner = s.players[s.winner].Name()
	}
	s.rec.RecordSummary(summary)

	s.log.Info("battle ended",
		zap.String("winner", summary.Winner),
		zap.String("reason", s.reason),
		zap.Int("turns", s.turns))
}

func (s *Session) requestMove() {
	s.send(s.turn, protocol.KindMoveRequest, protocol.Text{Text: "Your turn! Choose a move."})

	if s.moveTimeout <= 0 {
		return
	}
	turn := s.turns
	s.timer = time.AfterFunc(s.moveTimeout, func() { s.moveTimedOut(turn) })
}

func (s *Session) moveTimedOut(turn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A move or an earlier end already superseded this timer
	if s.state != StateStarted || s.turns != turn {
		return
	}
	s.log.Info("move timer expired", zap.String("player", s.players[s.turn].Name()))
	s.forfeited[s.turn] = true
	s.send(s.turn, protocol.KindNotification, protocol.Text{Text: "You took too long to choose a move."})
	s.end()
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// sendState sends each side its own mirrored view of the field.
func (s *Session) sendState() {
	for side := range s.players {
		other := 1 - side
		s.send(side, protocol.KindBattleState, protocol.BattleState{
			HPSelf:              s.teams[side][s.active[side]].HPPercentage(),
			HPOpponent:          s.teams[other][s.active[other]].HPPercentage(),
			ActiveIndexSelf:     s.active[side],
			ActiveIndexOpponent: s.active[other],
			IsSelfTurn:          s.turn == side,
		})
	}
}

func (s *Session) broadcast(kind protocol.Kind, payload any) {
	for side := range s.players {
		s.send(side, kind, payload)
	}
}

func (s *Session) send(side int, kind protocol.Kind, payload any) {
	if s.left[side] {
		return
	}
	msg, err := protocol.FromServer(kind, payload)
	if err != nil {
		s.log.Error("failed to build message", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if !s.players[side].Send(msg.WithSession(s.id)) {
		s.log.Debug("send dropped", zap.String("player", s.players[side].Name()), zap.String("kind", string(kind)))
	}
}

// nextAlive returns the first living combatant in roster order, or current if
// the whole team is down.
func nextAlive(team []*Combatant, current int) int {
	for i, c := range team {
		if !c.IsFainted() {
			return i
		}
	}
	return current
}

func wiped(team []*Combatant) bool {
	for _, c := range team {
		if !c.IsFainted() {
			return false
		}
	}
	return len(team) > 0
}

func rosterEntries(team []*Combatant) []protocol.RosterEntry {
	out := make([]protocol.RosterEntry, 0, len(team))
	for _, c := range team {
		out = append(out, c.rosterEntry())
	}
	return out
}

func speciesNames(roster []pokemon.Species) []string {
	out := make([]string, 0, len(roster))
	for _, sp := range roster {
		out = append(out, sp.Name)
	}
	return out
}
