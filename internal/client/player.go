package client

import (
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"pokebattle-server/internal/protocol"
)

// Strategy picks a move slot for the active Pokémon.
type Strategy func(active protocol.RosterEntry) int

// StrongestMove picks the highest-power move, preferring the earliest slot on
// ties.
func StrongestMove(active protocol.RosterEntry) int {
	best := 0
	for i, m := range active.Moves {
		if m.Power > active.Moves[best].Power {
			best = i
		}
	}
	return best
}

// RandomMove picks any slot.
func RandomMove(rng *rand.Rand) Strategy {
	return func(active protocol.RosterEntry) int {
		if len(active.Moves) == 0 {
			return 0
		}
		return rng.IntN(len(active.Moves))
	}
}

// Player is the decision side of a bot: it turns each server message into
// the replies it wants to send. It holds no connection.
type Player struct {
	name     string
	team     []string
	battles  int
	strategy Strategy
	log      *zap.Logger

	roster  []protocol.RosterEntry
	active  int
	results []protocol.BattleEnd
}

// NewPlayer plays battles battles in a row, asking for a rematch after each
// one but the last. An empty team takes the first species offered.
func NewPlayer(name string, team []string, battles int, strategy Strategy, log *zap.Logger) *Player {
	if strategy == nil {
		strategy = StrongestMove
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Player{
		name:     name,
		team:     team,
		battles:  max(battles, 1),
		strategy: strategy,
		log:      log,
	}
}

func (p *Player) Name() string { return p.name }

// Results lists the BATTLE_END payloads seen so far.
func (p *Player) Results() []protocol.BattleEnd {
	return append([]protocol.BattleEnd(nil), p.results...)
}

// Hello is what the bot sends as soon as it is connected.
func (p *Player) Hello() []protocol.Message {
	return p.out(protocol.KindConnectRequest, protocol.ConnectRequest{Name: p.name})
}

// React handles one server message. done means the bot has said goodbye.
func (p *Player) React(msg protocol.Message) (replies []protocol.Message, done bool, err error) {
	switch msg.Kind {
	case protocol.KindConnectResponse:
		resp, err := protocol.Decode[protocol.ConnectResponse](msg)
		if err != nil {
			return nil, false, err
		}
		if !resp.Accepted {
			return nil, true, fmt.Errorf("connect rejected: %s", resp.Reason)
		}
		return p.out(protocol.KindPlayerJoin, protocol.PlayerPresence{Name: p.name}), false, nil

	case protocol.KindTeamSelectionStart, protocol.KindTeamSelectionRestart:
		prompt, err := protocol.Decode[protocol.TeamSelectionPrompt](msg)
		if err != nil {
			return nil, false, err
		}
		team := p.pickTeam(prompt)
		p.log.Info("picking team", zap.Strings("species", team))
		return p.out(protocol.KindTeamSelectionComplete, protocol.TeamSelection{Species: team}), false, nil

	case protocol.KindBattleInit:
		start, err := protocol.Decode[protocol.BattleInit](msg)
		if err != nil {
			return nil, false, err
		}
		p.roster = start.YourRoster
		p.active = 0

	case protocol.KindBattleState:
		st, err := protocol.Decode[protocol.BattleState](msg)
		if err != nil {
			return nil, false, err
		}
		p.active = st.ActiveIndexSelf

	case protocol.KindMoveRequest:
		return p.out(protocol.KindMoveExecute, protocol.MoveSelection{Index: p.chooseMove()}), false, nil

	case protocol.KindInvalidMove:
		return p.out(protocol.KindMoveExecute, protocol.MoveSelection{Index: 0}), false, nil

	case protocol.KindBattleEnd:
		end, err := protocol.Decode[protocol.BattleEnd](msg)
		if err != nil {
			return nil, false, err
		}
		p.results = append(p.results, end)
		p.roster = nil
		p.log.Info("battle over", zap.String("result", end.Result), zap.String("opponent", end.OpponentName))

		if len(p.results) >= p.battles {
			return p.out(protocol.KindDisconnect, protocol.Text{Text: "done"}), true, nil
		}
		return p.out(protocol.KindRematchRequest, protocol.RematchRequest{
			Requester: p.name,
			Target:    end.OpponentName,
		}), false, nil

	case protocol.KindError, protocol.KindNotification, protocol.KindRematchResponse,
		protocol.KindMoveResult, protocol.KindPokemonFaint, protocol.KindBattleStart:
		text := string(msg.Payload)
		p.log.Debug("server says", zap.String("kind", string(msg.Kind)), zap.String("payload", text))
	}
	return nil, false, nil
}

func (p *Player) pickTeam(prompt protocol.TeamSelectionPrompt) []string {
	if len(p.team) > 0 {
		return p.team
	}
	size := prompt.TeamSize
	if size <= 0 {
		size = 3
	}
	team := make([]string, 0, size)
	for _, sp := range prompt.Species {
		if len(team) == size {
			break
		}
		team = append(team, sp.ID)
	}
	return team
}

func (p *Player) chooseMove() int {
	if p.active < 0 || p.active >= len(p.roster) {
		return 0
	}
	return p.strategy(p.roster[p.active])
}

func (p *Player) out(kind protocol.Kind, payload any) []protocol.Message {
	msg, err := protocol.New(kind, p.name, payload)
	if err != nil {
		p.log.Error("building message", zap.Error(err))
		return nil
	}
	return []protocol.Message{msg}
}
