package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Version is the envelope schema version stamped on every outgoing message.
const Version = 1

// ServerSender is the sender name used on every server-originated message.
const ServerSender = "Server"

type Kind string

const (
	// Connection
	KindConnectRequest  Kind = "CONNECT_REQUEST"
	KindConnectResponse Kind = "CONNECT_RESPONSE"
	KindDisconnect      Kind = "DISCONNECT"
	KindHeartbeat       Kind = "HEARTBEAT"
	KindPlayerJoin      Kind = "PLAYER_JOIN"

	// Team selection
	KindTeamSelectionStart    Kind = "TEAM_SELECTION_START"
	KindTeamSelectionComplete Kind = "TEAM_SELECTION_COMPLETE"
	KindTeamSelectionRestart  Kind = "TEAM_SELECTION_RESTART"

	// Battle
	KindBattleInit   Kind = "BATTLE_INIT"
	KindBattleStart  Kind = "BATTLE_START"
	KindBattleState  Kind = "BATTLE_STATE"
	KindBattleEnd    Kind = "BATTLE_END"
	KindMoveRequest  Kind = "MOVE_REQUEST"
	KindMoveExecute  Kind = "MOVE_EXECUTE"
	KindMoveResult   Kind = "MOVE_RESULT"
	KindPokemonFaint Kind = "POKEMON_FAINT"

	// Rematch
	KindRematchRequest  Kind = "REMATCH_REQUEST"
	KindRematchResponse Kind = "REMATCH_RESPONSE"

	// Errors and system
	KindError        Kind = "ERROR"
	KindInvalidMove  Kind = "INVALID_MOVE"
	KindNotification Kind = "NOTIFICATION"
	KindServerStatus Kind = "SERVER_STATUS"
)

// schema fixes the payload type carried by each kind.
var schema = map[Kind]reflect.Type{
	KindConnectRequest:        reflect.TypeFor[ConnectRequest](),
	KindConnectResponse:       reflect.TypeFor[ConnectResponse](),
	KindDisconnect:            reflect.TypeFor[Text](),
	KindHeartbeat:             reflect.TypeFor[Heartbeat](),
	KindPlayerJoin:            reflect.TypeFor[PlayerPresence](),
	KindTeamSelectionStart:    reflect.TypeFor[TeamSelectionPrompt](),
	KindTeamSelectionComplete: reflect.TypeFor[TeamSelection](),
	KindTeamSelectionRestart:  reflect.TypeFor[TeamSelectionPrompt](),
	KindBattleInit:            reflect.TypeFor[BattleInit](),
	KindBattleStart:           reflect.TypeFor[Text](),
	KindBattleState:           reflect.TypeFor[BattleState](),
	KindBattleEnd:             reflect.TypeFor[BattleEnd](),
	KindMoveRequest:           reflect.TypeFor[Text](),
	KindMoveExecute:           reflect.TypeFor[MoveSelection](),
	KindMoveResult:            reflect.TypeFor[Text](),
	KindPokemonFaint:          reflect.TypeFor[Text](),
	KindRematchRequest:        reflect.TypeFor[RematchRequest](),
	KindRematchResponse:       reflect.TypeFor[RematchResponse](),
	KindError:                 reflect.TypeFor[Text](),
	KindInvalidMove:           reflect.TypeFor[Text](),
	KindNotification:          reflect.TypeFor[Text](),
	KindServerStatus:          reflect.TypeFor[ServerStatus](),
}

// payloadRequired lists the kinds whose payload carries the request itself.
var payloadRequired = map[Kind]bool{
	KindMoveExecute:           true,
	KindTeamSelectionComplete: true,
}

// Known reports whether k is part of the protocol.
func (k Kind) Known() bool {
	_, ok := schema[k]
	return ok
}

// Message is the envelope exchanged on every connection. Treat it as a value;
// nothing in the server mutates a message after New returns it.
type Message struct {
	V         int             `json:"v"`
	Kind      Kind            `json:"kind"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
	SessionID string          `json:"sessionId,omitempty"`
}

// New builds a message whose payload must be the schema type for kind.
func New(kind Kind, sender string, payload any) (Message, error) {
	want, ok := schema[kind]
	if !ok {
		return Message{}, &ProtocolError{Kind: kind, Reason: "unknown message kind"}
	}
	if got := reflect.TypeOf(payload); got != want {
		return Message{}, &ProtocolError{Kind: kind, Reason: fmt.Sprintf("payload %v does not match schema %v", got, want)}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, &ProtocolError{Kind: kind, Reason: "payload encoding failed", Err: err}
	}

	return Message{
		V:         Version,
		Kind:      kind,
		Sender:    sender,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FromServer is New with the server as sender.
func FromServer(kind Kind, payload any) (Message, error) {
	return New(kind, ServerSender, payload)
}

// WithSession returns a copy of m tagged with a battle session id.
func (m Message) WithSession(id string) Message {
	m.SessionID = id
	return m
}

// Validate checks the envelope fields that do not depend on the payload.
func (m Message) Validate() error {
	if !m.Kind.Known() {
		return &ProtocolError{Kind: m.Kind, Reason: "unknown message kind"}
	}
	if strings.TrimSpace(m.Sender) == "" {
		return &ProtocolError{Kind: m.Kind, Reason: "missing sender"}
	}
	return nil
}

// Decode unmarshals the payload of m into the schema type T. An absent
// payload decodes to the zero value of T, except for kinds that need one.
func Decode[T any](m Message) (T, error) {
	var out T

	want, ok := schema[m.Kind]
	if !ok {
		return out, &ProtocolError{Kind: m.Kind, Reason: "unknown message kind"}
	}
	if got := reflect.TypeFor[T](); got != want {
		return out, &ProtocolError{Kind: m.Kind, Reason: fmt.Sprintf("payload %v requested, schema is %v", got, want)}
	}

	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		if payloadRequired[m.Kind] {
			return out, &ProtocolError{Kind: m.Kind, Reason: "missing payload"}
		}
		return out, nil
	}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return out, &ProtocolError{Kind: m.Kind, Reason: "malformed payload", Err: err}
	}
	return out, nil
}

func (m Message) String() string {
	return fmt.Sprintf("Message{kind=%s, sender=%q, session=%q}", m.Kind, m.Sender, m.SessionID)
}
