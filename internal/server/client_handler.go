package server

import (
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pokebattle-server/internal/battle"
	"pokebattle-server/internal/logging"
	"pokebattle-server/internal/pokemon"
	"pokebattle-server/internal/protocol"
	"pokebattle-server/internal/transport"
)

type handlerFunc func(*ClientHandler, protocol.Message)

// clientHandlers maps every kind a client may send to its handler. Filled in
// init since the handlers reach back into dispatch.
var clientHandlers map[protocol.Kind]handlerFunc

func init() {
	clientHandlers = map[protocol.Kind]handlerFunc{
		protocol.KindConnectRequest:        (*ClientHandler).handleConnect,
		protocol.KindPlayerJoin:            (*ClientHandler).handleJoin,
		protocol.KindTeamSelectionComplete: (*ClientHandler).handleTeamSelection,
		protocol.KindMoveExecute:           (*ClientHandler).handleMove,
		protocol.KindRematchRequest:        (*ClientHandler).handleRematch,
		protocol.KindHeartbeat:             (*ClientHandler).handleHeartbeat,
		protocol.KindDisconnect:            (*ClientHandler).handleDisconnect,
		protocol.KindServerStatus:          (*ClientHandler).handleStatus,
	}
}

// preConnect lists the kinds accepted before a CONNECT_REQUEST succeeds.
var preConnect = map[protocol.Kind]bool{
	protocol.KindConnectRequest: true,
	protocol.KindHeartbeat:      true,
	protocol.KindDisconnect:     true,
	protocol.KindServerStatus:   true,
}

// ClientHandler owns one accepted connection: it dispatches inbound messages
// and is the battle.Participant a session talks to.
type ClientHandler struct {
	id     string
	server *Server
	ch     *transport.Channel
	log    *zap.Logger

	connected atomic.Bool
	name      atomic.Pointer[string] // set once by CONNECT_REQUEST

	mu      sync.Mutex
	roster  []pokemon.Species
	session *battle.Session
	joined  bool
}

func newClientHandler(s *Server, conn net.Conn) *ClientHandler {
	h := &ClientHandler{
		id:     uuid.NewString(),
		server: s,
	}
	h.log = logging.Conn(s.log, h.id).With(zap.String("remote", remoteAddr(conn)))
	h.ch = transport.NewChannel(conn, transport.Callbacks{
		OnConnected:    h.onConnected,
		OnMessage:      h.handleMessage,
		OnDisconnected: h.onDisconnected,
		OnError:        h.onError,
	}, transport.WithWriteTimeout(s.cfg.WriteTimeout), transport.WithLogger(h.log))
	return h
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

func (h *ClientHandler) ID() string { return h.id }

// Name is empty until the client has connected.
func (h *ClientHandler) Name() string {
	if p := h.name.Load(); p != nil {
		return *p
	}
	return ""
}

func (h *ClientHandler) setName(name string) bool {
	return h.name.CompareAndSwap(nil, &name)
}

func (h *ClientHandler) Connected() bool { return h.connected.Load() }

func (h *ClientHandler) Send(msg protocol.Message) bool {
	return h.ch.Send(msg)
}

func (h *ClientHandler) Session() *battle.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *ClientHandler) Roster() []pokemon.Species {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roster
}

// eligible reports whether h can be paired right now.
func (h *ClientHandler) eligible() bool {
	if !h.Connected() || h.Name() == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roster != nil && h.session == nil
}

func (h *ClientHandler) assign(s *battle.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = s
}

// release detaches h from s and clears its roster so it picks a new team.
func (h *ClientHandler) release(s *battle.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == s {
		h.session = nil
	}
	h.roster = nil
}

func (h *ClientHandler) onConnected() {
	h.connected.Store(true)
	h.server.health.UpdateActivity(h.id)
	h.log.Info("client connected")
}

func (h *ClientHandler) onDisconnected() {
	h.connected.Store(false)
	h.server.leave(h)

	h.mu.Lock()
	h.roster = nil
	h.session = nil
	h.mu.Unlock()

	h.log.Info("client disconnected", zap.String("player", h.Name()))
}

func (h *ClientHandler) onError(err error) {
	var te *transport.TransportError
	if errors.As(err, &te) {
		h.log.Warn("transport error", zap.String("op", te.Op), zap.Error(te.Err))
		return
	}
	h.log.Error("channel error", zap.Error(err))
}

// handleMessage runs on the receive goroutine, one message at a time.
func (h *ClientHandler) handleMessage(msg protocol.Message) {
	h.server.health.UpdateActivity(h.id)

	if !h.server.limiter.Allow(h.id) {
		h.reply(protocol.KindError, protocol.Text{Text: "RATE_LIMITED: Too many messages, slow down"})
		return
	}

	if err := ValidateClientKind(msg.Kind); err != nil {
		h.log.Warn("dropped message", zap.Error(&protocol.ProtocolError{Kind: msg.Kind, Reason: err.Error()}))
		return
	}
	if err := msg.Validate(); err != nil {
		h.log.Warn("dropped message", zap.Error(err))
		return
	}

	if h.Name() == "" && !preConnect[msg.Kind] {
		h.reply(protocol.KindError, protocol.Text{Text: "NOT_CONNECTED: Send CONNECT_REQUEST first"})
		return
	}

	h.log.Debug("message received", zap.Stringer("msg", msg))
	clientHandlers[msg.Kind](h, msg)
}

func (h *ClientHandler) handleConnect(msg protocol.Message) {
	if current := h.Name(); current != "" {
		h.reply(protocol.KindConnectResponse, protocol.ConnectResponse{
			Accepted: false,
			Reason:   "ALREADY_CONNECTED: Already connected as '" + current + "'",
		})
		return
	}

	req, err := protocol.Decode[protocol.ConnectRequest](msg)
	if err != nil {
		h.malformed(msg, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSpace(msg.Sender)
	}
	if err := ValidateUsername(name); err != nil {
		h.reply(protocol.KindConnectResponse, protocol.ConnectResponse{Accepted: false, Reason: err.Error()})
		return
	}
	if err := h.server.clients.ClaimName(h, name); err != nil {
		h.reply(protocol.KindConnectResponse, protocol.ConnectResponse{Accepted: false, Reason: err.Error()})
		return
	}

	h.log.Info("player identified", zap.String("player", name))
	h.reply(protocol.KindConnectResponse, protocol.ConnectResponse{Accepted: true, Reason: "OK"})
	h.server.statsChanged()
}

func (h *ClientHandler) handleJoin(protocol.Message) {
	h.mu.Lock()
	first := !h.joined
	h.joined = true
	h.mu.Unlock()

	if first {
		h.server.announce(h)
	}
	h.server.promptTeam(h, protocol.KindTeamSelectionStart, "Choose your team")
}

func (h *ClientHandler) handleTeamSelection(msg protocol.Message) {
	sel, err := protocol.Decode[protocol.TeamSelection](msg)
	if err != nil {
		h.malformed(msg, err)
		return
	}

	s := h.Session()
	if s != nil && !s.Finished() {
		h.reply(protocol.KindError, protocol.Text{Text: "IN_BATTLE: Finish your current battle first"})
		return
	}
	if len(sel.Species) != pokemon.TeamSize {
		h.reply(protocol.KindError, protocol.Text{Text: "TEAM_INVALID: A team needs exactly 3 Pokémon"})
		return
	}
	roster, err := h.server.catalog.Resolve(sel.Species)
	if err != nil {
		h.reply(protocol.KindError, protocol.Text{Text: "TEAM_INVALID: " + err.Error()})
		return
	}

	if s != nil {
		// A valid new team after a battle declines the rematch.
		h.server.abandon(h, s)
	}

	h.mu.Lock()
	if h.roster != nil {
		h.mu.Unlock()
		h.reply(protocol.KindError, protocol.Text{Text: "TEAM_ALREADY_SET: Waiting for an opponent with your current team"})
		return
	}
	h.roster = roster
	h.mu.Unlock()

	h.log.Info("team selected", zap.Strings("species", sel.Species))
	h.server.matchmake(h)
}

func (h *ClientHandler) handleMove(msg protocol.Message) {
	sel, err := protocol.Decode[protocol.MoveSelection](msg)
	if err != nil {
		h.malformed(msg, err)
		return
	}

	s := h.Session()
	if s == nil {
		h.notify("No active battle")
		return
	}

	if err := s.ExecuteMove(h, sel.Index); err != nil {
		var rv *battle.RuleViolation
		if errors.As(err, &rv) {
			h.reply(rv.Reply, protocol.Text{Text: rv.Reason})
			return
		}
		h.log.Error("move failed", zap.Error(err))
	}
}

func (h *ClientHandler) handleRematch(msg protocol.Message) {
	// The payload is informational; identity comes from the connection.
	if _, err := protocol.Decode[protocol.RematchRequest](msg); err != nil {
		h.malformed(msg, err)
		return
	}
	h.server.requestRematch(h)
}

func (h *ClientHandler) handleHeartbeat(protocol.Message) {
	h.reply(protocol.KindHeartbeat, protocol.Heartbeat{Token: "pong"})
}

func (h *ClientHandler) handleDisconnect(msg protocol.Message) {
	reason, _ := protocol.Decode[protocol.Text](msg)
	h.log.Info("client requested disconnect", zap.String("reason", reason.Text))
	h.ch.Disconnect()
}

func (h *ClientHandler) handleStatus(protocol.Message) {
	h.reply(protocol.KindServerStatus, h.server.Stats().status())
}

func (h *ClientHandler) malformed(msg protocol.Message, err error) {
	h.log.Warn("malformed payload", zap.String("kind", string(msg.Kind)), zap.Error(err))
	h.reply(protocol.KindError, protocol.Text{Text: "MALFORMED_PAYLOAD: Could not read " + string(msg.Kind)})
}

// reply sends a server message to this client only.
func (h *ClientHandler) reply(kind protocol.Kind, payload any) bool {
	msg, err := protocol.FromServer(kind, payload)
	if err != nil {
		h.log.Error("building reply", zap.Error(err))
		return false
	}
	return h.Send(msg)
}

func (h *ClientHandler) notify(text string) bool {
	return h.reply(protocol.KindNotification, protocol.Text{Text: text})
}
