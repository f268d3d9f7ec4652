package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pokebattle-server/internal/battle"
	"pokebattle-server/internal/config"
	"pokebattle-server/internal/pokemon"
	"pokebattle-server/internal/protocol"
	"pokebattle-server/internal/transport"
)

var ErrShuttingDown = errors.New("SERVER_CLOSING: Server is shutting down")

// Config holds the knobs the matchmaking server reads.
type Config struct {
	MaxClients    int
	WriteTimeout  time.Duration
	MoveTimeout   time.Duration // zero disables the per-turn timer
	ClientTimeout time.Duration // zero disables the idle reaper
	RateLimit     int           // messages per second per connection, zero for no limit
}

// ConfigFrom picks the server settings out of the process config.
func ConfigFrom(c config.Config) Config {
	return Config{
		MaxClients:    c.MaxClients,
		WriteTimeout:  c.WriteTimeout,
		MoveTimeout:   c.MoveTimeout,
		ClientTimeout: c.ClientTimeout,
		RateLimit:     c.RateLimit,
	}
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func WithCatalog(c *pokemon.Catalog) Option {
	return func(s *Server) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithRecorder receives every move and battle summary.
func WithRecorder(r battle.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithRandSource supplies the random source for each new battle.
func WithRandSource(newRand func() battle.Rand) Option {
	return func(s *Server) { s.newRand = newRand }
}

// WithHealthCheck adds a dependency probe to /healthz.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.healthCheck = check }
}

// Server accepts connections, pairs players with a team into battles and
// arbitrates rematches.
type Server struct {
	cfg         Config
	catalog     *pokemon.Catalog
	species     []protocol.SpeciesInfo
	log         *zap.Logger
	recorder    battle.Recorder
	observer    Observer
	newRand     func() battle.Rand
	healthCheck func(context.Context) error

	clients  *ClientRegistry
	sessions *SessionManager
	limiter  *RateLimiter
	health   *ConnectionHealth
	tracker  *StatsTracker

	// mu serializes pairing, rematch consensus and session teardown. It is
	// taken before any handler or session lock.
	mu             sync.Mutex
	battlesStarted atomic.Int64
	closing        atomic.Bool
}

func New(cfg Config, opts ...Option) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = transport.DefaultWriteTimeout
	}

	s := &Server{
		cfg:      cfg,
		catalog:  pokemon.Default(),
		log:      zap.NewNop(),
		clients:  NewClientRegistry(cfg.MaxClients),
		sessions: NewSessionManager(),
		limiter:  NewRateLimiter(cfg.RateLimit, time.Second),
		health:   NewConnectionHealth(),
		tracker:  NewStatsTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.species = speciesInfo(s.catalog)
	s.statsChanged()
	return s
}

func speciesInfo(c *pokemon.Catalog) []protocol.SpeciesInfo {
	all := c.All()
	info := make([]protocol.SpeciesInfo, 0, len(all))
	for _, sp := range all {
		moves := make([]protocol.MoveInfo, 0, len(sp.Moves))
		for _, m := range sp.Moves {
			moves = append(moves, protocol.MoveInfo{Name: m.Name, Type: m.Type, Power: m.Power})
		}
		info = append(info, protocol.SpeciesInfo{
			ID:    sp.ID,
			Name:  sp.Name,
			HP:    sp.HP(),
			Types: sp.Types,
			Moves: moves,
		})
	}
	return info
}

// Accept serves one connection until it disconnects or ctx is cancelled.
// A connection over capacity gets an ERROR message and is closed.
func (s *Server) Accept(ctx context.Context, conn net.Conn) error {
	if s.closing.Load() {
		s.reject(conn, ErrShuttingDown)
		return ErrShuttingDown
	}

	h := newClientHandler(s, conn)
	if err := s.clients.Add(h); err != nil {
		s.log.Warn("rejecting client", zap.String("remote", remoteAddr(conn)), zap.Error(err))
		s.reject(conn, err)
		return err
	}
	s.statsChanged()

	if err := h.ch.Initialize(); err != nil {
		s.clients.Remove(h)
		_ = conn.Close()
		s.statsChanged()
		return err
	}

	stop := context.AfterFunc(ctx, h.ch.Disconnect)
	defer stop()

	h.ch.Run()
	return nil
}

// reject tells conn why it is being turned away, then closes it.
func (s *Server) reject(conn net.Conn, reason error) {
	ch := transport.NewChannel(conn, transport.Callbacks{},
		transport.WithWriteTimeout(s.cfg.WriteTimeout),
		transport.WithLogger(s.log))
	if ch.Initialize() == nil {
		if msg, err := protocol.FromServer(protocol.KindError, protocol.Text{Text: reason.Error()}); err == nil {
			ch.Send(msg)
		}
	}
	ch.Disconnect()
}

// ServeTCP accepts raw TCP connections on ln until ctx is cancelled.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("tcp listener started", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			_ = s.Accept(ctx, conn)
		}()
	}
}

// Run does periodic housekeeping until ctx is cancelled: idle connections are
// closed and stale rate-limit data is dropped.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval(s.cfg.ClientTimeout))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.reap(); n > 0 {
				s.log.Info("closed idle connections", zap.Int("count", n))
			}
			s.limiter.Cleanup()
		}
	}
}

func maintenanceInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 30 * time.Second
	}
	return min(max(timeout/2, time.Second), 30*time.Second)
}

// reap disconnects every client silent for longer than the client timeout.
func (s *Server) reap() int {
	if s.cfg.ClientTimeout <= 0 {
		return 0
	}

	closed := 0
	for _, id := range s.health.GetInactiveConnections(s.cfg.ClientTimeout) {
		h := s.clients.Get(id)
		if h == nil {
			s.health.RemoveConnection(id)
			continue
		}
		h.log.Info("closing idle connection", zap.Duration("timeout", s.cfg.ClientTimeout))
		h.notify("Disconnected after inactivity")
		h.ch.Disconnect()
		closed++
	}
	return closed
}

// Shutdown tells every client the server is going away, disconnects them and
// waits for their handlers to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	handlers := s.clients.Snapshot()
	s.log.Info("shutting down", zap.Int("clients", len(handlers)))
	for _, h := range handlers {
		h.notify("Server is shutting down")
		h.ch.Disconnect()
	}
	for _, h := range handlers {
		select {
		case <-h.ch.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, sess := range s.sessions.All() {
		sess.Close()
		s.sessions.Remove(sess.ID())
	}
	s.statsChanged()
	return nil
}

// Stats reports current occupancy.
func (s *Server) Stats() Stats {
	return Stats{
		Clients:        s.clients.Len(),
		Sessions:       s.sessions.Len(),
		Players:        s.clients.Names(),
		BattlesStarted: s.battlesStarted.Load(),
		UpdatedAt:      time.Now().UTC(),
	}
}

func (s *Server) statsChanged() {
	st := s.Stats()
	s.tracker.StatsChanged(st)
	if s.observer != nil {
		s.observer.StatsChanged(st)
	}
}

// announce tells every other identified client that h has joined.
func (s *Server) announce(h *ClientHandler) {
	msg, err := protocol.New(protocol.KindPlayerJoin, h.Name(), protocol.PlayerPresence{Name: h.Name()})
	if err != nil {
		s.log.Error("building join notice", zap.Error(err))
		return
	}

	others := s.clients.Snapshot()
	go func() {
		for _, other := range others {
			if other != h && other.Name() != "" {
				other.Send(msg)
			}
		}
	}()
}

func (s *Server) promptTeam(h *ClientHandler, kind protocol.Kind, prompt string) {
	h.reply(kind, protocol.TeamSelectionPrompt{
		Prompt:   prompt,
		TeamSize: pokemon.TeamSize,
		Species:  s.species,
	})
}

func (s *Server) sessionOptions() []battle.Option {
	opts := []battle.Option{
		battle.WithLogger(s.log),
		battle.WithMoveTimeout(s.cfg.MoveTimeout),
	}
	if s.recorder != nil {
		opts = append(opts, battle.WithRecorder(s.recorder))
	}
	if s.newRand != nil {
		opts = append(opts, battle.WithRand(s.newRand()))
	}
	return opts
}

// matchmake pairs h with the first eligible opponent, or tells h to wait.
// Pairing is atomic: no client can end up in two sessions.
func (s *Server) matchmake(h *ClientHandler) {
	if s.pair(h) {
		s.statsChanged()
	}
}

func (s *Server) pair(h *ClientHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !h.eligible() || !s.clients.Contains(h) {
		return false
	}

	opp := s.clients.FindOpponent(h)
	if opp == nil {
		h.notify("Team registered. Waiting for an opponent...")
		return false
	}

	sess := battle.NewSession(uuid.NewString(), h, opp, h.Roster(), opp.Roster(), s.sessionOptions()...)
	h.assign(sess)
	opp.assign(sess)
	s.sessions.Add(sess)
	s.battlesStarted.Add(1)

	s.log.Info("players matched",
		zap.String("session", sess.ID()),
		zap.String("playerA", h.Name()),
		zap.String("playerB", opp.Name()))

	if err := sess.Start(); err != nil {
		s.log.Error("starting battle", zap.String("session", sess.ID()), zap.Error(err))
	}
	return true
}

// requestRematch records h's vote. The second distinct vote closes the old
// session and sends both players back to team selection.
func (s *Server) requestRematch(h *ClientHandler) {
	if s.voteRematch(h) {
		s.statsChanged()
	}
}

func (s *Server) voteRematch(h *ClientHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := h.Session()
	if sess == nil || !sess.Finished() {
		h.reply(protocol.KindError, protocol.Text{Text: "NO_REMATCH: There is no finished battle to rematch"})
		return false
	}

	opp, _ := sess.Opponent(h).(*ClientHandler)
	if opp == nil || !opp.Connected() || !s.clients.Contains(opp) {
		h.reply(protocol.KindRematchResponse, protocol.RematchResponse{
			Accepted: false,
			Reason:   "Your opponent is no longer connected",
		})
		return false
	}

	votes, err := s.sessions.RequestRematch(sess.ID(), h.Name())
	if err != nil {
		h.reply(protocol.KindError, protocol.Text{Text: "NO_REMATCH: There is no finished battle to rematch"})
		return false
	}

	if votes < 2 {
		sess.AwaitRematch()
		s.log.Info("rematch requested",
			zap.String("session", sess.ID()),
			zap.Strings("votes", s.sessions.RematchRequests(sess.ID())))
		h.notify(fmt.Sprintf("Waiting for %s to accept the rematch...", opp.Name()))
		opp.notify(fmt.Sprintf("%s wants a rematch! Send REMATCH_REQUEST to accept.", h.Name()))
		return false
	}

	s.retire(sess)
	s.log.Info("rematch agreed", zap.String("session", sess.ID()))
	for _, p := range []*ClientHandler{h, opp} {
		s.promptTeam(p, protocol.KindTeamSelectionRestart, "Rematch! Choose your team")
	}
	return true
}

// retire unregisters sess, closes it and frees both players. The caller holds
// s.mu. It reports whether sess was still registered.
func (s *Server) retire(sess *battle.Session) bool {
	if !s.sessions.Remove(sess.ID()) {
		return false
	}
	sess.Close()

	a, b := sess.Players()
	for _, p := range []battle.Participant{a, b} {
		if h, ok := p.(*ClientHandler); ok {
			h.release(sess)
		}
	}
	return true
}

// abandon takes h out of sess. A running battle is forfeited; the player left
// behind is told no rematch is coming and asked for a new team.
func (s *Server) abandon(h *ClientHandler, sess *battle.Session) {
	sess.PlayerDisconnected(h)
	state := sess.State()

	s.mu.Lock()
	retired := s.retire(sess)
	s.mu.Unlock()
	if !retired {
		return
	}
	winner, _ := sess.Winner()
	s.log.Info("session closed",
		zap.String("session", sess.ID()),
		zap.String("leaver", h.Name()),
		zap.Stringer("state", state),
		zap.String("winner", winner))

	other, _ := sess.Opponent(h).(*ClientHandler)
	if other != nil && other.Connected() {
		if h.Connected() {
			other.reply(protocol.KindRematchResponse, protocol.RematchResponse{
				Accepted: false,
				Reason:   h.Name() + " chose a new team",
			})
		} else {
			sess.NotifyRematchDeclined(h)
		}
		s.promptTeam(other, protocol.KindTeamSelectionStart, "Your opponent left. Choose a team for your next battle")
	}
	s.statsChanged()
}

// leave runs once per connection, after its channel has closed.
func (s *Server) leave(h *ClientHandler) {
	s.limiter.RemoveConnection(h.id)
	s.health.RemoveConnection(h.id)

	s.mu.Lock()
	s.clients.Remove(h)
	sess := h.Session()
	s.mu.Unlock()

	if sess != nil {
		s.abandon(h, sess)
	}
	s.statsChanged()
}
