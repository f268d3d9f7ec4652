package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pokebattle-server/internal/battle"
	"pokebattle-server/internal/pokemon"
	"pokebattle-server/internal/protocol"
)

const waitTimeout = 2 * time.Second

// Every move of the glass species knocks out any glass species in one hit,
// so a battle between two glass teams always takes five moves.
const testSpecies = `[
  {"id": "glass", "name": "Glass", "dex": 1, "baseStats": [10, 1, 1, 1, 1, 1], "types": ["Normal"],
   "moves": [{"name": "Shatter", "type": "Normal", "power": 100}, {"name": "Growl", "type": "Normal", "power": 0}]},
  {"id": "tank", "name": "Tank", "dex": 2, "baseStats": [1000, 1, 1, 1, 1, 1], "types": ["Steel"],
   "moves": [{"name": "Tackle", "type": "Normal", "power": 40}]}
]`

var glassTeam = []string{"glass", "glass", "glass"}

// firstMover makes the player who completed pairing move first and rolls
// maximum damage.
type firstMover struct{}

func (firstMover) Float64() float64 { return 1 }
func (firstMover) IntN(int) int     { return 0 }

func testCatalog(t *testing.T) *pokemon.Catalog {
	t.Helper()
	c, err := pokemon.LoadCatalog(strings.NewReader(testSpecies))
	require.NoError(t, err)
	return c
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithCatalog(testCatalog(t)),
		WithRandSource(func() battle.Rand { return firstMover{} }),
	}
	return New(cfg, append(base, opts...)...)
}

// testClient drives one connection from the client side and buffers
// everything the server sends.
type testClient struct {
	t    *testing.T
	name string
	conn net.Conn
	enc  *json.Encoder
	in   chan protocol.Message
	done chan error
}

func dial(t *testing.T, s *Server, name string) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	c := &testClient{
		t:    t,
		name: name,
		conn: clientSide,
		enc:  json.NewEncoder(clientSide),
		in:   make(chan protocol.Message, 256),
		done: make(chan error, 1),
	}
	go func() { c.done <- s.Accept(context.Background(), serverSide) }()
	go c.readLoop()
	t.Cleanup(func() { _ = clientSide.Close() })
	return c
}

func (c *testClient) readLoop() {
	defer close(c.in)
	dec := json.NewDecoder(c.conn)
	for {
		var msg protocol.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		c.in <- msg
	}
}

func (c *testClient) send(kind protocol.Kind, payload any) {
	c.t.Helper()
	msg, err := protocol.New(kind, c.name, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.enc.Encode(msg))
}

// expect skips messages until one of the given kind arrives.
func (c *testClient) expect(kind protocol.Kind) protocol.Message {
	c.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-c.in:
			if !ok {
				c.t.Fatalf("%s: connection closed while waiting for %s", c.name, kind)
			}
			if msg.Kind == kind {
				return msg
			}
		case <-timeout:
			c.t.Fatalf("%s: timed out waiting for %s", c.name, kind)
		}
	}
}

// next returns the very next message.
func (c *testClient) next() protocol.Message {
	c.t.Helper()
	select {
	case msg, ok := <-c.in:
		if !ok {
			c.t.Fatalf("%s: connection closed", c.name)
		}
		return msg
	case <-time.After(waitTimeout):
		c.t.Fatalf("%s: timed out waiting for a message", c.name)
	}
	return protocol.Message{}
}

// expectClosed waits for the server to hang up.
func (c *testClient) expectClosed() {
	c.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.in:
			if !ok {
				return
			}
		case <-timeout:
			c.t.Fatalf("%s: connection still open", c.name)
		}
	}
}

func (c *testClient) connect() {
	c.t.Helper()
	c.send(protocol.KindConnectRequest, protocol.ConnectRequest{Name: c.name})
	resp := decode[protocol.ConnectResponse](c.t, c.expect(protocol.KindConnectResponse))
	require.True(c.t, resp.Accepted, resp.Reason)
}

func (c *testClient) pickTeam(species ...string) {
	c.t.Helper()
	c.send(protocol.KindTeamSelectionComplete, protocol.TeamSelection{Species: species})
}

func (c *testClient) move(index int) {
	c.t.Helper()
	c.send(protocol.KindMoveExecute, protocol.MoveSelection{Index: index})
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func decode[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	v, err := protocol.Decode[T](msg)
	require.NoError(t, err)
	return v
}

// eventually polls cond until it holds.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 10*time.Millisecond, msg)
}

// startBattle connects two clients and pairs them. The second client completes
// pairing, so with firstMover it owns the first turn.
func startBattle(t *testing.T, s *Server) (waiter, mover *testClient) {
	t.Helper()
	waiter = dial(t, s, "Ash")
	mover = dial(t, s, "Gary")
	waiter.connect()
	mover.connect()

	waiter.pickTeam(glassTeam...)
	waiter.expect(protocol.KindNotification)
	mover.pickTeam(glassTeam...)

	for _, c := range []*testClient{waiter, mover} {
		c.expect(protocol.KindBattleInit)
		c.expect(protocol.KindBattleStart)
	}
	mover.expect(protocol.KindMoveRequest)
	return waiter, mover
}
