package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pokebattle-server/internal/protocol"
)

// DefaultWriteTimeout bounds a single Send when no timeout is configured.
const DefaultWriteTimeout = 5 * time.Second

// TransportError reports a stream that could not be opened, read or written.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("TRANSPORT_ERROR: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

var ErrNoConnection = errors.New("no connection")

// Callbacks are invoked by the channel. OnMessage runs on the receive
// goroutine, in arrival order. Any of them may be nil.
type Callbacks struct {
	OnConnected    func()
	OnMessage      func(protocol.Message)
	OnDisconnected func()
	OnError        func(error)
}

// Channel pumps framed messages over one connection: a single receive loop
// plus a Send that is safe from any goroutine.
type Channel struct {
	conn         net.Conn
	cb           Callbacks
	log          *zap.Logger
	writeTimeout time.Duration

	sendMu sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder

	open      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*Channel)

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

func NewChannel(conn net.Conn, cb Callbacks, opts ...Option) *Channel {
	c := &Channel{
		conn:         conn,
		cb:           cb,
		log:          zap.NewNop(),
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize opens the output side and then the input side. On success the
// connected callback fires and the channel accepts sends.
func (c *Channel) Initialize() error {
	if c.conn == nil {
		return c.fail(&TransportError{Op: "open output", Err: ErrNoConnection})
	}

	// Output first
	if err := c.conn.SetWriteDeadline(time.Time{}); err != nil {
		return c.fail(&TransportError{Op: "open output", Err: err})
	}
	c.enc = json.NewEncoder(c.conn)

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return c.fail(&TransportError{Op: "open input", Err: err})
	}
	c.dec = json.NewDecoder(c.conn)

	c.open.Store(true)
	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
	return nil
}

func (c *Channel) fail(err error) error {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
	return err
}

// Start runs the receive loop on its own goroutine.
func (c *Channel) Start() {
	go c.Run()
}

// Run is the receive loop. It returns after the disconnect callback has run.
func (c *Channel) Run() {
	defer c.Disconnect()

	if c.dec == nil {
		return
	}

	for {
		var msg protocol.Message
		if err := c.dec.Decode(&msg); err != nil {
			if isEndOfStream(err) || !c.open.Load() {
				c.log.Debug("stream closed", zap.Error(err))
				return
			}
			c.log.Warn("unreadable frame, closing channel", zap.Error(err))
			if c.cb.OnError != nil {
				c.cb.OnError(&TransportError{Op: "read", Err: err})
			}
			return
		}

		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg)
		}
	}
}

// Send writes one message. It returns false, without blocking past the write
// timeout, if the channel is closed or the write fails. A failed write closes
// the socket; the receive loop then runs the disconnect path.
func (c *Channel) Send(msg protocol.Message) bool {
	if !c.open.Load() {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.open.Load() {
		return false
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.enc.Encode(msg); err != nil {
		c.log.Warn("send failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		c.open.Store(false)
		_ = c.conn.Close()
		return false
	}
	return true
}

// Disconnect closes the connection. Safe to call more than once and from any
// goroutine; the disconnected callback runs exactly once.
func (c *Channel) Disconnect() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isEndOfStream(err) {
				c.log.Debug("close failed", zap.Error(err))
			}
		}
		if c.cb.OnDisconnected != nil {
			c.cb.OnDisconnected()
		}
		close(c.done)
	})
}

// Done is closed once the channel has fully disconnected.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) IsOpen() bool { return c.open.Load() }

func (c *Channel) RemoteAddr() string {
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
