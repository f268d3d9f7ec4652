package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pokebattle-server/internal/protocol"
)

const writeWait = 5 * time.Second

// Bot connects a Player to a server over WebSocket.
type Bot struct {
	player *Player
	conn   *websocket.Conn
	log    *zap.Logger

	writeMu sync.Mutex
}

// Dial opens the WebSocket at serverURL, e.g. ws://localhost:8080/ws.
func Dial(ctx context.Context, serverURL string, player *Player, log *zap.Logger) (*Bot, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}

	log.Info("connected", zap.String("server", u.Redacted()), zap.String("player", player.Name()))
	return &Bot{player: player, conn: conn, log: log}, nil
}

// Run plays until the Player is done, the server hangs up or ctx ends.
func (b *Bot) Run(ctx context.Context) ([]protocol.BattleEnd, error) {
	defer b.conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = b.conn.Close() })
	defer stop()

	if err := b.send(b.player.Hello()); err != nil {
		return nil, err
	}

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return b.player.Results(), ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return b.player.Results(), nil
			}
			return b.player.Results(), fmt.Errorf("reading: %w", err)
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Warn("unreadable message", zap.Error(err))
			continue
		}

		replies, done, err := b.player.React(msg)
		if err != nil {
			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				return b.player.Results(), err
			}
			b.log.Warn("bad payload", zap.Error(err))
		}
		if err := b.send(replies); err != nil {
			return b.player.Results(), err
		}
		if done {
			b.closeNormally()
			return b.player.Results(), nil
		}
	}
}

func (b *Bot) send(msgs []protocol.Message) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", msg.Kind, err)
		}
		_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("sending %s: %w", msg.Kind, err)
		}
	}
	return nil
}

func (b *Bot) closeNormally() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
