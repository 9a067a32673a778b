package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/pkg/wsrouter"
)

var ErrClosed = errors.New("client closed")

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type Config struct {
	SendQueueSize  int
	MaxMessageSize int64
}

// Client is a single websocket connection of a member.
type Client struct {
	conn   *websocket.Conn
	codec  wsrouter.Codec
	logger *slog.Logger

	// send is drained by WritePump only. It is never closed; done signals shutdown.
	send chan protocol.Event

	mu       sync.RWMutex
	memberID string
	roomID   string

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, codec wsrouter.Codec, memberID string, cfg Config, logger *slog.Logger) *Client {
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &Client{
		conn:     conn,
		codec:    codec,
		logger:   logger,
		send:     make(chan protocol.Event, cfg.SendQueueSize),
		memberID: memberID,
		done:     make(chan struct{}),
	}
}

func (c *Client) Conn() *websocket.Conn { return c.conn }

func (c *Client) Codec() wsrouter.Codec { return c.codec }

func (c *Client) MemberID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memberID
}

func (c *Client) SetMemberID(memberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberID = memberID
}

// RoomID is the room the member is in, empty when in none.
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) SetRoomID(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
}

// Deliver enqueues event without blocking. A client whose queue is full has stopped
// keeping up: the event is dropped and the client is closed.
func (c *Client) Deliver(event protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- event:
		return true
	default:
		c.logger.Warn("send queue full, disconnecting", "member_id", c.MemberID(), "event", event.Type)
		c.Close()
		return false
	}
}

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ReadPump reads frames until the connection fails or the client is closed, passing each
// to handle. There is at most one reader on a connection.
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, messageType string, payload wsrouter.Payload)) error {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.InfoContext(ctx, "unexpected close", "error", err)
			}
			return err
		}

		messageType, payload, err := c.codec.Decode(data)
		if err != nil {
			c.logger.InfoContext(ctx, "failed to decode message", "error", err)
			c.Deliver(protocol.Event{Type: protocol.Error, Payload: protocol.ErrorPayload{Message: "malformed message"}})
			continue
		}

		handle(ctx, messageType, payload)
	}
}

// WritePump writes queued events and keepalive pings. There is at most one writer on a
// connection. It closes the connection when it returns, which unblocks ReadPump.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event := <-c.send:
			data, err := c.codec.Encode(event.Type, event.Payload)
			if err != nil {
				c.logger.WarnContext(ctx, "failed to encode message", "event", event.Type, "error", err)
				continue
			}

			if err := c.write(data); err != nil {
				c.logger.InfoContext(ctx, "failed to write message", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drain(ctx)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			c.Close()
		}
	}
}

// drain flushes what was queued before shutdown.
func (c *Client) drain(ctx context.Context) {
	for {
		select {
		case event := <-c.send:
			data, err := c.codec.Encode(event.Type, event.Payload)
			if err != nil {
				continue
			}

			if err := c.write(data); err != nil {
				c.logger.DebugContext(ctx, "failed to flush message", "error", err)
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(c.codec.FrameType(), data)
}
