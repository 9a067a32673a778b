// Package signaling is the board client's side of the signaling channel: one websocket
// connection to the server with typed emitters and a stream of decoded server frames.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/pkg/wsrouter"
)

var (
	ErrClosed    = errors.New("signaling connection closed")
	ErrNotInRoom = errors.New("not in a room")
	ErrQueueFull = errors.New("outgoing queue full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	handshakeTimeout = 10 * time.Second
	queueSize        = 64
)

// Frame is one decoded server message. Payload is decoded by the consumer.
type Frame struct {
	Type    string
	Payload wsrouter.Payload
}

// Conn is a dialed signaling connection. Its member and room bindings follow the
// server's session, room-created, room-joined and room-left events.
type Conn struct {
	ws     *websocket.Conn
	codec  wsrouter.Codec
	logger *slog.Logger

	outgoing chan protocol.Event
	events   chan Frame

	mu       sync.RWMutex
	memberID string
	roomID   string
	err      error

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// Dial connects to url offering codec's subprotocol. The pumps run until ctx is done,
// the connection fails or Close is called.
func Dial(ctx context.Context, url string, codec wsrouter.Codec, logger *slog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{codec.Subprotocol()},
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Conn{
		ws:       ws,
		codec:    wsrouter.CodecFor(ws.Subprotocol()),
		logger:   logger.With("subprotocol", ws.Subprotocol()),
		outgoing: make(chan protocol.Event, queueSize),
		events:   make(chan Frame, queueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)

	go c.run(ctx)

	return c, nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(c.events)
		return c.readPump()
	})
	g.Go(func() error {
		return c.writePump(ctx)
	})

	err := g.Wait()
	if errors.Is(err, ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("signaling connection lost", "error", err)
	}
}

func (c *Conn) readPump() error {
	defer c.ws.Close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
				return ErrClosed
			default:
				return err
			}
		}

		messageType, payload, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("failed to decode frame", "error", err)
			continue
		}

		c.track(messageType, payload)

		select {
		case c.events <- Frame{Type: messageType, Payload: payload}:
		case <-c.closing:
			return ErrClosed
		}
	}
}

// track keeps the bindings current before the frame is handed out.
func (c *Conn) track(messageType string, payload wsrouter.Payload) {
	switch messageType {
	case protocol.Session:
		var p protocol.SessionPayload
		if err := payload.Decode(&p); err == nil {
			c.setBinding(p.MemberID, c.RoomID())
		}
	case protocol.RoomCreated:
		var p protocol.RoomCreatedPayload
		if err := payload.Decode(&p); err == nil {
			c.setBinding(p.MemberID, p.RoomID)
		}
	case protocol.RoomJoined:
		var p protocol.RoomJoinedPayload
		if err := payload.Decode(&p); err == nil {
			c.setBinding(p.MemberID, p.RoomID)
		}
	case protocol.RoomLeft:
		var p protocol.RoomLeftPayload
		if err := payload.Decode(&p); err == nil && p.RoomID == c.RoomID() {
			c.setBinding(c.MemberID(), "")
		}
	}
}

func (c *Conn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case event := <-c.outgoing:
			data, err := c.codec.Encode(event.Type, event.Payload)
			if err != nil {
				c.logger.Warn("failed to encode frame", "event", event.Type, "error", err)
				continue
			}

			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.codec.FrameType(), data); err != nil {
				return err
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.closing:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ErrClosed
		case <-ctx.Done():
			c.Close()
		}
	}
}

func (c *Conn) setBinding(memberID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberID = memberID
	c.roomID = roomID
}

// MemberID is the id the server assigned or accepted, empty until the session event.
func (c *Conn) MemberID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memberID
}

func (c *Conn) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Events yields server frames in arrival order. It is closed when the connection ends.
func (c *Conn) Events() <-chan Frame { return c.events }

// Done is closed once both pumps have stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the reason the connection ended, nil after Close. Valid once Done is closed.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

func (c *Conn) emit(messageType string, payload any) error {
	select {
	case c.outgoing <- protocol.Event{Type: messageType, Payload: payload}:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

// tryEmit queues without waiting for the writer. Emitters called from the client's
// event loop use it.
func (c *Conn) tryEmit(messageType string, payload any) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- protocol.Event{Type: messageType, Payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// CreateRoom asks for a new room. memberID may be empty to keep the assigned id.
func (c *Conn) CreateRoom(memberID string) error {
	return c.emit(protocol.CreateRoom, protocol.CreateRoomInput{MemberID: memberID})
}

func (c *Conn) JoinRoom(roomID, memberID string) error {
	return c.emit(protocol.JoinRoom, protocol.JoinRoomInput{RoomID: roomID, MemberID: memberID})
}

func (c *Conn) LeaveRoom() error {
	roomID := c.RoomID()
	if roomID == "" {
		return ErrNotInRoom
	}

	return c.emit(protocol.LeaveRoom, protocol.LeaveRoomInput{RoomID: roomID})
}

// ToggleAudio advises the room that the local audio track was flipped. Advisories
// outside a room are dropped.
func (c *Conn) ToggleAudio(enabled bool) {
	c.toggle(protocol.ToggleAudio, enabled)
}

func (c *Conn) ToggleVideo(enabled bool) {
	c.toggle(protocol.ToggleVideo, enabled)
}

func (c *Conn) toggle(messageType string, enabled bool) {
	roomID := c.RoomID()
	if roomID == "" {
		c.logger.Debug("advisory outside a room dropped", "event", messageType)
		return
	}

	err := c.tryEmit(messageType, protocol.ToggleInput{RoomID: roomID, MemberID: c.MemberID(), Enabled: enabled})
	if err != nil {
		c.logger.Info("failed to send advisory", "event", messageType, "error", err)
	}
}

// Signal relays negotiation data to targetID in the current room. It fails with
// ErrQueueFull rather than wait for a stalled writer.
func (c *Conn) Signal(targetID string, data json.RawMessage) error {
	roomID := c.RoomID()
	if roomID == "" {
		return ErrNotInRoom
	}

	return c.tryEmit(protocol.Signal, protocol.SignalInput{RoomID: roomID, TargetID: targetID, Data: data})
}
