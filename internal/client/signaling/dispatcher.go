package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/inkroom/server/internal/client/eventloop"
	"github.com/inkroom/server/internal/protocol"
)

type iSessions interface {
	SetMemberID(id string)
	Reset(members []string)
	MemberJoined(remoteID string)
	MemberLeft(remoteID string)
	LeaveAll()
}

// SignalHandler consumes negotiation data relayed from another member.
type SignalHandler interface {
	HandleSignal(fromID string, data json.RawMessage)
}

// Dispatcher applies server events to the peer sessions. Every event becomes one loop
// task, in arrival order, so a departure is processed before any later event naming the
// departed member.
type Dispatcher struct {
	loop     *eventloop.Loop
	sessions iSessions
	signals  SignalHandler
	logger   *slog.Logger

	onEvent func(messageType string, payload any)
}

func NewDispatcher(loop *eventloop.Loop, sessions iSessions, signals SignalHandler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		loop:     loop,
		sessions: sessions,
		signals:  signals,
		logger:   logger,
	}
}

// OnEvent registers f to observe every decoded event after it was applied. f runs on the
// loop.
func (d *Dispatcher) OnEvent(f func(messageType string, payload any)) {
	d.onEvent = f
}

// Run consumes conn's events until it closes, then drops every remote. It returns the
// reason the connection ended.
func (d *Dispatcher) Run(ctx context.Context, conn *Conn) error {
	for {
		select {
		case frame, ok := <-conn.Events():
			if !ok {
				<-conn.Done()
				d.loop.Post(func() {
					d.sessions.LeaveAll()
					d.notify("disconnected", conn.Err())
				})
				return conn.Err()
			}

			d.dispatch(conn, frame)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) dispatch(conn *Conn, frame Frame) {
	payload, err := decode(frame)
	if err != nil {
		d.logger.Warn("failed to decode event payload", "event", frame.Type, "error", err)
		return
	}

	self := conn.MemberID()

	d.loop.Post(func() {
		d.apply(self, frame.Type, payload)
		d.notify(frame.Type, payload)
	})
}

func (d *Dispatcher) apply(self, messageType string, payload any) {
	switch p := payload.(type) {
	case protocol.SessionPayload:
		d.sessions.SetMemberID(p.MemberID)
	case protocol.RoomCreatedPayload:
		d.sessions.SetMemberID(p.MemberID)
		d.sessions.Reset(nil)
	case protocol.RoomJoinedPayload:
		d.sessions.SetMemberID(p.MemberID)
		d.sessions.Reset(slices.DeleteFunc(slices.Clone(p.Members), func(id string) bool {
			return id == self
		}))
	case protocol.RoomLeftPayload:
		d.sessions.LeaveAll()
	case protocol.MemberPayload:
		if p.MemberID == self {
			return
		}
		if messageType == protocol.UserConnected {
			d.sessions.MemberJoined(p.MemberID)
		} else {
			d.sessions.MemberLeft(p.MemberID)
		}
	case protocol.SignalPayload:
		d.signals.HandleSignal(p.FromID, p.Data)
	case protocol.ErrorPayload:
		d.logger.Info("server error", "message", p.Message)
	}
}

func (d *Dispatcher) notify(messageType string, payload any) {
	if d.onEvent != nil {
		d.onEvent(messageType, payload)
	}
}

func decode(frame Frame) (any, error) {
	switch frame.Type {
	case protocol.Session:
		return decodeAs[protocol.SessionPayload](frame)
	case protocol.RoomCreated:
		return decodeAs[protocol.RoomCreatedPayload](frame)
	case protocol.RoomJoined:
		return decodeAs[protocol.RoomJoinedPayload](frame)
	case protocol.RoomLeft:
		return decodeAs[protocol.RoomLeftPayload](frame)
	case protocol.UserConnected, protocol.UserDisconnected:
		return decodeAs[protocol.MemberPayload](frame)
	case protocol.UserAudioChange, protocol.UserVideoChange:
		return decodeAs[protocol.CapabilityPayload](frame)
	case protocol.Signal:
		return decodeAs[protocol.SignalPayload](frame)
	case protocol.Error:
		return decodeAs[protocol.ErrorPayload](frame)
	default:
		return nil, nil
	}
}

func decodeAs[T any](frame Frame) (any, error) {
	var v T
	if err := frame.Payload.Decode(&v); err != nil {
		return nil, err
	}

	return v, nil
}
