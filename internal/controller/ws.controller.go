package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/internal/signaling"
	"github.com/inkroom/server/pkg/ctxlogger"
	"github.com/inkroom/server/pkg/wsrouter"
)

func (c *controller) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}

	codec := wsrouter.CodecFor(conn.Subprotocol())
	client := signaling.NewClient(conn, codec, uuid.NewString(), signaling.Config{
		SendQueueSize:  c.cfg.SendQueueSize,
		MaxMessageSize: c.cfg.MaxMessageSize,
	}, c.logger)

	if err := c.connRepo.Add(client); err != nil {
		c.logger.WarnContext(r.Context(), "failed to register connection", "error", err)
		conn.Close()
		return
	}

	// The request context is canceled when the handler returns; the writer outlives it
	// only long enough to flush.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	ctx = ctxlogger.AppendCtx(ctx, slog.String("subprotocol", codec.Subprotocol()))
	ctx = context.WithValue(ctx, clientCtxKey, client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.WritePump(ctx)
	}()

	client.Deliver(protocol.Event{
		Type:    protocol.Session,
		Payload: protocol.SessionPayload{MemberID: client.MemberID()},
	})
	c.logger.InfoContext(ctx, "member connected", "member_id", client.MemberID())

	go func() {
		// A client closed for overflowing its queue must stop reading too.
		select {
		case <-client.Done():
			conn.Close()
		case <-writerDone:
		}
	}()

	err = client.ReadPump(ctx, func(ctx context.Context, messageType string, payload wsrouter.Payload) {
		if err := c.wsmux.Dispatch(ctx, conn, messageType, payload); err != nil {
			client.Deliver(protocol.Event{
				Type:    protocol.Error,
				Payload: protocol.ErrorPayload{Message: err.Error()},
			})
		}
	})

	c.disconnect(ctx, client)
	c.logger.InfoContext(ctx, "member disconnected", "member_id", client.MemberID(), "reason", err)

	client.Close()
	<-writerDone
}

// disconnect runs on the reading goroutine as soon as the connection fails, so the
// departure is broadcast before any later event can name the departed member.
func (c *controller) disconnect(ctx context.Context, client *signaling.Client) {
	if roomID := client.RoomID(); roomID != "" {
		c.roomService.LeaveRoom(ctx, roomID, client.MemberID())
		client.SetRoomID("")
	}

	if err := c.connRepo.Remove(client); err != nil {
		c.logger.DebugContext(ctx, "failed to remove connection", "error", err)
	}
}
