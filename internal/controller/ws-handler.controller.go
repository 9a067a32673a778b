package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/internal/repository/connection"
	"github.com/inkroom/server/internal/signaling"
)

var (
	ErrNoClient         = errors.New("no client bound to connection")
	ErrMemberIDMismatch = errors.New("member id does not match connection")
	ErrMemberIDInUse    = errors.New("member id already in use")
	ErrInvalidSignal    = errors.New("signal data must be valid json")
)

// bindMemberID rebinds client to the id the peer asked for. Once the client is in a room
// its id is fixed.
func (c *controller) bindMemberID(client *signaling.Client, memberID string) error {
	if memberID == "" || memberID == client.MemberID() {
		return nil
	}

	if client.RoomID() != "" {
		return ErrMemberIDMismatch
	}

	if err := c.connRepo.Rebind(client, memberID); err != nil {
		if errors.Is(err, connection.ErrAlreadyExists) {
			return ErrMemberIDInUse
		}
		return err
	}

	return nil
}

// moveToRoom records roomID as the client's room, leaving the previous one if any.
func (c *controller) moveToRoom(ctx context.Context, client *signaling.Client, roomID string) {
	if previous := client.RoomID(); previous != "" && previous != roomID {
		c.roomService.LeaveRoom(ctx, previous, client.MemberID())
	}
	client.SetRoomID(roomID)
}

func (c *controller) handleCreateRoom(ctx context.Context, _ *websocket.Conn, input protocol.CreateRoomInput) error {
	client := c.getClientFromCtx(ctx)
	if client == nil {
		return ErrNoClient
	}

	if err := c.bindMemberID(client, input.MemberID); err != nil {
		return err
	}

	roomID, err := c.roomService.CreateRoom(ctx, client.MemberID())
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}

	c.moveToRoom(ctx, client, roomID)
	return nil
}

func (c *controller) handleJoinRoom(ctx context.Context, _ *websocket.Conn, input protocol.JoinRoomInput) error {
	client := c.getClientFromCtx(ctx)
	if client == nil {
		return ErrNoClient
	}

	if err := c.bindMemberID(client, input.MemberID); err != nil {
		return err
	}

	if err := c.roomService.JoinRoom(ctx, input.RoomID, client.MemberID()); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	c.moveToRoom(ctx, client, input.RoomID)
	return nil
}

func (c *controller) handleLeaveRoom(ctx context.Context, _ *websocket.Conn, input protocol.LeaveRoomInput) error {
	client := c.getClientFromCtx(ctx)
	if client == nil {
		return ErrNoClient
	}

	c.roomService.LeaveRoom(ctx, input.RoomID, client.MemberID())
	if client.RoomID() == input.RoomID {
		client.SetRoomID("")
	}

	client.Deliver(protocol.Event{
		Type:    protocol.RoomLeft,
		Payload: protocol.RoomLeftPayload{RoomID: input.RoomID},
	})

	return nil
}

func (c *controller) handleToggle(capability protocol.Capability) func(context.Context, *websocket.Conn, protocol.ToggleInput) error {
	return func(ctx context.Context, _ *websocket.Conn, input protocol.ToggleInput) error {
		client := c.getClientFromCtx(ctx)
		if client == nil {
			return ErrNoClient
		}

		if input.MemberID != "" && input.MemberID != client.MemberID() {
			return ErrMemberIDMismatch
		}

		if err := c.roomService.ToggleCapability(ctx, input.RoomID, client.MemberID(), capability, input.Enabled); err != nil {
			return fmt.Errorf("failed to toggle %s: %w", capability, err)
		}

		return nil
	}
}

func (c *controller) handleSignal(ctx context.Context, _ *websocket.Conn, input protocol.SignalInput) error {
	client := c.getClientFromCtx(ctx)
	if client == nil {
		return ErrNoClient
	}

	// Relayed data is embedded verbatim in json frames.
	if !json.Valid(input.Data) {
		return ErrInvalidSignal
	}

	if err := c.roomService.RelaySignal(ctx, input.RoomID, client.MemberID(), input.TargetID, input.Data); err != nil {
		return fmt.Errorf("failed to relay signal: %w", err)
	}

	return nil
}
