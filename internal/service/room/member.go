package room

import (
	"context"
	"encoding/json"

	"github.com/inkroom/server/internal/protocol"
)

// ToggleCapability relays an audio/video advisory from memberID to the rest of the room.
// Nothing is stored. Advisories from non-members are rejected so none can follow a leave.
func (s *service) ToggleCapability(ctx context.Context, roomID, memberID string, capability protocol.Capability, enabled bool) error {
	r := s.lockRoom(roomID)
	if r == nil {
		return ErrRoomNotFound
	}
	defer r.mu.Unlock()

	if r.index(memberID) < 0 {
		return ErrMemberNotFound
	}

	s.broadcast(ctx, r.others(memberID), protocol.Event{
		Type:    capability.ChangeEvent(),
		Payload: protocol.CapabilityPayload{MemberID: memberID, Enabled: enabled},
	})

	s.logger.DebugContext(ctx, "capability relayed", "room_id", roomID, "member_id", memberID, "capability", capability, "enabled", enabled)
	return nil
}

// RelaySignal forwards negotiation data from one member to another member of the same room.
func (s *service) RelaySignal(ctx context.Context, roomID, fromID, targetID string, data json.RawMessage) error {
	if fromID == targetID {
		return ErrSelfSignal
	}

	r := s.lockRoom(roomID)
	if r == nil {
		return ErrRoomNotFound
	}
	defer r.mu.Unlock()

	if r.index(fromID) < 0 || r.index(targetID) < 0 {
		return ErrMemberNotFound
	}

	s.sender.Send(ctx, targetID, protocol.Event{
		Type:    protocol.Signal,
		Payload: protocol.SignalPayload{FromID: fromID, Data: data},
	})

	return nil
}
