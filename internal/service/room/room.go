package room

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/inkroom/server/internal/protocol"
)

// room is the unit of serialization: every mutation and every broadcast about one room
// happens under its mutex. A closed room has been removed from the directory.
type room struct {
	id      string
	mu      sync.Mutex
	members []string
	closed  bool
}

func (r *room) index(memberID string) int {
	return slices.Index(r.members, memberID)
}

func (r *room) others(memberID string) []string {
	others := make([]string, 0, len(r.members))
	for _, id := range r.members {
		if id != memberID {
			others = append(others, id)
		}
	}

	return others
}

func (s *service) getRoom(roomID string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rooms[roomID]
}

// lockRoom returns the live room locked, or nil when it does not exist.
func (s *service) lockRoom(roomID string) *room {
	r := s.getRoom(roomID)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	return r
}

func (s *service) broadcast(ctx context.Context, memberIDs []string, event protocol.Event) {
	for _, memberID := range memberIDs {
		s.sender.Send(ctx, memberID, event)
	}
}

func (s *service) CreateRoom(ctx context.Context, memberID string) (string, error) {
	if memberID == "" {
		return "", ErrEmptyMemberID
	}

	r := &room{members: []string{memberID}}
	// Hold the room before it becomes visible so that no join can overtake room-created.
	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	for attempt := 0; ; attempt++ {
		if attempt == maxGenerateAttempts {
			s.mu.Unlock()
			return "", ErrRoomIDsExhausted
		}

		id := s.generator.GenerateRandomString(roomIDLength)
		if _, exists := s.rooms[id]; !exists {
			r.id = id
			s.rooms[id] = r
			break
		}
		s.logger.WarnContext(ctx, "room id collision", "room_id", id)
	}
	s.mu.Unlock()

	s.mirror.AddMember(r.id, memberID)
	s.sender.Send(ctx, memberID, protocol.Event{
		Type:    protocol.RoomCreated,
		Payload: protocol.RoomCreatedPayload{RoomID: r.id, MemberID: memberID},
	})

	s.logger.InfoContext(ctx, "room created", "room_id", r.id, "member_id", memberID)
	return r.id, nil
}

func (s *service) JoinRoom(ctx context.Context, roomID, memberID string) error {
	if memberID == "" {
		return ErrEmptyMemberID
	}

	r := s.lockRoom(roomID)
	if r == nil {
		return ErrRoomNotFound
	}
	defer r.mu.Unlock()

	joined := protocol.Event{Type: protocol.RoomJoined}
	if r.index(memberID) >= 0 {
		joined.Payload = protocol.RoomJoinedPayload{RoomID: roomID, MemberID: memberID, Members: slices.Clone(r.members)}
		s.sender.Send(ctx, memberID, joined)
		return nil
	}

	r.members = append(r.members, memberID)
	s.mirror.AddMember(roomID, memberID)

	joined.Payload = protocol.RoomJoinedPayload{RoomID: roomID, MemberID: memberID, Members: slices.Clone(r.members)}
	s.sender.Send(ctx, memberID, joined)
	s.broadcast(ctx, r.others(memberID), protocol.Event{
		Type:    protocol.UserConnected,
		Payload: protocol.MemberPayload{MemberID: memberID},
	})

	s.logger.InfoContext(ctx, "member joined", "room_id", roomID, "member_id", memberID, "members", len(r.members))
	return nil
}

// LeaveRoom is idempotent: leaving a room twice, or one never joined, does nothing.
func (s *service) LeaveRoom(ctx context.Context, roomID, memberID string) {
	r := s.lockRoom(roomID)
	if r == nil {
		return
	}
	defer r.mu.Unlock()

	i := r.index(memberID)
	if i < 0 {
		return
	}

	r.members = slices.Delete(r.members, i, i+1)
	s.mirror.RemoveMember(roomID, memberID)

	if len(r.members) == 0 {
		r.closed = true
		s.mu.Lock()
		if s.rooms[roomID] == r {
			delete(s.rooms, roomID)
		}
		s.mu.Unlock()
		s.mirror.DeleteRoom(roomID)

		s.logger.InfoContext(ctx, "room deleted", "room_id", roomID)
		return
	}

	s.broadcast(ctx, r.members, protocol.Event{
		Type:    protocol.UserDisconnected,
		Payload: protocol.MemberPayload{MemberID: memberID},
	})

	s.logger.InfoContext(ctx, "member left", "room_id", roomID, "member_id", memberID, "members", len(r.members))
}

func (s *service) Members(roomID string) ([]string, error) {
	r := s.lockRoom(roomID)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	defer r.mu.Unlock()

	return slices.Clone(r.members), nil
}

func (s *service) Rooms() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.rooms)
}

// Snapshot copies the members of every live room in join order. Each room is read under
// its own lock, after the directory lock is released.
func (s *service) Snapshot() map[string][]string {
	s.mu.RLock()
	rooms := maps.Values(s.rooms)
	s.mu.RUnlock()

	snapshot := make(map[string][]string, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.closed {
			snapshot[r.id] = slices.Clone(r.members)
		}
		r.mu.Unlock()
	}

	return snapshot
}
