// Package protocol defines the signaling events exchanged between the board server and
// its clients. Every frame is {"type": <event>, "payload": <struct below>}.
package protocol

import "encoding/json"

// Client to server.
const (
	CreateRoom  = "create-room"
	JoinRoom    = "join-room"
	LeaveRoom   = "leave-room"
	ToggleAudio = "toggle-audio"
	ToggleVideo = "toggle-video"
	Signal      = "signal"
)

// Server to client.
const (
	Session          = "session"
	RoomCreated      = "room-created"
	RoomJoined       = "room-joined"
	RoomLeft         = "room-left"
	UserConnected    = "user-connected"
	UserDisconnected = "user-disconnected"
	UserAudioChange  = "user-audio-change"
	UserVideoChange  = "user-video-change"
	Error            = "error"
)

type Capability string

const (
	CapabilityAudio Capability = "audio"
	CapabilityVideo Capability = "video"
)

// ChangeEvent is the server event relaying a toggle of c.
func (c Capability) ChangeEvent() string {
	if c == CapabilityAudio {
		return UserAudioChange
	}

	return UserVideoChange
}

// Event is a typed message bound for one member.
type Event struct {
	Type    string
	Payload any
}

type CreateRoomInput struct {
	MemberID string `json:"member_id,omitempty" validate:"omitempty,max=64"`
}

type JoinRoomInput struct {
	RoomID   string `json:"room_id" validate:"required,max=64"`
	MemberID string `json:"member_id,omitempty" validate:"omitempty,max=64"`
}

type LeaveRoomInput struct {
	RoomID string `json:"room_id" validate:"required,max=64"`
}

type ToggleInput struct {
	RoomID   string `json:"room_id" validate:"required,max=64"`
	MemberID string `json:"member_id,omitempty" validate:"omitempty,max=64"`
	Enabled  bool   `json:"enabled"`
}

type SignalInput struct {
	RoomID   string          `json:"room_id" validate:"required,max=64"`
	TargetID string          `json:"target_id" validate:"required,max=64"`
	Data     json.RawMessage `json:"data" validate:"required"`
}

type SessionPayload struct {
	MemberID string `json:"member_id"`
}

type RoomCreatedPayload struct {
	RoomID   string `json:"room_id"`
	MemberID string `json:"member_id"`
}

type RoomJoinedPayload struct {
	RoomID   string   `json:"room_id"`
	MemberID string   `json:"member_id"`
	Members  []string `json:"members"`
}

type RoomLeftPayload struct {
	RoomID string `json:"room_id"`
}

type MemberPayload struct {
	MemberID string `json:"member_id"`
}

type CapabilityPayload struct {
	MemberID string `json:"member_id"`
	Enabled  bool   `json:"enabled"`
}

type SignalPayload struct {
	FromID string          `json:"from_id"`
	Data   json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
