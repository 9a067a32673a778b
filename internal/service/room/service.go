package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/inkroom/server/internal/protocol"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrEmptyMemberID    = errors.New("empty member id")
	ErrSelfSignal       = errors.New("cannot signal yourself")
	ErrRoomIDsExhausted = errors.New("failed to generate unique room id")
)

const (
	roomIDLength        = 8
	maxGenerateAttempts = 64
)

// iSender enqueues an event on a member's outbound queue. It must not block.
type iSender interface {
	Send(ctx context.Context, memberID string, event protocol.Event)
}

// iMirror receives membership mutations in the order they happen. It must not block.
type iMirror interface {
	AddMember(roomID, memberID string)
	RemoveMember(roomID, memberID string)
	DeleteRoom(roomID string)
}

type iGenerator interface {
	GenerateRandomString(length int) string
}

type service struct {
	sender    iSender
	mirror    iMirror
	generator iGenerator
	logger    *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewService(sender iSender, mirror iMirror, generator iGenerator, logger *slog.Logger) *service {
	if mirror == nil {
		mirror = noopMirror{}
	}

	return &service{
		sender:    sender,
		mirror:    mirror,
		generator: generator,
		logger:    logger,
		rooms:     make(map[string]*room),
	}
}

type noopMirror struct{}

func (noopMirror) AddMember(string, string)    {}
func (noopMirror) RemoveMember(string, string) {}
func (noopMirror) DeleteRoom(string)           {}
