package redis

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"

	"github.com/inkroom/server/internal/repository/room"
)

type opKind int

const (
	opAdd opKind = iota
	opRemove
	opDelete
)

type op struct {
	kind     opKind
	roomId   string
	memberId string
}

// Mirror applies registry mutations to Redis from a single worker, in the order they
// were enqueued. Enqueueing never blocks the caller. When the queue is full the
// mutation is dropped and the worker rewrites every room from the source snapshot.
type Mirror struct {
	repo   *repo
	logger *slog.Logger
	ops    chan op
	source func() map[string][]string
	stale  atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewMirror(repo *repo, queueSize int, logger *slog.Logger) *Mirror {
	return &Mirror{
		repo:   repo,
		logger: logger,
		ops:    make(chan op, queueSize),
		done:   make(chan struct{}),
	}
}

func (m *Mirror) enqueue(o op) {
	select {
	case <-m.done:
	case m.ops <- o:
	default:
		m.stale.Store(true)
		m.logger.Warn("mirror queue full, dropping mutation", "room_id", o.roomId, "member_id", o.memberId)
	}
}

// SetSource sets the snapshot of every room's members used to recover from dropped
// mutations. It must be called before Run.
func (m *Mirror) SetSource(source func() map[string][]string) {
	m.source = source
}

func (m *Mirror) AddMember(roomId, memberId string) {
	m.enqueue(op{kind: opAdd, roomId: roomId, memberId: memberId})
}

func (m *Mirror) RemoveMember(roomId, memberId string) {
	m.enqueue(op{kind: opRemove, roomId: roomId, memberId: memberId})
}

func (m *Mirror) DeleteRoom(roomId string) {
	m.enqueue(op{kind: opDelete, roomId: roomId})
}

// Run clears stale keys and then applies queued mutations until ctx is done. Whatever is
// still queued at that point is flushed before Run returns.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.repo.Reset(ctx); err != nil {
		m.logger.ErrorContext(ctx, "failed to reset mirrored rooms", "error", err)
	}

	for {
		if m.stale.Load() {
			m.resync(ctx)
		}

		select {
		case o := <-m.ops:
			m.apply(ctx, o)
		case <-ctx.Done():
			m.closeOnce.Do(func() { close(m.done) })
			m.flush()
			return nil
		}
	}
}

func (m *Mirror) flush() {
	ctx := context.Background()
	for {
		select {
		case o := <-m.ops:
			m.apply(ctx, o)
		default:
			return
		}
	}
}

// resync rewrites the mirrored rooms from the source. Queued mutations are discarded
// first since the snapshot taken after them covers them. Anything queued meanwhile is
// applied again afterwards, which adding members idempotently makes harmless.
func (m *Mirror) resync(ctx context.Context) {
	m.stale.Store(false)
	if m.source == nil {
		m.logger.WarnContext(ctx, "mirror dropped mutations and has no source to resync from")
		return
	}

	discarded := 0
	for len(m.ops) > 0 {
		<-m.ops
		discarded++
	}

	rooms := m.source()
	if err := m.repo.Reset(ctx); err != nil {
		m.logger.ErrorContext(ctx, "failed to reset mirrored rooms", "error", err)
	}

	roomIds := maps.Keys(rooms)
	slices.Sort(roomIds)
	for _, roomId := range roomIds {
		for _, memberId := range rooms[roomId] {
			m.apply(ctx, op{kind: opAdd, roomId: roomId, memberId: memberId})
		}
	}

	m.logger.InfoContext(ctx, "mirror resynced", "rooms", len(rooms), "discarded", discarded)
}

func (m *Mirror) apply(ctx context.Context, o op) {
	var err error
	switch o.kind {
	case opAdd:
		err = m.repo.AddMember(ctx, &room.AddMemberParams{RoomId: o.roomId, MemberId: o.memberId})
	case opRemove:
		err = m.repo.RemoveMember(ctx, &room.RemoveMemberParams{RoomId: o.roomId, MemberId: o.memberId})
	case opDelete:
		err = m.repo.DeleteRoom(ctx, o.roomId)
	}

	if err != nil {
		m.logger.ErrorContext(ctx, "failed to mirror room mutation", "room_id", o.roomId, "member_id", o.memberId, "error", err)
	}
}
