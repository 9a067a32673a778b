package redis

import (
	"context"

	"github.com/inkroom/server/internal/repository/room"
)

const memberListPattern = "room:*:memberlist"

func (r repo) getMemberListKey(roomId string) string {
	return "room:" + roomId + ":memberlist"
}

func (r repo) AddMember(ctx context.Context, params *room.AddMemberParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	pipe := r.rc.TxPipeline()

	memberListKey := r.getMemberListKey(params.RoomId)
	r.addWithIncrement(ctx, pipe, memberListKey, params.MemberId)
	pipe.Expire(ctx, memberListKey, r.ttl)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	return nil
}

func (r repo) RemoveMember(ctx context.Context, params *room.RemoveMemberParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	if err := r.rc.ZRem(ctx, r.getMemberListKey(params.RoomId), params.MemberId).Err(); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	return nil
}

func (r repo) DeleteRoom(ctx context.Context, roomId string) error {
	r.logger.DebugContext(ctx, "called", "params", map[string]any{
		"room_id": roomId,
	})
	if err := r.rc.Del(ctx, r.getMemberListKey(roomId)).Err(); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	return nil
}

// Reset removes every mirrored member list. Registry state does not survive a restart.
func (r repo) Reset(ctx context.Context) error {
	r.logger.DebugContext(ctx, "called")
	iter := r.rc.Scan(ctx, 0, memberListPattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	if len(keys) > 0 {
		if err := r.rc.Del(ctx, keys...).Err(); err != nil {
			r.logger.DebugContext(ctx, "returned", "error", err)
			return err
		}
	}

	r.logger.DebugContext(ctx, "returned", "deleted", len(keys))
	return nil
}
