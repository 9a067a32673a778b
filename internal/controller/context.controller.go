package controller

import (
	"context"

	"github.com/inkroom/server/internal/signaling"
)

type contextKey int

const (
	clientCtxKey contextKey = iota
)

func (c *controller) getClientFromCtx(ctx context.Context) *signaling.Client {
	client, ok := ctx.Value(clientCtxKey).(*signaling.Client)
	if !ok {
		return nil
	}

	return client
}
