package controller

import (
	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/pkg/wsrouter"
)

func (c *controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New()
	mux.Use(c.wsRequestIdWSMw(), c.loggerWSMw(), c.validateWSMw())

	// room
	wsrouter.Handle(mux, protocol.CreateRoom, c.handleCreateRoom)
	wsrouter.Handle(mux, protocol.JoinRoom, c.handleJoinRoom)
	wsrouter.Handle(mux, protocol.LeaveRoom, c.handleLeaveRoom)

	// media advisories
	wsrouter.Handle(mux, protocol.ToggleAudio, c.handleToggle(protocol.CapabilityAudio))
	wsrouter.Handle(mux, protocol.ToggleVideo, c.handleToggle(protocol.CapabilityVideo))

	// negotiation
	wsrouter.Handle(mux, protocol.Signal, c.handleSignal)

	return mux
}
