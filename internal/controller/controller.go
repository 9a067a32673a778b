package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/internal/signaling"
	"github.com/inkroom/server/pkg/validator"
	"github.com/inkroom/server/pkg/wsrouter"
)

type iRoomService interface {
	CreateRoom(ctx context.Context, memberID string) (string, error)
	JoinRoom(ctx context.Context, roomID, memberID string) error
	LeaveRoom(ctx context.Context, roomID, memberID string)
	ToggleCapability(ctx context.Context, roomID, memberID string, capability protocol.Capability, enabled bool) error
	RelaySignal(ctx context.Context, roomID, fromID, targetID string, data json.RawMessage) error
	Members(roomID string) ([]string, error)
}

type iConnRepo interface {
	Add(client *signaling.Client) error
	Rebind(client *signaling.Client, memberID string) error
	Remove(client *signaling.Client) error
}

type Config struct {
	AllowedOrigins []string
	SendQueueSize  int
	MaxMessageSize int64
}

type controller struct {
	roomService iRoomService
	connRepo    iConnRepo
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	wsmux       *wsrouter.WSRouter
	cfg         Config
	logger      *slog.Logger
}

func NewController(roomService iRoomService, connRepo iConnRepo, cfg Config, logger *slog.Logger) *controller {
	c := &controller{
		roomService: roomService,
		connRepo:    connRepo,
		validate:    validator.NewValidator(),
		cfg:         cfg,
		logger:      logger,
	}
	c.upgrader = websocket.Upgrader{
		Subprotocols: wsrouter.Subprotocols(),
		CheckOrigin:  c.checkOrigin,
	}
	c.wsmux = c.getWSRouter()

	return c
}

func (c *controller) allowAllOrigins() bool {
	return len(c.cfg.AllowedOrigins) == 0 || slices.Contains(c.cfg.AllowedOrigins, "*")
}

func (c *controller) checkOrigin(r *http.Request) bool {
	if c.allowAllOrigins() {
		return true
	}

	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(c.cfg.AllowedOrigins, origin)
}
