// Package board assembles a headless board client: signaling connection, peer sessions,
// local media and their event loop.
package board

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/inkroom/server/internal/client/eventloop"
	"github.com/inkroom/server/internal/client/media"
	"github.com/inkroom/server/internal/client/session"
	"github.com/inkroom/server/internal/client/signaling"
	"github.com/inkroom/server/internal/client/webrtc"
	"github.com/inkroom/server/pkg/wsrouter"
)

const wsPath = "/api/v1/ws"

// Hooks observe the client. They all run on the event loop.
type Hooks struct {
	Event   func(messageType string, payload any)
	Session func(session.Snapshot)
	Media   func(media.State)
	Error   func(error)
}

type Config struct {
	// Server is the base http(s) or ws(s) url of the board server.
	Server     string
	Codec      wsrouter.Codec
	ICEServers []string
	Capture    media.Capture
	Hooks      Hooks
}

type Client struct {
	loop       *eventloop.Loop
	conn       *signaling.Conn
	negotiator *webrtc.Negotiator
	sessions   *session.Manager
	media      *media.Controller
	dispatcher *signaling.Dispatcher
	logger     *slog.Logger
}

// WebsocketURL turns a server base url into its signaling endpoint.
func WebsocketURL(server string) string {
	u := strings.TrimSuffix(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "ws://" + u
	}

	return u + wsPath
}

func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := signaling.Dial(ctx, WebsocketURL(cfg.Server), cfg.Codec, logger)
	if err != nil {
		return nil, err
	}

	negotiator, err := webrtc.New(webrtc.Config{ICEServers: cfg.ICEServers}, conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	capture := cfg.Capture
	if capture == nil {
		capture = media.NewSyntheticCapture()
	}

	loop := eventloop.New(logger)
	sessions := session.NewManager(loop, negotiator, logger)
	dispatcher := signaling.NewDispatcher(loop, sessions, negotiator, logger)

	c := &Client{
		loop:       loop,
		conn:       conn,
		negotiator: negotiator,
		sessions:   sessions,
		media:      media.NewController(loop, capture, sessions, conn, logger),
		dispatcher: dispatcher,
		logger:     logger,
	}

	hooks := cfg.Hooks
	if hooks.Event != nil {
		dispatcher.OnEvent(hooks.Event)
	}
	if hooks.Session != nil {
		sessions.OnChange(hooks.Session)
	}
	if hooks.Media != nil {
		c.media.OnChange(hooks.Media)
	}
	if hooks.Error != nil {
		sessions.OnError(hooks.Error)
	}

	return c, nil
}

// Run drives the client until ctx is done or the signaling connection ends.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.loop.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()

		err := c.dispatcher.Run(ctx, c.conn)
		// Let the final LeaveAll run before the loop stops.
		c.loop.Do(ctx, func() {})
		c.negotiator.Close()
		return err
	})

	return g.Wait()
}

func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) MemberID() string { return c.conn.MemberID() }

func (c *Client) RoomID() string { return c.conn.RoomID() }

func (c *Client) CreateRoom() error {
	return c.conn.CreateRoom("")
}

func (c *Client) JoinRoom(roomID string) error {
	return c.conn.JoinRoom(roomID, "")
}

func (c *Client) LeaveRoom() error {
	return c.conn.LeaveRoom()
}

// StartMedia captures the camera. then runs on the loop.
func (c *Client) StartMedia(ctx context.Context, then func(error)) {
	c.loop.Post(func() {
		c.media.StartMedia(ctx, func(_ media.Stream, err error) { then(err) })
	})
}

func (c *Client) ToggleVideo(ctx context.Context) {
	c.loop.Post(func() { c.media.ToggleVideo(ctx) })
}

func (c *Client) ToggleAudio() {
	c.loop.Post(c.media.ToggleAudio)
}

func (c *Client) StartScreenShare(ctx context.Context, then func(error)) {
	c.loop.Post(func() {
		c.media.StartScreenShare(ctx, func(_ media.Stream, err error) { then(err) })
	})
}

func (c *Client) StopScreenShare() {
	c.loop.Post(c.media.StopScreenShare)
}

type Status struct {
	MemberID string
	RoomID   string
	Media    media.State
	Sessions session.Snapshot
}

// Status reads the client state on the loop.
func (c *Client) Status(ctx context.Context) (Status, error) {
	st := Status{MemberID: c.MemberID(), RoomID: c.RoomID()}
	err := c.loop.Do(ctx, func() {
		st.Media = c.media.State()
		st.Sessions = c.sessions.Snapshot()
	})

	return st, err
}
