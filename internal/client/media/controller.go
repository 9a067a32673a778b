package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inkroom/server/internal/client/eventloop"
)

var ErrPermissionDenied = errors.New("permission denied")

// Publisher receives the live stream whenever it changes.
type Publisher interface {
	SetLocalStream(s Stream)
}

// Advisor tells the rest of the room about local mute/camera-off changes.
type Advisor interface {
	ToggleAudio(enabled bool)
	ToggleVideo(enabled bool)
}

type State struct {
	Live          bool
	StreamID      string
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
}

// Controller is the single owner of local media state. Every method must run on the
// event loop.
type Controller struct {
	loop      *eventloop.Loop
	capture   Capture
	publisher Publisher
	advisor   Advisor
	logger    *slog.Logger

	live     Stream
	previous Stream
	video    bool
	audio    bool
	sharing  bool

	onChange func(State)
}

func NewController(loop *eventloop.Loop, capture Capture, publisher Publisher, advisor Advisor, logger *slog.Logger) *Controller {
	return &Controller{
		loop:      loop,
		capture:   capture,
		publisher: publisher,
		advisor:   advisor,
		logger:    logger,
	}
}

func (c *Controller) OnChange(f func(State)) {
	c.onChange = f
}

func (c *Controller) State() State {
	s := State{
		Live:          c.live != nil,
		VideoEnabled:  c.video,
		AudioEnabled:  c.audio,
		ScreenSharing: c.sharing,
	}
	if c.live != nil {
		s.StreamID = c.live.ID()
	}

	return s
}

// LiveStream is the stream attached to every peer connection, nil when there is none.
func (c *Controller) LiveStream() Stream {
	return c.live
}

func (c *Controller) changed() {
	if c.onChange != nil {
		c.onChange(c.State())
	}
}

func (c *Controller) publish() {
	c.publisher.SetLocalStream(c.live)
	c.changed()
}

func denied(err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
}

// StartMedia acquires camera and microphone. then, if not nil, runs on the loop with the
// result. On failure nothing changes.
func (c *Controller) StartMedia(ctx context.Context, then func(Stream, error)) {
	eventloop.Defer(c.loop, ctx, c.capture.Camera, func(s Stream, err error) {
		if err != nil {
			c.logger.Info("camera unavailable", "error", err)
			if then != nil {
				then(nil, denied(err))
			}
			return
		}

		if c.previous != nil && c.previous != s && c.previous != c.live {
			stopAll(c.previous)
		}
		c.previous = s
		c.video, c.audio = true, true

		if !c.sharing {
			if c.live != nil && c.live != s {
				stopAll(c.live)
			}
			c.live = s
			c.publish()
		} else {
			c.changed()
		}

		if then != nil {
			then(s, nil)
		}
	})
}

// ToggleVideo flips the video tracks of the live stream, starting media when there is
// none yet.
func (c *Controller) ToggleVideo(ctx context.Context) {
	if c.live == nil {
		c.StartMedia(ctx, nil)
		return
	}

	c.video = !c.video
	for _, t := range TracksOf(c.live, KindVideo) {
		t.SetEnabled(c.video)
	}

	c.advisor.ToggleVideo(c.video)
	c.changed()
}

func (c *Controller) ToggleAudio() {
	if c.live == nil {
		return
	}

	c.audio = !c.audio
	for _, t := range TracksOf(c.live, KindAudio) {
		t.SetEnabled(c.audio)
	}

	c.advisor.ToggleAudio(c.audio)
	c.changed()
}

// StartScreenShare replaces the live stream with a screen capture. The camera stream is
// remembered for StopScreenShare.
func (c *Controller) StartScreenShare(ctx context.Context, then func(Stream, error)) {
	eventloop.Defer(c.loop, ctx, c.capture.Screen, func(s Stream, err error) {
		if err != nil {
			c.logger.Info("screen capture unavailable", "error", err)
			if then != nil {
				then(nil, denied(err))
			}
			return
		}

		if c.sharing {
			disableAndStop(c.live)
		} else if c.previous == nil {
			c.previous = c.live
		}

		c.live = s
		c.sharing = true
		for _, t := range TracksOf(s, KindVideo) {
			t.OnEnded(func() {
				c.loop.Post(func() {
					if c.sharing && c.live == s {
						c.StopScreenShare()
					}
				})
			})
		}

		c.publish()
		if then != nil {
			then(s, nil)
		}
	})
}

// StopScreenShare ends the screen capture and restores the remembered camera stream,
// or no stream when there was none. Toggles made while sharing carry over to the camera.
func (c *Controller) StopScreenShare() {
	if !c.sharing {
		return
	}

	disableAndStop(c.live)
	c.live = c.previous
	c.sharing = false

	if c.live != nil {
		for _, t := range TracksOf(c.live, KindVideo) {
			t.SetEnabled(c.video)
		}
		for _, t := range TracksOf(c.live, KindAudio) {
			t.SetEnabled(c.audio)
		}
	}

	c.publish()
}

func stopAll(s Stream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func disableAndStop(s Stream) {
	if s == nil {
		return
	}

	for _, t := range s.Tracks() {
		t.SetEnabled(false)
		t.Stop()
	}
}
