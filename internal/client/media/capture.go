package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

type Capture interface {
	Camera(ctx context.Context) (Stream, error)
	Screen(ctx context.Context) (Stream, error)
}

var (
	opusCodec = pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
)

// SyntheticCapture produces pion-backed streams without touching devices, for headless
// clients. Its denials stand in for a refused permission prompt.
type SyntheticCapture struct {
	mu         sync.Mutex
	denyCamera bool
	denyScreen bool
}

func NewSyntheticCapture() *SyntheticCapture {
	return &SyntheticCapture{}
}

func (c *SyntheticCapture) Deny(camera, screen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denyCamera, c.denyScreen = camera, screen
}

func (c *SyntheticCapture) denied() (camera, screen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denyCamera, c.denyScreen
}

func (c *SyntheticCapture) Camera(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if camera, _ := c.denied(); camera {
		return nil, ErrPermissionDenied
	}

	streamID := "camera-" + uuid.NewString()
	audio, err := NewLocalTrack(KindAudio, opusCodec, "audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	video, err := NewLocalTrack(KindVideo, vp8Codec, "video-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	return NewStream(streamID, audio, video), nil
}

func (c *SyntheticCapture) Screen(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, screen := c.denied(); screen {
		return nil, ErrPermissionDenied
	}

	streamID := "screen-" + uuid.NewString()
	video, err := NewLocalTrack(KindVideo, vp8Codec, "screen-video-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	return NewStream(streamID, video), nil
}
