package webrtc

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/inkroom/server/internal/client/media"
)

// RemoteTrack is a track received from a remote member. Packets are read as long as the
// connection lives; Enabled and Stop only gate delivery to OnPacket.
type RemoteTrack struct {
	track *pion.TrackRemote

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	onEnded  []func()
	onPacket func(*rtp.Packet)

	packets atomic.Uint64
}

func newRemoteTrack(track *pion.TrackRemote) *RemoteTrack {
	return &RemoteTrack{track: track, enabled: true}
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() media.Kind {
	if t.track.Kind() == pion.RTPCodecTypeAudio {
		return media.KindAudio
	}

	return media.KindVideo
}

func (t *RemoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *RemoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *RemoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *RemoteTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *RemoteTrack) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, f)
}

// OnPacket registers the renderer of this track. f runs on the track's read goroutine.
func (t *RemoteTrack) OnPacket(f func(*rtp.Packet)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPacket = f
}

// Packets counts the packets received so far.
func (t *RemoteTrack) Packets() uint64 {
	return t.packets.Load()
}

func (t *RemoteTrack) readLoop() {
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			t.end()
			return
		}
		t.packets.Add(1)

		t.mu.Lock()
		f := t.onPacket
		if !t.enabled || t.stopped {
			f = nil
		}
		t.mu.Unlock()

		if f != nil {
			f(pkt)
		}
	}
}

func (t *RemoteTrack) end() {
	t.mu.Lock()
	callbacks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

// RemoteStream collects the tracks of one call. Tracks may be added after the stream was
// handed out.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []media.Track
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Tracks() []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tracks)
}

func (s *RemoteStream) add(t media.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}
