// Package media models local and remote media streams and owns the local media state of
// a board client: which stream is live, whether its audio and video are enabled, and
// whether a screen share has replaced the camera.
package media

import (
	"errors"
	"sync"

	pion "github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrTrackDisabled = errors.New("track disabled")
	ErrTrackStopped  = errors.New("track stopped")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the source. It does not fire OnEnded callbacks.
	Stop()
	Stopped() bool
	// OnEnded registers f to run when the source ends on its own, e.g. the user stopped
	// sharing from the OS. f may run on any goroutine.
	OnEnded(f func())
}

type Stream interface {
	ID() string
	Tracks() []Track
}

// TracksOf returns the tracks of s with the given kind. A nil stream has none.
func TracksOf(s Stream, kind Kind) []Track {
	if s == nil {
		return nil
	}

	var tracks []Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}

	return tracks
}

// LocalTrack is a captured track that can be attached to peer connections.
type LocalTrack struct {
	track *pion.TrackLocalStaticSample
	kind  Kind

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
}

func NewLocalTrack(kind Kind, codec pion.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	track, err := pion.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}

	return &LocalTrack{track: track, kind: kind, enabled: true}, nil
}

func (t *LocalTrack) ID() string { return t.track.ID() }

func (t *LocalTrack) Kind() Kind { return t.kind }

// Local is the pion track to add to a peer connection.
func (t *LocalTrack) Local() pion.TrackLocal { return t.track }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *LocalTrack) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, f)
}

// End marks the source as gone and fires the OnEnded callbacks once.
func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	callbacks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

// WriteSample forwards a captured sample to every bound peer connection. Samples are
// dropped while the track is disabled or stopped.
func (t *LocalTrack) WriteSample(sample pmedia.Sample) error {
	t.mu.Lock()
	enabled, stopped := t.enabled, t.stopped
	t.mu.Unlock()

	if stopped {
		return ErrTrackStopped
	}
	if !enabled {
		return ErrTrackDisabled
	}

	return t.track.WriteSample(sample)
}

type LocalStream struct {
	id     string
	tracks []Track
}

func NewStream(id string, tracks ...Track) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []Track { return s.tracks }
