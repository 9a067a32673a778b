package webrtc

import (
	"errors"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/inkroom/server/internal/client/media"
)

type call struct {
	n        *Negotiator
	id       string
	remoteID string
	pc       *pion.PeerConnection
	stream   *RemoteStream

	generation uint64

	mu sync.Mutex
	// outgoing holds local candidates until our description has been sent.
	described bool
	outgoing  []pion.ICECandidateInit
	// incoming holds remote candidates until the remote description is set.
	remoteSet bool
	incoming  []pion.ICECandidateInit

	onStream  func(media.Stream)
	onFailure func(error)
	connected bool
	delivered bool
	failure   error
	closed    bool
}

func (n *Negotiator) newCall(id, remoteID string) (*call, error) {
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, newError("create peer connection", id, err)
	}

	c := &call{
		n:        n,
		id:       id,
		remoteID: remoteID,
		pc:       pc,
		stream:   newRemoteStream(id),
	}

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return
		}
		c.localCandidate(candidate.ToJSON())
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		t := newRemoteTrack(track)
		c.stream.add(t)
		go t.readLoop()
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		n.logger.Debug("call state changed", "call_id", id, "remote_id", remoteID, "state", state.String())

		switch state {
		case pion.PeerConnectionStateConnected:
			c.established()
		case pion.PeerConnectionStateFailed:
			c.fail(ErrConnectionFailed)
		}
	})

	return c, nil
}

var codecTypes = map[media.Kind]pion.RTPCodecType{
	media.KindAudio: pion.RTPCodecTypeAudio,
	media.KindVideo: pion.RTPCodecTypeVideo,
}

type sampleTrack interface {
	Local() pion.TrackLocal
}

// attach adds the local tracks of stream. An offering call also asks to receive every
// kind it does not send, so the remote can answer with its own media.
func (c *call) attach(stream media.Stream, offering bool) error {
	var tracks []media.Track
	if stream != nil {
		tracks = stream.Tracks()
	}

	sending := map[media.Kind]bool{}
	for _, t := range tracks {
		local, ok := t.(sampleTrack)
		if !ok {
			continue
		}

		sender, err := c.pc.AddTrack(local.Local())
		if err != nil {
			return err
		}
		sending[t.Kind()] = true
		go drainRTCP(sender)
	}

	if !offering {
		return nil
	}

	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		if sending[kind] {
			continue
		}

		_, err := c.pc.AddTransceiverFromKind(codecTypes[kind], pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// drainRTCP reads the sender's RTCP so interceptors keep running.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// describe sends our local description, then the candidates gathered before it.
func (c *call) describe(kind string) error {
	msg := message{CallID: c.id, Kind: kind, SDP: c.pc.LocalDescription()}
	if kind == kindOffer {
		msg.Generation = c.generation
	}

	if err := c.n.send(c.remoteID, msg); err != nil {
		return err
	}

	c.mu.Lock()
	c.described = true
	pending := c.outgoing
	c.outgoing = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		c.sendCandidate(candidate)
	}

	return nil
}

func (c *call) localCandidate(candidate pion.ICECandidateInit) {
	c.mu.Lock()
	if !c.described {
		c.outgoing = append(c.outgoing, candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.sendCandidate(candidate)
}

func (c *call) sendCandidate(candidate pion.ICECandidateInit) {
	c.n.send(c.remoteID, message{CallID: c.id, Kind: kindCandidate, Candidate: &candidate})
}

func (c *call) setRemote(desc pion.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.incoming
	c.incoming = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.n.logger.Debug("failed to add queued candidate", "call_id", c.id, "error", err)
		}
	}

	return nil
}

func (c *call) answered(desc *pion.SessionDescription) {
	if desc == nil {
		c.fail(newError("answer", c.id, ErrMissingSDP))
		return
	}

	if err := c.setRemote(*desc); err != nil {
		c.fail(newError("set remote description", c.id, err))
	}
}

func (c *call) addCandidate(candidate pion.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteSet {
		c.incoming = append(c.incoming, candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(candidate); err != nil {
		c.n.logger.Debug("failed to add candidate", "call_id", c.id, "error", err)
	}
}

func (c *call) RemoteID() string { return c.remoteID }

// OnStream registers f to receive the remote stream once the connection is established.
// It fires at most once, also when the connection came up before f was registered.
func (c *call) OnStream(f func(media.Stream)) {
	c.mu.Lock()
	c.onStream = f
	fire := c.connected && !c.delivered && !c.closed
	if fire {
		c.delivered = true
	}
	c.mu.Unlock()

	if fire {
		f(c.stream)
	}
}

func (c *call) OnFailure(f func(error)) {
	c.mu.Lock()
	c.onFailure = f
	err := c.failure
	c.mu.Unlock()

	if err != nil {
		f(err)
	}
}

func (c *call) established() {
	c.mu.Lock()
	c.connected = true
	f := c.onStream
	fire := f != nil && !c.delivered && !c.closed && c.failure == nil
	if fire {
		c.delivered = true
	}
	c.mu.Unlock()

	if fire {
		f(c.stream)
	}
}

func (c *call) fail(err error) {
	c.mu.Lock()
	if c.closed || c.failure != nil {
		c.mu.Unlock()
		return
	}
	c.failure = err
	f := c.onFailure
	c.mu.Unlock()

	if f != nil {
		f(err)
	}
}

func (c *call) remoteClosed() {
	c.fail(ErrClosedByRemote)
	c.shutdown()
}

// Close hangs up the call. Callbacks do not fire afterwards.
func (c *call) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.n.send(c.remoteID, message{CallID: c.id, Kind: kindBye})
	c.shutdown()
}

func (c *call) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.n.forget(c)
	if err := c.pc.Close(); err != nil && !errors.Is(err, pion.ErrConnectionClosed) {
		c.n.logger.Debug("failed to close peer connection", "call_id", c.id, "error", err)
	}
}
