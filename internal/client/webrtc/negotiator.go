// Package webrtc negotiates the media connections of a board client over pion/webrtc.
// Offers, answers, candidates and hangups travel as signal data relayed by the server.
package webrtc

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/inkroom/server/internal/client/media"
	"github.com/inkroom/server/internal/client/session"
)

// Signaler relays negotiation data to another member of the room.
type Signaler interface {
	Signal(targetID string, data json.RawMessage) error
}

type Config struct {
	ICEServers []string
	// PortMin and PortMax bound the local UDP ports. Zero leaves them to the OS.
	PortMin uint16
	PortMax uint16
}

const (
	kindOffer     = "offer"
	kindAnswer    = "answer"
	kindCandidate = "candidate"
	kindBye       = "bye"
)

// message is the signal data of one call. Generation orders the calls between one pair
// of members and only offers carry it.
type message struct {
	CallID     string                   `json:"call_id"`
	Kind       string                   `json:"kind"`
	Generation uint64                   `json:"generation,omitempty"`
	SDP        *pion.SessionDescription `json:"sdp,omitempty"`
	Candidate  *pion.ICECandidateInit   `json:"candidate,omitempty"`
}

type Negotiator struct {
	api      *pion.API
	config   pion.Configuration
	signaler Signaler
	logger   *slog.Logger

	mu      sync.Mutex
	calls   map[string]*call
	inbound func(session.InboundCall)
}

func New(cfg Config, signaler Signaler, logger *slog.Logger) (*Negotiator, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	s := pion.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax >= cfg.PortMin {
		if err := s.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, err
		}
	}

	var iceServers []pion.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []pion.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Negotiator{
		api:      pion.NewAPI(pion.WithMediaEngine(m), pion.WithSettingEngine(s)),
		config:   pion.Configuration{ICEServers: iceServers},
		signaler: signaler,
		logger:   logger,
		calls:    make(map[string]*call),
	}, nil
}

// OnInbound registers the handler of offers from other members. Offers arriving with no
// handler are rejected.
func (n *Negotiator) OnInbound(f func(session.InboundCall)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inbound = f
}

// Call offers stream to remoteID. A nil stream still receives the remote's media.
func (n *Negotiator) Call(remoteID string, generation uint64, stream media.Stream) (session.Call, error) {
	c, err := n.newCall(uuid.NewString(), remoteID)
	if err != nil {
		return nil, err
	}
	c.generation = generation

	if err := c.attach(stream, true); err != nil {
		c.pc.Close()
		return nil, newError("attach tracks", c.id, err)
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.pc.Close()
		return nil, newError("create offer", c.id, err)
	}

	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.pc.Close()
		return nil, newError("set local description", c.id, err)
	}

	n.register(c)
	if err := c.describe(kindOffer); err != nil {
		n.forget(c)
		c.pc.Close()
		return nil, newError("send offer", c.id, err)
	}

	n.logger.Debug("call offered", "call_id", c.id, "remote_id", remoteID)
	return c, nil
}

// HandleSignal applies negotiation data relayed from fromID.
func (n *Negotiator) HandleSignal(fromID string, data json.RawMessage) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		n.logger.Warn("malformed signal", "from_id", fromID, "error", err)
		return
	}

	if msg.Kind == kindOffer {
		n.offered(fromID, msg)
		return
	}

	c := n.lookup(msg.CallID, fromID)
	if c == nil {
		n.logger.Debug("signal for unknown call", "from_id", fromID, "call_id", msg.CallID, "kind", msg.Kind)
		return
	}

	switch msg.Kind {
	case kindAnswer:
		c.answered(msg.SDP)
	case kindCandidate:
		if msg.Candidate != nil {
			c.addCandidate(*msg.Candidate)
		}
	case kindBye:
		c.remoteClosed()
	default:
		n.logger.Warn("unknown signal kind", "from_id", fromID, "kind", msg.Kind)
	}
}

func (n *Negotiator) offered(fromID string, msg message) {
	if msg.SDP == nil {
		n.logger.Warn("offer without description", "from_id", fromID, "call_id", msg.CallID)
		return
	}

	if n.lookup(msg.CallID, fromID) != nil {
		return
	}

	c, err := n.newCall(msg.CallID, fromID)
	if err != nil {
		n.logger.Warn("failed to create peer connection", "from_id", fromID, "error", err)
		n.send(fromID, message{CallID: msg.CallID, Kind: kindBye})
		return
	}
	c.generation = msg.Generation
	n.register(c)

	if err := c.setRemote(*msg.SDP); err != nil {
		n.logger.Info("rejecting unusable offer", "from_id", fromID, "call_id", msg.CallID, "error", err)
		c.Close()
		return
	}

	n.mu.Lock()
	handle := n.inbound
	n.mu.Unlock()

	in := &inboundCall{c: c}
	if handle == nil {
		in.Reject()
		return
	}
	handle(in)
}

func (n *Negotiator) register(c *call) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[c.id] = c
}

func (n *Negotiator) forget(c *call) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls[c.id] == c {
		delete(n.calls, c.id)
	}
}

// lookup finds a call by id. Signals may only touch calls with their sender.
func (n *Negotiator) lookup(callID, remoteID string) *call {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.calls[callID]
	if !ok || c.remoteID != remoteID {
		return nil
	}

	return c
}

func (n *Negotiator) send(remoteID string, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := n.signaler.Signal(remoteID, data); err != nil {
		n.logger.Info("failed to relay signal", "remote_id", remoteID, "kind", msg.Kind, "error", err)
		return err
	}

	return nil
}

// Close hangs up every call.
func (n *Negotiator) Close() {
	n.mu.Lock()
	calls := make([]*call, 0, len(n.calls))
	for _, c := range n.calls {
		calls = append(calls, c)
	}
	n.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}
}

type inboundCall struct {
	c *call
}

func (in *inboundCall) RemoteID() string { return in.c.remoteID }

func (in *inboundCall) Generation() uint64 { return in.c.generation }

// Answer accepts the offer, sending stream back when it is not nil.
func (in *inboundCall) Answer(stream media.Stream) (session.Call, error) {
	c := in.c

	if err := c.attach(stream, false); err != nil {
		c.Close()
		return nil, newError("attach tracks", c.id, err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.Close()
		return nil, newError("create answer", c.id, err)
	}

	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.Close()
		return nil, newError("set local description", c.id, err)
	}

	if err := c.describe(kindAnswer); err != nil {
		c.Close()
		return nil, newError("send answer", c.id, err)
	}

	return c, nil
}

func (in *inboundCall) Reject() {
	in.c.Close()
}
