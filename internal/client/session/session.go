// Package session keeps one media connection per remote room member in step with room
// membership and the local live stream.
package session

import (
	"errors"
	"log/slog"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/inkroom/server/internal/client/eventloop"
	"github.com/inkroom/server/internal/client/media"
)

type State int

const (
	Absent State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "absent"
	}
}

// Call is one negotiated media connection to a remote member. Callbacks may fire on any
// goroutine.
type Call interface {
	RemoteID() string
	OnStream(f func(media.Stream))
	OnFailure(f func(error))
	Close()
}

type InboundCall interface {
	RemoteID() string
	Generation() uint64
	// Answer accepts the call sending stream, which may be nil.
	Answer(stream media.Stream) (Call, error)
	Reject()
}

// Negotiator places and receives calls. The generation given to Call travels with the
// offer and comes back out of InboundCall.Generation at the other end.
type Negotiator interface {
	Call(remoteID string, generation uint64, stream media.Stream) (Call, error)
	OnInbound(f func(InboundCall))
}

type Snapshot struct {
	Members       []string
	States        map[string]State
	RemoteStreams map[string]media.Stream
}

// rank orders the calls between two members the same way at both ends. A higher
// generation wins. Calls that cross with equal generations go to the one originated by
// the smaller member id. seq is local and only separates duplicates.
type rank struct {
	generation uint64
	origin     string
	seq        uint64
}

func (r rank) above(o rank) bool {
	if r.generation != o.generation {
		return r.generation > o.generation
	}
	if r.origin != o.origin {
		return r.origin < o.origin
	}

	return r.seq > o.seq
}

type trackedCall struct {
	call Call
	rank rank
}

type peer struct {
	state  State
	stream media.Stream
	// rendered ranks the call whose stream is shown while showing is set.
	rendered rank
	showing  bool
	// generation is the highest one sent to or received from the member.
	generation uint64
	calls      []trackedCall
}

func (p *peer) find(c Call) (trackedCall, bool) {
	for _, tc := range p.calls {
		if tc.call == c {
			return tc, true
		}
	}

	return trackedCall{}, false
}

func (p *peer) outranked(tc trackedCall) bool {
	for _, other := range p.calls {
		if other.rank.above(tc.rank) {
			return true
		}
	}

	return false
}

func (p *peer) closeWhere(drop func(trackedCall) bool) {
	kept := p.calls[:0]
	for _, tc := range p.calls {
		if drop(tc) {
			tc.call.Close()
			continue
		}
		kept = append(kept, tc)
	}
	p.calls = kept
}

func (p *peer) closeAll() {
	p.closeWhere(func(trackedCall) bool { return true })
	p.stream = nil
	p.rendered = rank{}
	p.showing = false
	p.state = Absent
}

// Manager runs entirely on the event loop: public methods must be called from loop
// tasks, and negotiator callbacks are posted back onto it.
type Manager struct {
	loop       *eventloop.Loop
	negotiator Negotiator
	logger     *slog.Logger

	self    string
	local   media.Stream
	members []string
	peers   map[string]*peer
	seq     uint64

	onChange func(Snapshot)
	onError  func(error)
}

func NewManager(loop *eventloop.Loop, negotiator Negotiator, logger *slog.Logger) *Manager {
	m := &Manager{
		loop:       loop,
		negotiator: negotiator,
		logger:     logger,
		peers:      make(map[string]*peer),
	}

	negotiator.OnInbound(func(in InboundCall) {
		loop.Post(func() { m.answer(in) })
	})

	return m
}

func (m *Manager) OnChange(f func(Snapshot)) { m.onChange = f }

// OnError receives negotiation failures. They never stop other connections.
func (m *Manager) OnError(f func(error)) { m.onError = f }

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange(m.Snapshot())
	}
}

func (m *Manager) fail(err *Error) {
	m.logger.Info("peer session failure", "op", err.Op, "remote_id", err.Remote, "error", err.Err)
	if m.onError != nil {
		m.onError(err)
	}
}

// SetMemberID records the id the server gave this client. It breaks ties between calls
// that cross.
func (m *Manager) SetMemberID(id string) {
	m.self = id
}

func (m *Manager) State(remoteID string) State {
	if p, ok := m.peers[remoteID]; ok {
		return p.state
	}

	return Absent
}

func (m *Manager) Members() []string {
	return slices.Clone(m.members)
}

func (m *Manager) LocalStream() media.Stream {
	return m.local
}

// RemoteStreams maps remote member ids to the stream currently rendered for them.
func (m *Manager) RemoteStreams() map[string]media.Stream {
	streams := make(map[string]media.Stream)
	for id, p := range m.peers {
		if p.stream != nil {
			streams[id] = p.stream
		}
	}

	return streams
}

func (m *Manager) Snapshot() Snapshot {
	states := make(map[string]State, len(m.peers))
	for id, p := range m.peers {
		states[id] = p.state
	}

	return Snapshot{
		Members:       m.Members(),
		States:        states,
		RemoteStreams: m.RemoteStreams(),
	}
}

// Reset enters a room whose other members are already present. They call us, so no
// calls are originated here.
func (m *Manager) Reset(members []string) {
	m.closePeers()

	for _, id := range members {
		if _, ok := m.peers[id]; ok {
			continue
		}
		m.members = append(m.members, id)
		m.peers[id] = &peer{}
	}

	m.changed()
}

func (m *Manager) MemberJoined(remoteID string) {
	if _, ok := m.peers[remoteID]; ok {
		return
	}

	m.members = append(m.members, remoteID)
	p := &peer{}
	m.peers[remoteID] = p

	if m.local != nil {
		m.originate(remoteID, p)
	}

	m.changed()
}

func (m *Manager) MemberLeft(remoteID string) {
	p, ok := m.peers[remoteID]
	if !ok {
		return
	}

	p.closeAll()
	delete(m.peers, remoteID)
	if i := slices.Index(m.members, remoteID); i >= 0 {
		m.members = slices.Delete(m.members, i, i+1)
	}

	m.changed()
}

// LeaveAll drops every remote, as after leaving the room or losing the signaling
// connection.
func (m *Manager) LeaveAll() {
	m.closePeers()
	m.changed()
}

func (m *Manager) closePeers() {
	ids := maps.Keys(m.peers)
	slices.Sort(ids)
	for _, id := range ids {
		m.peers[id].closeAll()
	}

	m.peers = make(map[string]*peer)
	m.members = nil
}

// SetLocalStream makes s the live stream. Every member is called with it: absent ones
// for the first time, connected ones again, superseding their current call. A nil
// stream leaves existing connections alone.
func (m *Manager) SetLocalStream(s media.Stream) {
	m.local = s
	if s == nil {
		m.changed()
		return
	}

	for _, id := range m.members {
		m.originate(id, m.peers[id])
	}

	m.changed()
}

func (m *Manager) originate(remoteID string, p *peer) {
	p.generation++
	c, err := m.negotiator.Call(remoteID, p.generation, m.local)
	if err != nil {
		m.fail(&Error{Op: "call", Remote: remoteID, Err: err})
		return
	}

	m.track(remoteID, p, c, rank{generation: p.generation, origin: m.self})
}

func (m *Manager) answer(in InboundCall) {
	remoteID := in.RemoteID()
	p, ok := m.peers[remoteID]
	if !ok {
		in.Reject()
		m.fail(&Error{Op: "answer", Remote: remoteID, Err: ErrNotMember})
		return
	}

	r := rank{generation: in.Generation(), origin: remoteID}
	p.generation = max(p.generation, r.generation)
	if p.showing && !r.above(p.rendered) {
		m.logger.Debug("rejecting superseded call", "remote_id", remoteID, "generation", r.generation)
		in.Reject()
		return
	}

	c, err := in.Answer(m.local)
	if err != nil {
		m.fail(&Error{Op: "answer", Remote: remoteID, Err: err})
		return
	}

	m.track(remoteID, p, c, r)
	m.changed()
}

func (m *Manager) track(remoteID string, p *peer, c Call, r rank) {
	m.seq++
	r.seq = m.seq
	p.calls = append(p.calls, trackedCall{call: c, rank: r})
	if p.state == Absent {
		p.state = Connecting
	}

	c.OnStream(func(s media.Stream) {
		m.loop.Post(func() { m.streamArrived(remoteID, c, s) })
	})
	c.OnFailure(func(err error) {
		m.loop.Post(func() { m.callFailed(remoteID, c, err) })
	})
}

// streamArrived renders the stream of a call unless a higher ranked call's stream is
// already shown, in which case the call is closed. Calls ranked below the rendered one
// are superseded and closed.
func (m *Manager) streamArrived(remoteID string, c Call, s media.Stream) {
	p, ok := m.peers[remoteID]
	if !ok {
		return
	}

	tc, ok := p.find(c)
	if !ok || (p.showing && tc.rank == p.rendered) {
		return
	}

	if p.showing && !tc.rank.above(p.rendered) {
		p.closeWhere(func(other trackedCall) bool { return other.call == c })
		return
	}

	p.stream = s
	p.rendered = tc.rank
	p.showing = true
	p.state = Connected
	p.closeWhere(func(other trackedCall) bool { return tc.rank.above(other.rank) })

	m.changed()
}

// callFailed drops the remote when its highest ranked call fails. Failures of calls
// something else outranks only remove them: the other end hangs up the calls it
// superseded.
func (m *Manager) callFailed(remoteID string, c Call, err error) {
	p, ok := m.peers[remoteID]
	if !ok {
		return
	}

	tc, ok := p.find(c)
	if !ok {
		return
	}

	if p.outranked(tc) {
		p.closeWhere(func(other trackedCall) bool { return other.call == c })
		return
	}

	p.closeAll()
	m.fail(&Error{Op: "negotiate", Remote: remoteID, Err: errors.Join(ErrNegotiationFailed, err)})
	m.changed()
}
