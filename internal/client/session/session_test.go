package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkroom/server/internal/client/eventloop"
	"github.com/inkroom/server/internal/client/media"
)

type fakeCall struct {
	remoteID   string
	generation uint64
	sent       media.Stream

	mu        sync.Mutex
	onStream  func(media.Stream)
	onFailure func(error)
	closed    bool
}

func (c *fakeCall) RemoteID() string { return c.remoteID }

func (c *fakeCall) OnStream(f func(media.Stream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStream = f
}

func (c *fakeCall) OnFailure(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = f
}

func (c *fakeCall) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeCall) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeCall) deliver(s media.Stream) {
	c.mu.Lock()
	f := c.onStream
	c.mu.Unlock()
	f(s)
}

func (c *fakeCall) fail(err error) {
	c.mu.Lock()
	f := c.onFailure
	c.mu.Unlock()
	f(err)
}

type fakeInbound struct {
	remoteID   string
	generation uint64
	call       *fakeCall
	rejected   bool
}

func (in *fakeInbound) RemoteID() string { return in.remoteID }

func (in *fakeInbound) Generation() uint64 { return in.generation }

func (in *fakeInbound) Answer(s media.Stream) (Call, error) {
	in.call = &fakeCall{remoteID: in.remoteID, generation: in.generation, sent: s}
	return in.call, nil
}

func (in *fakeInbound) Reject() { in.rejected = true }

type fakeNegotiator struct {
	mu      sync.Mutex
	calls   []*fakeCall
	inbound func(InboundCall)
	err     error
}

func (n *fakeNegotiator) Call(remoteID string, generation uint64, s media.Stream) (Call, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return nil, n.err
	}

	c := &fakeCall{remoteID: remoteID, generation: generation, sent: s}
	n.calls = append(n.calls, c)
	return c, nil
}

func (n *fakeNegotiator) OnInbound(f func(InboundCall)) { n.inbound = f }

func (n *fakeNegotiator) callsTo(remoteID string) []*fakeCall {
	n.mu.Lock()
	defer n.mu.Unlock()

	var calls []*fakeCall
	for _, c := range n.calls {
		if c.remoteID == remoteID {
			calls = append(calls, c)
		}
	}

	return calls
}

type fixture struct {
	t          *testing.T
	loop       *eventloop.Loop
	negotiator *fakeNegotiator
	m          *Manager

	mu        sync.Mutex
	snapshots []Snapshot
	errs      []error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	loop := eventloop.New(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f := &fixture{t: t, loop: loop, negotiator: &fakeNegotiator{}}
	f.m = NewManager(loop, f.negotiator, slog.Default())
	f.m.OnChange(func(s Snapshot) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.snapshots = append(f.snapshots, s)
	})
	f.m.OnError(func(err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.errs = append(f.errs, err)
	})

	return f
}

// on runs fn on the loop and waits for it. Tasks posted before it have run by then.
func (f *fixture) on(fn func()) {
	f.t.Helper()
	require.NoError(f.t, f.loop.Do(context.Background(), fn))
}

func (f *fixture) flush() {
	f.on(func() {})
}

func (f *fixture) state(remoteID string) State {
	var s State
	f.on(func() { s = f.m.State(remoteID) })
	return s
}

func (f *fixture) rendered(remoteID string) media.Stream {
	var s media.Stream
	f.on(func() { s = f.m.RemoteStreams()[remoteID] })
	return s
}

// history lists the states remoteID passed through, without repeats.
func (f *fixture) history(remoteID string) []State {
	f.mu.Lock()
	defer f.mu.Unlock()

	var states []State
	for _, s := range f.snapshots {
		st, ok := s.States[remoteID]
		if !ok {
			st = Absent
		}
		if len(states) == 0 || states[len(states)-1] != st {
			states = append(states, st)
		}
	}

	return states
}

func (f *fixture) inbound(remoteID string, generation uint64) *fakeInbound {
	in := &fakeInbound{remoteID: remoteID, generation: generation}
	f.negotiator.inbound(in)
	f.flush()
	return in
}

func TestLiveMemberCallsJoiner(t *testing.T) {
	f := newFixture(t)
	camera := media.NewStream("camera")

	f.on(func() {
		f.m.Reset(nil)
		f.m.SetLocalStream(camera)
		f.m.MemberJoined("m2")
	})

	calls := f.negotiator.callsTo("m2")
	require.Len(t, calls, 1)
	assert.Same(t, camera, calls[0].sent)
	assert.Equal(t, Connecting, f.state("m2"))

	remote := media.NewStream("m2-camera")
	calls[0].deliver(remote)

	assert.Equal(t, Connected, f.state("m2"))
	assert.Same(t, remote, f.rendered("m2"))
	assert.Equal(t, []State{Absent, Connecting, Connected}, f.history("m2"))
}

func TestJoinerWaitsToBeCalled(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.Reset([]string{"m1", "m3"})
	})

	assert.Empty(t, f.negotiator.callsTo("m1"))
	assert.Equal(t, Absent, f.state("m1"))

	in := f.inbound("m1", 1)
	require.NotNil(t, in.call)
	assert.False(t, in.rejected)
	assert.Equal(t, Connecting, f.state("m1"))

	in.call.deliver(media.NewStream("m1-camera"))
	assert.Equal(t, Connected, f.state("m1"))

	var members []string
	f.on(func() { members = f.m.Members() })
	assert.Equal(t, []string{"m1", "m3"}, members)
}

func TestMemberJoinedWithoutStreamDoesNotCall(t *testing.T) {
	f := newFixture(t)

	f.on(func() { f.m.MemberJoined("m2") })

	assert.Empty(t, f.negotiator.callsTo("m2"))
	assert.Equal(t, Absent, f.state("m2"))
}

func TestLateStartCallsEveryMember(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.Reset([]string{"m2", "m3"})
		f.m.SetLocalStream(media.NewStream("camera"))
	})

	assert.Len(t, f.negotiator.callsTo("m2"), 1)
	assert.Len(t, f.negotiator.callsTo("m3"), 1)
	assert.Equal(t, Connecting, f.state("m2"))
	assert.Equal(t, Connecting, f.state("m3"))
}

func TestScreenShareReoriginatesWithoutAbsent(t *testing.T) {
	f := newFixture(t)
	camera := media.NewStream("camera")
	screen := media.NewStream("screen")

	f.on(func() {
		f.m.SetLocalStream(camera)
		f.m.MemberJoined("m2")
		f.m.MemberJoined("m3")
	})
	for _, id := range []string{"m2", "m3"} {
		f.negotiator.callsTo(id)[0].deliver(media.NewStream(id + "-camera"))
	}

	f.on(func() { f.m.SetLocalStream(screen) })

	for _, id := range []string{"m2", "m3"} {
		calls := f.negotiator.callsTo(id)
		require.Len(t, calls, 2)
		assert.Same(t, screen, calls[1].sent)
		assert.Equal(t, []uint64{1, 2}, []uint64{calls[0].generation, calls[1].generation})
		assert.Equal(t, Connected, f.state(id))

		calls[1].deliver(media.NewStream(id + "-again"))
		f.flush()
		assert.True(t, calls[0].Closed(), "superseded call to %s stays open", id)
		assert.False(t, calls[1].Closed())
		assert.Equal(t, []State{Absent, Connecting, Connected}, f.history(id))
	}
}

func TestReceiverReplacesRenderedStream(t *testing.T) {
	f := newFixture(t)

	f.on(func() { f.m.Reset([]string{"m1"}) })

	first := f.inbound("m1", 1)
	camera := media.NewStream("m1-camera")
	first.call.deliver(camera)
	assert.Same(t, camera, f.rendered("m1"))

	second := f.inbound("m1", 2)
	assert.Equal(t, Connected, f.state("m1"))

	screen := media.NewStream("m1-screen")
	second.call.deliver(screen)
	assert.Same(t, screen, f.rendered("m1"))
	assert.True(t, first.call.Closed())

	// The old call's stream must not come back.
	first.call.deliver(camera)
	assert.Same(t, screen, f.rendered("m1"))
	assert.Equal(t, []State{Absent, Connecting, Connected}, f.history("m1"))
}

func TestOutOfOrderStreamsKeepNewest(t *testing.T) {
	f := newFixture(t)

	f.on(func() { f.m.Reset([]string{"m1"}) })

	first := f.inbound("m1", 1)
	second := f.inbound("m1", 2)

	newer := media.NewStream("newer")
	second.call.deliver(newer)
	first.call.deliver(media.NewStream("older"))

	assert.Same(t, newer, f.rendered("m1"))
	assert.True(t, first.call.Closed())
}

func TestSupersededInboundIsRejected(t *testing.T) {
	f := newFixture(t)

	f.on(func() { f.m.Reset([]string{"m1"}) })

	current := f.inbound("m1", 3)
	current.call.deliver(media.NewStream("m1-screen"))
	f.flush()

	stale := f.inbound("m1", 2)
	assert.True(t, stale.rejected)
	assert.Nil(t, stale.call)
	assert.Equal(t, Connected, f.state("m1"))
	assert.Empty(t, f.errs)

	// Our next call outranks everything seen so far.
	f.on(func() { f.m.SetLocalStream(media.NewStream("camera")) })
	assert.Equal(t, uint64(4), f.negotiator.callsTo("m1")[0].generation)
}

// Both ends replace their stream before either offer arrives. Each must keep the call
// originated by the smaller member id, so neither hangs up the call the other kept.
func TestCrossedCallsKeepSmallerOriginator(t *testing.T) {
	for _, tc := range []struct {
		name      string
		self      string
		remote    string
		keepOwn   bool
		failFirst bool
	}{
		{name: "smaller id keeps its call", self: "a", remote: "b", keepOwn: true},
		{name: "larger id keeps the answered call", self: "b", remote: "a"},
		{name: "smaller id sees hangup first", self: "a", remote: "b", keepOwn: true, failFirst: true},
		{name: "larger id sees hangup first", self: "b", remote: "a", failFirst: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			hangup := errors.New("closed by remote")

			f.on(func() {
				f.m.SetMemberID(tc.self)
				f.m.SetLocalStream(media.NewStream("camera"))
				f.m.MemberJoined(tc.remote)
			})
			first := f.negotiator.callsTo(tc.remote)[0]
			first.deliver(media.NewStream("remote-camera"))
			f.flush()

			f.on(func() { f.m.SetLocalStream(media.NewStream("screen")) })
			own := f.negotiator.callsTo(tc.remote)[1]
			require.Equal(t, uint64(2), own.generation)
			answered := f.inbound(tc.remote, 2).call
			require.NotNil(t, answered)

			ownStream, answeredStream := media.NewStream("via-own"), media.NewStream("via-answered")
			kept, dropped, want := own, answered, ownStream
			if !tc.keepOwn {
				kept, dropped, want = answered, own, answeredStream
			}

			if tc.failFirst {
				dropped.fail(hangup)
				f.flush()
				assert.Equal(t, Connected, f.state(tc.remote))
			}

			answered.deliver(answeredStream)
			own.deliver(ownStream)
			f.flush()

			if !tc.failFirst {
				dropped.fail(hangup)
				f.flush()
			}

			assert.Equal(t, Connected, f.state(tc.remote))
			assert.Same(t, want, f.rendered(tc.remote))
			assert.True(t, first.Closed())
			assert.True(t, dropped.Closed())
			assert.False(t, kept.Closed())
			assert.Equal(t, []State{Absent, Connecting, Connected}, f.history(tc.remote))
			assert.Empty(t, f.errs)
		})
	}
}

func TestRankOrder(t *testing.T) {
	assert.True(t, rank{generation: 2, origin: "b"}.above(rank{generation: 1, origin: "a"}))
	assert.True(t, rank{generation: 2, origin: "a"}.above(rank{generation: 2, origin: "b"}))
	assert.False(t, rank{generation: 2, origin: "b"}.above(rank{generation: 2, origin: "a"}))
	assert.True(t, rank{generation: 2, origin: "a", seq: 5}.above(rank{generation: 2, origin: "a", seq: 4}))
}

func TestLeaveMidNegotiation(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.MemberJoined("m2")
	})
	call := f.negotiator.callsTo("m2")[0]

	f.on(func() { f.m.MemberLeft("m2") })
	assert.True(t, call.Closed())
	assert.Equal(t, Absent, f.state("m2"))

	call.deliver(media.NewStream("late"))
	call.fail(errors.New("late"))

	assert.Equal(t, Absent, f.state("m2"))
	assert.Nil(t, f.rendered("m2"))
	assert.Empty(t, f.errs)

	var members []string
	f.on(func() { members = f.m.Members() })
	assert.Empty(t, members)
}

func TestNegotiationFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.MemberJoined("m2")
		f.m.MemberJoined("m3")
	})

	f.negotiator.callsTo("m2")[0].fail(errors.New("ice failed"))
	f.flush()

	assert.Equal(t, Absent, f.state("m2"))
	assert.Equal(t, Connecting, f.state("m3"))
	assert.Len(t, f.negotiator.callsTo("m2"), 1)

	require.Len(t, f.errs, 1)
	assert.ErrorIs(t, f.errs[0], ErrNegotiationFailed)
	var serr *Error
	require.ErrorAs(t, f.errs[0], &serr)
	assert.Equal(t, "m2", serr.Remote)

	// A local restart is the way back.
	f.on(func() { f.m.SetLocalStream(media.NewStream("camera-2")) })
	assert.Len(t, f.negotiator.callsTo("m2"), 2)
	assert.Equal(t, Connecting, f.state("m2"))
}

func TestSupersededCallFailureKeepsConnection(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.MemberJoined("m2")
	})
	first := f.negotiator.callsTo("m2")[0]
	remote := media.NewStream("m2-camera")
	first.deliver(remote)

	f.on(func() { f.m.SetLocalStream(media.NewStream("screen")) })
	first.fail(errors.New("closed"))
	f.flush()

	assert.Equal(t, Connected, f.state("m2"))
	assert.Same(t, remote, f.rendered("m2"))
	assert.Empty(t, f.errs)
}

func TestCallErrorLeavesMemberAbsent(t *testing.T) {
	f := newFixture(t)
	f.negotiator.err = errors.New("no transport")

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.MemberJoined("m2")
	})

	assert.Equal(t, Absent, f.state("m2"))
	require.Len(t, f.errs, 1)
	assert.EqualError(t, f.errs[0], "call m2: no transport")
}

func TestInboundFromNonMemberIsRejected(t *testing.T) {
	f := newFixture(t)

	f.on(func() { f.m.Reset([]string{"m1"}) })

	in := f.inbound("stranger", 1)
	assert.True(t, in.rejected)
	assert.Nil(t, in.call)
	assert.Equal(t, Absent, f.state("stranger"))
	require.Len(t, f.errs, 1)
	assert.ErrorIs(t, f.errs[0], ErrNotMember)
}

func TestNilStreamKeepsConnections(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.MemberJoined("m2")
	})
	call := f.negotiator.callsTo("m2")[0]
	call.deliver(media.NewStream("m2-camera"))

	f.on(func() { f.m.SetLocalStream(nil) })

	assert.False(t, call.Closed())
	assert.Equal(t, Connected, f.state("m2"))
	assert.Len(t, f.negotiator.callsTo("m2"), 1)
}

func TestAnswerSendsLiveStream(t *testing.T) {
	f := newFixture(t)
	camera := media.NewStream("camera")

	f.on(func() { f.m.Reset([]string{"m1"}) })
	assert.Nil(t, f.inbound("m1", 1).call.sent)

	f.on(func() { f.m.SetLocalStream(camera) })
	calls := f.negotiator.callsTo("m1")
	require.Len(t, calls, 1)
	assert.Equal(t, uint64(2), calls[0].generation)
	assert.Same(t, camera, f.inbound("m1", 3).call.sent)
}

func TestLeaveAll(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.MemberJoined("m2")
		f.m.MemberJoined("m3")
	})
	f.negotiator.callsTo("m2")[0].deliver(media.NewStream("m2-camera"))

	f.on(func() { f.m.LeaveAll() })

	for _, id := range []string{"m2", "m3"} {
		assert.True(t, f.negotiator.callsTo(id)[0].Closed())
		assert.Equal(t, Absent, f.state(id))
	}

	var snap Snapshot
	f.on(func() { snap = f.m.Snapshot() })
	assert.Empty(t, snap.Members)
	assert.Empty(t, snap.RemoteStreams)
}

func TestResetReplacesMembership(t *testing.T) {
	f := newFixture(t)

	f.on(func() {
		f.m.SetLocalStream(media.NewStream("camera"))
		f.m.MemberJoined("m2")
	})
	old := f.negotiator.callsTo("m2")[0]

	f.on(func() { f.m.Reset([]string{"m5", "m5", "m6"}) })

	assert.True(t, old.Closed())
	var members []string
	f.on(func() { members = f.m.Members() })
	assert.Equal(t, []string{"m5", "m6"}, members)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}
