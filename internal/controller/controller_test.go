package controller

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/internal/repository/connection/inmemory"
	"github.com/inkroom/server/internal/service/room"
	"github.com/inkroom/server/pkg/randstr"
	"github.com/inkroom/server/pkg/wsrouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	connRepo := inmemory.NewRepo(logger)
	roomService := room.NewService(connRepo, nil, randstr.New([]byte("abcdefghijklmnopqrstuvwxyz0123456789")), logger)
	c := NewController(roomService, connRepo, Config{
		AllowedOrigins: []string{"*"},
		SendQueueSize:  64,
		MaxMessageSize: 1 << 16,
	}, logger)

	srv := httptest.NewServer(c.GetMux())
	t.Cleanup(srv.Close)

	return srv
}

type testPeer struct {
	t        *testing.T
	conn     *websocket.Conn
	codec    wsrouter.Codec
	memberID string
}

func dial(t *testing.T, srv *httptest.Server, codec wsrouter.Codec) *testPeer {
	t.Helper()

	dialer := websocket.Dialer{Subprotocols: []string{codec.Subprotocol()}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Equal(t, codec.Subprotocol(), conn.Subprotocol())

	p := &testPeer{t: t, conn: conn, codec: codec}

	var session protocol.SessionPayload
	p.expect(protocol.Session, &session)
	require.NotEmpty(t, session.MemberID)
	p.memberID = session.MemberID

	return p
}

func (p *testPeer) send(messageType string, payload any) {
	p.t.Helper()

	data, err := p.codec.Encode(messageType, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(p.codec.FrameType(), data))
}

func (p *testPeer) read() (string, wsrouter.Payload) {
	p.t.Helper()

	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)

	messageType, payload, err := p.codec.Decode(data)
	require.NoError(p.t, err)
	return messageType, payload
}

func (p *testPeer) expect(messageType string, v any) {
	p.t.Helper()

	got, payload := p.read()
	require.Equal(p.t, messageType, got)
	if v != nil {
		require.NoError(p.t, payload.Decode(v))
	}
}

func (p *testPeer) expectError() string {
	p.t.Helper()

	var e protocol.ErrorPayload
	p.expect(protocol.Error, &e)
	return e.Message
}

func (p *testPeer) createRoom(memberID string) string {
	p.t.Helper()

	p.send(protocol.CreateRoom, protocol.CreateRoomInput{MemberID: memberID})
	var created protocol.RoomCreatedPayload
	p.expect(protocol.RoomCreated, &created)
	p.memberID = created.MemberID

	return created.RoomID
}

func (p *testPeer) joinRoom(roomID, memberID string) []string {
	p.t.Helper()

	p.send(protocol.JoinRoom, protocol.JoinRoomInput{RoomID: roomID, MemberID: memberID})
	var joined protocol.RoomJoinedPayload
	p.expect(protocol.RoomJoined, &joined)
	p.memberID = joined.MemberID

	return joined.Members
}

func getRoom(t *testing.T, srv *httptest.Server, roomID string) (int, getRoomResponse) {
	t.Helper()

	resp, err := http.Get(srv.URL + "/api/v1/rooms/" + roomID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Data getRoomResponse `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return resp.StatusCode, body.Data
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndJoinAcrossCodecs(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	roomID := a.createRoom("m1")
	assert.Len(t, roomID, 8)
	assert.Equal(t, "m1", a.memberID)

	b := dial(t, srv, wsrouter.MsgPack)
	assert.Equal(t, []string{"m1", "m2"}, b.joinRoom(roomID, "m2"))

	var connected protocol.MemberPayload
	a.expect(protocol.UserConnected, &connected)
	assert.Equal(t, "m2", connected.MemberID)

	status, body := getRoom(t, srv, roomID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, getRoomResponse{RoomID: roomID, Members: []string{"m1", "m2"}}, body)
}

func TestJoinUnknownRoom(t *testing.T) {
	srv := newTestServer(t)

	p := dial(t, srv, wsrouter.JSON)
	p.send(protocol.JoinRoom, protocol.JoinRoomInput{RoomID: "doesnotexist", MemberID: "m3"})
	assert.Contains(t, p.expectError(), room.ErrRoomNotFound.Error())

	status, _ := getRoom(t, srv, "doesnotexist")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServerAssignedMemberID(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	generated := a.memberID
	roomID := a.createRoom("")
	assert.Equal(t, generated, a.memberID)

	status, body := getRoom(t, srv, roomID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{generated}, body.Members)
}

func TestMemberIDRules(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	roomID := a.createRoom("m1")

	b := dial(t, srv, wsrouter.JSON)
	b.send(protocol.JoinRoom, protocol.JoinRoomInput{RoomID: roomID, MemberID: "m1"})
	assert.Equal(t, ErrMemberIDInUse.Error(), b.expectError())

	b.joinRoom(roomID, "m2")
	a.expect(protocol.UserConnected, nil)

	b.send(protocol.ToggleAudio, protocol.ToggleInput{RoomID: roomID, MemberID: "m1", Enabled: false})
	assert.Equal(t, ErrMemberIDMismatch.Error(), b.expectError())
}

func TestCapabilityRelay(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	roomID := a.createRoom("m1")
	b := dial(t, srv, wsrouter.MsgPack)
	b.joinRoom(roomID, "m2")
	a.expect(protocol.UserConnected, nil)

	b.send(protocol.ToggleVideo, protocol.ToggleInput{RoomID: roomID, MemberID: "m2", Enabled: false})
	var change protocol.CapabilityPayload
	a.expect(protocol.UserVideoChange, &change)
	assert.Equal(t, protocol.CapabilityPayload{MemberID: "m2", Enabled: false}, change)

	a.send(protocol.ToggleAudio, protocol.ToggleInput{RoomID: roomID, Enabled: true})
	b.expect(protocol.UserAudioChange, &change)
	assert.Equal(t, protocol.CapabilityPayload{MemberID: "m1", Enabled: true}, change)
}

func TestSignalRelayAcrossCodecs(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	roomID := a.createRoom("m1")
	b := dial(t, srv, wsrouter.MsgPack)
	b.joinRoom(roomID, "m2")
	a.expect(protocol.UserConnected, nil)

	data := json.RawMessage(`{"kind":"offer","sdp":"v=0"}`)
	a.send(protocol.Signal, protocol.SignalInput{RoomID: roomID, TargetID: "m2", Data: data})

	var got protocol.SignalPayload
	b.expect(protocol.Signal, &got)
	assert.Equal(t, "m1", got.FromID)
	assert.JSONEq(t, string(data), string(got.Data))

	b.send(protocol.Signal, protocol.SignalInput{RoomID: roomID, TargetID: "m1", Data: json.RawMessage(`{"kind":"answer"}`)})
	a.expect(protocol.Signal, &got)
	assert.Equal(t, "m2", got.FromID)
	assert.JSONEq(t, `{"kind":"answer"}`, string(got.Data))
}

func TestDisconnectIsBroadcastBeforeLaterEvents(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	roomID := a.createRoom("m1")
	b := dial(t, srv, wsrouter.JSON)
	b.joinRoom(roomID, "m2")
	a.expect(protocol.UserConnected, nil)

	b.send(protocol.Signal, protocol.SignalInput{RoomID: roomID, TargetID: "m1", Data: json.RawMessage(`{}`)})
	b.conn.Close()

	a.expect(protocol.Signal, nil)
	var left protocol.MemberPayload
	a.expect(protocol.UserDisconnected, &left)
	assert.Equal(t, "m2", left.MemberID)

	a.send(protocol.Signal, protocol.SignalInput{RoomID: roomID, TargetID: "m2", Data: json.RawMessage(`{}`)})
	assert.Contains(t, a.expectError(), room.ErrMemberNotFound.Error())

	_, body := getRoom(t, srv, roomID)
	assert.Equal(t, []string{"m1"}, body.Members)

	// The id is free again once the disconnect has been processed.
	c := dial(t, srv, wsrouter.JSON)
	c.joinRoom(roomID, "m2")
	a.expect(protocol.UserConnected, nil)
}

func TestLeaveRoomDeletesEmptyRoom(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	roomID := a.createRoom("m1")

	a.send(protocol.LeaveRoom, protocol.LeaveRoomInput{RoomID: roomID})
	var left protocol.RoomLeftPayload
	a.expect(protocol.RoomLeft, &left)
	assert.Equal(t, roomID, left.RoomID)

	status, _ := getRoom(t, srv, roomID)
	assert.Equal(t, http.StatusNotFound, status)

	// Leaving again is a no-op and still acknowledged.
	a.send(protocol.LeaveRoom, protocol.LeaveRoomInput{RoomID: roomID})
	a.expect(protocol.RoomLeft, nil)
}

func TestSwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	first := a.createRoom("m1")
	b := dial(t, srv, wsrouter.JSON)
	b.joinRoom(first, "m2")
	a.expect(protocol.UserConnected, nil)

	second := a.createRoom("")
	assert.NotEqual(t, first, second)

	var left protocol.MemberPayload
	b.expect(protocol.UserDisconnected, &left)
	assert.Equal(t, "m1", left.MemberID)
}

func TestRejectsBadMessages(t *testing.T) {
	srv := newTestServer(t)
	p := dial(t, srv, wsrouter.JSON)

	p.send("draw-line", nil)
	assert.Contains(t, p.expectError(), wsrouter.ErrUnknownMessageType.Error())

	p.send(protocol.JoinRoom, protocol.JoinRoomInput{})
	assert.Equal(t, "room_id is required", p.expectError())

	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-room","payload":{"room_id":42}}`)))
	assert.Contains(t, p.expectError(), wsrouter.ErrInvalidPayload.Error())
}

func TestCheckOrigin(t *testing.T) {
	c := NewController(nil, nil, Config{AllowedOrigins: []string{"http://localhost:3000"}}, slog.Default())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, c.checkOrigin(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, c.checkOrigin(r))
}

func TestRejectsSignalDataThatIsNotJSON(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, wsrouter.JSON)
	roomID := a.createRoom("m1")
	b := dial(t, srv, wsrouter.MsgPack)
	b.joinRoom(roomID, "m2")
	a.expect(protocol.UserConnected, nil)

	b.send(protocol.Signal, protocol.SignalInput{RoomID: roomID, TargetID: "m1", Data: json.RawMessage("not json")})
	assert.Equal(t, ErrInvalidSignal.Error(), b.expectError())
}
