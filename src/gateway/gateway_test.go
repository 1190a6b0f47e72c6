package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyphony-chat/chorus/src/structs"
)

// fakeGatewayServer accepts websocket connections and hands them to the
// test, which scripts the server side of the session.
type fakeGatewayServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeGatewayServer(t *testing.T) *fakeGatewayServer {
	t.Helper()
	f := &fakeGatewayServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGatewayServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeGatewayServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection arrived at the fake gateway")
		return nil
	}
}

type serverFrame struct {
	Op GatewayOpcode   `json:"op"`
	D  json.RawMessage `json:"d"`
	S  uint64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func sendHello(t *testing.T, conn *websocket.Conn, intervalMs uint) {
	t.Helper()
	sendFrame(t, conn, map[string]any{
		"op": OpcodeHello,
		"d":  map[string]any{"heartbeat_interval": intervalMs},
	})
}

// expectOp reads frames until opcode arrives, acknowledging any
// heartbeats along the way.
func expectOp(t *testing.T, conn *websocket.Conn, op GatewayOpcode) serverFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame serverFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Op == OpcodeHeartbeat {
			sendFrame(t, conn, map[string]any{"op": OpcodeHeartbeatAck})
			if op == OpcodeHeartbeat {
				return frame
			}
			continue
		}
		if frame.Op == op {
			return frame
		}
	}
}

func sendReady(t *testing.T, conn *websocket.Conn, sessionID string, resumeURL string, seq uint64) {
	t.Helper()
	sendFrame(t, conn, map[string]any{
		"op": OpcodeDispatch,
		"t":  structs.EventNameReady,
		"s":  seq,
		"d": map[string]any{
			"session_id":         sessionID,
			"resume_gateway_url": resumeURL,
		},
	})
}

func newTestGateway(f *fakeGatewayServer) *Gateway {
	return NewGateway(GatewayArguments{
		BotToken:   "bot-token",
		BotIntents: []GatewayIntent{GuildsIntent, GuildMessagesIntent},
		GatewayURL: f.url(),
		Logger:     testLogger(),
	})
}

func waitForStatus(t *testing.T, g *Gateway, want Status) {
	t.Helper()
	waitFor(t, func() bool { return g.Status() == want }, 3*time.Second)
}

func TestOpenIdentifiesAndReachesConnected(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 60000)
	identify := expectOp(t, conn, OpcodeIdentify)

	var d structs.IdentifyEvent
	require.NoError(t, json.Unmarshal(identify.D, &d))
	assert.Equal(t, "bot-token", d.Token)
	assert.Equal(t, GuildsIntent|GuildMessagesIntent, d.Intents)

	sendReady(t, conn, "sess-1", f.url(), 1)
	require.NoError(t, <-opened)

	assert.Equal(t, StatusConnected, g.Status())
	assert.Equal(t, "sess-1", g.SessionID())
}

func TestDispatchUpdatesSequenceAndReachesSubscribers(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	_, events := g.Dispatcher().Subscribe(structs.EventNameMessageCreate)

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 60000)
	expectOp(t, conn, OpcodeIdentify)
	sendReady(t, conn, "sess-1", f.url(), 1)
	require.NoError(t, <-opened)

	sendFrame(t, conn, map[string]any{
		"op": OpcodeDispatch,
		"t":  structs.EventNameMessageCreate,
		"s":  7,
		"d":  map[string]any{"content": "hi"},
	})

	ev := recvEvent(t, events)
	raw, ok := ev.(*structs.RawEvent)
	require.True(t, ok)
	assert.Equal(t, structs.EventNameMessageCreate, raw.T)
	waitFor(t, func() bool { return g.Sequence() == 7 }, time.Second)
}

func TestHeartbeatCarriesLastSequence(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 100)
	expectOp(t, conn, OpcodeIdentify)
	sendReady(t, conn, "sess-1", f.url(), 3)
	require.NoError(t, <-opened)

	beat := expectOp(t, conn, OpcodeHeartbeat)
	var seq uint64
	require.NoError(t, json.Unmarshal(beat.D, &seq))
	assert.Equal(t, uint64(3), seq)
}

func TestResumeAfterServerDisconnect(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 60000)
	expectOp(t, conn, OpcodeIdentify)
	sendReady(t, conn, "sess-1", f.url(), 1)
	require.NoError(t, <-opened)

	sendFrame(t, conn, map[string]any{
		"op": OpcodeDispatch,
		"t":  structs.EventNameMessageCreate,
		"s":  5,
		"d":  map[string]any{},
	})
	waitFor(t, func() bool { return g.Sequence() == 5 }, time.Second)

	// A 4000 close keeps the session resumable.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnknownError, "oops"),
		time.Now().Add(time.Second))
	conn.Close()

	conn2 := f.accept(t)
	sendHello(t, conn2, 60000)
	resume := expectOp(t, conn2, OpcodeResume)

	var d structs.ResumeEvent
	require.NoError(t, json.Unmarshal(resume.D, &d))
	assert.Equal(t, "sess-1", d.SessionID)
	assert.Equal(t, uint64(5), d.Seq)
	assert.Equal(t, "bot-token", d.Token)

	sendFrame(t, conn2, map[string]any{
		"op": OpcodeDispatch,
		"t":  structs.EventNameResumed,
		"s":  6,
		"d":  map[string]any{},
	})
	waitForStatus(t, g, StatusConnected)
	assert.Equal(t, "sess-1", g.SessionID())
}

func TestReconnectAttemptFailureDoesNotForkRetryLoops(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 60000)
	expectOp(t, conn, OpcodeIdentify)
	sendReady(t, conn, "sess-1", f.url(), 1)
	require.NoError(t, <-opened)

	// First disconnect starts the retry loop.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnknownError, "oops"),
		time.Now().Add(time.Second))
	conn.Close()

	// The retry's connection dies again between Hello and Resumed, the
	// exact window where a second retry loop used to be spawned on top
	// of the one already running.
	conn2 := f.accept(t)
	sendHello(t, conn2, 60000)
	expectOp(t, conn2, OpcodeResume)
	_ = conn2.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnknownError, "oops again"),
		time.Now().Add(time.Second))
	conn2.Close()

	conn3 := f.accept(t)
	sendHello(t, conn3, 60000)
	expectOp(t, conn3, OpcodeResume)
	sendFrame(t, conn3, map[string]any{
		"op": OpcodeDispatch,
		"t":  structs.EventNameResumed,
		"s":  2,
		"d":  map[string]any{},
	})
	waitForStatus(t, g, StatusConnected)

	// Exactly one loop may have been retrying: once the session is
	// back up, no stray dial may arrive.
	select {
	case <-f.conns:
		t.Fatal("a surplus connection was dialed while the session was already connected")
	case <-time.After(2 * time.Second):
	}
	assert.Equal(t, StatusConnected, g.Status())
	assert.Equal(t, "sess-1", g.SessionID())
}

func TestInvalidSessionFallsBackToIdentify(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 60000)
	expectOp(t, conn, OpcodeIdentify)
	sendReady(t, conn, "sess-1", f.url(), 1)
	require.NoError(t, <-opened)

	sendFrame(t, conn, map[string]any{"op": OpcodeInvalidSession, "d": false})

	// The session is gone, so the next connection must identify from
	// scratch rather than resume.
	conn2 := f.accept(t)
	sendHello(t, conn2, 60000)
	expectOp(t, conn2, OpcodeIdentify)
	sendReady(t, conn2, "sess-2", f.url(), 1)

	waitForStatus(t, g, StatusConnected)
	assert.Equal(t, "sess-2", g.SessionID())
}

func TestAuthenticationFailureIsTerminal(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 60000)
	expectOp(t, conn, OpcodeIdentify)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthenticationFailed, "bad token"),
		time.Now().Add(time.Second))
	conn.Close()

	require.ErrorIs(t, <-opened, ErrAuthenticationFailed)
	assert.Equal(t, StatusDisconnected, g.Status())
}

func TestCommandsRejectedWhileDisconnected(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	err := g.UpdatePresence(context.Background(), structs.PresenceUpdateEvent{Status: "online"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestUpdateVoiceStateSentWhileConnected(t *testing.T) {
	f := newFakeGatewayServer(t)
	g := newTestGateway(f)
	defer g.Close()

	opened := make(chan error, 1)
	go func() { opened <- g.Open(context.Background()) }()

	conn := f.accept(t)
	sendHello(t, conn, 60000)
	expectOp(t, conn, OpcodeIdentify)
	sendReady(t, conn, "sess-1", f.url(), 1)
	require.NoError(t, <-opened)

	channelID := "222"
	require.NoError(t, g.UpdateVoiceState(context.Background(), structs.UpdateVoiceStateEvent{
		GuildID:   "111",
		ChannelID: &channelID,
	}))

	frame := expectOp(t, conn, OpcodeVoiceStateUpdate)
	var d structs.UpdateVoiceStateEvent
	require.NoError(t, json.Unmarshal(frame.D, &d))
	assert.Equal(t, "111", d.GuildID)
	require.NotNil(t, d.ChannelID)
	assert.Equal(t, "222", *d.ChannelID)
}
