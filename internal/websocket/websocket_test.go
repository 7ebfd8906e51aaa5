package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"communityhub/internal/mocks"
	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// createTestWebSocketConnection returns the server side of a live socket and
// the client that is connected to it.
func createTestWebSocketConnection(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return <-serverSide, client
}

func readFrame(t *testing.T, client *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]json.RawMessage
	require.NoError(t, client.ReadJSON(&frame))
	return frame
}

// Functional Validation Tests - Connection

func TestConnection_WriteJSONReachesPeer(t *testing.T) {
	req := require.New(t)
	serverSide, client := createTestWebSocketConnection(t)

	conn := NewConnection(serverSide, "frontend", 0, 0)
	defer func() { _ = conn.Close() }()

	req.NotEmpty(conn.ID())
	req.Equal("frontend", conn.Room())
	req.Equal(DefaultSendBuffer, cap(conn.writeCh))

	req.NoError(conn.WriteJSON(types.OutboundEnvelope{Event: types.EventMessage, Data: "hi"}))

	frame := readFrame(t, client)
	req.JSONEq(`"message"`, string(frame["event"]))
	req.JSONEq(`"hi"`, string(frame["data"]))
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	req := require.New(t)
	serverSide, _ := createTestWebSocketConnection(t)
	conn := NewConnection(serverSide, "frontend", 0, 0)

	req.NoError(conn.Close())
	req.NoError(conn.Close())
	req.ErrorIs(conn.WriteJSON("late"), ErrConnectionClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestConnection_InvalidJSON(t *testing.T) {
	serverSide, _ := createTestWebSocketConnection(t)
	conn := NewConnection(serverSide, "frontend", 0, 0)
	defer func() { _ = conn.Close() }()

	require.ErrorIs(t, conn.WriteJSON(make(chan int)), ErrInvalidJSON)
}

func TestConnection_FullBufferDisconnectsSlowPeer(t *testing.T) {
	req := require.New(t)
	conn := &Connection{writeCh: make(chan []byte, 1)}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	// no writer goroutine, so the buffer never drains
	req.NoError(conn.WriteJSON("one"))
	req.ErrorIs(conn.WriteJSON("two"), ErrWriteBufferFull)
	req.ErrorIs(conn.WriteJSON("three"), ErrConnectionClosed)
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	serverSide, client := createTestWebSocketConnection(t)
	conn := NewConnection(serverSide, "frontend", 200, 0)
	defer func() { _ = conn.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = conn.WriteJSON(map[string]int{"n": i})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		readFrame(t, client)
	}
}

// Functional Validation Tests - Groups

func TestGroups_BroadcastReachesRoomOnly(t *testing.T) {
	req := require.New(t)
	groups := NewGroups(nil)
	a := mocks.NewFakeConnection("a")
	b := mocks.NewFakeConnection("b")
	c := mocks.NewFakeConnection("c")

	groups.Join("frontend", a)
	groups.Join("frontend", b)
	groups.Join("backend", c)

	delivered := groups.Broadcast("frontend", types.EventUsers, []types.Member{})

	req.Equal(2, delivered)
	req.Len(a.Written(), 1)
	req.Len(b.Written(), 1)
	req.Empty(c.Written())
	req.Equal(types.OutboundEnvelope{Event: types.EventUsers, Data: []types.Member{}}, a.Written()[0])
}

func TestGroups_BroadcastSkipsClosedConnections(t *testing.T) {
	req := require.New(t)
	groups := NewGroups(nil)
	a := mocks.NewFakeConnection("a")
	b := mocks.NewFakeConnection("b")
	groups.Join("frontend", a)
	groups.Join("frontend", b)
	req.NoError(b.Close())

	req.Equal(1, groups.Broadcast("frontend", types.EventMessage, "x"))
}

func TestGroups_SendToAndLeave(t *testing.T) {
	req := require.New(t)
	groups := NewGroups(nil)
	a := mocks.NewFakeConnection("a")
	groups.Join("frontend", a)

	req.NoError(groups.SendTo("a", types.EventError, "Invalid user data"))
	req.Equal(types.OutboundEnvelope{Event: types.EventError, Data: "Invalid user data"}, a.Written()[0])

	groups.Leave("frontend", "a")
	req.ErrorIs(groups.SendTo("a", types.EventError, "x"), ErrConnectionNotFound)
	req.Zero(groups.Count("frontend"))
	req.Equal(map[string]int{"total_connections": 0, "active_rooms": 0}, groups.GetStats())
}

func TestGroups_CloseAll(t *testing.T) {
	req := require.New(t)
	groups := NewGroups(nil)
	a := mocks.NewFakeConnection("a")
	b := mocks.NewFakeConnection("b")
	groups.Join("frontend", a)
	groups.Join("backend", b)

	req.Equal(2, groups.CloseAll())
	req.True(a.IsClosed())
	req.True(b.IsClosed())
}

func TestGroups_ImplementsBroadcaster(t *testing.T) {
	var _ interfaces.RoomBroadcaster = NewGroups(nil)
}

// Functional Validation Tests - Handler

type sinkEvent struct {
	kind     string
	connID   string
	room     string
	identity types.Identity
	request  types.SendRequest
}

type recordingSink struct {
	mu      sync.Mutex
	events  []sinkEvent
	conns   map[string]interfaces.Connection
	ackWith *types.Ack
}

func newRecordingSink() *recordingSink {
	return &recordingSink{conns: make(map[string]interfaces.Connection)}
}

func (s *recordingSink) Connect(conn interfaces.Connection, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID()] = conn
	s.events = append(s.events, sinkEvent{kind: "connect", connID: conn.ID(), room: room})
	return nil
}

func (s *recordingSink) Identify(connectionID string, identity types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "identify", connID: connectionID, identity: identity})
	return nil
}

func (s *recordingSink) SendMessage(connectionID string, req types.SendRequest, ack types.AckFunc) error {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{kind: "send", connID: connectionID, request: req})
	reply := s.ackWith
	s.mu.Unlock()
	if reply != nil {
		ack(*reply)
	}
	return nil
}

func (s *recordingSink) Disconnect(connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "disconnect", connID: connectionID})
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.kind)
	}
	return out
}

func (s *recordingSink) eventAt(i int) sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i]
}

func startHandler(t *testing.T, sink EventSink, config Config) string {
	t.Helper()
	server := httptest.NewServer(NewHandler(sink, config, nil, nil))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestHandler_MissingRoomIsRejectedBeforeUpgrade(t *testing.T) {
	req := require.New(t)
	sink := newRecordingSink()
	url := startHandler(t, sink, DefaultConfig())

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?subcategory=bad%20slug", nil)
	req.Error(err)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	req.Empty(sink.kinds())
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	req := require.New(t)
	url := startHandler(t, newRecordingSink(), DefaultConfig())

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"?subcategory=frontend", header)
	req.Error(err)
	req.Equal(http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://localhost:5173"}}
	client, _, err := websocket.DefaultDialer.Dial(url+"?subcategory=frontend", header)
	req.NoError(err)
	_ = client.Close()
}

func TestHandler_DispatchesEventsInOrder(t *testing.T) {
	req := require.New(t)
	sink := newRecordingSink()
	url := startHandler(t, sink, DefaultConfig())

	client, _, err := websocket.DefaultDialer.Dial(url+"?room=frontend", nil)
	req.NoError(err)

	req.NoError(client.WriteJSON(map[string]interface{}{
		"event": types.EventUserConnected,
		"data":  map[string]interface{}{"_id": 7, "username": "alice"},
	}))
	req.NoError(client.WriteJSON(map[string]interface{}{
		"event": types.EventSendMessage,
		"data":  map[string]interface{}{"content": "hi", "sender": 7, "subcategory": "frontend"},
		"ack":   "1",
	}))
	req.NoError(client.Close())

	req.Eventually(func() bool { return len(sink.kinds()) == 4 }, 2*time.Second, 5*time.Millisecond)
	req.Equal([]string{"connect", "identify", "send", "disconnect"}, sink.kinds())

	connect := sink.eventAt(0)
	req.Equal("frontend", connect.room)
	req.Equal(types.FlexibleID("7"), sink.eventAt(1).identity.ID)
	req.Equal("hi", sink.eventAt(2).request.Content)
	req.Equal(connect.connID, sink.eventAt(3).connID)
}

func TestHandler_AckFrame(t *testing.T) {
	req := require.New(t)
	sink := newRecordingSink()
	sink.ackWith = &types.Ack{Status: types.AckStatusError, Error: "unauthorized message sender"}
	url := startHandler(t, sink, DefaultConfig())

	client, _, err := websocket.DefaultDialer.Dial(url+"?subcategory=frontend", nil)
	req.NoError(err)
	defer func() { _ = client.Close() }()

	req.NoError(client.WriteJSON(map[string]interface{}{
		"event": types.EventSendMessage,
		"data":  map[string]interface{}{"content": "hi", "sender": "u1"},
		"ack":   "42",
	}))

	frame := readFrame(t, client)
	req.JSONEq(`"ack"`, string(frame["event"]))
	req.JSONEq(`"42"`, string(frame["ack"]))
	req.JSONEq(`{"status":"error","error":"unauthorized message sender"}`, string(frame["data"]))
}

func TestHandler_UnknownEventAndMalformedFrame(t *testing.T) {
	req := require.New(t)
	url := startHandler(t, newRecordingSink(), DefaultConfig())

	client, _, err := websocket.DefaultDialer.Dial(url+"?subcategory=frontend", nil)
	req.NoError(err)
	defer func() { _ = client.Close() }()

	req.NoError(client.WriteJSON(map[string]string{"event": "typing"}))
	frame := readFrame(t, client)
	req.JSONEq(`"error"`, string(frame["event"]))
	req.Contains(string(frame["data"]), "typing")

	req.NoError(client.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame = readFrame(t, client)
	req.JSONEq(`"malformed frame"`, string(frame["data"]))
}

func TestHandler_SendWithUndecodablePayloadAcksError(t *testing.T) {
	req := require.New(t)
	sink := newRecordingSink()
	url := startHandler(t, sink, DefaultConfig())

	client, _, err := websocket.DefaultDialer.Dial(url+"?subcategory=frontend", nil)
	req.NoError(err)
	defer func() { _ = client.Close() }()

	req.NoError(client.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"sendMessage","data":{"content":5},"ack":"9"}`)))

	frame := readFrame(t, client)
	req.JSONEq(`"9"`, string(frame["ack"]))
	req.Contains(string(frame["data"]), `"status":"error"`)
	req.NotContains(sink.kinds(), "send")
}

// Technical Validation Tests

func TestHandler_PongKeepsConnectionAlive(t *testing.T) {
	req := require.New(t)
	sink := newRecordingSink()
	config := DefaultConfig()
	config.PingInterval = 20 * time.Millisecond
	config.PongWait = 100 * time.Millisecond
	url := startHandler(t, sink, config)

	client, _, err := websocket.DefaultDialer.Dial(url+"?subcategory=frontend", nil)
	req.NoError(err)
	defer func() { _ = client.Close() }()

	// the default ping handler answers with a pong while we are reading
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	req.NotContains(sink.kinds(), "disconnect")
}
