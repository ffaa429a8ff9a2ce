package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         map[string]any{"cursor": 3},
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":{"cursor":3}}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

// newTestWsServer serves websocket clients bound to cs. The identity is taken
// from the identity query parameter.
func newTestWsServer(t *testing.T, cs *ChatServer) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := NewClient(r.URL.Query().Get("identity"), conn, cs, testutil.TestLogger(t))
		cs.RegisterClient(c)
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, identity string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?identity=" + identity
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial websocket")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg), "read server message")
	return msg
}

func TestClient_JoinPublishLeave(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryRepository(), Options{})
	srv := newTestWsServer(t, cs)
	appendN(t, cs, "stream_1", 2)

	conn := dial(t, srv, "userA")

	require.NoError(t, conn.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: "stream_1", Cursor: 1}}))
	resp := readServerMessage(t, conn)
	require.NotNil(t, resp.Response)
	assert.Equal(t, 1, resp.Id)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
	assert.NotEmpty(t, resp.Response.Data["session_id"])
	connectedAt, ok := resp.Response.Data["connected_at"].(string)
	require.True(t, ok, "expected connected_at in the join response")
	_, err := time.Parse(time.RFC3339Nano, connectedAt)
	assert.NoError(t, err)

	replayed := readServerMessage(t, conn)
	require.NotNil(t, replayed.Message, "expected replayed history after join")
	assert.Equal(t, int64(2), replayed.Message.SeqId)

	require.NoError(t, conn.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: 2}, Publish: &Publish{RoomId: "stream_1", Content: "hello"}}))

	// the publish response and the live message may arrive in either order
	var sawResponse, sawMessage bool
	for i := 0; i < 2; i++ {
		msg := readServerMessage(t, conn)
		switch {
		case msg.Response != nil:
			sawResponse = true
			assert.Equal(t, 2, msg.Id)
			assert.Equal(t, http.StatusCreated, msg.Response.ResponseCode)
			assert.Equal(t, float64(3), msg.Response.Data["seq_id"])
		case msg.Message != nil:
			sawMessage = true
			assert.Equal(t, int64(3), msg.Message.SeqId)
			assert.Equal(t, "hello", msg.Message.Content)
			assert.Equal(t, "userA", msg.Message.SenderId)
		}
	}
	assert.True(t, sawResponse, "expected publish response")
	assert.True(t, sawMessage, "expected live message")

	require.NoError(t, conn.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: 3}, Leave: &Leave{RoomId: "stream_1"}}))
	resp = readServerMessage(t, conn)
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
	assert.Equal(t, float64(3), resp.Response.Data["cursor"])

	room, err := cs.RoomInfo(context.Background(), "stream_1")
	require.NoError(t, err)
	assert.Contains(t, room.ParticipantIds, "userA", "expected joining to add a participant")
}

func TestClient_Errors(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryRepository(), Options{})
	srv := newTestWsServer(t, cs)
	conn := dial(t, srv, "userA")

	tcases := []struct {
		name string
		raw  string
		id   int
		code int
	}{
		{name: "malformed json", raw: `{"join":`, id: 0, code: http.StatusBadRequest},
		{name: "no operation", raw: `{"id":1}`, id: 1, code: http.StatusBadRequest},
		{name: "join without room", raw: `{"id":2,"join":{"room_id":""}}`, id: 2, code: http.StatusBadRequest},
		{name: "join ahead of room", raw: `{"id":3,"join":{"room_id":"room","cursor":9}}`, id: 3, code: http.StatusBadRequest},
		{name: "leave unknown room", raw: `{"id":4,"leave":{"room_id":"other"}}`, id: 4, code: http.StatusNotFound},
		{name: "publish whitespace", raw: `{"id":5,"publish":{"room_id":"room","content":"  "}}`, id: 5, code: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.raw)))
			resp := readServerMessage(t, conn)
			require.NotNil(t, resp.Response)
			assert.Equal(t, tc.id, resp.Id)
			assert.Equal(t, tc.code, resp.Response.ResponseCode)
		})
	}
}

func TestClient_ResyncNotification(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryRepository(), Options{SessionQueueSize: 1})

	c := &Client{
		chatServer: cs,
		log:        testutil.TestLogger(t),
		identityId: "userA",
		send:       make(chan *ServerMessage, 1),
		sessions:   make(map[string]*Session),
		stop:       make(chan struct{}),
	}

	s, err := cs.Subscribe(context.Background(), "room", 0)
	require.NoError(t, err)
	c.addSession(s)

	// a full send buffer stalls the forwarder so the session overflows
	c.send <- &ServerMessage{}
	go c.forward(s)
	appendN(t, cs, "room", 5)
	waitDone(t, s)

	var notification *ServerMessage
	for notification == nil {
		select {
		case msg := <-c.send:
			if msg.Notification != nil {
				notification = msg
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for resync notification")
		}
	}

	require.NotNil(t, notification.Notification.Resync)
	assert.Equal(t, "room", notification.Notification.Resync.RoomId)
	assert.Equal(t, s.Cursor(), notification.Notification.Resync.Cursor)
	assert.Nil(t, c.getSession("room"), "expected resynced session to be forgotten")
}
