package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// Client is one websocket connection. It may hold one session per room.
type Client struct {
	conn         *websocket.Conn
	chatServer   *ChatServer
	log          zerolog.Logger
	identityId   string
	send         chan *ServerMessage
	sessions     map[string]*Session
	sessionsLock sync.Mutex
	stopOnce     sync.Once
	stop         chan struct{}
}

func NewClient(identityId string, conn *websocket.Conn, cs *ChatServer, logger zerolog.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        logger.With().Str("identity_id", identityId).Logger(),
		identityId: identityId,
		send:       make(chan *ServerMessage, 256),
		sessions:   make(map[string]*Session),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Leave != nil:
			c.leaveRoom(&msg)
		case msg.Publish != nil:
			c.publish(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.deregisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.sessionsLock.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for roomId, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, roomId)
	}
	c.sessionsLock.Unlock()

	for _, s := range sessions {
		if err := c.chatServer.Detach(s.Id()); err != nil && !errors.Is(err, types.ErrNotFound) {
			c.log.Warn().Err(err).Str("session_id", s.Id()).Msg("failed to detach session")
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	roomId := msg.Join.RoomId
	if roomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if s := c.getSession(roomId); s != nil {
		c.queueMessage(NoErrOK(msg.Id, map[string]any{
			"session_id":   s.Id(),
			"cursor":       s.Cursor(),
			"connected_at": s.ConnectedAt(),
		}))
		return
	}

	ctx := context.Background()
	if err := c.chatServer.EnsureParticipant(ctx, roomId, c.identityId); err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	s, err := c.chatServer.Subscribe(ctx, roomId, msg.Join.Cursor)
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.addSession(s)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"session_id":   s.Id(),
		"seq_id":       s.snapshot,
		"connected_at": s.ConnectedAt(),
	}))

	go c.forward(s)
}

// forward copies a session's messages to the connection until the session
// ends.
func (c *Client) forward(s *Session) {
	for msg := range s.Messages() {
		select {
		case c.send <- MessageNotification(msg):
		case <-c.stop:
			c.chatServer.Detach(s.Id())
			return
		}
	}

	if errors.Is(s.Err(), types.ErrResyncRequired) {
		c.delSession(s)
		select {
		case c.send <- ResyncNotification(s.RoomId(), s.Cursor()):
		case <-c.stop:
		}
		return
	}

	if err := s.Err(); err != nil {
		c.delSession(s)
		c.log.Warn().Err(err).Str("room_id", s.RoomId()).Msg("session ended")
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	s := c.getSession(msg.Leave.RoomId)
	if s == nil {
		c.queueMessage(ErrSubscriptionNotFound(msg.Id))
		return
	}

	c.delSession(s)
	if err := c.chatServer.Detach(s.Id()); err != nil && !errors.Is(err, types.ErrNotFound) {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"cursor": s.Cursor()}))
}

func (c *Client) publish(msg *ClientMessage) {
	m, err := c.chatServer.Append(context.Background(), AppendParams{
		RoomId:   msg.Publish.RoomId,
		SenderId: c.identityId,
		Content:  msg.Publish.Content,
	})
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrCreated(msg.Id, map[string]any{
		"id":     m.Id,
		"seq_id": m.SeqId,
	}))
}

func (c *Client) addSession(s *Session) {
	c.sessionsLock.Lock()
	defer c.sessionsLock.Unlock()
	c.sessions[s.RoomId()] = s
}

func (c *Client) delSession(s *Session) {
	c.sessionsLock.Lock()
	defer c.sessionsLock.Unlock()
	if c.sessions[s.RoomId()] == s {
		delete(c.sessions, s.RoomId())
	}
}

func (c *Client) getSession(roomId string) *Session {
	c.sessionsLock.Lock()
	defer c.sessionsLock.Unlock()
	return c.sessions[roomId]
}
