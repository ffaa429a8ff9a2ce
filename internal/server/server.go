package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/relay"
	"github.com/npezzotti/go-realtime/internal/stats"
	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSessionQueueSize = 256
	MaxContentLength        = 4096

	metricActiveRooms      = "active_rooms"
	metricActiveSessions   = "active_sessions"
	metricConnectedClients = "connected_clients"
	metricForcedResyncs    = "forced_resyncs_total"
)

var tracer = otel.Tracer("github.com/npezzotti/go-realtime/internal/server")

type Options struct {
	// SessionQueueSize bounds each session's live delivery queue.
	SessionQueueSize int
	// Relay, when set, receives every durably appended message.
	Relay relay.Publisher
}

// ChatServer is the room registry. It loads each room at most once and
// routes appends, subscriptions and detaches to the room's actor.
type ChatServer struct {
	log          zerolog.Logger
	db           database.Repository
	stats        stats.StatsProvider
	relay        relay.Publisher
	queueSize    int
	roomsLock    sync.Mutex
	rooms        map[string]*Room
	stopped      bool
	sessionsLock sync.Mutex
	sessions     map[string]*Session
	clientsLock  sync.Mutex
	clients      map[*Client]struct{}
}

func NewChatServer(logger zerolog.Logger, db database.Repository, statsProvider stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("document store is required")
	}
	if opts.SessionQueueSize <= 0 {
		opts.SessionQueueSize = DefaultSessionQueueSize
	}

	for _, name := range []string{metricActiveRooms, metricActiveSessions, metricConnectedClients} {
		statsProvider.RegisterMetric(name)
	}
	statsProvider.RegisterCounter(metricForcedResyncs)

	return &ChatServer{
		log:       logger.With().Str("component", "chat").Logger(),
		db:        db,
		stats:     statsProvider,
		relay:     opts.Relay,
		queueSize: opts.SessionQueueSize,
		rooms:     make(map[string]*Room),
		sessions:  make(map[string]*Session),
		clients:   make(map[*Client]struct{}),
	}, nil
}

type AppendParams struct {
	RoomId string
	// Kind is used when the room does not exist yet. Empty infers it from
	// the room id.
	Kind              types.Kind
	SenderId          string
	SenderDisplayName string
	SenderAvatarRef   string
	Content           string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrUnavailable, op, err)
}

func resolveKind(roomId string, kind types.Kind) (types.Kind, error) {
	if kind == "" {
		return types.KindFromRoomId(roomId), nil
	}
	if !kind.Valid() {
		return "", invalid("unknown room kind %q", kind)
	}
	return kind, nil
}

// loadRoom returns the live room for roomId, creating it in the store on
// first use. Concurrent callers for the same id share one load; a failed
// load is forgotten so the next caller retries.
func (cs *ChatServer) loadRoom(ctx context.Context, roomId string, kind types.Kind) (*Room, error) {
	if roomId == "" {
		return nil, invalid("room id is required")
	}

	cs.roomsLock.Lock()
	if cs.stopped {
		cs.roomsLock.Unlock()
		return nil, fmt.Errorf("%w: server is shutting down", types.ErrUnavailable)
	}

	if r, ok := cs.rooms[roomId]; ok {
		cs.roomsLock.Unlock()
		select {
		case <-r.loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.loadErr != nil {
			return nil, r.loadErr
		}
		return r, nil
	}

	r := newRoom(cs, roomId)
	cs.rooms[roomId] = r
	cs.roomsLock.Unlock()

	if err := r.load(ctx, kind); err != nil {
		cs.roomsLock.Lock()
		if cs.rooms[roomId] == r {
			delete(cs.rooms, roomId)
		}
		cs.roomsLock.Unlock()
		return nil, err
	}

	return r, nil
}

// loadedRoom returns the room if it is live in this process.
func (cs *ChatServer) loadedRoom(roomId string) *Room {
	cs.roomsLock.Lock()
	r, ok := cs.rooms[roomId]
	cs.roomsLock.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-r.loaded:
		if r.loadErr == nil {
			return r
		}
	default:
	}
	return nil
}

// GetOrCreateRoom is idempotent: every caller for the same id observes the
// same room.
func (cs *ChatServer) GetOrCreateRoom(ctx context.Context, roomId string, kind types.Kind) (types.Room, error) {
	kind, err := resolveKind(roomId, kind)
	if err != nil {
		return types.Room{}, err
	}

	r, err := cs.loadRoom(ctx, roomId, kind)
	if err != nil {
		return types.Room{}, err
	}
	return r.info(), nil
}

// EnsureParticipant adds identityId to the room's participants if absent.
func (cs *ChatServer) EnsureParticipant(ctx context.Context, roomId, identityId string) error {
	if identityId == "" {
		return invalid("identity id is required")
	}

	r, err := cs.loadRoom(ctx, roomId, types.KindFromRoomId(roomId))
	if err != nil {
		return err
	}
	return r.ensureParticipant(ctx, identityId)
}

// RoomInfo describes a room without creating it.
func (cs *ChatServer) RoomInfo(ctx context.Context, roomId string) (types.Room, error) {
	if roomId == "" {
		return types.Room{}, invalid("room id is required")
	}

	if r := cs.loadedRoom(roomId); r != nil {
		return r.info(), nil
	}

	dbRoom, err := cs.db.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Room{}, fmt.Errorf("room %q: %w", roomId, types.ErrNotFound)
		}
		return types.Room{}, unavailable("get room", err)
	}

	return types.Room{
		Id:             dbRoom.Id,
		Kind:           types.Kind(dbRoom.Kind),
		SeqId:          dbRoom.SeqId,
		ParticipantIds: dbRoom.Participants,
		CreatedAt:      dbRoom.CreatedAt,
		UpdatedAt:      dbRoom.UpdatedAt,
	}, nil
}

// Append validates and durably appends a message, then fans it out to the
// room's sessions. The returned message carries its assigned sequence.
func (cs *ChatServer) Append(ctx context.Context, p AppendParams) (types.Message, error) {
	content := strings.TrimSpace(p.Content)
	switch {
	case p.RoomId == "":
		return types.Message{}, invalid("room id is required")
	case p.SenderId == "":
		return types.Message{}, invalid("sender id is required")
	case content == "":
		return types.Message{}, invalid("content is empty")
	case utf8.RuneCountInString(content) > MaxContentLength:
		return types.Message{}, invalid("content exceeds %d characters", MaxContentLength)
	}

	kind, err := resolveKind(p.RoomId, p.Kind)
	if err != nil {
		return types.Message{}, err
	}

	ctx, span := tracer.Start(ctx, "chat.append",
		trace.WithAttributes(attribute.String("chat.room_id", p.RoomId)))
	defer span.End()

	msg, err := cs.append(ctx, p, kind, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return types.Message{}, err
	}

	span.SetAttributes(attribute.Int64("chat.seq_id", msg.SeqId))
	return msg, nil
}

func (cs *ChatServer) append(ctx context.Context, p AppendParams, kind types.Kind, content string) (types.Message, error) {
	displayName, avatarRef := p.SenderDisplayName, p.SenderAvatarRef
	if displayName == "" {
		profile, err := cs.db.GetProfile(ctx, p.SenderId)
		switch {
		case err == nil:
			displayName = profile.DisplayName
			if avatarRef == "" {
				avatarRef = profile.AvatarRef
			}
		case !errors.Is(err, database.ErrNotFound):
			return types.Message{}, unavailable("get profile", err)
		}
		if displayName == "" {
			displayName = p.SenderId
		}
	}

	r, err := cs.loadRoom(ctx, p.RoomId, kind)
	if err != nil {
		return types.Message{}, err
	}

	if err := r.ensureParticipant(ctx, p.SenderId); err != nil {
		return types.Message{}, err
	}

	return r.append(ctx, types.Message{
		RoomId:            p.RoomId,
		SenderId:          p.SenderId,
		SenderDisplayName: displayName,
		SenderAvatarRef:   avatarRef,
		Content:           content,
	})
}

// ReadFrom returns the room's messages with sequence > after as of now.
// Messages appended after the call are not part of the result.
func (cs *ChatServer) ReadFrom(ctx context.Context, roomId string, after int64) (*MessageIterator, error) {
	if roomId == "" {
		return nil, invalid("room id is required")
	}
	if after < 0 {
		return nil, invalid("cursor must not be negative")
	}

	var upto int64
	if r := cs.loadedRoom(roomId); r != nil {
		upto = r.lastSeq()
	} else {
		dbRoom, err := cs.db.GetRoom(ctx, roomId)
		switch {
		case errors.Is(err, database.ErrNotFound):
			upto = 0
		case err != nil:
			return nil, unavailable("get room", err)
		default:
			upto = dbRoom.SeqId
		}
	}

	return newMessageIterator(cs.db, roomId, after, upto), nil
}

// Subscribe attaches a new session to roomId. The session replays every
// message after cursor and then receives live appends, with no gap and no
// duplicate between the two.
func (cs *ChatServer) Subscribe(ctx context.Context, roomId string, cursor int64) (*Session, error) {
	if cursor < 0 {
		return nil, invalid("cursor must not be negative")
	}

	ctx, span := tracer.Start(ctx, "chat.subscribe",
		trace.WithAttributes(
			attribute.String("chat.room_id", roomId),
			attribute.Int64("chat.cursor", cursor),
		))
	defer span.End()

	r, err := cs.loadRoom(ctx, roomId, types.KindFromRoomId(roomId))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s := newSession(r, cursor, cs.queueSize)
	cs.addSession(s)

	if err := r.attach(s); err != nil {
		cs.removeSession(s)
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("chat.session_id", s.Id()))
	return s, nil
}

// Detach ends a session. When it returns the session delivers nothing more
// and its Cursor is final.
func (cs *ChatServer) Detach(sessionId string) error {
	cs.sessionsLock.Lock()
	s, ok := cs.sessions[sessionId]
	cs.sessionsLock.Unlock()
	if !ok {
		return fmt.Errorf("session %q: %w", sessionId, types.ErrNotFound)
	}

	s.room.detach(s)
	<-s.finished
	return nil
}

func (cs *ChatServer) addSession(s *Session) {
	cs.sessionsLock.Lock()
	defer cs.sessionsLock.Unlock()
	cs.sessions[s.id] = s
}

func (cs *ChatServer) removeSession(s *Session) {
	cs.sessionsLock.Lock()
	defer cs.sessionsLock.Unlock()
	if cs.sessions[s.id] == s {
		delete(cs.sessions, s.id)
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricConnectedClients)
}

func (cs *ChatServer) deregisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(metricConnectedClients)
	}
}

// Shutdown stops every client and room. Sessions end with ErrUnavailable.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	cs.roomsLock.Lock()
	cs.stopped = true
	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}
	cs.roomsLock.Unlock()

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	for _, r := range rooms {
		select {
		case <-r.loaded:
		case <-ctx.Done():
			return ctx.Err()
		}
		if r.loadErr != nil {
			continue
		}

		cs.log.Debug().Str("room_id", r.id).Msg("shutting down room")
		r.stop()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
