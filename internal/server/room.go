package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/rs/zerolog"
)

const storeTimeout = 10 * time.Second

type appendReq struct {
	ctx   context.Context
	msg   types.Message
	reply chan appendResult
}

type appendResult struct {
	msg types.Message
	err error
}

type attachReq struct {
	session *Session
	reply   chan error
}

// Room is the live state of one room. Its start loop is the only writer of
// the sequence counter and the session set.
type Room struct {
	id        string
	kind      types.Kind
	cs        *ChatServer
	log       zerolog.Logger
	createdAt time.Time
	updatedAt atomic.Int64
	// seqId is the highest durably appended sequence.
	seqId atomic.Int64

	participantsLock sync.RWMutex
	participants     map[string]struct{}
	participantOrder []string

	// sessions and stale are owned by the start loop. stale is set when the
	// store may hold messages the room has not delivered.
	sessions map[*Session]struct{}
	stale    bool

	appendChan chan *appendReq
	attachChan chan *attachReq
	detachChan chan *Session

	loaded  chan struct{}
	loadErr error

	exitOnce sync.Once
	exit     chan struct{}
	done     chan struct{}
}

func newRoom(cs *ChatServer, roomId string) *Room {
	return &Room{
		id:           roomId,
		cs:           cs,
		log:          cs.log.With().Str("room_id", roomId).Logger(),
		participants: make(map[string]struct{}),
		sessions:     make(map[*Session]struct{}),
		appendChan:   make(chan *appendReq),
		attachChan:   make(chan *attachReq),
		detachChan:   make(chan *Session),
		loaded:       make(chan struct{}),
		exit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// load reads or creates the room in the store and starts its loop. It closes
// r.loaded whether or not it succeeds.
func (r *Room) load(ctx context.Context, kind types.Kind) error {
	defer close(r.loaded)

	dbRoom, err := r.cs.db.GetOrCreateRoom(ctx, r.id, string(kind))
	if err != nil {
		r.loadErr = unavailable("load room", err)
		r.log.Error().Err(err).Msg("failed to load room")
		return r.loadErr
	}

	r.kind = types.Kind(dbRoom.Kind)
	r.createdAt = dbRoom.CreatedAt
	r.updatedAt.Store(dbRoom.UpdatedAt.UnixNano())
	r.seqId.Store(dbRoom.SeqId)
	for _, id := range dbRoom.Participants {
		r.addParticipantLocal(id)
	}

	r.cs.stats.Incr(metricActiveRooms)
	go r.start()

	return nil
}

func (r *Room) start() {
	r.log.Debug().Int64("seq_id", r.seqId.Load()).Msg("starting room")

	for {
		select {
		case req := <-r.appendChan:
			r.handleAppend(req)
		case req := <-r.attachChan:
			r.handleAttach(req)
		case s := <-r.detachChan:
			r.handleDetach(s)
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

func (r *Room) lastSeq() int64 {
	return r.seqId.Load()
}

func (r *Room) info() types.Room {
	r.participantsLock.RLock()
	participants := slices.Clone(r.participantOrder)
	r.participantsLock.RUnlock()
	if participants == nil {
		participants = make([]string, 0)
	}

	return types.Room{
		Id:             r.id,
		Kind:           r.kind,
		SeqId:          r.seqId.Load(),
		ParticipantIds: participants,
		CreatedAt:      r.createdAt,
		UpdatedAt:      time.Unix(0, r.updatedAt.Load()).UTC(),
	}
}

func (r *Room) hasParticipant(identityId string) bool {
	r.participantsLock.RLock()
	defer r.participantsLock.RUnlock()
	_, ok := r.participants[identityId]
	return ok
}

func (r *Room) addParticipantLocal(identityId string) {
	r.participantsLock.Lock()
	defer r.participantsLock.Unlock()
	if _, ok := r.participants[identityId]; !ok {
		r.participants[identityId] = struct{}{}
		r.participantOrder = append(r.participantOrder, identityId)
	}
}

func (r *Room) ensureParticipant(ctx context.Context, identityId string) error {
	if r.hasParticipant(identityId) {
		return nil
	}

	if err := r.cs.db.AddParticipant(ctx, r.id, identityId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("room %q: %w", r.id, types.ErrNotFound)
		}
		return unavailable("add participant", err)
	}

	r.addParticipantLocal(identityId)
	return nil
}

func (r *Room) append(ctx context.Context, msg types.Message) (types.Message, error) {
	req := &appendReq{ctx: ctx, msg: msg, reply: make(chan appendResult, 1)}

	select {
	case r.appendChan <- req:
	case <-r.done:
		return types.Message{}, fmt.Errorf("%w: room %q is shutting down", types.ErrUnavailable, r.id)
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}

	res := <-req.reply
	return res.msg, res.err
}

func (r *Room) attach(s *Session) error {
	req := &attachReq{session: s, reply: make(chan error, 1)}

	select {
	case r.attachChan <- req:
	case <-r.done:
		return fmt.Errorf("%w: room %q is shutting down", types.ErrUnavailable, r.id)
	}

	return <-req.reply
}

// detach removes s from the room. It is safe to call for a session the room
// has already dropped.
func (r *Room) detach(s *Session) {
	select {
	case r.detachChan <- s:
	case <-r.done:
		s.end(fmt.Errorf("%w: room %q is shutting down", types.ErrUnavailable, r.id))
	}
}

func (r *Room) stop() {
	r.exitOnce.Do(func() { close(r.exit) })
}

func (r *Room) handleAppend(req *appendReq) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- appendResult{err: err}
		return
	}

	ctx, cancel := storeContext(req.ctx)
	defer cancel()

	if r.stale {
		if _, err := r.catchUp(ctx); err != nil {
			r.log.Error().Err(err).Msg("failed to catch up with the store")
			req.reply <- appendResult{err: unavailable("catch up", err)}
			return
		}
	}

	msg, err := r.write(ctx, req.msg)
	if err == nil {
		r.advance(msg)
		req.reply <- appendResult{msg: msg}
		r.publish(msg)
		return
	}

	r.log.Error().Err(err).Int64("seq_id", msg.SeqId).Msg("failed to append message")
	msg, err = r.reconcile(ctx, msg, req.msg, err)
	if err != nil {
		req.reply <- appendResult{err: unavailable("append message", err)}
		return
	}
	req.reply <- appendResult{msg: msg}
}

// storeContext bounds a store call without tying it to the caller, so a
// commit is not abandoned when the caller goes away.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// write persists msg at the next sequence. The returned message carries the
// assigned id and sequence even when the write fails.
func (r *Room) write(ctx context.Context, msg types.Message) (types.Message, error) {
	msg.Id = uuid.NewString()
	msg.SeqId = r.seqId.Load() + 1
	msg.CreatedAt = Now()

	return msg, r.cs.db.AppendMessage(ctx, database.Message{
		Id:                msg.Id,
		RoomId:            msg.RoomId,
		SeqId:             msg.SeqId,
		SenderId:          msg.SenderId,
		SenderDisplayName: msg.SenderDisplayName,
		SenderAvatarRef:   msg.SenderAvatarRef,
		Content:           msg.Content,
		CreatedAt:         msg.CreatedAt,
	})
}

// reconcile brings the room in line with the store after a failed write. A
// write that reported an error may still have committed, and a sequence
// conflict means the store holds messages this room never assigned.
func (r *Room) reconcile(ctx context.Context, attempted, req types.Message, writeErr error) (types.Message, error) {
	r.stale = true

	recovered, err := r.catchUp(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to catch up with the store")
		return types.Message{}, writeErr
	}

	for _, m := range recovered {
		if m.Id == attempted.Id {
			r.log.Info().Int64("seq_id", m.SeqId).Msg("recovered committed message")
			return m, nil
		}
	}

	// a conflicting write stored nothing
	if !errors.Is(writeErr, database.ErrSequenceConflict) {
		return types.Message{}, writeErr
	}

	msg, err := r.write(ctx, req)
	if err != nil {
		r.stale = true
		return types.Message{}, err
	}
	r.advance(msg)
	r.publish(msg)
	return msg, nil
}

// catchUp delivers every message the store holds beyond the room's sequence
// and returns them in order.
func (r *Room) catchUp(ctx context.Context) ([]types.Message, error) {
	dbRoom, err := r.cs.db.GetRoom(ctx, r.id)
	if err != nil {
		return nil, err
	}

	from := r.seqId.Load()
	if dbRoom.SeqId <= from {
		r.stale = false
		return nil, nil
	}

	msgs, err := newMessageIterator(r.cs.db, r.id, from, dbRoom.SeqId).Collect(ctx, 0)
	if err != nil {
		return nil, err
	}

	r.log.Warn().Int64("from", from).Int64("to", dbRoom.SeqId).Msg("catching up with the store")
	for _, m := range msgs {
		r.advance(m)
		r.publish(m)
	}
	r.stale = false

	return msgs, nil
}

func (r *Room) advance(msg types.Message) {
	r.seqId.Store(msg.SeqId)
	r.updatedAt.Store(msg.CreatedAt.UnixNano())
}

func (r *Room) publish(msg types.Message) {
	r.fanout(msg)

	if r.cs.relay != nil {
		if err := r.cs.relay.Publish(context.Background(), msg); err != nil {
			r.log.Warn().Err(err).Int64("seq_id", msg.SeqId).Msg("failed to relay message")
		}
	}
}

// fanout offers msg to every session without blocking. A session whose queue
// is full is dropped and must resync from its cursor.
func (r *Room) fanout(msg types.Message) {
	for s := range r.sessions {
		if s.offer(msg) {
			continue
		}

		r.log.Warn().
			Str("session_id", s.id).
			Int64("cursor", s.Cursor()).
			Msg("session queue full, forcing resync")
		delete(r.sessions, s)
		r.cs.stats.Incr(metricForcedResyncs)
		s.end(types.ErrResyncRequired)
	}
}

func (r *Room) handleAttach(req *attachReq) {
	s := req.session
	snapshot := r.seqId.Load()
	if s.cursor.Load() > snapshot {
		req.reply <- invalid("cursor %d is ahead of room sequence %d", s.cursor.Load(), snapshot)
		return
	}

	s.snapshot = snapshot
	r.sessions[s] = struct{}{}
	r.cs.stats.Incr(metricActiveSessions)
	go s.run()

	r.log.Debug().
		Str("session_id", s.id).
		Int64("cursor", s.cursor.Load()).
		Int64("snapshot", snapshot).
		Msg("session attached")

	req.reply <- nil
}

func (r *Room) handleDetach(s *Session) {
	delete(r.sessions, s)
	s.end(nil)
	r.log.Debug().Str("session_id", s.id).Msg("session detached")
}

func (r *Room) handleRoomExit() {
	r.log.Debug().Int("sessions", len(r.sessions)).Msg("room is exiting")

	for s := range r.sessions {
		s.end(fmt.Errorf("%w: room %q is shutting down", types.ErrUnavailable, r.id))
		delete(r.sessions, s)
	}

	r.cs.stats.Decr(metricActiveRooms)
	close(r.done)
}
