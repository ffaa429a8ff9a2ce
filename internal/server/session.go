package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/teris-io/shortid"
)

// Session is one live subscription to a room. It first replays history
// after its starting cursor, then delivers live appends in sequence order.
type Session struct {
	id          string
	roomId      string
	room        *Room
	connectedAt time.Time
	// cursor is the last sequence delivered to the consumer.
	cursor atomic.Int64
	// snapshot is the room sequence at attach time. Replay covers
	// (cursor, snapshot], the live queue covers everything after.
	snapshot int64
	queue    chan types.Message
	out      chan types.Message

	ctx    context.Context
	cancel context.CancelFunc

	endOnce  sync.Once
	err      error
	stop     chan struct{}
	finished chan struct{}
}

func newSession(r *Room, cursor int64, queueSize int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          shortid.MustGenerate(),
		roomId:      r.id,
		room:        r,
		connectedAt: Now(),
		queue:       make(chan types.Message, queueSize),
		out:         make(chan types.Message),
		ctx:         ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
	s.cursor.Store(cursor)
	return s
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) RoomId() string {
	return s.roomId
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Messages delivers the session's messages. It is closed when the session
// ends; Err then reports why.
func (s *Session) Messages() <-chan types.Message {
	return s.out
}

// Cursor is the sequence of the last message delivered on Messages.
func (s *Session) Cursor() int64 {
	return s.cursor.Load()
}

// Done is closed once the session has stopped delivering.
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// Err is nil after a detach, ErrResyncRequired when the session fell too far
// behind and ErrUnavailable when history could not be read or the room shut
// down. It is only meaningful after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.finished:
		return s.err
	default:
		return nil
	}
}

// offer queues msg for live delivery without blocking.
func (s *Session) offer(msg types.Message) bool {
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

// end stops delivery. The first call wins.
func (s *Session) end(err error) {
	s.endOnce.Do(func() {
		s.err = err
		close(s.stop)
		s.cancel()
	})
}

func (s *Session) run() {
	defer func() {
		close(s.out)
		s.room.cs.removeSession(s)
		s.room.cs.stats.Decr(metricActiveSessions)
		close(s.finished)
	}()

	if !s.replay() {
		return
	}

	for {
		select {
		case msg := <-s.queue:
			if msg.SeqId <= s.cursor.Load() {
				continue
			}
			if !s.deliver(msg) {
				return
			}
		case <-s.stop:
			return
		}
	}
}

// replay delivers stored history up to the attach snapshot.
func (s *Session) replay() bool {
	if s.cursor.Load() >= s.snapshot {
		return true
	}

	it := newMessageIterator(s.room.cs.db, s.roomId, s.cursor.Load(), s.snapshot)
	for it.Next(s.ctx) {
		if !s.deliver(it.Message()) {
			return false
		}
	}

	if err := it.Err(); err != nil {
		select {
		case <-s.stop:
			return false
		default:
		}

		s.room.log.Error().Err(err).Str("session_id", s.id).Msg("failed to replay history")
		s.end(err)
		// the room still holds s in its set
		go s.room.detach(s)
		return false
	}

	return true
}

func (s *Session) deliver(msg types.Message) bool {
	select {
	case s.out <- msg:
		s.cursor.Store(msg.SeqId)
		return true
	case <-s.stop:
		return false
	}
}
