package server

import (
	"context"
	"fmt"

	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/types"
)

const readPageSize = 100

// MessageIterator walks a room's log in sequence order over the range
// (after, snapshot], fetching one page at a time.
type MessageIterator struct {
	db       database.Repository
	roomId   string
	start    int64
	next     int64
	snapshot int64
	page     []database.Message
	pos      int
	cur      types.Message
	err      error
}

func newMessageIterator(db database.Repository, roomId string, after, snapshot int64) *MessageIterator {
	return &MessageIterator{
		db:       db,
		roomId:   roomId,
		start:    after,
		next:     after,
		snapshot: snapshot,
	}
}

// Snapshot is the highest sequence the iterator will return.
func (it *MessageIterator) Snapshot() int64 {
	return it.snapshot
}

// Next advances to the next message. It returns false when the range is
// exhausted or a read failed; check Err to tell them apart.
func (it *MessageIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	if it.pos >= len(it.page) {
		if it.next >= it.snapshot {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}

		page, err := it.db.ReadMessages(ctx, it.roomId, it.next, it.snapshot, readPageSize)
		if err != nil {
			it.err = unavailable("read messages", err)
			return false
		}
		if len(page) == 0 {
			it.err = fmt.Errorf("%w: room %q is missing messages after %d", types.ErrUnavailable, it.roomId, it.next)
			return false
		}

		it.page = page
		it.pos = 0
	}

	m := it.page[it.pos]
	it.pos++
	if m.SeqId != it.next+1 {
		it.err = fmt.Errorf("%w: room %q expected sequence %d, got %d", types.ErrUnavailable, it.roomId, it.next+1, m.SeqId)
		return false
	}

	it.next = m.SeqId
	it.cur = messageFromModel(m)
	return true
}

func (it *MessageIterator) Message() types.Message {
	return it.cur
}

func (it *MessageIterator) Err() error {
	return it.err
}

// Restart rewinds the iterator to its starting cursor. The snapshot is kept.
func (it *MessageIterator) Restart() {
	it.next = it.start
	it.page = nil
	it.pos = 0
	it.cur = types.Message{}
	it.err = nil
}

// Collect drains up to limit messages. A limit of 0 drains everything.
func (it *MessageIterator) Collect(ctx context.Context, limit int) ([]types.Message, error) {
	msgs := make([]types.Message, 0)
	for (limit <= 0 || len(msgs) < limit) && it.Next(ctx) {
		msgs = append(msgs, it.Message())
	}
	return msgs, it.Err()
}

func messageFromModel(m database.Message) types.Message {
	return types.Message{
		Id:                m.Id,
		RoomId:            m.RoomId,
		SeqId:             m.SeqId,
		SenderId:          m.SenderId,
		SenderDisplayName: m.SenderDisplayName,
		SenderAvatarRef:   m.SenderAvatarRef,
		Content:           m.Content,
		CreatedAt:         m.CreatedAt,
	}
}
