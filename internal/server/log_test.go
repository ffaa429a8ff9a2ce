package server

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIterator(t *testing.T) {
	page := func(seqIds ...int64) []database.Message {
		msgs := make([]database.Message, 0, len(seqIds))
		for _, id := range seqIds {
			msgs = append(msgs, database.Message{RoomId: "room", SeqId: id, Content: "x"})
		}
		return msgs
	}

	tcases := []struct {
		name     string
		after    int64
		snapshot int64
		setup    func(db *database.MockRepository)
		expected []int64
		err      error
	}{
		{
			name:     "empty range",
			after:    3,
			snapshot: 3,
			setup:    func(db *database.MockRepository) {},
			expected: []int64{},
		},
		{
			name:     "single page",
			after:    1,
			snapshot: 3,
			setup: func(db *database.MockRepository) {
				db.On("ReadMessages", "room", int64(1), int64(3), readPageSize).Return(page(2, 3), nil).Once()
			},
			expected: []int64{2, 3},
		},
		{
			name:     "gap in store",
			after:    0,
			snapshot: 3,
			setup: func(db *database.MockRepository) {
				db.On("ReadMessages", "room", int64(0), int64(3), readPageSize).Return(page(1, 3), nil).Once()
			},
			expected: []int64{1},
			err:      types.ErrUnavailable,
		},
		{
			name:     "truncated store",
			after:    0,
			snapshot: 2,
			setup: func(db *database.MockRepository) {
				db.On("ReadMessages", "room", int64(0), int64(2), readPageSize).Return(page(1), nil).Once()
				db.On("ReadMessages", "room", int64(1), int64(2), readPageSize).Return(page(), nil).Once()
			},
			expected: []int64{1},
			err:      types.ErrUnavailable,
		},
		{
			name:     "store error",
			after:    0,
			snapshot: 2,
			setup: func(db *database.MockRepository) {
				db.On("ReadMessages", "room", int64(0), int64(2), readPageSize).Return(nil, errors.New("boom")).Once()
			},
			expected: []int64{},
			err:      types.ErrUnavailable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)
			tc.setup(db)

			it := newMessageIterator(db, "room", tc.after, tc.snapshot)
			msgs, err := it.Collect(context.Background(), 0)
			assert.Equal(t, tc.expected, seqs(msgs))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.False(t, it.Next(context.Background()), "expected iterator to stay failed")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMessageIterator_CancelledContext(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it := newMessageIterator(db, "room", 0, 5)
	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), context.Canceled)

	it.Restart()
	require.NoError(t, it.Err(), "expected restart to clear the error")
}
