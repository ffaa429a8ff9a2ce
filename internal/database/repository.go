package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrSequenceConflict is returned by AppendMessage when the message's
	// sequence is not exactly one past the room's stored sequence.
	ErrSequenceConflict = errors.New("sequence conflict")
)

// Repository is the Document Store the chat core persists through.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error
	GetOrCreateRoom(ctx context.Context, roomId, kind string) (Room, error)
	GetRoom(ctx context.Context, roomId string) (Room, error)
	AddParticipant(ctx context.Context, roomId, identityId string) error
	AppendMessage(ctx context.Context, msg Message) error
	ReadMessages(ctx context.Context, roomId string, after, upto int64, limit int) ([]Message, error)
	UpsertPresence(ctx context.Context, key, identityId string, seenAt time.Time) error
	QueryPresence(ctx context.Context, key string, since time.Time) ([]Presence, error)
	UpsertProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, identityId string) (Profile, error)
	ListDiscoverableProfiles(ctx context.Context, ids []string) ([]Profile, error)
}
