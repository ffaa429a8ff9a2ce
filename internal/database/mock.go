package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) GetOrCreateRoom(ctx context.Context, roomId, kind string) (Room, error) {
	args := m.Called(roomId, kind)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, roomId string) (Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) AddParticipant(ctx context.Context, roomId, identityId string) error {
	args := m.Called(roomId, identityId)
	return args.Error(0)
}
func (m *MockRepository) AppendMessage(ctx context.Context, msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockRepository) ReadMessages(ctx context.Context, roomId string, after, upto int64, limit int) ([]Message, error) {
	args := m.Called(roomId, after, upto, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UpsertPresence(ctx context.Context, key, identityId string, seenAt time.Time) error {
	args := m.Called(key, identityId, seenAt)
	return args.Error(0)
}
func (m *MockRepository) QueryPresence(ctx context.Context, key string, since time.Time) ([]Presence, error) {
	args := m.Called(key, since)
	if records, ok := args.Get(0).([]Presence); ok {
		return records, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UpsertProfile(ctx context.Context, p Profile) error {
	args := m.Called(p)
	return args.Error(0)
}
func (m *MockRepository) GetProfile(ctx context.Context, identityId string) (Profile, error) {
	args := m.Called(identityId)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockRepository) ListDiscoverableProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	args := m.Called(ids)
	if profiles, ok := args.Get(0).([]Profile); ok {
		return profiles, args.Error(1)
	}
	return nil, args.Error(1)
}
