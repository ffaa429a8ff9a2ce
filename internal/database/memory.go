package database

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

type memoryRoom struct {
	room     Room
	messages []Message
}

// MemoryRepository is a process-local Document Store. It is used when no
// database is configured and by tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	rooms    map[string]*memoryRoom
	presence map[string]map[string]time.Time
	profiles map[string]Profile
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:    make(map[string]*memoryRoom),
		presence: make(map[string]map[string]time.Time),
		profiles: make(map[string]Profile),
	}
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) GetOrCreateRoom(ctx context.Context, roomId, kind string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomId]
	if !ok {
		now := time.Now().UTC()
		r = &memoryRoom{room: Room{
			Id:           roomId,
			Kind:         kind,
			Participants: make([]string, 0),
			CreatedAt:    now,
			UpdatedAt:    now,
		}}
		m.rooms[roomId] = r
	}

	return copyRoom(r.room), nil
}

func (m *MemoryRepository) GetRoom(ctx context.Context, roomId string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return Room{}, ErrNotFound
	}

	return copyRoom(r.room), nil
}

func (m *MemoryRepository) AddParticipant(ctx context.Context, roomId, identityId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return ErrNotFound
	}

	if !slices.Contains(r.room.Participants, identityId) {
		r.room.Participants = append(r.room.Participants, identityId)
	}

	return nil
}

func (m *MemoryRepository) AppendMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[msg.RoomId]
	if !ok {
		return ErrNotFound
	}

	if msg.SeqId != r.room.SeqId+1 {
		return ErrSequenceConflict
	}

	r.messages = append(r.messages, msg)
	r.room.SeqId = msg.SeqId
	r.room.UpdatedAt = msg.CreatedAt

	return nil
}

func (m *MemoryRepository) ReadMessages(ctx context.Context, roomId string, after, upto int64, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return []Message{}, nil
	}

	// messages[i] holds sequence i+1
	start := min(max(after, 0), int64(len(r.messages)))
	end := min(max(upto, start), int64(len(r.messages)))
	if limit > 0 && end-start > int64(limit) {
		end = start + int64(limit)
	}

	return slices.Clone(r.messages[start:end]), nil
}

func (m *MemoryRepository) UpsertPresence(ctx context.Context, key, identityId string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.presence[key] == nil {
		m.presence[key] = make(map[string]time.Time)
	}

	if prev, ok := m.presence[key][identityId]; !ok || seenAt.After(prev) {
		m.presence[key][identityId] = seenAt
	}

	return nil
}

func (m *MemoryRepository) QueryPresence(ctx context.Context, key string, since time.Time) ([]Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []Presence
	for id, seen := range m.presence[key] {
		if !seen.Before(since) {
			records = append(records, Presence{Key: key, IdentityId: id, LastSeenAt: seen})
		}
	}

	return records, nil
}

func (m *MemoryRepository) UpsertProfile(ctx context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.UpdatedAt = time.Now().UTC()
	m.profiles[p.Id] = p
	return nil
}

func (m *MemoryRepository) GetProfile(ctx context.Context, identityId string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[identityId]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepository) ListDiscoverableProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profiles := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.profiles[id]; ok && p.IsDiscoverable {
			profiles = append(profiles, p)
		}
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Id < profiles[j].Id })
	return profiles, nil
}

func copyRoom(r Room) Room {
	r.Participants = slices.Clone(r.Participants)
	if r.Participants == nil {
		r.Participants = make([]string, 0)
	}
	return r
}
