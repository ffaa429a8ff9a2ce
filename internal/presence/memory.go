package presence

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/npezzotti/go-realtime/internal/types"
)

const shardCount = 64

type shard struct {
	mu   sync.RWMutex
	keys map[string]map[string]time.Time
}

// MemoryStore spreads keys over independently locked shards so heartbeats
// and queries for unrelated keys do not contend.
type MemoryStore struct {
	shards [shardCount]*shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{keys: make(map[string]map[string]time.Time)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *MemoryStore) Upsert(ctx context.Context, key, identityId string, seenAt time.Time) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ids := sh.keys[key]
	if ids == nil {
		ids = make(map[string]time.Time)
		sh.keys[key] = ids
	}

	if prev, ok := ids[identityId]; !ok || seenAt.After(prev) {
		ids[identityId] = seenAt
	}

	return nil
}

func (s *MemoryStore) Query(ctx context.Context, key string, since time.Time) ([]types.PresenceRecord, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var records []types.PresenceRecord
	for id, seen := range sh.keys[key] {
		if !seen.Before(since) {
			records = append(records, types.PresenceRecord{Key: key, IdentityId: id, LastSeenAt: seen})
		}
	}

	return records, nil
}
