package presence

import (
	"context"
	"time"

	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/types"
)

// RepositoryStore keeps presence in the document store.
type RepositoryStore struct {
	db database.Repository
}

func NewRepositoryStore(db database.Repository) *RepositoryStore {
	return &RepositoryStore{db: db}
}

func (s *RepositoryStore) Upsert(ctx context.Context, key, identityId string, seenAt time.Time) error {
	return s.db.UpsertPresence(ctx, key, identityId, seenAt)
}

func (s *RepositoryStore) Query(ctx context.Context, key string, since time.Time) ([]types.PresenceRecord, error) {
	rows, err := s.db.QueryPresence(ctx, key, since)
	if err != nil {
		return nil, err
	}

	records := make([]types.PresenceRecord, len(rows))
	for i, row := range rows {
		records[i] = types.PresenceRecord{
			Key:        row.Key,
			IdentityId: row.IdentityId,
			LastSeenAt: row.LastSeenAt.UTC(),
		}
	}
	return records, nil
}
