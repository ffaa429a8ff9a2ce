package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per key, member = identity id,
// score = last seen in unix microseconds.
type RedisStore struct {
	client *redis.Client
	// expiry is refreshed on every heartbeat so idle keys disappear.
	expiry time.Duration
}

func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, expiry: 2 * ttl}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func presenceKey(key string) string {
	return fmt.Sprintf("presence:%s", key)
}

func (s *RedisStore) Upsert(ctx context.Context, key, identityId string, seenAt time.Time) error {
	k := presenceKey(key)

	pipe := s.client.TxPipeline()
	// GT never lowers an existing score; new members are always added.
	pipe.ZAddGT(ctx, k, redis.Z{
		Score:  float64(seenAt.UnixMicro()),
		Member: identityId,
	})
	pipe.Expire(ctx, k, s.expiry)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Query(ctx context.Context, key string, since time.Time) ([]types.PresenceRecord, error) {
	results, err := s.client.ZRangeByScoreWithScores(ctx, presenceKey(key), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	records := make([]types.PresenceRecord, 0, len(results))
	for _, z := range results {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		records = append(records, types.PresenceRecord{
			Key:        key,
			IdentityId: id,
			LastSeenAt: time.UnixMicro(int64(z.Score)).UTC(),
		})
	}

	return records, nil
}
