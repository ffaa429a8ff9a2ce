package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/npezzotti/go-realtime/internal/presence")

// Store persists presence records. Upsert must keep at most one record per
// (key, identityId) and never move LastSeenAt backwards. Query returns the
// records of key seen at or after since.
type Store interface {
	Upsert(ctx context.Context, key, identityId string, seenAt time.Time) error
	Query(ctx context.Context, key string, since time.Time) ([]types.PresenceRecord, error)
}

// Registry tracks "last seen" records per discovery key. A record is fresh
// while now - LastSeenAt <= ttl; staleness is decided at query time.
type Registry struct {
	log   zerolog.Logger
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(logger zerolog.Logger, store Store, ttl time.Duration) *Registry {
	return &Registry{
		log:   logger.With().Str("component", "presence").Logger(),
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// clock truncates to microseconds, the precision every backend keeps.
func (r *Registry) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *Registry) Heartbeat(ctx context.Context, key, identityId string) error {
	if key == "" || identityId == "" {
		return fmt.Errorf("%w: key and identity id are required", types.ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "presence.heartbeat",
		trace.WithAttributes(attribute.String("presence.key", key)))
	defer span.End()

	if err := r.store.Upsert(ctx, key, identityId, r.clock()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		r.log.Error().Err(err).Str("key", key).Str("identity_id", identityId).Msg("presence upsert")
		return fmt.Errorf("%w: presence upsert: %w", types.ErrUnavailable, err)
	}

	return nil
}

// QueryFresh returns the sorted identities with a fresh record under key,
// excluding excludeIdentityId.
func (r *Registry) QueryFresh(ctx context.Context, key, excludeIdentityId string) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", types.ErrInvalidArgument)
	}

	now := r.clock()
	records, err := r.store.Query(ctx, key, now.Add(-r.ttl))
	if err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("presence query")
		return nil, fmt.Errorf("%w: presence query: %w", types.ErrUnavailable, err)
	}

	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.IdentityId == excludeIdentityId || now.Sub(rec.LastSeenAt) > r.ttl {
			continue
		}
		if _, dup := seen[rec.IdentityId]; dup {
			continue
		}
		seen[rec.IdentityId] = struct{}{}
		ids = append(ids, rec.IdentityId)
	}

	sort.Strings(ids)
	return ids, nil
}

// Nearby records a heartbeat for identityId and returns the other fresh
// identities under the same key. The query observes the heartbeat.
func (r *Registry) Nearby(ctx context.Context, key, identityId string) ([]string, error) {
	if err := r.Heartbeat(ctx, key, identityId); err != nil {
		return nil, err
	}

	return r.QueryFresh(ctx, key, identityId)
}
