package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	addParticipantQuery = "INSERT INTO room_participants (room_id, identity_id, created_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT (room_id, identity_id) DO NOTHING"
)

func (db *PgRepository) GetOrCreateRoom(ctx context.Context, roomId, kind string) (Room, error) {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO rooms (id, kind, seq_id, created_at, updated_at) VALUES ($1, $2, 0, $3, $3) "+
			"ON CONFLICT (id) DO NOTHING",
		roomId,
		kind,
		now,
	)
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	return db.GetRoom(ctx, roomId)
}

func (db *PgRepository) GetRoom(ctx context.Context, roomId string) (Room, error) {
	query := `
		SELECT
				r.id,
				r.kind,
				r.seq_id,
				r.created_at,
				r.updated_at,
				p.identity_id
		FROM rooms r
		LEFT JOIN room_participants p ON r.id = p.room_id
		WHERE r.id = $1
		ORDER BY p.created_at ASC;
`

	rows, err := db.conn.QueryContext(ctx, query, roomId)
	if err != nil {
		return Room{}, fmt.Errorf("fetch room with participants: %w", err)
	}
	defer rows.Close()

	var room *Room
	for rows.Next() {
		var (
			r           Room
			participant sql.NullString
		)

		if err := rows.Scan(&r.Id, &r.Kind, &r.SeqId, &r.CreatedAt, &r.UpdatedAt, &participant); err != nil {
			return Room{}, fmt.Errorf("scan row: %w", err)
		}

		if room == nil {
			r.Participants = make([]string, 0)
			room = &r
		}

		if participant.Valid {
			room.Participants = append(room.Participants, participant.String)
		}
	}

	if err := rows.Err(); err != nil {
		return Room{}, fmt.Errorf("rows error: %w", err)
	}

	if room == nil {
		return Room{}, ErrNotFound
	}

	return *room, nil
}

func (db *PgRepository) AddParticipant(ctx context.Context, roomId, identityId string) error {
	_, err := db.conn.ExecContext(ctx, addParticipantQuery, roomId, identityId, time.Now().UTC())
	return err
}

// AppendMessage inserts msg and advances the room's sequence in one
// transaction. The update only matches when the stored sequence is
// msg.SeqId-1, so two writers can never commit the same sequence.
func (db *PgRepository) AppendMessage(ctx context.Context, msg Message) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE rooms SET seq_id = $2, updated_at = $3 WHERE id = $1 AND seq_id = $4",
		msg.RoomId,
		msg.SeqId,
		msg.CreatedAt,
		msg.SeqId-1,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		err = ErrSequenceConflict
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (id, room_id, seq_id, sender_id, sender_display_name, sender_avatar_ref, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		msg.Id,
		msg.RoomId,
		msg.SeqId,
		msg.SenderId,
		msg.SenderDisplayName,
		msg.SenderAvatarRef,
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgRepository) ReadMessages(ctx context.Context, roomId string, after, upto int64, limit int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room_id, seq_id, sender_id, sender_display_name, sender_avatar_ref, content, created_at FROM messages "+
			"WHERE room_id = $1 AND seq_id > $2 AND seq_id <= $3 ORDER BY seq_id ASC LIMIT $4",
		roomId,
		after,
		upto,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.RoomId,
			&msg.SeqId,
			&msg.SenderId,
			&msg.SenderDisplayName,
			&msg.SenderAvatarRef,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgRepository) UpsertPresence(ctx context.Context, key, identityId string, seenAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO presence (key, identity_id, last_seen_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (key, identity_id) DO UPDATE SET last_seen_at = GREATEST(presence.last_seen_at, EXCLUDED.last_seen_at)",
		key,
		identityId,
		seenAt.UTC(),
	)

	return err
}

func (db *PgRepository) QueryPresence(ctx context.Context, key string, since time.Time) ([]Presence, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT key, identity_id, last_seen_at FROM presence WHERE key = $1 AND last_seen_at >= $2",
		key,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Presence
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.Key, &p.IdentityId, &p.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}

		records = append(records, p)
	}

	return records, rows.Err()
}

func (db *PgRepository) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO profiles (id, display_name, avatar_ref, is_discoverable, updated_at) VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_ref = EXCLUDED.avatar_ref, "+
			"is_discoverable = EXCLUDED.is_discoverable, updated_at = EXCLUDED.updated_at",
		p.Id,
		p.DisplayName,
		p.AvatarRef,
		p.IsDiscoverable,
		time.Now().UTC(),
	)

	return err
}

func (db *PgRepository) GetProfile(ctx context.Context, identityId string) (Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, display_name, avatar_ref, is_discoverable, updated_at FROM profiles WHERE id = $1 LIMIT 1",
		identityId,
	)

	var p Profile
	err := row.Scan(&p.Id, &p.DisplayName, &p.AvatarRef, &p.IsDiscoverable, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}

	return p, err
}

func (db *PgRepository) ListDiscoverableProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return []Profile{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, display_name, avatar_ref, is_discoverable, updated_at FROM profiles "+
			"WHERE is_discoverable AND id = ANY($1) ORDER BY id",
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]Profile, 0, len(ids))
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Id, &p.DisplayName, &p.AvatarRef, &p.IsDiscoverable, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}

		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}
