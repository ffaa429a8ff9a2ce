package types

import (
	"strings"
	"time"
)

type Kind string

const (
	KindDirect    Kind = "direct"
	KindGroup     Kind = "group"
	KindEvent     Kind = "event"
	KindStream    Kind = "stream"
	KindChallenge Kind = "challenge"
	KindBeacon    Kind = "beacon"
)

var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"stream_", KindStream},
	{"event_", KindEvent},
	{"beacon_", KindBeacon},
	{"challenge_", KindChallenge},
	{"game_", KindChallenge},
	{"dm_", KindDirect},
}

// Valid reports whether k is one of the known room kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindEvent, KindStream, KindChallenge, KindBeacon:
		return true
	}
	return false
}

// KindFromRoomId infers the room kind from the conventional id prefix,
// e.g. "stream_42" is a stream room. Unknown prefixes are group rooms.
func KindFromRoomId(roomId string) Kind {
	for _, p := range kindPrefixes {
		if strings.HasPrefix(roomId, p.prefix) {
			return p.kind
		}
	}
	return KindGroup
}

type Room struct {
	Id             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	SeqId          int64     `json:"seq_id"`
	ParticipantIds []string  `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Message is immutable once appended. The sender fields are a snapshot
// taken at send time.
type Message struct {
	Id                string    `json:"id"`
	RoomId            string    `json:"room_id"`
	SeqId             int64     `json:"seq_id"`
	SenderId          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	SenderAvatarRef   string    `json:"sender_avatar_ref,omitempty"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"created_at"`
}

type Profile struct {
	Id             string `json:"id"`
	DisplayName    string `json:"display_name"`
	AvatarRef      string `json:"avatar_ref,omitempty"`
	IsDiscoverable bool   `json:"is_discoverable"`
}

type PresenceRecord struct {
	Key        string    `json:"key"`
	IdentityId string    `json:"identity_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
