package database

import "time"

type Room struct {
	Id           string
	Kind         string
	SeqId        int64
	Participants []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id                string
	RoomId            string
	SeqId             int64
	SenderId          string
	SenderDisplayName string
	SenderAvatarRef   string
	Content           string
	CreatedAt         time.Time
}

type Presence struct {
	Key        string
	IdentityId string
	LastSeenAt time.Time
}

type Profile struct {
	Id             string
	DisplayName    string
	AvatarRef      string
	IsDiscoverable bool
	UpdatedAt      time.Time
}
