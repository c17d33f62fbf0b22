package store

import "time"

// Conversation categories.
const (
	CategoryContact = "CONTACT"
	CategoryGroup   = "GROUP"
)

// ConversationStatus is the lifecycle position of a local conversation row.
// Transitions only move forward, except a rollback to StatusStart when the
// local copy is detected as corrupt and must be re-synced.
type ConversationStatus int

const (
	StatusStart   ConversationStatus = 0
	StatusSuccess ConversationStatus = 1
	StatusQuit    ConversationStatus = 2
)

// Participant roles.
const (
	RoleOwner = "OWNER"
	RoleAdmin = "ADMIN"
)

// Participant statuses.
const (
	ParticipantStart   = 0
	ParticipantSuccess = 1
)

// Message delivery statuses.
const (
	MessageSending   = "SENDING"
	MessageSent      = "SENT"
	MessageDelivered = "DELIVERED"
	MessageRead      = "READ"
	MessageFailed    = "FAILED"
)

// Media transfer statuses. The empty string means the message has no media.
const (
	MediaPending  = "PENDING"
	MediaDone     = "DONE"
	MediaCanceled = "CANCELED"
	MediaExpired  = "EXPIRED"
)

// TimeFormat is the column format for every timestamp in the store.
// RFC 3339 in UTC compares lexicographically in creation order, which the
// list and unread queries rely on.
const TimeFormat = time.RFC3339

// UTCString formats t for storage.
func UTCString(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Conversation is a raw conversation row. An empty Category marks a
// placeholder reserved by id before the full snapshot arrived. An empty
// PinTime means unpinned.
type Conversation struct {
	ConversationID        string
	OwnerID               string
	Category              string
	Name                  string
	IconURL               string
	Announcement          string
	HasUnreadAnnouncement bool
	CodeURL               string
	Draft                 string
	LastMessageID         string
	LastMessageCreatedAt  string
	LastReadMessageID     string
	UnseenMessageCount    int
	Status                ConversationStatus
	MuteUntil             string
	PinTime               string
	CreatedAt             string
}

// Participant is a user's membership record within a conversation.
type Participant struct {
	ConversationID string
	UserID         string
	Role           string
	Status         int
	CreatedAt      string
}

// ParticipantSession tracks one device session of a participant, used for
// message fan-out.
type ParticipantSession struct {
	ConversationID string
	UserID         string
	SessionID      string
	SentToServer   bool
	CreatedAt      string
}

// User is a locally cached identity.
type User struct {
	UserID         string
	IdentityNumber string
	FullName       string
	AvatarURL      string
	Relationship   string
	IsVerified     bool
	AppID          string
	MuteUntil      string
}

// Message is a single message row. Immutable once status reaches a terminal
// state, except for media-status transitions driven by attachment jobs.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Category       string
	Content        string
	MediaURL       string
	MediaSize      int64
	MediaStatus    string
	Status         string
	CreatedAt      string
}

// MessageMention records that a message mentions the local user.
type MessageMention struct {
	MessageID      string
	ConversationID string
	Mentions       string
	HasRead        bool
}

// ConversationItem is the read projection backing the conversation list:
// the conversation joined with its latest message, that message's sender
// and the owner's identity.
type ConversationItem struct {
	ConversationID        string
	OwnerID               string
	Category              string
	Name                  string
	IconURL               string
	Announcement          string
	HasUnreadAnnouncement bool
	Status                ConversationStatus
	UnseenMessageCount    int
	UnseenMentionCount    int
	MuteUntil             string
	CodeURL               string
	PinTime               string

	MessageID        string
	Content          string
	ContentType      string
	MessageStatus    string
	MessageCreatedAt string
	SenderID         string
	SenderFullName   string

	OwnerIdentityNumber string
	OwnerFullName       string
	OwnerAvatarURL      string
	OwnerIsVerified     bool
}

// StorageUsage aggregates media bytes per conversation.
type StorageUsage struct {
	ConversationID string
	OwnerID        string
	Category       string
	Name           string
	IconURL        string
	MediaSize      int64
}

// CategoryStorage aggregates media bytes per message category within one
// conversation.
type CategoryStorage struct {
	Category     string
	MediaSize    int64
	MessageCount int64
}
