// Package sync applies authoritative conversation snapshots from the remote
// service to the local store. Every operation mutates inside one transaction
// and publishes its change notification only after the commit, so observers
// never see an event for state that can still roll back.
package sync

import "time"

// RemoteParticipant is one membership entry of an inbound snapshot.
type RemoteParticipant struct {
	UserID    string
	Role      string
	CreatedAt time.Time
}

// RemoteSession is one device session of a participant in an inbound
// snapshot.
type RemoteSession struct {
	UserID    string
	SessionID string
}

// RemoteConversation is the authoritative snapshot of a conversation as
// delivered by the remote service.
type RemoteConversation struct {
	ConversationID string
	CreatorID      string
	Category       string
	Name           string
	IconURL        string
	Announcement   string
	CodeURL        string
	MuteUntil      string
	CreatedAt      time.Time

	Participants []RemoteParticipant
	Sessions     []RemoteSession
}
