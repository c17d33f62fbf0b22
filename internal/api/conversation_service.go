// Package api exposes narrow in-process facades over the store, the syncer
// and the job queue. UI and automation layers depend on these services
// instead of reaching into the packages behind them.
package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/mercuryim/mercury/internal/store"
	"github.com/mercuryim/mercury/internal/sync"
)

// ConversationService is the read/write facade over conversations.
type ConversationService struct {
	db     *store.DB
	syncer *sync.Syncer
}

// NewConversationService wires the facade.
func NewConversationService(db *store.DB, syncer *sync.Syncer) *ConversationService {
	return &ConversationService{db: db, syncer: syncer}
}

// List returns the conversation list projection, pinned first then most
// recent. limit <= 0 returns everything.
func (s *ConversationService) List(limit int) ([]store.ConversationItem, error) {
	return s.db.ConversationItems(limit)
}

// Get returns one conversation's projection, or nil if it is absent, quit
// or still a placeholder.
func (s *ConversationService) Get(conversationID string) (*store.ConversationItem, error) {
	return s.db.ConversationItemByID(conversationID)
}

// GetByOwner returns the direct conversation with a user, or nil.
func (s *ConversationService) GetByOwner(ownerUserID string) (*store.ConversationItem, error) {
	return s.db.ConversationItemByOwner(ownerUserID)
}

// Messages pages through a conversation's messages, newest first.
func (s *ConversationService) Messages(conversationID, before string, limit int) ([]store.Message, error) {
	return s.db.ListMessages(conversationID, before, limit)
}

// UnreadCount returns the total unread messages across conversations whose
// mute window has elapsed.
func (s *ConversationService) UnreadCount() (int64, error) {
	return s.db.UnreadMessageCount(store.UTCString(time.Now()))
}

// StorageUsage returns per-conversation media byte totals, heaviest first.
func (s *ConversationService) StorageUsage() ([]store.StorageUsage, error) {
	return s.db.StorageUsages()
}

// CategoryStorage breaks one conversation's media usage down by category.
func (s *ConversationService) CategoryStorage(conversationID string) ([]store.CategoryStorage, error) {
	return s.db.CategoryStorages(conversationID)
}

// CreateGroup creates a local group pending remote confirmation and returns
// its id.
func (s *ConversationService) CreateGroup(name string, memberIDs []string) (string, error) {
	conversationID := uuid.NewString()
	if err := s.syncer.CreateGroup(conversationID, name, memberIDs); err != nil {
		return "", err
	}
	return conversationID, nil
}

// Clear deletes a conversation's messages. remove also drops the
// conversation row.
func (s *ConversationService) Clear(conversationID string, remove bool) error {
	return s.syncer.Clear(conversationID, remove, false)
}

// Quit leaves a group: the local row moves to quit and the exit is
// announced remotely in the background.
func (s *ConversationService) Quit(conversationID string) error {
	return s.syncer.Quit(conversationID)
}

// Mute silences a conversation until the given instant; zero unmutes.
func (s *ConversationService) Mute(conversationID string, until time.Time) error {
	muteUntil := ""
	if !until.IsZero() {
		muteUntil = store.UTCString(until)
	}
	return s.syncer.SetMuteUntil(conversationID, muteUntil)
}

// Pin pins or unpins a conversation.
func (s *ConversationService) Pin(conversationID string, pinned bool) error {
	pinTime := ""
	if pinned {
		pinTime = store.UTCString(time.Now())
	}
	return s.syncer.SetPinTime(conversationID, pinTime)
}

// SetDraft stores the unsent composer text for a conversation.
func (s *ConversationService) SetDraft(conversationID, draft string) error {
	return s.db.UpdateDraft(conversationID, draft)
}

// MarkAnnouncementRead clears the unread-announcement marker.
func (s *ConversationService) MarkAnnouncementRead(conversationID string) error {
	return s.db.MarkAnnouncementRead(conversationID)
}
