package sync

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mercuryim/mercury/internal/bus"
	"github.com/mercuryim/mercury/internal/job"
	"github.com/mercuryim/mercury/internal/store"
	"go.uber.org/zap"
)

// convNamespace salts deterministic direct-conversation ids.
var convNamespace = uuid.MustParse("c5a1f3e2-8d47-4b6a-9e10-2f8c6d94b703")

// Submitter accepts background jobs produced as post-commit side effects.
type Submitter interface {
	Submit(j job.Job) bool
}

// Syncer reconciles the local store with remote conversation state. All
// writes of one operation share a transaction; jobs and bus events are
// emitted strictly after that transaction commits.
type Syncer struct {
	db     *store.DB
	jobs   Submitter
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
}

// New creates a Syncer. selfID is the local account's user id.
func New(db *store.DB, jobs Submitter, b *bus.Bus, logger *zap.Logger, selfID string) *Syncer {
	return &Syncer{db: db, jobs: jobs, bus: b, logger: logger, selfID: selfID}
}

// MakeConversationID derives the id of a direct conversation between two
// users. The pair is ordered before hashing, so both sides derive the same
// id independently.
func MakeConversationID(userID, otherUserID string) string {
	lo, hi := userID, otherUserID
	if lo > hi {
		lo, hi = hi, lo
	}
	return uuid.NewSHA1(convNamespace, []byte(lo+hi)).String()
}

// DirectOwnerID resolves the owner of a direct conversation from the
// viewer's perspective: the participant who is not the viewer, or the
// viewer for a self-conversation.
func DirectOwnerID(participantIDs []string, viewerID string) string {
	for _, id := range participantIDs {
		if id != viewerID {
			return id
		}
	}
	return viewerID
}

// CreatePlaceholder reserves a conversation row by id before its snapshot
// arrives, so inbound messages have a parent to attach to. Idempotent: an
// existing row of any shape is left untouched.
func (s *Syncer) CreatePlaceholder(conversationID, ownerID string) error {
	exists, err := s.db.ConversationExists(conversationID)
	if err != nil {
		return fmt.Errorf("check conversation %q: %w", conversationID, err)
	}
	if exists {
		return nil
	}
	return s.db.InsertConversation(&store.Conversation{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Status:         store.StatusStart,
		CreatedAt:      store.UTCString(time.Now()),
	})
}

// CreateGroup records a locally created group in START status, with the
// local account as owner. The group stays in START until the remote
// authority confirms it through ApplySnapshot.
func (s *Syncer) CreateGroup(conversationID, name string, memberIDs []string) error {
	now := store.UTCString(time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (conversation_id, owner_id, category, name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, s.selfID, store.CategoryGroup, name, store.StatusStart, now); err != nil {
		return fmt.Errorf("insert group %q: %w", conversationID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO participants (conversation_id, user_id, role, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, s.selfID, store.RoleOwner, store.ParticipantSuccess, now); err != nil {
		return fmt.Errorf("insert owner participant: %w", err)
	}
	for _, id := range memberIDs {
		if id == s.selfID {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO participants (conversation_id, user_id, role, status, created_at)
			VALUES (?, ?, '', ?, ?)`,
			conversationID, id, store.ParticipantStart, now); err != nil {
			return fmt.Errorf("insert participant %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group: %w", err)
	}

	s.bus.PublishChange(bus.ConversationChange{ConversationID: conversationID, Action: bus.ActionReload})
	return nil
}

// ApplySnapshot reconciles a remote snapshot into the store, landing the
// conversation in targetStatus. When the stored status already equals
// targetStatus the call is a no-op: no rows change and no event fires.
func (s *Syncer) ApplySnapshot(remote *RemoteConversation, targetStatus store.ConversationStatus) error {
	status, exists, err := s.db.GetConversationStatus(remote.ConversationID)
	if err != nil {
		return fmt.Errorf("read status of %q: %w", remote.ConversationID, err)
	}
	if exists && status == targetStatus {
		return nil
	}

	ownerID := s.ownerOf(remote)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !exists {
		if _, err := tx.Exec(`
			INSERT INTO conversations (conversation_id, owner_id, category, name, icon_url, announcement,
				code_url, status, mute_until, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			remote.ConversationID, ownerID, remote.Category, remote.Name, remote.IconURL,
			remote.Announcement, remote.CodeURL, targetStatus, remote.MuteUntil,
			store.UTCString(remote.CreatedAt)); err != nil {
			return fmt.Errorf("insert conversation %q: %w", remote.ConversationID, err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE conversations SET owner_id = ?, category = ?, name = ?, icon_url = ?,
				announcement = ?, code_url = ?, status = ?, mute_until = ?, created_at = ?
			WHERE conversation_id = ?`,
			ownerID, remote.Category, remote.Name, remote.IconURL, remote.Announcement,
			remote.CodeURL, targetStatus, remote.MuteUntil, store.UTCString(remote.CreatedAt),
			remote.ConversationID); err != nil {
			return fmt.Errorf("update conversation %q: %w", remote.ConversationID, err)
		}
	}

	unknownIDs, err := s.reconcileMembership(tx, remote)
	if err != nil {
		return err
	}

	// A group creator absent from the member list still needs an identity
	// row for the UI to attribute system messages.
	if remote.Category == store.CategoryGroup && remote.CreatorID != "" {
		inList := false
		for _, p := range remote.Participants {
			if p.UserID == remote.CreatorID {
				inList = true
				break
			}
		}
		if !inList {
			known, err := userKnown(tx, remote.CreatorID)
			if err != nil {
				return err
			}
			if !known {
				unknownIDs = append(unknownIDs, remote.CreatorID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	s.afterMembershipCommit(remote.ConversationID, unknownIDs)
	return nil
}

// Update applies a remote snapshot unconditionally, landing the conversation
// in SUCCESS. Membership is replaced wholesale: the remote list is the
// authority and the last writer wins. A changed, non-empty announcement
// flags the unread-announcement marker.
func (s *Syncer) Update(remote *RemoteConversation) error {
	prev, err := s.db.GetConversation(remote.ConversationID)
	if err != nil {
		return fmt.Errorf("read conversation %q: %w", remote.ConversationID, err)
	}

	ownerID := s.ownerOf(remote)
	announcementUnread := prev != nil && remote.Announcement != "" && remote.Announcement != prev.Announcement

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if prev == nil {
		if _, err := tx.Exec(`
			INSERT INTO conversations (conversation_id, owner_id, category, name, icon_url, announcement,
				code_url, status, mute_until, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			remote.ConversationID, ownerID, remote.Category, remote.Name, remote.IconURL,
			remote.Announcement, remote.CodeURL, store.StatusSuccess, remote.MuteUntil,
			store.UTCString(remote.CreatedAt)); err != nil {
			return fmt.Errorf("insert conversation %q: %w", remote.ConversationID, err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE conversations SET owner_id = ?, category = ?, name = ?, icon_url = ?,
				announcement = ?, has_unread_announcement = ?, code_url = ?, status = ?, mute_until = ?
			WHERE conversation_id = ?`,
			ownerID, remote.Category, remote.Name, remote.IconURL, remote.Announcement,
			announcementUnread, remote.CodeURL, store.StatusSuccess, remote.MuteUntil,
			remote.ConversationID); err != nil {
			return fmt.Errorf("update conversation %q: %w", remote.ConversationID, err)
		}
	}

	unknownIDs, err := s.reconcileMembership(tx, remote)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}

	s.afterMembershipCommit(remote.ConversationID, unknownIDs)
	return nil
}

// Clear removes a conversation's messages. removeConversation also drops the
// conversation row; exitConversation additionally drops membership and
// session rows. Media URLs are captured before deletion and handed to an
// attachment cleanup job after commit.
func (s *Syncer) Clear(conversationID string, removeConversation, exitConversation bool) error {
	mediaURLs, err := s.db.MediaURLs(conversationID)
	if err != nil {
		return fmt.Errorf("capture media urls of %q: %w", conversationID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM message_mentions WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete mentions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	removed := removeConversation || exitConversation
	if removed {
		if _, err := tx.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE conversations SET unseen_message_count = 0, last_message_id = '',
				last_message_created_at = '', last_read_message_id = ''
			WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("reset conversation: %w", err)
		}
	}
	if exitConversation {
		if _, err := tx.Exec(`DELETE FROM participants WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete participants: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM participant_sessions WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}

	// Cleanup is queued on every clear, media or not.
	s.jobs.Submit(job.NewAttachmentCleanup(conversationID, mediaURLs))
	action := bus.ActionReload
	if removed {
		action = bus.ActionDelete
	}
	s.bus.PublishChange(bus.ConversationChange{ConversationID: conversationID, Action: action})
	return nil
}

// Quit marks a conversation as left locally and schedules the remote
// announcement. The row lingers in QUIT until the exit job confirms.
func (s *Syncer) Quit(conversationID string) error {
	if err := s.db.UpdateConversationStatus(conversationID, store.StatusQuit); err != nil {
		return fmt.Errorf("mark quit %q: %w", conversationID, err)
	}
	s.jobs.Submit(job.NewExitConversation(conversationID))
	s.bus.PublishChange(bus.ConversationChange{ConversationID: conversationID, Action: bus.ActionUpdate})
	return nil
}

// SetMuteUntil stores the end of the mute window ('' unmutes). Direct
// conversations mute the peer's identity as well, because the unread
// aggregate reads the peer's mute window for those.
func (s *Syncer) SetMuteUntil(conversationID, muteUntil string) error {
	c, err := s.db.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("read conversation %q: %w", conversationID, err)
	}
	if c == nil {
		return fmt.Errorf("conversation %q not found", conversationID)
	}
	if err := s.db.UpdateMuteUntil(conversationID, muteUntil); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	if c.Category == store.CategoryContact && c.OwnerID != "" {
		if _, err := s.db.Exec(`UPDATE users SET mute_until = ? WHERE user_id = ?`, muteUntil, c.OwnerID); err != nil {
			return fmt.Errorf("mute owner %q: %w", c.OwnerID, err)
		}
	}
	s.bus.PublishChange(bus.ConversationChange{ConversationID: conversationID, Action: bus.ActionUpdate})
	return nil
}

// SetPinTime pins ('' unpins) a conversation. Observers re-read the list on
// their own; no event fires.
func (s *Syncer) SetPinTime(conversationID, pinTime string) error {
	return s.db.UpdatePinTime(conversationID, pinTime)
}

func (s *Syncer) ownerOf(remote *RemoteConversation) string {
	if remote.Category != store.CategoryContact {
		return remote.CreatorID
	}
	ids := make([]string, 0, len(remote.Participants))
	for _, p := range remote.Participants {
		ids = append(ids, p.UserID)
	}
	return DirectOwnerID(ids, s.selfID)
}

// reconcileMembership replaces participant and session rows with the remote
// list, promotes members whose identity is cached, and returns member ids
// with no local identity row.
func (s *Syncer) reconcileMembership(tx *sql.Tx, remote *RemoteConversation) ([]string, error) {
	if _, err := tx.Exec(`DELETE FROM participants WHERE conversation_id = ?`, remote.ConversationID); err != nil {
		return nil, fmt.Errorf("delete participants: %w", err)
	}
	for _, p := range remote.Participants {
		if _, err := tx.Exec(`
			INSERT INTO participants (conversation_id, user_id, role, status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			remote.ConversationID, p.UserID, p.Role, store.ParticipantStart,
			store.UTCString(p.CreatedAt)); err != nil {
			return nil, fmt.Errorf("insert participant %q: %w", p.UserID, err)
		}
	}
	if _, err := tx.Exec(`
		UPDATE participants SET status = ?
		WHERE conversation_id = ? AND user_id IN (SELECT user_id FROM users)`,
		store.ParticipantSuccess, remote.ConversationID); err != nil {
		return nil, fmt.Errorf("promote known participants: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM participant_sessions WHERE conversation_id = ?`, remote.ConversationID); err != nil {
		return nil, fmt.Errorf("delete sessions: %w", err)
	}
	now := store.UTCString(time.Now())
	for _, sess := range remote.Sessions {
		if _, err := tx.Exec(`
			INSERT INTO participant_sessions (conversation_id, user_id, session_id, sent_to_server, created_at)
			VALUES (?, ?, ?, 0, ?)`,
			remote.ConversationID, sess.UserID, sess.SessionID, now); err != nil {
			return nil, fmt.Errorf("insert session %q: %w", sess.SessionID, err)
		}
	}

	rows, err := tx.Query(`
		SELECT user_id FROM participants
		WHERE conversation_id = ? AND user_id NOT IN (SELECT user_id FROM users)`,
		remote.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("list unsynced participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var unknown []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		unknown = append(unknown, id)
	}
	return unknown, rows.Err()
}

func userKnown(tx *sql.Tx, userID string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM users WHERE user_id = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user %q: %w", userID, err)
	}
	return true, nil
}

func (s *Syncer) afterMembershipCommit(conversationID string, unknownIDs []string) {
	if len(unknownIDs) > 0 {
		s.jobs.Submit(job.NewRefreshUser(unknownIDs))
		s.logger.Debug("scheduled identity refresh",
			zap.String("conversation_id", conversationID), zap.Int("users", len(unknownIDs)))
	}
	s.bus.PublishChange(bus.ConversationChange{ConversationID: conversationID, Action: bus.ActionUpdateSnapshot})
}
