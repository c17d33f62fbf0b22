package store

import "database/sql"

// InsertConversation inserts a full conversation row.
func (db *DB) InsertConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (conversation_id, owner_id, category, name, icon_url, announcement,
			has_unread_announcement, code_url, draft, last_message_id, last_message_created_at,
			last_read_message_id, unseen_message_count, status, mute_until, pin_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConversationID, c.OwnerID, c.Category, c.Name, c.IconURL, c.Announcement,
		c.HasUnreadAnnouncement, c.CodeURL, c.Draft, c.LastMessageID, c.LastMessageCreatedAt,
		c.LastReadMessageID, c.UnseenMessageCount, c.Status, c.MuteUntil, c.PinTime, c.CreatedAt)
	return err
}

// GetConversation returns the raw conversation row, or nil if absent.
func (db *DB) GetConversation(conversationID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT conversation_id, owner_id, category, name, icon_url, announcement,
			has_unread_announcement, code_url, draft, last_message_id, last_message_created_at,
			last_read_message_id, unseen_message_count, status, mute_until, pin_time, created_at
		FROM conversations WHERE conversation_id = ?`, conversationID).
		Scan(&c.ConversationID, &c.OwnerID, &c.Category, &c.Name, &c.IconURL, &c.Announcement,
			&c.HasUnreadAnnouncement, &c.CodeURL, &c.Draft, &c.LastMessageID, &c.LastMessageCreatedAt,
			&c.LastReadMessageID, &c.UnseenMessageCount, &c.Status, &c.MuteUntil, &c.PinTime, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConversationExists reports whether a row exists for the id.
func (db *DB) ConversationExists(conversationID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasValidConversation reports whether any conversation is not yet quit.
func (db *DB) HasValidConversation() (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM conversations WHERE status <> ? LIMIT 1`, StatusQuit).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// GetConversationStatus returns the stored status. ok is false when the
// conversation does not exist.
func (db *DB) GetConversationStatus(conversationID string) (status ConversationStatus, ok bool, err error) {
	err = db.QueryRow(`SELECT status FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return status, true, nil
}

// GetConversationCategory returns the stored category ('' for placeholders).
func (db *DB) GetConversationCategory(conversationID string) (string, error) {
	var category string
	err := db.QueryRow(`SELECT category FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&category)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return category, err
}

// UpdateConversationStatus moves a conversation to the given status.
func (db *DB) UpdateConversationStatus(conversationID string, status ConversationStatus) error {
	_, err := db.Exec(`UPDATE conversations SET status = ? WHERE conversation_id = ?`, status, conversationID)
	return err
}

// UpdateMuteUntil stores the mute window end ('' unmutes).
func (db *DB) UpdateMuteUntil(conversationID, muteUntil string) error {
	_, err := db.Exec(`UPDATE conversations SET mute_until = ? WHERE conversation_id = ?`, muteUntil, conversationID)
	return err
}

// UpdatePinTime pins ('' unpins) a conversation. Pinned conversations sort
// before unpinned ones, most recently pinned first.
func (db *DB) UpdatePinTime(conversationID, pinTime string) error {
	_, err := db.Exec(`UPDATE conversations SET pin_time = ? WHERE conversation_id = ?`, pinTime, conversationID)
	return err
}

// UpdateOwnerID rewrites the owner reference.
func (db *DB) UpdateOwnerID(conversationID, ownerID string) error {
	_, err := db.Exec(`UPDATE conversations SET owner_id = ? WHERE conversation_id = ?`, ownerID, conversationID)
	return err
}

// UpdateIconURL stores the icon produced by a group-icon job.
func (db *DB) UpdateIconURL(conversationID, iconURL string) error {
	_, err := db.Exec(`UPDATE conversations SET icon_url = ? WHERE conversation_id = ?`, iconURL, conversationID)
	return err
}

// UpdateCodeURL stores the conversation invite code URL.
func (db *DB) UpdateCodeURL(conversationID, codeURL string) error {
	_, err := db.Exec(`UPDATE conversations SET code_url = ? WHERE conversation_id = ?`, codeURL, conversationID)
	return err
}

// UpdateDraft stores the unsent composer text for a conversation.
func (db *DB) UpdateDraft(conversationID, draft string) error {
	_, err := db.Exec(`UPDATE conversations SET draft = ? WHERE conversation_id = ?`, draft, conversationID)
	return err
}

// MarkAnnouncementRead clears the unread-announcement flag.
func (db *DB) MarkAnnouncementRead(conversationID string) error {
	_, err := db.Exec(`UPDATE conversations SET has_unread_announcement = 0 WHERE conversation_id = ?`, conversationID)
	return err
}

// StartStatusConversationIDs lists conversations stuck in START, candidates
// for a sync pass against the remote authority.
func (db *DB) StartStatusConversationIDs() ([]string, error) {
	return db.conversationIDsWhere(`status = ?`, StatusStart)
}

// QuitStatusConversationIDs lists conversations whose exit has not been
// confirmed remotely yet.
func (db *DB) QuitStatusConversationIDs() ([]string, error) {
	return db.conversationIDsWhere(`status = ?`, StatusQuit)
}

// ProblemConversationIDs lists synced groups missing their invite code URL.
func (db *DB) ProblemConversationIDs() ([]string, error) {
	return db.conversationIDsWhere(`category = ? AND status = ? AND code_url = ''`, CategoryGroup, StatusSuccess)
}

func (db *DB) conversationIDsWhere(cond string, args ...any) ([]string, error) {
	rows, err := db.Query(`SELECT conversation_id FROM conversations WHERE `+cond, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
