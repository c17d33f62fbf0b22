package store

// UpsertMessage inserts or updates a message (idempotent on id). Delivery
// status only moves forward; a redelivered row cannot demote READ to SENT.
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, user_id, category, content, media_url, media_size, media_status, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			status = CASE
				WHEN messages.status = 'READ' THEN messages.status
				WHEN messages.status = 'DELIVERED' AND excluded.status IN ('SENDING', 'SENT') THEN messages.status
				ELSE excluded.status
			END`,
		m.ID, m.ConversationID, m.UserID, m.Category, m.Content, m.MediaURL, m.MediaSize, m.MediaStatus, m.Status, m.CreatedAt)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by created_at descending. An empty before reads from the newest.
func (db *DB) ListMessages(conversationID string, before string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, conversation_id, user_id, category, content, media_url, media_size, media_status, status, created_at
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != "" {
		q += ` AND created_at < ?`
		args = append(args, before)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Category, &m.Content,
			&m.MediaURL, &m.MediaSize, &m.MediaStatus, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns one message by id, or nil if absent.
func (db *DB) GetMessage(messageID string) (*Message, error) {
	msgs, err := db.queryMessages(`
		SELECT id, conversation_id, user_id, category, content, media_url, media_size, media_status, status, created_at
		FROM messages WHERE id = ?`, messageID)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// MediaURLs returns every media URL stored for a conversation. Captured
// before deletion so attachment cleanup can run off the transaction path.
func (db *DB) MediaURLs(conversationID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT media_url FROM messages
		WHERE conversation_id = ? AND media_url != ''`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// UpdateMediaStatus transitions a message's media status. The update is
// conditional on the current status so a canceled download can never be
// flipped to DONE by a racing worker.
func (db *DB) UpdateMediaStatus(messageID, from, to string) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET media_status = ? WHERE id = ? AND media_status = ?`, to, messageID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// InsertMention records an unread mention for a message.
func (db *DB) InsertMention(m *MessageMention) error {
	_, err := db.Exec(`
		INSERT INTO message_mentions (message_id, conversation_id, mentions, has_read)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET mentions = excluded.mentions`,
		m.MessageID, m.ConversationID, m.Mentions, m.HasRead)
	return err
}

// MarkMentionRead flags a mention as seen.
func (db *DB) MarkMentionRead(messageID string) error {
	_, err := db.Exec(`UPDATE message_mentions SET has_read = 1 WHERE message_id = ?`, messageID)
	return err
}

func (db *DB) queryMessages(q string, args ...any) ([]Message, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Category, &m.Content,
			&m.MediaURL, &m.MediaSize, &m.MediaStatus, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
