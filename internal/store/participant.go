package store

// Participants returns all membership rows for a conversation.
func (db *DB) Participants(conversationID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, role, status, created_at
		FROM participants WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ps []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

// ParticipantCount returns the number of members in a conversation.
func (db *DB) ParticipantCount(conversationID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM participants WHERE conversation_id = ?`, conversationID).Scan(&count)
	return count, err
}

// UnsyncedParticipantIDs returns member user ids with no local identity row.
// Those users need a refresh job before the UI can render them.
func (db *DB) UnsyncedParticipantIDs(conversationID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT user_id FROM participants
		WHERE conversation_id = ? AND user_id NOT IN (SELECT user_id FROM users)`, conversationID)
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

// MarkParticipantsSynced promotes membership rows for a user to the synced
// status once their identity row landed locally.
func (db *DB) MarkParticipantsSynced(userID string) error {
	_, err := db.Exec(`UPDATE participants SET status = ? WHERE user_id = ?`, ParticipantSuccess, userID)
	return err
}

// ParticipantSessions returns the per-device session rows for a conversation.
func (db *DB) ParticipantSessions(conversationID string) ([]ParticipantSession, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, session_id, IFNULL(sent_to_server, 0), created_at
		FROM participant_sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ss []ParticipantSession
	for rows.Next() {
		var s ParticipantSession
		if err := rows.Scan(&s.ConversationID, &s.UserID, &s.SessionID, &s.SentToServer, &s.CreatedAt); err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, rows.Err()
}
