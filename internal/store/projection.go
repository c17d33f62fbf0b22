package store

import "fmt"

// Projection queries are read-only and safe for any number of concurrent
// readers; none of them mutate rows.

const itemColumns = `
	SELECT c.conversation_id, c.owner_id, c.category, c.name, c.icon_url, c.announcement,
		c.has_unread_announcement, c.status, c.unseen_message_count,
		(SELECT COUNT(*) FROM message_mentions mm WHERE mm.conversation_id = c.conversation_id AND mm.has_read = 0),
		CASE WHEN c.category = 'CONTACT' THEN u1.mute_until ELSE c.mute_until END,
		c.code_url, c.pin_time,
		IFNULL(m.id, ''), IFNULL(m.content, ''), IFNULL(m.category, ''), IFNULL(m.status, ''), IFNULL(m.created_at, ''),
		IFNULL(m.user_id, ''), IFNULL(u.full_name, ''),
		u1.identity_number, u1.full_name, u1.avatar_url, u1.is_verified`

// itemQuery joins each conversation with its latest message, that message's
// sender and the owner identity. Quit conversations and placeholders (empty
// category) never appear. Pinned conversations precede unpinned ones
// regardless of recency: an empty pin_time sorts after every timestamp
// under DESC text ordering.
const itemQuery = itemColumns + `
	FROM conversations c
	LEFT JOIN messages m ON c.last_message_id = m.id
	LEFT JOIN users u ON u.user_id = m.user_id
	INNER JOIN users u1 ON u1.user_id = c.owner_id
	WHERE c.category != '' AND c.status <> 2 %s
	ORDER BY c.pin_time DESC, c.last_message_created_at DESC`

// ConversationItems returns the conversation list projection. limit <= 0
// returns everything.
func (db *DB) ConversationItems(limit int) ([]ConversationItem, error) {
	q := fmt.Sprintf(itemQuery, "")
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return db.queryItems(q, args...)
}

// ConversationItemByID returns the projection for a single conversation,
// or nil if it is absent, quit or still a placeholder.
func (db *DB) ConversationItemByID(conversationID string) (*ConversationItem, error) {
	items, err := db.queryItems(fmt.Sprintf(itemQuery, `AND c.conversation_id = ?`), conversationID)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// ConversationItemByOwner returns the direct conversation owned by a user.
func (db *DB) ConversationItemByOwner(ownerUserID string) (*ConversationItem, error) {
	items, err := db.queryItems(fmt.Sprintf(itemQuery, `AND c.owner_id = ? AND c.category = 'CONTACT'`), ownerUserID)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// UnreadMessageCount sums unseen counts across conversations whose mute
// window has elapsed by now. Direct conversations take the owner user's
// mute window instead of the conversation's.
func (db *DB) UnreadMessageCount(now string) (int64, error) {
	var count int64
	err := db.QueryRow(`
		SELECT IFNULL(SUM(unseen_message_count), 0) FROM (
			SELECT c.unseen_message_count,
				CASE WHEN c.category = 'CONTACT' THEN u.mute_until ELSE c.mute_until END AS mute_until
			FROM conversations c
			INNER JOIN users u ON u.user_id = c.owner_id
		) WHERE mute_until < ?`, now).Scan(&count)
	return count, err
}

// StorageUsages returns per-conversation media byte totals, heaviest first.
func (db *DB) StorageUsages() ([]StorageUsage, error) {
	rows, err := db.Query(`
		SELECT c.conversation_id, c.owner_id, c.category, c.name, c.icon_url, m.media_size
		FROM conversations c
		INNER JOIN (
			SELECT conversation_id, SUM(media_size) AS media_size
			FROM messages WHERE media_size > 0 GROUP BY conversation_id
		) m ON m.conversation_id = c.conversation_id
		ORDER BY m.media_size DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var usages []StorageUsage
	for rows.Next() {
		var u StorageUsage
		if err := rows.Scan(&u.ConversationID, &u.OwnerID, &u.Category, &u.Name, &u.IconURL, &u.MediaSize); err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

// CategoryStorages breaks one conversation's media usage down by category.
func (db *DB) CategoryStorages(conversationID string) ([]CategoryStorage, error) {
	rows, err := db.Query(`
		SELECT category, SUM(media_size), COUNT(id) FROM messages
		WHERE conversation_id = ? AND media_size > 0 GROUP BY category`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var storages []CategoryStorage
	for rows.Next() {
		var s CategoryStorage
		if err := rows.Scan(&s.Category, &s.MediaSize, &s.MessageCount); err != nil {
			return nil, err
		}
		storages = append(storages, s)
	}
	return storages, rows.Err()
}

func (db *DB) queryItems(q string, args ...any) ([]ConversationItem, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []ConversationItem
	for rows.Next() {
		var it ConversationItem
		if err := rows.Scan(&it.ConversationID, &it.OwnerID, &it.Category, &it.Name, &it.IconURL, &it.Announcement,
			&it.HasUnreadAnnouncement, &it.Status, &it.UnseenMessageCount, &it.UnseenMentionCount,
			&it.MuteUntil, &it.CodeURL, &it.PinTime,
			&it.MessageID, &it.Content, &it.ContentType, &it.MessageStatus, &it.MessageCreatedAt,
			&it.SenderID, &it.SenderFullName,
			&it.OwnerIdentityNumber, &it.OwnerFullName, &it.OwnerAvatarURL, &it.OwnerIsVerified); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
