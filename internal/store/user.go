package store

import (
	"database/sql"
	"fmt"
)

// UpsertUser inserts or updates a cached identity.
func (db *DB) UpsertUser(u *User) error {
	_, err := db.Exec(`
		INSERT INTO users (user_id, identity_number, full_name, avatar_url, relationship, is_verified, app_id, mute_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			identity_number = excluded.identity_number,
			full_name = excluded.full_name,
			avatar_url = excluded.avatar_url,
			relationship = excluded.relationship,
			is_verified = excluded.is_verified,
			app_id = excluded.app_id,
			mute_until = excluded.mute_until`,
		u.UserID, u.IdentityNumber, u.FullName, u.AvatarURL, u.Relationship, u.IsVerified, u.AppID, u.MuteUntil)
	return err
}

// BulkUpsertUsers inserts or updates multiple identities in one transaction.
func (db *DB) BulkUpsertUsers(users []User) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range users {
		if _, err := tx.Exec(`
			INSERT INTO users (user_id, identity_number, full_name, avatar_url, relationship, is_verified, app_id, mute_until)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				identity_number = excluded.identity_number,
				full_name = excluded.full_name,
				avatar_url = excluded.avatar_url,
				relationship = excluded.relationship,
				is_verified = excluded.is_verified,
				app_id = excluded.app_id,
				mute_until = excluded.mute_until`,
			u.UserID, u.IdentityNumber, u.FullName, u.AvatarURL, u.Relationship, u.IsVerified, u.AppID, u.MuteUntil); err != nil {
			return fmt.Errorf("upsert user %q: %w", u.UserID, err)
		}
	}
	return tx.Commit()
}

// GetUser returns a cached identity by id, or nil if unknown.
func (db *DB) GetUser(userID string) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT user_id, identity_number, full_name, avatar_url, relationship, is_verified, app_id, mute_until
		FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.IdentityNumber, &u.FullName, &u.AvatarURL, &u.Relationship, &u.IsVerified, &u.AppID, &u.MuteUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserExists reports whether an identity is cached locally.
func (db *DB) UserExists(userID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM users WHERE user_id = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
