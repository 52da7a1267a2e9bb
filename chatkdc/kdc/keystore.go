/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * KeyStore: master key versions, per-user encrypted copies and the share history
 */

package kdc

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const masterKeyColumns = `channel_id, key_version, key_material, created_by, is_active, created_at`

func scanMasterKey(row interface{ Scan(...interface{}) error }) (*MasterKeyVersion, error) {
	mk := &MasterKeyVersion{}
	if err := row.Scan(&mk.ChannelID, &mk.Version, &mk.KeyMaterial, &mk.CreatedBy, &mk.IsActive, &mk.CreatedAt); err != nil {
		return nil, err
	}
	mk.Fingerprint = Fingerprint(mk.KeyMaterial)
	return mk, nil
}

// GetActiveVersion returns the single active master key version for a channel.
// A NotFound error means encryption has not been initialized for the channel.
func (kdc *KdcDB) GetActiveVersion(ctx context.Context, channelID string) (*MasterKeyVersion, error) {
	return kdc.getActiveVersion(ctx, kdc.DB, channelID, false)
}

func (kdc *KdcDB) getActiveVersion(ctx context.Context, q dbtx, channelID string, forUpdate bool) (*MasterKeyVersion, error) {
	query := `SELECT ` + masterKeyColumns + ` FROM channel_master_keys WHERE channel_id = ? AND is_active = 1`
	if forUpdate && kdc.DBType == "mariadb" {
		query += ` FOR UPDATE`
	}
	mk, err := scanMasterKey(q.QueryRowContext(ctx, query, channelID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFoundf("encryption not initialized for channel %s", channelID)
		}
		return nil, fmt.Errorf("failed to get active key version: %v", err)
	}
	return mk, nil
}

// maxVersion returns the highest version ever issued for the channel (0 if none)
func (kdc *KdcDB) maxVersion(ctx context.Context, q dbtx, channelID string) (int, error) {
	var v sql.NullInt64
	err := q.QueryRowContext(ctx,
		"SELECT MAX(key_version) FROM channel_master_keys WHERE channel_id = ?", channelID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to get max key version: %v", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// GetKeyHistory returns every master key version for a channel, oldest first
func (kdc *KdcDB) GetKeyHistory(ctx context.Context, channelID string) ([]*MasterKeyVersion, error) {
	rows, err := kdc.DB.QueryContext(ctx,
		`SELECT `+masterKeyColumns+` FROM channel_master_keys WHERE channel_id = ? ORDER BY key_version`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query key history: %v", err)
	}
	defer rows.Close()

	var history []*MasterKeyVersion
	for rows.Next() {
		mk, err := scanMasterKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan master key: %v", err)
		}
		history = append(history, mk)
	}
	return history, rows.Err()
}

func (kdc *KdcDB) insertMasterKey(ctx context.Context, q dbtx, mk *MasterKeyVersion) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO channel_master_keys (`+masterKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		mk.ChannelID, mk.Version, mk.KeyMaterial, mk.CreatedBy, mk.IsActive, mk.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictf("key version %d for channel %s already exists", mk.Version, mk.ChannelID)
		}
		return fmt.Errorf("failed to insert master key: %v", err)
	}
	return nil
}

// deactivateMasterKey flips exactly one active row to inactive. Zero rows affected
// means somebody else got there first.
func (kdc *KdcDB) deactivateMasterKey(ctx context.Context, q dbtx, channelID string, version int) error {
	res, err := q.ExecContext(ctx,
		"UPDATE channel_master_keys SET is_active = 0 WHERE channel_id = ? AND key_version = ? AND is_active = 1",
		channelID, version)
	if err != nil {
		return fmt.Errorf("failed to deactivate key version %d: %v", version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %v", err)
	}
	if n != 1 {
		return conflictf("key version %d for channel %s is no longer active", version, channelID)
	}
	return nil
}

const userKeyColumns = `id, channel_id, user_id, key_version, encrypted_key, sender_id, is_active, created_at, updated_at`

func scanUserKey(row interface{ Scan(...interface{}) error }) (*UserChannelKey, error) {
	k := &UserChannelKey{}
	err := row.Scan(&k.ID, &k.ChannelID, &k.UserID, &k.KeyVersion, &k.EncryptedKey, &k.SenderID,
		&k.IsActive, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetUserKey returns the user's most recent copy of the channel key, preferring active rows.
// A NotFound error is the expected "missing" state that callers heal from.
func (kdc *KdcDB) GetUserKey(ctx context.Context, channelID, userID string) (*UserChannelKey, error) {
	return kdc.getUserKey(ctx, kdc.DB, channelID, userID)
}

func (kdc *KdcDB) getUserKey(ctx context.Context, q dbtx, channelID, userID string) (*UserChannelKey, error) {
	k, err := scanUserKey(q.QueryRowContext(ctx,
		`SELECT `+userKeyColumns+` FROM user_channel_keys
		 WHERE channel_id = ? AND user_id = ?
		 ORDER BY is_active DESC, key_version DESC LIMIT 1`, channelID, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFoundf("user %s has no key for channel %s", userID, channelID)
		}
		return nil, fmt.Errorf("failed to get user key: %v", err)
	}
	return k, nil
}

// ListUserKeys returns all of a user's key copies for a channel, newest version first
func (kdc *KdcDB) ListUserKeys(ctx context.Context, channelID, userID string) ([]*UserChannelKey, error) {
	rows, err := kdc.DB.QueryContext(ctx,
		`SELECT `+userKeyColumns+` FROM user_channel_keys
		 WHERE channel_id = ? AND user_id = ? ORDER BY key_version DESC`, channelID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user keys: %v", err)
	}
	defer rows.Close()

	var keys []*UserChannelKey
	for rows.Next() {
		k, err := scanUserKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user key: %v", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PutUserKey stores the user's encrypted copy of one key version. The copy is marked
// active when the version is the channel's current active version.
func (kdc *KdcDB) PutUserKey(ctx context.Context, channelID, userID string, version int, encryptedKey, senderID string) error {
	return kdc.withTx(ctx, func(tx *sql.Tx) error {
		active := false
		if mk, err := kdc.getActiveVersion(ctx, tx, channelID, false); err == nil {
			active = mk.Version == version
		} else if KindOf(err) != KindNotFound {
			return err
		}
		return kdc.putUserKey(ctx, tx, &UserChannelKey{
			ChannelID:    channelID,
			UserID:       userID,
			KeyVersion:   version,
			EncryptedKey: encryptedKey,
			SenderID:     senderID,
			IsActive:     active,
		})
	})
}

// putUserKey upserts on (channel_id, user_id, key_version); last writer wins
func (kdc *KdcDB) putUserKey(ctx context.Context, q dbtx, k *UserChannelKey) error {
	now := time.Now().UTC()

	var query string
	if kdc.DBType == "sqlite" {
		query = `INSERT INTO user_channel_keys
			(channel_id, user_id, key_version, encrypted_key, sender_id, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, user_id, key_version) DO UPDATE SET
				encrypted_key = excluded.encrypted_key,
				sender_id = excluded.sender_id,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at`
	} else {
		query = `INSERT INTO user_channel_keys
			(channel_id, user_id, key_version, encrypted_key, sender_id, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				encrypted_key = VALUES(encrypted_key),
				sender_id = VALUES(sender_id),
				is_active = VALUES(is_active),
				updated_at = VALUES(updated_at)`
	}

	_, err := q.ExecContext(ctx, query, k.ChannelID, k.UserID, k.KeyVersion, k.EncryptedKey, k.SenderID,
		k.IsActive, now, now)
	if err != nil {
		return fmt.Errorf("failed to store user key: %v", err)
	}

	if k.IsActive {
		// only one of the user's copies can track the active version
		_, err = q.ExecContext(ctx,
			`UPDATE user_channel_keys SET is_active = 0, updated_at = ?
			 WHERE channel_id = ? AND user_id = ? AND key_version <> ? AND is_active = 1`,
			now, k.ChannelID, k.UserID, k.KeyVersion)
		if err != nil {
			return fmt.Errorf("failed to deactivate older user keys: %v", err)
		}
	}
	return nil
}

// DeleteUserKeys removes a user's copies for a channel. Used by admin tooling to force a re-heal.
func (kdc *KdcDB) DeleteUserKeys(ctx context.Context, channelID, userID string) (int64, error) {
	res, err := kdc.DB.ExecContext(ctx,
		"DELETE FROM user_channel_keys WHERE channel_id = ? AND user_id = ?", channelID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user keys: %v", err)
	}
	return res.RowsAffected()
}

// deactivateUserKeys marks copies inactive; an empty userID covers every member of the channel
func (kdc *KdcDB) deactivateUserKeys(ctx context.Context, q dbtx, channelID, userID string) error {
	now := time.Now().UTC()
	var err error
	if userID == "" {
		_, err = q.ExecContext(ctx,
			"UPDATE user_channel_keys SET is_active = 0, updated_at = ? WHERE channel_id = ? AND is_active = 1",
			now, channelID)
	} else {
		_, err = q.ExecContext(ctx,
			"UPDATE user_channel_keys SET is_active = 0, updated_at = ? WHERE channel_id = ? AND user_id = ? AND is_active = 1",
			now, channelID, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to deactivate user keys: %v", err)
	}
	return nil
}

const shareColumns = `id, channel_id, sender_id, recipient_id, encrypted_key, key_version, is_rotation,
	acknowledged, acknowledged_at, created_at`

func scanShare(row interface{ Scan(...interface{}) error }) (*KeyShareRecord, error) {
	s := &KeyShareRecord{}
	var ackedAt sql.NullTime
	err := row.Scan(&s.ID, &s.ChannelID, &s.SenderID, &s.RecipientID, &s.EncryptedKey, &s.KeyVersion,
		&s.IsRotation, &s.Acknowledged, &ackedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		s.AcknowledgedAt = &t
	}
	return s, nil
}

// RecordShare appends a share record. Shares are never overwritten.
func (kdc *KdcDB) RecordShare(ctx context.Context, rec *KeyShareRecord) (int64, error) {
	return kdc.recordShare(ctx, kdc.DB, rec)
}

func (kdc *KdcDB) recordShare(ctx context.Context, q dbtx, rec *KeyShareRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO channel_key_shares
		 (channel_id, sender_id, recipient_id, encrypted_key, key_version, is_rotation, acknowledged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.ChannelID, rec.SenderID, rec.RecipientID, rec.EncryptedKey, rec.KeyVersion, rec.IsRotation, rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to record key share: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get share id: %v", err)
	}
	rec.ID = id
	return id, nil
}

// latestShareFor returns the most recent share addressed to the user in the channel,
// or nil if the user was never sent one
func (kdc *KdcDB) latestShareFor(ctx context.Context, q dbtx, channelID, recipientID string) (*KeyShareRecord, error) {
	s, err := scanShare(q.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM channel_key_shares
		 WHERE channel_id = ? AND recipient_id = ?
		 ORDER BY id DESC LIMIT 1`, channelID, recipientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest share: %v", err)
	}
	return s, nil
}

// ListShares returns the share history for a channel, optionally narrowed to one recipient
func (kdc *KdcDB) ListShares(ctx context.Context, channelID, recipientID string) ([]*KeyShareRecord, error) {
	query := `SELECT ` + shareColumns + ` FROM channel_key_shares WHERE channel_id = ?`
	args := []interface{}{channelID}
	if recipientID != "" {
		query += ` AND recipient_id = ?`
		args = append(args, recipientID)
	}
	query += ` ORDER BY id`

	rows, err := kdc.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %v", err)
	}
	defer rows.Close()

	var shares []*KeyShareRecord
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %v", err)
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

func (kdc *KdcDB) appendRotationLog(ctx context.Context, q dbtx, entry *KeyRotationLog) error {
	if entry.RotatedAt.IsZero() {
		entry.RotatedAt = time.Now().UTC()
	}
	var old sql.NullInt64
	if entry.OldVersion != nil {
		old = sql.NullInt64{Int64: int64(*entry.OldVersion), Valid: true}
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO key_rotation_log (channel_id, old_version, new_version, rotated_by, reason, rotated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ChannelID, old, entry.NewVersion, entry.RotatedBy, entry.Reason, entry.RotatedAt)
	if err != nil {
		return fmt.Errorf("failed to append rotation log: %v", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// GetRotationLog returns the rotation audit trail for a channel, oldest first
func (kdc *KdcDB) GetRotationLog(ctx context.Context, channelID string) ([]*KeyRotationLog, error) {
	rows, err := kdc.DB.QueryContext(ctx,
		`SELECT id, channel_id, old_version, new_version, rotated_by, reason, rotated_at
		 FROM key_rotation_log WHERE channel_id = ? ORDER BY id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rotation log: %v", err)
	}
	defer rows.Close()

	var entries []*KeyRotationLog
	for rows.Next() {
		e := &KeyRotationLog{}
		var old sql.NullInt64
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.ChannelID, &old, &e.NewVersion, &e.RotatedBy, &reason, &e.RotatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rotation log: %v", err)
		}
		if old.Valid {
			v := int(old.Int64)
			e.OldVersion = &v
		}
		if reason.Valid {
			e.Reason = reason.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
