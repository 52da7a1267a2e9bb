/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Channel registry and membership tracking
 */

package kdc

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// AddChannel registers a channel. The creator, if given, becomes its owner.
func (kdc *KdcDB) AddChannel(ctx context.Context, ch *Channel) error {
	if ch.ID == "" {
		return invalidf("channel id is required")
	}
	if ch.Name == "" {
		ch.Name = ch.ID
	}
	now := time.Now().UTC()
	ch.CreatedAt, ch.UpdatedAt = now, now

	return kdc.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channels (id, name, is_encrypted, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.Name, ch.IsEncrypted, ch.CreatedBy, ch.CreatedAt, ch.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return conflictf("channel %s already exists", ch.ID)
			}
			return fmt.Errorf("failed to add channel: %v", err)
		}
		if ch.CreatedBy != "" {
			return kdc.addMember(ctx, tx, ch.ID, ch.CreatedBy, RoleOwner)
		}
		return nil
	})
}

// GetChannel retrieves a channel by ID
func (kdc *KdcDB) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	return kdc.getChannel(ctx, kdc.DB, channelID)
}

func (kdc *KdcDB) getChannel(ctx context.Context, q dbtx, channelID string) (*Channel, error) {
	ch := &Channel{}
	err := q.QueryRowContext(ctx,
		`SELECT id, name, is_encrypted, created_by, created_at, updated_at FROM channels WHERE id = ?`,
		channelID).Scan(&ch.ID, &ch.Name, &ch.IsEncrypted, &ch.CreatedBy, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFoundf("channel not found: %s", channelID)
		}
		return nil, fmt.Errorf("failed to get channel: %v", err)
	}
	return ch, nil
}

// ListChannels returns all channels
func (kdc *KdcDB) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := kdc.DB.QueryContext(ctx,
		`SELECT id, name, is_encrypted, created_by, created_at, updated_at FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %v", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.IsEncrypted, &ch.CreatedBy, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %v", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// DeleteChannel removes a channel; key versions, copies, shares and requests go with it.
// The rotation log is kept.
func (kdc *KdcDB) DeleteChannel(ctx context.Context, channelID string) error {
	res, err := kdc.DB.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", channelID)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundf("channel not found: %s", channelID)
	}
	return nil
}

func (kdc *KdcDB) setChannelEncrypted(ctx context.Context, q dbtx, channelID string, encrypted bool) error {
	_, err := q.ExecContext(ctx, "UPDATE channels SET is_encrypted = ?, updated_at = ? WHERE id = ?",
		encrypted, time.Now().UTC(), channelID)
	if err != nil {
		return fmt.Errorf("failed to update channel encryption flag: %v", err)
	}
	return nil
}

// AddMember adds a user to a channel. Adding an existing member is a conflict;
// roles change through SetRole.
func (kdc *KdcDB) AddMember(ctx context.Context, channelID, userID string, role Role) error {
	return kdc.addMember(ctx, kdc.DB, channelID, userID, role)
}

func (kdc *KdcDB) addMember(ctx context.Context, q dbtx, channelID, userID string, role Role) error {
	if userID == "" {
		return invalidf("user id is required")
	}
	if !ValidRole(role) {
		return invalidf("invalid role %q", role)
	}

	_, err := q.ExecContext(ctx,
		"INSERT INTO channel_members (channel_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
		channelID, userID, string(role), time.Now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return notFoundf("channel not found: %s", channelID)
		}
		if isUniqueViolation(err) {
			return conflictf("user %s is already a member of channel %s", userID, channelID)
		}
		return fmt.Errorf("failed to add member: %v", err)
	}
	return nil
}

// SetRole changes the role of an existing member without any permission checks
func (kdc *KdcDB) SetRole(ctx context.Context, channelID, userID string, role Role) error {
	return kdc.setRole(ctx, kdc.DB, channelID, userID, role)
}

func (kdc *KdcDB) setRole(ctx context.Context, q dbtx, channelID, userID string, role Role) error {
	if !ValidRole(role) {
		return invalidf("invalid role %q", role)
	}
	cur, err := kdc.role(ctx, q, channelID, userID)
	if err != nil {
		return err
	}
	if cur == RoleNone {
		return notFoundf("user %s is not a member of channel %s", userID, channelID)
	}
	_, err = q.ExecContext(ctx,
		"UPDATE channel_members SET role = ? WHERE channel_id = ? AND user_id = ?",
		string(role), channelID, userID)
	if err != nil {
		return fmt.Errorf("failed to update member role: %v", err)
	}
	return nil
}

// IsMember reports whether the user belongs to the channel
func (kdc *KdcDB) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	role, err := kdc.Role(ctx, channelID, userID)
	if err != nil {
		return false, err
	}
	return role != RoleNone, nil
}

// Role returns the user's role in the channel, RoleNone for non-members
func (kdc *KdcDB) Role(ctx context.Context, channelID, userID string) (Role, error) {
	return kdc.role(ctx, kdc.DB, channelID, userID)
}

func (kdc *KdcDB) role(ctx context.Context, q dbtx, channelID, userID string) (Role, error) {
	var role string
	err := q.QueryRowContext(ctx,
		"SELECT role FROM channel_members WHERE channel_id = ? AND user_id = ?", channelID, userID).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			return RoleNone, nil
		}
		return RoleNone, fmt.Errorf("failed to get member role: %v", err)
	}
	return Role(role), nil
}

// requireMember returns Forbidden unless the user is a member of the channel
func (kdc *KdcDB) requireMember(ctx context.Context, q dbtx, channelID, userID string) (Role, error) {
	role, err := kdc.role(ctx, q, channelID, userID)
	if err != nil {
		return RoleNone, err
	}
	if role == RoleNone {
		return RoleNone, forbiddenf("user %s is not a member of channel %s", userID, channelID)
	}
	return role, nil
}

// RemoveMember drops the user from the channel without touching keys.
// Use Service.OnMemberRemoved for removals that must rotate.
func (kdc *KdcDB) RemoveMember(ctx context.Context, channelID, userID string) error {
	removed, err := kdc.removeMember(ctx, kdc.DB, channelID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return notFoundf("user %s is not a member of channel %s", userID, channelID)
	}
	return nil
}

func (kdc *KdcDB) removeMember(ctx context.Context, q dbtx, channelID, userID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		"DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?", channelID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove member: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %v", err)
	}
	return n > 0, nil
}

// GetMembers lists channel members in join order. HasPublicKey is filled in;
// IsOnline is left to the caller, which owns presence.
func (kdc *KdcDB) GetMembers(ctx context.Context, channelID string) ([]*Member, error) {
	return kdc.getMembers(ctx, kdc.DB, channelID)
}

func (kdc *KdcDB) getMembers(ctx context.Context, q dbtx, channelID string) ([]*Member, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT m.channel_id, m.user_id, m.role, m.joined_at,
		        CASE WHEN pk.user_id IS NULL THEN 0 ELSE 1 END
		 FROM channel_members m
		 LEFT JOIN user_public_keys pk ON pk.user_id = m.user_id
		 WHERE m.channel_id = ?
		 ORDER BY m.joined_at, m.id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %v", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m := &Member{}
		var role string
		if err := rows.Scan(&m.ChannelID, &m.UserID, &role, &m.JoinedAt, &m.HasPublicKey); err != nil {
			return nil, fmt.Errorf("failed to scan member: %v", err)
		}
		m.Role = Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// keyHolders returns the members who can be asked to supply a key, in preference
// order: owner, then admins, then plain members, each group in join order.
// Users in exclude are left out.
func (kdc *KdcDB) keyHolders(ctx context.Context, q dbtx, channelID string, exclude ...string) ([]string, error) {
	members, err := kdc.getMembers(ctx, q, channelID)
	if err != nil {
		return nil, err
	}
	skip := map[string]bool{}
	for _, u := range exclude {
		skip[u] = true
	}

	candidates := make([]*Member, 0, len(members))
	for _, m := range members {
		if !skip[m.UserID] {
			candidates = append(candidates, m)
		}
	}
	// stable: members arrive in join order
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Role.rank() < candidates[j].Role.rank()
	})

	holders := make([]string, len(candidates))
	for i, m := range candidates {
		holders[i] = m.UserID
	}
	return holders, nil
}

// selectKeyHolder picks the preferred key holder, or NotFound when nobody is left
func (kdc *KdcDB) selectKeyHolder(ctx context.Context, q dbtx, channelID string, exclude ...string) (string, error) {
	holders, err := kdc.keyHolders(ctx, q, channelID, exclude...)
	if err != nil {
		return "", err
	}
	if len(holders) == 0 {
		return "", notFoundf("no key holder available in channel %s", channelID)
	}
	return holders[0], nil
}

// PutPublicKey registers or replaces a user's public key
func (kdc *KdcDB) PutPublicKey(ctx context.Context, userID, publicKey string) error {
	if userID == "" {
		return invalidf("user id is required")
	}
	if err := ValidatePublicKey(publicKey); err != nil {
		return err
	}
	now := time.Now().UTC()
	var query string
	if kdc.DBType == "sqlite" {
		query = `INSERT INTO user_public_keys (user_id, public_key, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET public_key = excluded.public_key, updated_at = excluded.updated_at`
	} else {
		query = `INSERT INTO user_public_keys (user_id, public_key, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE public_key = VALUES(public_key), updated_at = VALUES(updated_at)`
	}
	if _, err := kdc.DB.ExecContext(ctx, query, userID, publicKey, now, now); err != nil {
		return fmt.Errorf("failed to store public key: %v", err)
	}
	return nil
}

// GetPublicKey returns a user's registered public key
func (kdc *KdcDB) GetPublicKey(ctx context.Context, userID string) (*PublicKey, error) {
	pk := &PublicKey{}
	err := kdc.DB.QueryRowContext(ctx,
		"SELECT user_id, public_key, created_at, updated_at FROM user_public_keys WHERE user_id = ?", userID).
		Scan(&pk.UserID, &pk.PublicKey, &pk.CreatedAt, &pk.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFoundf("no public key registered for user %s", userID)
		}
		return nil, fmt.Errorf("failed to get public key: %v", err)
	}
	return pk, nil
}
