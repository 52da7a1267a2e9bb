/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * KDM sync: per-user key catch-up, acknowledgement watermarks and self-healing
 */

package kdc

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// EnsureOutcome says how a user's need for the channel key was resolved
type EnsureOutcome string

const (
	EnsureProvisioned  EnsureOutcome = "provisioned"   // already held the active version
	EnsureHealed       EnsureOutcome = "healed"        // rebuilt from the share history
	EnsureRequested    EnsureOutcome = "requested"     // a key holder has been asked
	EnsureNotEncrypted EnsureOutcome = "not_encrypted" // nothing to do
)

// EnsureResult is returned by EnsureKeyOnActivity
type EnsureResult struct {
	Outcome       EnsureOutcome           `json:"outcome"`
	ChannelID     string                  `json:"channel_id"`
	UserID        string                  `json:"user_id"`
	Version       int                     `json:"version,omitempty"`
	Initialized   bool                    `json:"initialized,omitempty"`
	Key           *UserChannelKey         `json:"key,omitempty"`
	Request       *KeyDistributionRequest `json:"request,omitempty"`
	AdminNotified bool                    `json:"admin_notified"`
}

// EnsureKeyOnActivity runs when a user speaks or joins. A user already holding the
// active version is left alone. Otherwise the user's copy is rebuilt from the newest
// share of the active version, or, failing that, a key holder is asked for one.
func (s *Service) EnsureKeyOnActivity(ctx context.Context, channelID, userID string) (*EnsureResult, error) {
	var res *EnsureResult
	var noHolder error
	var requested bool

	err := s.withRotationRetry(ctx, channelID, func(tx *sql.Tx) error {
		res = &EnsureResult{ChannelID: channelID, UserID: userID}
		noHolder = nil
		requested = false

		ch, err := s.DB.getChannel(ctx, tx, channelID)
		if err != nil {
			return err
		}
		if _, err := s.DB.requireMember(ctx, tx, channelID, userID); err != nil {
			return err
		}
		if !ch.IsEncrypted {
			res.Outcome = EnsureNotEncrypted
			return nil
		}

		active, err := s.DB.getActiveVersion(ctx, tx, channelID, false)
		if err != nil {
			if KindOf(err) != KindNotFound {
				return err
			}
			// first message in an encrypted channel that never had a key
			active, res.Initialized, err = s.initializeTx(ctx, tx, channelID, userID,
				fmt.Sprintf("first message by %s", userID))
			if err != nil {
				return err
			}
		}
		res.Version = active.Version

		key, err := s.DB.getUserKey(ctx, tx, channelID, userID)
		switch {
		case err == nil && key.IsActive && key.KeyVersion == active.Version:
			res.Outcome = EnsureProvisioned
			res.Key = key
			return nil
		case err != nil && KindOf(err) != KindNotFound:
			return err
		}

		share, err := s.DB.latestShareFor(ctx, tx, channelID, userID)
		if err != nil {
			return err
		}
		if share != nil && share.KeyVersion == active.Version {
			healed := &UserChannelKey{
				ChannelID:    channelID,
				UserID:       userID,
				KeyVersion:   share.KeyVersion,
				EncryptedKey: share.EncryptedKey,
				SenderID:     share.SenderID,
				IsActive:     true,
			}
			if err := s.DB.putUserKey(ctx, tx, healed); err != nil {
				return err
			}
			if res.Key, err = s.DB.getUserKey(ctx, tx, channelID, userID); err != nil {
				return err
			}
			res.Outcome = EnsureHealed
			return nil
		}

		req, created, err := s.findOrCreateRequest(ctx, tx, channelID, userID)
		if err != nil {
			if KindOf(err) == KindNotFound {
				// keep any initialization above; report the missing holder after commit
				noHolder = err
				return nil
			}
			return err
		}
		requested = created
		res.Outcome = EnsureRequested
		res.Request = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	if requested {
		s.Metrics.request("created")
	}
	if res.Initialized {
		s.Metrics.rotation("initialize")
		log.Printf("KDC: Initialized channel %s with key version 1 on first message by %s", channelID, userID)
	}
	if noHolder != nil {
		log.Printf("KDC: %s lacks the key for channel %s and nobody can supply it: %v", userID, channelID, noHolder)
		return res, noHolder
	}

	s.Metrics.ensureOutcome(res.Outcome)
	switch res.Outcome {
	case EnsureHealed:
		log.Printf("KDC: Healed key version %d for %s in channel %s from share history", res.Version, userID, channelID)
	case EnsureRequested:
		res.AdminNotified = s.notifyKeyRequest(res.Request)
		log.Printf("KDC: %s lacks key version %d for channel %s; request %s sent to %s (notified=%v)",
			userID, res.Version, channelID, res.Request.ID, res.Request.AdminID, res.AdminNotified)
	}
	return res, nil
}

// PendingResult is the answer to a KDM catch-up query
type PendingResult struct {
	PendingKeys   []*PendingKey `json:"pending_keys"`
	LatestVersion int           `json:"latest_version"`
	Count         int           `json:"count"`
}

// PendingFor returns KDMs addressed to the user with version > after, oldest version
// first and capped at the configured limit. For each (channel, version) only the newest
// share is returned. The result only changes when new shares arrive.
func (s *Service) PendingFor(ctx context.Context, userID string, after int, channelID string) (*PendingResult, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if after < 0 {
		after = 0
	}

	inner := `SELECT MAX(id) FROM channel_key_shares WHERE recipient_id = ? AND key_version > ?`
	args := []interface{}{userID, after}
	if channelID != "" {
		inner += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	inner += ` GROUP BY channel_id, key_version`

	query := `SELECT id, channel_id, sender_id, encrypted_key, key_version, is_rotation, created_at
		FROM channel_key_shares WHERE id IN (` + inner + `)
		ORDER BY key_version, id LIMIT ?`
	args = append(args, s.Conf.GetPendingLimit())

	rows, err := s.DB.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending keys: %v", err)
	}
	defer rows.Close()

	res := &PendingResult{PendingKeys: []*PendingKey{}, LatestVersion: after}
	for rows.Next() {
		pk := &PendingKey{}
		if err := rows.Scan(&pk.ID, &pk.ChannelID, &pk.SenderID, &pk.EncryptedKey, &pk.Version,
			&pk.IsRotation, &pk.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan pending key: %v", err)
		}
		// the version still counts so the client can acknowledge past a bad entry
		if pk.Version > res.LatestVersion {
			res.LatestVersion = pk.Version
		}
		if _, err := ParseKeyPayload(pk.EncryptedKey); err != nil {
			log.Printf("KDC: Refusing to serve share %d to %s: %v", pk.ID, userID, err)
			continue
		}
		res.PendingKeys = append(res.PendingKeys, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending keys: %v", err)
	}
	res.Count = len(res.PendingKeys)
	s.Metrics.pendingServed(res.Count)
	return res, nil
}

// Acknowledge advances the user's watermark to max(current, version) and marks the
// shares it covers as acknowledged. Repeated and out-of-order acks are harmless.
func (s *Service) Acknowledge(ctx context.Context, userID, channelID string, version int) (*UserSyncState, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if version < 1 {
		return nil, invalidf("invalid version %d", version)
	}
	now := s.now()

	// updated_at is assigned first: MariaDB evaluates these left to right
	var upsert string
	if s.DB.DBType == "sqlite" {
		upsert = `INSERT INTO user_sync_state (user_id, last_acked_kdm_version, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				updated_at = CASE WHEN excluded.last_acked_kdm_version > last_acked_kdm_version
					THEN excluded.updated_at ELSE updated_at END,
				last_acked_kdm_version = MAX(last_acked_kdm_version, excluded.last_acked_kdm_version)`
	} else {
		upsert = `INSERT INTO user_sync_state (user_id, last_acked_kdm_version, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE
				updated_at = IF(VALUES(last_acked_kdm_version) > last_acked_kdm_version, VALUES(updated_at), updated_at),
				last_acked_kdm_version = GREATEST(last_acked_kdm_version, VALUES(last_acked_kdm_version))`
	}

	var state *UserSyncState
	err := s.DB.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert, userID, version, now); err != nil {
			return fmt.Errorf("failed to update sync state: %v", err)
		}

		mark := `UPDATE channel_key_shares SET acknowledged = 1, acknowledged_at = ?
			WHERE recipient_id = ? AND key_version <= ? AND acknowledged = 0`
		args := []interface{}{now, userID, version}
		if channelID != "" {
			mark += ` AND channel_id = ?`
			args = append(args, channelID)
		}
		if _, err := tx.ExecContext(ctx, mark, args...); err != nil {
			return fmt.Errorf("failed to mark shares acknowledged: %v", err)
		}

		var err error
		state, err = s.DB.getSyncState(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Metrics.ack()
	if s.Debug {
		log.Printf("KDC: %s acknowledged version %d (channel %q), watermark now %d",
			userID, version, channelID, state.LastAckedKdmVersion)
	}
	return state, nil
}

// GetSyncState returns the user's watermark; users that never acked are at 0
func (kdc *KdcDB) GetSyncState(ctx context.Context, userID string) (*UserSyncState, error) {
	return kdc.getSyncState(ctx, kdc.DB, userID)
}

func (kdc *KdcDB) getSyncState(ctx context.Context, q dbtx, userID string) (*UserSyncState, error) {
	st := &UserSyncState{UserID: userID}
	err := q.QueryRowContext(ctx,
		"SELECT last_acked_kdm_version, updated_at FROM user_sync_state WHERE user_id = ?", userID).
		Scan(&st.LastAckedKdmVersion, &st.UpdatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get sync state: %v", err)
	}
	return st, nil
}

// OnReconnect computes the backlog for a freshly connected user: the number of
// (channel, version) KDMs above the watermark. The caller pushes kdm_sync_request
// when it is non-zero.
func (s *Service) OnReconnect(ctx context.Context, userID string) (*KdmSyncRequestEvent, error) {
	st, err := s.DB.GetSyncState(ctx, userID)
	if err != nil {
		return nil, err
	}
	var count int
	err = s.DB.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT DISTINCT channel_id, key_version FROM channel_key_shares
			WHERE recipient_id = ? AND key_version > ?
		) pending`, userID, st.LastAckedKdmVersion).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending keys: %v", err)
	}
	return &KdmSyncRequestEvent{LastVersionSeen: st.LastAckedKdmVersion, PendingCount: count}, nil
}
