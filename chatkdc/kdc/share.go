/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Key sharing between members and sender key lookup
 */

package kdc

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ShareKeyParams describes one member handing the channel key to another
type ShareKeyParams struct {
	ChannelID    string `json:"channel_id"`
	SenderID     string `json:"sender_id"`
	RecipientID  string `json:"recipient_id"`
	EncryptedKey string `json:"encrypted_key"`
	IsRotation   bool   `json:"is_rotation"`
	KeyVersion   *int   `json:"key_version,omitempty"` // hint only; the server decides
}

// ShareResult is returned by ShareKey
type ShareResult struct {
	ShareID           int64 `json:"share_id"`
	KeyVersion        int   `json:"key_version"`
	EncryptionEnabled bool  `json:"encryption_enabled,omitempty"`
	RequestsCompleted int64 `json:"requests_completed,omitempty"`
	Delivered         int   `json:"delivered"`
}

// ShareKey records a share, stores the recipient's copy at the channel's active
// version, closes the recipient's outstanding requests and pushes the key to every
// session the recipient has open.
func (s *Service) ShareKey(ctx context.Context, p *ShareKeyParams) (*ShareResult, error) {
	if p.ChannelID == "" || p.SenderID == "" || p.RecipientID == "" {
		return nil, invalidf("channel_id, sender_id and recipient_id are required")
	}
	if _, err := ParseKeyPayload(p.EncryptedKey); err != nil {
		return nil, err
	}

	res := &ShareResult{}
	var initialized bool
	// the share may create version 1, which can lose a race like any rotation
	err := s.withRotationRetry(ctx, p.ChannelID, func(tx *sql.Tx) error {
		*res = ShareResult{}
		initialized = false

		ch, err := s.DB.getChannel(ctx, tx, p.ChannelID)
		if err != nil {
			return err
		}
		if _, err := s.DB.requireMember(ctx, tx, p.ChannelID, p.SenderID); err != nil {
			return err
		}
		if _, err := s.DB.requireMember(ctx, tx, p.ChannelID, p.RecipientID); err != nil {
			return err
		}

		if !ch.IsEncrypted {
			if !s.Conf.GetAutoEnableOnShare() {
				return invalidf("channel %s is not encrypted; enable encryption before sharing keys", p.ChannelID)
			}
			if err := s.DB.setChannelEncrypted(ctx, tx, p.ChannelID, true); err != nil {
				return err
			}
			res.EncryptionEnabled = true
		}

		active, err := s.DB.getActiveVersion(ctx, tx, p.ChannelID, false)
		if err != nil {
			if KindOf(err) != KindNotFound {
				return err
			}
			active, initialized, err = s.initializeTx(ctx, tx, p.ChannelID, p.SenderID,
				fmt.Sprintf("encryption enabled by key share from %s", p.SenderID))
			if err != nil {
				return err
			}
		}
		if p.KeyVersion != nil && *p.KeyVersion != active.Version {
			log.Printf("KDC: Share from %s to %s in %s claims version %d; active version is %d, using that",
				p.SenderID, p.RecipientID, p.ChannelID, *p.KeyVersion, active.Version)
		}
		res.KeyVersion = active.Version

		rec := &KeyShareRecord{
			ChannelID:    p.ChannelID,
			SenderID:     p.SenderID,
			RecipientID:  p.RecipientID,
			EncryptedKey: p.EncryptedKey,
			KeyVersion:   active.Version,
			IsRotation:   p.IsRotation,
			CreatedAt:    s.now(),
		}
		if res.ShareID, err = s.DB.recordShare(ctx, tx, rec); err != nil {
			return err
		}

		err = s.DB.putUserKey(ctx, tx, &UserChannelKey{
			ChannelID:    p.ChannelID,
			UserID:       p.RecipientID,
			KeyVersion:   active.Version,
			EncryptedKey: p.EncryptedKey,
			SenderID:     p.SenderID,
			IsActive:     true,
		})
		if err != nil {
			return err
		}

		res.RequestsCompleted, err = s.DB.completeRequests(ctx, tx, p.ChannelID, p.RecipientID, rec.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.share(p.IsRotation)
	if initialized {
		s.Metrics.rotation("initialize")
	}
	if res.EncryptionEnabled {
		log.Printf("KDC: Encryption enabled for channel %s by key share from %s", p.ChannelID, p.SenderID)
	}
	if res.RequestsCompleted > 0 {
		s.Metrics.request("completed")
	}

	res.Delivered = s.Notifier.ToUser(p.RecipientID, Event{
		Type: EventChannelKeyShare,
		Data: ChannelKeyShareEvent{
			ChannelID:    p.ChannelID,
			SenderID:     p.SenderID,
			EncryptedKey: p.EncryptedKey,
			Version:      res.KeyVersion,
			IsRotation:   p.IsRotation,
		},
	})
	log.Printf("KDC: Share %d: %s -> %s in channel %s, version %d (rotation=%v, delivered to %d sessions)",
		res.ShareID, p.SenderID, p.RecipientID, p.ChannelID, res.KeyVersion, p.IsRotation, res.Delivered)
	return res, nil
}

// SenderKey is a user's current encrypted copy of the channel key together with
// who encrypted it for them
type SenderKey struct {
	ChannelID       string `json:"channel_id"`
	UserID          string `json:"user_id"`
	SenderID        string `json:"sender_id"`
	SenderPublicKey string `json:"sender_public_key,omitempty"`
	EncryptedKey    string `json:"encrypted_key"`
	KeyVersion      int    `json:"key_version"`
	IsActive        bool   `json:"is_active"`
}

// GetSenderKey returns the caller's copy of the channel key. A missing copy is healed
// or requested first. A copy that cannot be parsed, or whose sender cannot be
// established, is refused.
func (s *Service) GetSenderKey(ctx context.Context, channelID, userID string) (*SenderKey, error) {
	if _, err := s.DB.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	if _, err := s.DB.requireMember(ctx, s.DB.DB, channelID, userID); err != nil {
		return nil, err
	}

	key, err := s.DB.GetUserKey(ctx, channelID, userID)
	if err != nil {
		if KindOf(err) != KindNotFound {
			return nil, err
		}
		res, err := s.EnsureKeyOnActivity(ctx, channelID, userID)
		if err != nil {
			return nil, err
		}
		switch res.Outcome {
		case EnsureNotEncrypted:
			return nil, invalidf("channel %s is not encrypted", channelID)
		case EnsureRequested:
			return nil, notFoundf("no key for %s in channel %s yet; request %s is pending with %s",
				userID, channelID, res.Request.ID, res.Request.AdminID)
		}
		if key, err = s.DB.GetUserKey(ctx, channelID, userID); err != nil {
			return nil, err
		}
	}

	env, err := ParseKeyPayload(key.EncryptedKey)
	if err != nil {
		log.Printf("KDC: Refusing to serve key copy %d for %s in channel %s: %v", key.ID, userID, channelID, err)
		return nil, err
	}

	sender := key.SenderID
	switch {
	case sender == "" && env.SenderID == "":
		return nil, corruptf("sender of key copy %d for %s in channel %s is unknown", key.ID, userID, channelID)
	case sender == "":
		sender = env.SenderID
	case env.SenderID != "" && env.SenderID != sender:
		return nil, corruptf("key copy %d names sender %s but was recorded from %s", key.ID, env.SenderID, sender)
	}

	sk := &SenderKey{
		ChannelID:       channelID,
		UserID:          userID,
		SenderID:        sender,
		SenderPublicKey: env.SenderPublicKey,
		EncryptedKey:    key.EncryptedKey,
		KeyVersion:      key.KeyVersion,
		IsActive:        key.IsActive,
	}
	if sk.SenderPublicKey == "" {
		if pk, err := s.DB.GetPublicKey(ctx, sender); err == nil {
			sk.SenderPublicKey = pk.PublicKey
		}
	}
	return sk, nil
}

// ListMembers returns the channel members with presence filled in. Only members may list.
func (s *Service) ListMembers(ctx context.Context, channelID, userID string) ([]*Member, error) {
	if _, err := s.DB.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	if userID != SystemActor {
		if _, err := s.DB.requireMember(ctx, s.DB.DB, channelID, userID); err != nil {
			return nil, err
		}
	}
	members, err := s.DB.GetMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		m.IsOnline = s.Notifier.IsOnline(m.UserID)
	}
	return members, nil
}
