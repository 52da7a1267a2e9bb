/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Rotation engine: master key version transitions and membership hooks
 */

package kdc

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// SystemActor identifies operations performed by the KDC operator rather than a
// channel member. Permission checks are skipped for it.
const SystemActor = "system"

// InitializeChannel creates version 1 for a channel that has never had a key.
// The bool result reports whether this call created it.
func (s *Service) InitializeChannel(ctx context.Context, channelID, creatorID string) (*MasterKeyVersion, bool, error) {
	var mk *MasterKeyVersion
	var created bool
	err := s.DB.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		mk, created, err = s.initializeTx(ctx, tx, channelID, creatorID,
			fmt.Sprintf("channel encryption initialized by %s", creatorID))
		return err
	})
	if err != nil {
		if KindOf(err) == KindConflict {
			// somebody else initialized it between our read and our insert
			mk, err = s.DB.GetActiveVersion(ctx, channelID)
			return mk, false, err
		}
		return nil, false, err
	}
	if created {
		s.Metrics.rotation("initialize")
		log.Printf("KDC: Initialized channel %s with key version 1 (creator %s, fingerprint %s)",
			channelID, creatorID, mk.Fingerprint)
	}
	return mk, created, nil
}

func (s *Service) initializeTx(ctx context.Context, tx dbtx, channelID, creatorID, reason string) (*MasterKeyVersion, bool, error) {
	if _, err := s.DB.getChannel(ctx, tx, channelID); err != nil {
		return nil, false, err
	}

	highest, err := s.DB.maxVersion(ctx, tx, channelID)
	if err != nil {
		return nil, false, err
	}
	if highest > 0 {
		mk, err := s.DB.getActiveVersion(ctx, tx, channelID, false)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return nil, false, fmt.Errorf("channel %s has key history up to version %d but no active version", channelID, highest)
			}
			return nil, false, err
		}
		return mk, false, nil
	}

	material, err := s.KeyGen.GenerateKey(s.Conf.GetKeySize())
	if err != nil {
		return nil, false, err
	}
	mk := &MasterKeyVersion{
		ChannelID:   channelID,
		Version:     1,
		KeyMaterial: material,
		Fingerprint: Fingerprint(material),
		CreatedBy:   creatorID,
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	if err := s.DB.insertMasterKey(ctx, tx, mk); err != nil {
		return nil, false, err
	}
	err = s.DB.appendRotationLog(ctx, tx, &KeyRotationLog{
		ChannelID:  channelID,
		NewVersion: 1,
		RotatedBy:  creatorID,
		Reason:     reason,
		RotatedAt:  mk.CreatedAt,
	})
	if err != nil {
		return nil, false, err
	}
	return mk, true, nil
}

// Rotate replaces the active version V with V+1. The swap and the log entry
// commit together or not at all.
func (s *Service) Rotate(ctx context.Context, channelID, triggeredBy, reason string) (*MasterKeyVersion, error) {
	var mk *MasterKeyVersion
	err := s.withRotationRetry(ctx, channelID, func(tx *sql.Tx) error {
		var err error
		mk, err = s.rotateTx(ctx, tx, channelID, triggeredBy, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Metrics.rotation("rotate")
	log.Printf("KDC: Rotated channel %s to key version %d (by %s: %s)", channelID, mk.Version, triggeredBy, reason)
	return mk, nil
}

// withRotationRetry runs fn in a transaction and re-runs it from scratch when it
// loses a version race. A conflict that outlives the retries is returned.
func (s *Service) withRotationRetry(ctx context.Context, channelID string, fn func(tx *sql.Tx) error) error {
	retries := s.Conf.GetRotationRetries()
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = s.DB.withTx(ctx, fn)
		if err == nil || KindOf(err) != KindConflict {
			return err
		}
		s.Metrics.rotationConflict()
		log.Printf("KDC: Rotation of channel %s hit a version conflict (attempt %d/%d): %v",
			channelID, attempt+1, retries+1, err)
	}
	return err
}

func (s *Service) rotateTx(ctx context.Context, tx dbtx, channelID, triggeredBy, reason string) (*MasterKeyVersion, error) {
	cur, err := s.DB.getActiveVersion(ctx, tx, channelID, true)
	if err != nil {
		return nil, err
	}

	material, err := s.KeyGen.GenerateKey(s.Conf.GetKeySize())
	if err != nil {
		return nil, err
	}
	next := &MasterKeyVersion{
		ChannelID:   channelID,
		Version:     cur.Version + 1,
		KeyMaterial: material,
		Fingerprint: Fingerprint(material),
		CreatedBy:   triggeredBy,
		IsActive:    true,
		CreatedAt:   s.now(),
	}

	// deactivate before insert: the one-active index would reject the reverse order
	if err := s.DB.deactivateMasterKey(ctx, tx, channelID, cur.Version); err != nil {
		return nil, err
	}
	if err := s.DB.insertMasterKey(ctx, tx, next); err != nil {
		return nil, err
	}
	// existing copies are of the superseded key
	if err := s.DB.deactivateUserKeys(ctx, tx, channelID, ""); err != nil {
		return nil, err
	}

	old := cur.Version
	err = s.DB.appendRotationLog(ctx, tx, &KeyRotationLog{
		ChannelID:  channelID,
		OldVersion: &old,
		NewVersion: next.Version,
		RotatedBy:  triggeredBy,
		Reason:     reason,
		RotatedAt:  next.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// RemovalResult describes the outcome of a member removal
type RemovalResult struct {
	ChannelID        string   `json:"channel_id"`
	RemovedUserID    string   `json:"removed_user_id"`
	Rotated          bool     `json:"rotated"`
	OldVersion       int      `json:"old_version,omitempty"`
	NewVersion       int      `json:"new_version,omitempty"`
	RemainingMembers []string `json:"remaining_members"`
	Notified         int      `json:"notified"`
}

// OnMemberRemoved removes a member and, for encrypted channels, rotates the key and
// tells the remaining members who needs the new version. Only owners and admins may
// remove others; anyone may remove themself.
func (s *Service) OnMemberRemoved(ctx context.Context, channelID, removedUserID, removedBy string) (*RemovalResult, error) {
	reason := fmt.Sprintf("member %s removed by %s", removedUserID, removedBy)
	if removedBy == removedUserID {
		reason = fmt.Sprintf("member %s left the channel", removedUserID)
	}

	var res *RemovalResult
	err := s.withRotationRetry(ctx, channelID, func(tx *sql.Tx) error {
		res = &RemovalResult{ChannelID: channelID, RemovedUserID: removedUserID}

		ch, err := s.DB.getChannel(ctx, tx, channelID)
		if err != nil {
			return err
		}
		if removedBy != SystemActor && removedBy != removedUserID {
			role, err := s.DB.role(ctx, tx, channelID, removedBy)
			if err != nil {
				return err
			}
			if !role.CanManage() {
				return forbiddenf("user %s may not remove members from channel %s", removedBy, channelID)
			}
		}

		removed, err := s.DB.removeMember(ctx, tx, channelID, removedUserID)
		if err != nil {
			return err
		}
		if !removed {
			return notFoundf("user %s is not a member of channel %s", removedUserID, channelID)
		}
		if err := s.DB.deactivateUserKeys(ctx, tx, channelID, removedUserID); err != nil {
			return err
		}

		if !ch.IsEncrypted {
			return nil
		}

		next, err := s.rotateTx(ctx, tx, channelID, removedBy, reason)
		if err != nil {
			if KindOf(err) == KindNotFound {
				log.Printf("KDC: Channel %s is encrypted but has no key yet; nothing to rotate", channelID)
				return nil
			}
			return err
		}
		res.Rotated = true
		res.OldVersion = next.Version - 1
		res.NewVersion = next.Version

		members, err := s.DB.getMembers(ctx, tx, channelID)
		if err != nil {
			return err
		}
		for _, m := range members {
			res.RemainingMembers = append(res.RemainingMembers, m.UserID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Rotated {
		log.Printf("KDC: Removed %s from channel %s (no rotation)", removedUserID, channelID)
		return res, nil
	}

	s.Metrics.rotation("rotate")
	log.Printf("KDC: Removed %s from channel %s, rotated key %d -> %d", removedUserID, channelID,
		res.OldVersion, res.NewVersion)

	res.Notified = s.Notifier.ToUsers(res.RemainingMembers, Event{
		Type: EventKeyRotationNeeded,
		Data: KeyRotationNeededEvent{
			ChannelID:  channelID,
			NewVersion: res.NewVersion,
			Reason:     reason,
			Members:    res.RemainingMembers,
		},
	})
	return res, nil
}

// OnMemberAdded adds a member. Joining never rotates; the new member is provisioned
// lazily, so this only runs the same check as a first message would. Users may
// join as plain members themselves; anything else needs an owner or admin, and
// only an owner may add another owner. Existing members are refused with a
// conflict; their role changes through SetMemberRole.
func (s *Service) OnMemberAdded(ctx context.Context, channelID, userID string, role Role, addedBy string) (*EnsureResult, error) {
	if role == "" {
		role = RoleMember
	}
	err := s.DB.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.DB.getChannel(ctx, tx, channelID); err != nil {
			return err
		}
		selfJoin := addedBy == userID && role == RoleMember
		if addedBy != SystemActor && !selfJoin {
			r, err := s.DB.role(ctx, tx, channelID, addedBy)
			if err != nil {
				return err
			}
			if !r.CanManage() {
				return forbiddenf("user %s may not add members to channel %s", addedBy, channelID)
			}
			if role == RoleOwner && r != RoleOwner {
				return forbiddenf("only an owner may add an owner to channel %s", channelID)
			}
		}
		existing, err := s.DB.role(ctx, tx, channelID, userID)
		if err != nil {
			return err
		}
		if existing != RoleNone {
			return conflictf("user %s is already a member of channel %s (%s)", userID, channelID, existing)
		}
		return s.DB.addMember(ctx, tx, channelID, userID, role)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("KDC: Added %s to channel %s as %s (by %s)", userID, channelID, role, addedBy)

	res, err := s.EnsureKeyOnActivity(ctx, channelID, userID)
	if err != nil && KindOf(err) == KindNotFound && res != nil {
		// nobody to ask yet; the join itself succeeded
		return res, nil
	}
	return res, err
}

// SetMemberRole changes an existing member's role. The acting user must outrank
// both the current and the new role, so admins manage plain members only.
// Granting or taking away ownership is reserved for owners, and nobody changes
// their own role. The operator may do anything.
func (s *Service) SetMemberRole(ctx context.Context, channelID, userID string, role Role, changedBy string) (*Member, error) {
	if !ValidRole(role) {
		return nil, invalidf("invalid role %q", role)
	}
	var prev Role
	err := s.DB.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.DB.getChannel(ctx, tx, channelID); err != nil {
			return err
		}
		var err error
		prev, err = s.DB.role(ctx, tx, channelID, userID)
		if err != nil {
			return err
		}
		if prev == RoleNone {
			return notFoundf("user %s is not a member of channel %s", userID, channelID)
		}
		if changedBy != SystemActor {
			if changedBy == userID {
				return forbiddenf("user %s may not change their own role in channel %s", userID, channelID)
			}
			by, err := s.DB.role(ctx, tx, channelID, changedBy)
			if err != nil {
				return err
			}
			switch {
			case prev == RoleOwner || role == RoleOwner:
				if by != RoleOwner {
					return forbiddenf("only an owner may change ownership of channel %s", channelID)
				}
			case !by.CanManage() || by.rank() >= prev.rank() || by.rank() >= role.rank():
				return forbiddenf("user %s may not make %s %s in channel %s", changedBy, userID, role, channelID)
			}
		}
		if prev == role {
			return nil
		}
		return s.DB.setRole(ctx, tx, channelID, userID, role)
	})
	if err != nil {
		return nil, err
	}
	if prev != role {
		log.Printf("KDC: Changed role of %s in channel %s from %s to %s (by %s)", userID, channelID, prev, role, changedBy)
	}
	return &Member{ChannelID: channelID, UserID: userID, Role: role}, nil
}

// EnableEncryption turns encryption on for a channel and makes sure it has a key
func (s *Service) EnableEncryption(ctx context.Context, channelID, by string) (*MasterKeyVersion, error) {
	var mk *MasterKeyVersion
	var created bool
	err := s.withRotationRetry(ctx, channelID, func(tx *sql.Tx) error {
		if _, err := s.DB.getChannel(ctx, tx, channelID); err != nil {
			return err
		}
		if err := s.requireManager(ctx, tx, channelID, by); err != nil {
			return err
		}
		if err := s.DB.setChannelEncrypted(ctx, tx, channelID, true); err != nil {
			return err
		}
		var err error
		mk, created, err = s.initializeTx(ctx, tx, channelID, by, fmt.Sprintf("encryption enabled by %s", by))
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.Metrics.rotation("initialize")
	}
	log.Printf("KDC: Encryption enabled for channel %s by %s (active version %d)", channelID, by, mk.Version)
	return mk, nil
}

// DisableEncryption clears the flag. Key history is left untouched.
func (s *Service) DisableEncryption(ctx context.Context, channelID, by string) error {
	err := s.DB.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.DB.getChannel(ctx, tx, channelID); err != nil {
			return err
		}
		if err := s.requireManager(ctx, tx, channelID, by); err != nil {
			return err
		}
		return s.DB.setChannelEncrypted(ctx, tx, channelID, false)
	})
	if err != nil {
		return err
	}
	log.Printf("KDC: Encryption disabled for channel %s by %s", channelID, by)
	return nil
}

func (s *Service) requireManager(ctx context.Context, q dbtx, channelID, userID string) error {
	if userID == SystemActor {
		return nil
	}
	role, err := s.DB.role(ctx, q, channelID, userID)
	if err != nil {
		return err
	}
	if !role.CanManage() {
		return forbiddenf("user %s is not an owner or admin of channel %s", userID, channelID)
	}
	return nil
}
