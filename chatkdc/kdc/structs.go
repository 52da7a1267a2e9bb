/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Data structures for chatkdc (channel Key Distribution Center)
 */

package kdc

import (
	"time"
)

// Channel is a chat channel that may carry an encrypted conversation
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsEncrypted bool      `json:"is_encrypted"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a member's standing in a channel. Owners outrank admins, admins outrank members.
type Role string

const (
	RoleNone   Role = "none"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// rank orders roles for key holder selection (lower is preferred)
func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 0
	case RoleAdmin:
		return 1
	case RoleMember:
		return 2
	}
	return 3
}

// CanManage reports whether the role may administer membership and encryption
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

func ValidRole(r Role) bool {
	switch r {
	case RoleMember, RoleAdmin, RoleOwner:
		return true
	}
	return false
}

// Member is one row of channel membership
type Member struct {
	ChannelID    string    `json:"channel_id"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
	HasPublicKey bool      `json:"has_public_key"`
	IsOnline     bool      `json:"is_online"`
}

// MasterKeyVersion is one generation of a channel's master key.
// At most one version per channel is active; superseded versions are never modified again.
type MasterKeyVersion struct {
	ChannelID   string    `json:"channel_id"`
	Version     int       `json:"version"`
	KeyMaterial []byte    `json:"-"` // never sent in API responses
	Fingerprint string    `json:"fingerprint"`
	CreatedBy   string    `json:"created_by"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserChannelKey is one user's encrypted copy of one key version
type UserChannelKey struct {
	ID           int64     `json:"id"`
	ChannelID    string    `json:"channel_id"`
	UserID       string    `json:"user_id"`
	KeyVersion   int       `json:"key_version"`
	EncryptedKey string    `json:"encrypted_key"`
	SenderID     string    `json:"sender_id"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// KeyShareRecord is the append-only record of one key hand-off (a KDM)
type KeyShareRecord struct {
	ID             int64      `json:"id"`
	ChannelID      string     `json:"channel_id"`
	SenderID       string     `json:"sender_id"`
	RecipientID    string     `json:"recipient_id"`
	EncryptedKey   string     `json:"encrypted_key"`
	KeyVersion     int        `json:"key_version"`
	IsRotation     bool       `json:"is_rotation"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// KeyRotationLog is one audit row per version transition. OldVersion is nil for initialization.
type KeyRotationLog struct {
	ID         int64     `json:"id"`
	ChannelID  string    `json:"channel_id"`
	OldVersion *int      `json:"old_version,omitempty"`
	NewVersion int       `json:"new_version"`
	RotatedBy  string    `json:"rotated_by"`
	Reason     string    `json:"reason"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// RequestStatus is the state of a KeyDistributionRequest
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
)

// KeyDistributionRequest asks a key holder to share the channel key with a member who lacks it
type KeyDistributionRequest struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channel_id"`
	RequesterID string        `json:"requester_id"`
	AdminID     string        `json:"admin_id"`
	Status      RequestStatus `json:"status"`
	NotifyCount int           `json:"notify_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// UserSyncState holds a user's KDM watermark; it only ever moves forward
type UserSyncState struct {
	UserID              string    `json:"user_id"`
	LastAckedKdmVersion int       `json:"last_acked_kdm_version"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PendingKey is one KDM entry served by the catch-up query
type PendingKey struct {
	ID           int64     `json:"id"`
	ChannelID    string    `json:"channel_id"`
	SenderID     string    `json:"sender_id"`
	EncryptedKey string    `json:"encrypted_keys_for_me"`
	Version      int       `json:"version"`
	IsRotation   bool      `json:"is_rotation"`
	Timestamp    time.Time `json:"timestamp"`
}

// PublicKey is a user's registered public key, used by peers to encrypt shares
type PublicKey struct {
	UserID    string    `json:"user_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
