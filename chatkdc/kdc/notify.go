/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Outbound events: what the KDC pushes to connected clients
 */

package kdc

import (
	"log"

	"golang.org/x/sync/errgroup"
)

// Event names pushed to clients
const (
	EventChannelKeyShare   = "channel_key_share"
	EventKeyRotationNeeded = "key_rotation_needed"
	EventChannelKeyRequest = "channel_key_request"
	EventKdmSyncRequest    = "kdm_sync_request"
	EventKdmUpdate         = "kdm_update"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventError             = "error"
)

// Event is one message to a client session
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type ChannelKeyShareEvent struct {
	ChannelID    string `json:"channelId"`
	SenderID     string `json:"senderId"`
	EncryptedKey string `json:"encryptedKey"`
	Version      int    `json:"version"`
	IsRotation   bool   `json:"isRotation"`
}

type KeyRotationNeededEvent struct {
	ChannelID  string   `json:"channelId"`
	NewVersion int      `json:"newVersion"`
	Reason     string   `json:"reason"`
	Members    []string `json:"members"`
}

type ChannelKeyRequestEvent struct {
	ChannelID   string `json:"channelId"`
	RequesterID string `json:"requesterId"`
	RequestID   string `json:"requestId"`
}

type KdmSyncRequestEvent struct {
	LastVersionSeen int `json:"lastVersionSeen"`
	PendingCount    int `json:"pendingCount"`
}

type PresenceEvent struct {
	UserID      string `json:"userId"`
	OnlineCount int    `json:"onlineCount"`
}

type ErrorEvent struct {
	Kind ErrorKind `json:"kind"`
	Msg  string    `json:"msg"`
}

// Pusher delivers one event to one transport session. Implementations must be safe
// for concurrent use.
type Pusher interface {
	PushToSession(sessionID string, ev Event) error
}

// SessionLocator answers which sessions belong to a user
type SessionLocator interface {
	SessionsFor(userID string) []string
	FirstSession(userID string) (string, bool)
}

// Notifier addresses events to users and fans them out to sessions. Pushes are best
// effort: a lost push is recovered by the KDM catch-up protocol.
type Notifier struct {
	Sessions SessionLocator
	Pusher   Pusher
	Metrics  *Metrics
}

func NewNotifier(sessions SessionLocator, pusher Pusher, metrics *Metrics) *Notifier {
	return &Notifier{Sessions: sessions, Pusher: pusher, Metrics: metrics}
}

// IsOnline reports whether the user has at least one session
func (n *Notifier) IsOnline(userID string) bool {
	if n == nil || n.Sessions == nil {
		return false
	}
	return len(n.Sessions.SessionsFor(userID)) > 0
}

// ToSession pushes to a single session
func (n *Notifier) ToSession(sessionID string, ev Event) bool {
	if n == nil || n.Pusher == nil {
		return false
	}
	if err := n.Pusher.PushToSession(sessionID, ev); err != nil {
		log.Printf("KDC: push of %s to session %s failed: %v", ev.Type, sessionID, err)
		n.Metrics.push(ev.Type, false)
		return false
	}
	n.Metrics.push(ev.Type, true)
	return true
}

// ToUser pushes to every session of the user and returns how many got it
func (n *Notifier) ToUser(userID string, ev Event) int {
	if n == nil || n.Sessions == nil {
		return 0
	}
	delivered := 0
	for _, sid := range n.Sessions.SessionsFor(userID) {
		if n.ToSession(sid, ev) {
			delivered++
		}
	}
	return delivered
}

// ToFirstSession pushes to one reachable session of the user
func (n *Notifier) ToFirstSession(userID string, ev Event) bool {
	if n == nil || n.Sessions == nil {
		return false
	}
	sid, ok := n.Sessions.FirstSession(userID)
	if !ok {
		return false
	}
	return n.ToSession(sid, ev)
}

// ToUsers fans an event out to many users concurrently and returns the number of
// users reached on at least one session
func (n *Notifier) ToUsers(userIDs []string, ev Event) int {
	if n == nil {
		return 0
	}
	reached := make([]bool, len(userIDs))
	var g errgroup.Group
	g.SetLimit(16)
	for i, uid := range userIDs {
		i, uid := i, uid
		g.Go(func() error {
			reached[i] = n.ToUser(uid, ev) > 0
			return nil
		})
	}
	g.Wait()

	count := 0
	for _, r := range reached {
		if r {
			count++
		}
	}
	return count
}
