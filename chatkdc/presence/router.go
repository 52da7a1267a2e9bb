/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * PresenceRouter: which transport sessions belong to which user
 */

package presence

import (
	"log"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Session is one live transport connection of a user
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Router maps users to their sessions (1:N). Per-user slices are replaced, never
// modified in place, so readers can use them without holding a lock.
type Router struct {
	users    cmap.ConcurrentMap[string, []Session] // userID -> sessions, in connect order
	sessions cmap.ConcurrentMap[string, string]    // sessionID -> userID

	// OnChange, if set, is called with the online user and session counts after
	// every register and unregister
	OnChange func(users, sessions int)

	now func() time.Time
}

func NewRouter() *Router {
	return &Router{
		users:    cmap.New[[]Session](),
		sessions: cmap.New[string](),
		now:      time.Now,
	}
}

// Register adds a session for the user. It returns true if this is the user's
// first session, i.e. the user just came online.
func (r *Router) Register(userID, sessionID string) bool {
	now := r.now()
	first := false
	r.users.Upsert(userID, nil, func(exists bool, cur []Session, _ []Session) []Session {
		if !exists || len(cur) == 0 {
			first = true
		}
		next := make([]Session, 0, len(cur)+1)
		for _, s := range cur {
			if s.ID != sessionID {
				next = append(next, s)
			}
		}
		return append(next, Session{ID: sessionID, UserID: userID, ConnectedAt: now, LastActiveAt: now})
	})
	r.sessions.Set(sessionID, userID)

	log.Printf("Presence: %s registered session %s (first=%v)", userID, sessionID, first)
	r.changed()
	return first
}

// Unregister removes exactly one session. It returns true if it was the user's
// last session, i.e. the user just went offline.
func (r *Router) Unregister(userID, sessionID string) bool {
	last := false
	found := false
	r.users.Upsert(userID, nil, func(exists bool, cur []Session, _ []Session) []Session {
		if !exists {
			return nil
		}
		next := make([]Session, 0, len(cur))
		for _, s := range cur {
			if s.ID == sessionID {
				found = true
				continue
			}
			next = append(next, s)
		}
		last = found && len(next) == 0
		return next
	})
	// a Register may have slipped in since; only drop the entry if it is still empty
	r.users.RemoveCb(userID, func(_ string, cur []Session, exists bool) bool {
		return exists && len(cur) == 0
	})
	r.sessions.RemoveCb(sessionID, func(_ string, uid string, exists bool) bool {
		return exists && uid == userID
	})

	if found {
		log.Printf("Presence: %s unregistered session %s (last=%v)", userID, sessionID, last)
		r.changed()
	}
	return last
}

func (r *Router) changed() {
	if r.OnChange != nil {
		r.OnChange(r.OnlineCount(), r.SessionCount())
	}
}

// SessionsFor returns the user's session IDs in connect order; empty when offline
func (r *Router) SessionsFor(userID string) []string {
	cur, _ := r.users.Get(userID)
	ids := make([]string, 0, len(cur))
	for _, s := range cur {
		ids = append(ids, s.ID)
	}
	return ids
}

// Sessions returns a copy of the user's sessions
func (r *Router) Sessions(userID string) []Session {
	cur, _ := r.users.Get(userID)
	out := make([]Session, len(cur))
	copy(out, cur)
	return out
}

// FirstSession returns the user's oldest live session
func (r *Router) FirstSession(userID string) (string, bool) {
	cur, ok := r.users.Get(userID)
	if !ok || len(cur) == 0 {
		return "", false
	}
	return cur[0].ID, true
}

// UserOf returns the user owning a session
func (r *Router) UserOf(sessionID string) (string, bool) {
	return r.sessions.Get(sessionID)
}

func (r *Router) IsOnline(userID string) bool {
	cur, ok := r.users.Get(userID)
	return ok && len(cur) > 0
}

// Touch records activity on a session
func (r *Router) Touch(sessionID string) {
	userID, ok := r.sessions.Get(sessionID)
	if !ok {
		return
	}
	now := r.now()
	r.users.Upsert(userID, nil, func(exists bool, cur []Session, _ []Session) []Session {
		if !exists {
			return nil
		}
		next := make([]Session, len(cur))
		copy(next, cur)
		for i := range next {
			if next[i].ID == sessionID {
				next[i].LastActiveAt = now
			}
		}
		return next
	})
	r.users.RemoveCb(userID, func(_ string, cur []Session, exists bool) bool {
		return exists && len(cur) == 0
	})
}

// OnlineUsers returns the sorted IDs of users with at least one session
func (r *Router) OnlineUsers() []string {
	var users []string
	for item := range r.users.IterBuffered() {
		if len(item.Val) > 0 {
			users = append(users, item.Key)
		}
	}
	sort.Strings(users)
	return users
}

func (r *Router) OnlineCount() int {
	n := 0
	for item := range r.users.IterBuffered() {
		if len(item.Val) > 0 {
			n++
		}
	}
	return n
}

func (r *Router) SessionCount() int {
	return r.sessions.Count()
}
