/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package presence

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregister(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	r := NewRouter()
	var users, sessions int
	r.OnChange = func(u, s int) { users, sessions = u, s }

	assert.True(r.Register("alice", "s1"))
	assert.False(r.Register("alice", "s2"))
	assert.True(r.Register("bob", "s3"))
	assert.Equal(2, users)
	assert.Equal(3, sessions)

	assert.Equal([]string{"s1", "s2"}, r.SessionsFor("alice"))
	first, ok := r.FirstSession("alice")
	require.True(ok)
	assert.Equal("s1", first)
	assert.Equal([]string{"alice", "bob"}, r.OnlineUsers())

	owner, ok := r.UserOf("s2")
	require.True(ok)
	assert.Equal("alice", owner)

	// closing one tab leaves the user online
	assert.False(r.Unregister("alice", "s1"))
	assert.True(r.IsOnline("alice"))
	first, _ = r.FirstSession("alice")
	assert.Equal("s2", first)

	assert.True(r.Unregister("alice", "s2"))
	assert.False(r.IsOnline("alice"))
	assert.Empty(r.SessionsFor("alice"))
	_, ok = r.FirstSession("alice")
	assert.False(ok)
	_, ok = r.UserOf("s2")
	assert.False(ok)

	assert.Equal(1, users)
	assert.Equal(1, sessions)
	assert.Equal(1, r.OnlineCount())
	assert.Equal(1, r.SessionCount())
}

func TestUnregisterUnknownSession(t *testing.T) {
	assert := assert.New(t)

	r := NewRouter()
	calls := 0
	r.OnChange = func(int, int) { calls++ }

	assert.False(r.Unregister("nobody", "s1"))
	r.Register("alice", "s1")
	assert.False(r.Unregister("alice", "other"))
	assert.True(r.IsOnline("alice"))
	assert.Equal(1, calls)

	// a session id registered twice is kept once
	r.Register("alice", "s1")
	assert.Equal([]string{"s1"}, r.SessionsFor("alice"))
	assert.True(r.Unregister("alice", "s1"))
}

func TestTouch(t *testing.T) {
	assert := assert.New(t)

	r := NewRouter()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.Register("alice", "s1")

	now = now.Add(time.Minute)
	r.Touch("s1")
	r.Touch("unknown")

	sess := r.Sessions("alice")
	assert.Len(sess, 1)
	assert.Equal(now, sess[0].LastActiveAt)
	assert.Equal(now.Add(-time.Minute), sess[0].ConnectedAt)
}

func TestConcurrentSessions(t *testing.T) {
	assert := assert.New(t)

	r := NewRouter()
	const users, perUser = 10, 5

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for s := 0; s < perUser; s++ {
			wg.Add(1)
			go func(u, s int) {
				defer wg.Done()
				r.Register(fmt.Sprintf("user%d", u), fmt.Sprintf("u%d-s%d", u, s))
			}(u, s)
		}
	}
	wg.Wait()
	assert.Equal(users, r.OnlineCount())
	assert.Equal(users*perUser, r.SessionCount())

	var offline atomic.Int32
	for u := 0; u < users; u++ {
		for s := 0; s < perUser; s++ {
			wg.Add(1)
			go func(u, s int) {
				defer wg.Done()
				if r.Unregister(fmt.Sprintf("user%d", u), fmt.Sprintf("u%d-s%d", u, s)) {
					offline.Add(1)
				}
			}(u, s)
		}
	}
	wg.Wait()
	assert.Equal(0, r.OnlineCount())
	assert.Equal(0, r.SessionCount())

	// exactly one Unregister per user reports the user going offline
	assert.Equal(int32(users), offline.Load())
}
