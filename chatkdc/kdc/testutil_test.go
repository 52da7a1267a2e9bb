/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package kdc

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTransport stands in for the presence router and the socket hub
type fakeTransport struct {
	sync.Mutex
	sessions map[string][]string // userID -> sessionIDs
	pushed   map[string][]Event  // sessionID -> events
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sessions: map[string][]string{},
		pushed:   map[string][]Event{},
	}
}

func (f *fakeTransport) connect(userID, sessionID string) {
	f.Lock()
	defer f.Unlock()
	f.sessions[userID] = append(f.sessions[userID], sessionID)
}

func (f *fakeTransport) SessionsFor(userID string) []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.sessions[userID]...)
}

func (f *fakeTransport) FirstSession(userID string) (string, bool) {
	f.Lock()
	defer f.Unlock()
	if len(f.sessions[userID]) == 0 {
		return "", false
	}
	return f.sessions[userID][0], true
}

func (f *fakeTransport) PushToSession(sessionID string, ev Event) error {
	f.Lock()
	defer f.Unlock()
	f.pushed[sessionID] = append(f.pushed[sessionID], ev)
	return nil
}

func (f *fakeTransport) events(sessionID, evType string) []Event {
	f.Lock()
	defer f.Unlock()
	var out []Event
	for _, ev := range f.pushed[sessionID] {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestDB(t *testing.T) *KdcDB {
	t.Helper()
	db, err := NewKdcDB("sqlite", filepath.Join(t.TempDir(), "kdc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) (*Service, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	metrics := NewMetrics()
	svc := NewService(newTestDB(t), &KdcConf{}, NewNotifier(tr, tr, metrics), metrics)
	return svc, tr
}

// setupChannel creates a channel owned by the first user with the rest as plain members
func setupChannel(t *testing.T, svc *Service, channelID string, owner string, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.DB.AddChannel(ctx, &Channel{ID: channelID, CreatedBy: owner}))
	for _, m := range members {
		require.NoError(t, svc.DB.AddMember(ctx, channelID, m, RoleMember))
	}
}

// wrappedKey is an opaque client-side ciphertext
func wrappedKey(tag string) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("wrapped channel key:%s", tag)))
}

// racingKeyGen reports a lost version race for its first n calls
type racingKeyGen struct {
	sync.Mutex
	conflicts int
	calls     int
}

func (g *racingKeyGen) GenerateKey(size int) ([]byte, error) {
	g.Lock()
	defer g.Unlock()
	g.calls++
	if g.conflicts > 0 {
		g.conflicts--
		return nil, conflictf("key version created concurrently")
	}
	return RandomKeyGenerator{}.GenerateKey(size)
}
