/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package kdc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func share(t *testing.T, svc *Service, channelID, from, to, payload string, rotation bool) *ShareResult {
	t.Helper()
	res, err := svc.ShareKey(context.Background(), &ShareKeyParams{
		ChannelID:    channelID,
		SenderID:     from,
		RecipientID:  to,
		EncryptedKey: payload,
		IsRotation:   rotation,
	})
	require.NoError(t, err)
	return res
}

func versions(pending *PendingResult) []int {
	var out []int
	for _, pk := range pending.PendingKeys {
		out = append(out, pk.Version)
	}
	return out
}

// A member is removed, the key rotates, the remaining member is re-provisioned and
// catches up through the KDM queue.
func TestRemovalResyncScenario(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, tr := newTestService(t)
	setupChannel(t, svc, "ops", "alice", "bob", "carol")
	tr.connect("alice", "s-alice")

	_, err := svc.EnableEncryption(ctx, "ops", "alice")
	require.NoError(err)
	share(t, svc, "ops", "alice", "bob", wrappedKey("v1-bob"), false)
	share(t, svc, "ops", "alice", "carol", wrappedKey("v1-carol"), false)

	removal, err := svc.OnMemberRemoved(ctx, "ops", "carol", "alice")
	require.NoError(err)
	require.Equal(2, removal.NewVersion)

	// bob's copy is of version 1, so his next message asks alice for version 2
	ensure, err := svc.EnsureKeyOnActivity(ctx, "ops", "bob")
	require.NoError(err)
	assert.Equal(EnsureRequested, ensure.Outcome)
	assert.Equal(2, ensure.Version)
	require.NotNil(ensure.Request)
	assert.Equal("alice", ensure.Request.AdminID)
	assert.True(ensure.AdminNotified)

	res := share(t, svc, "ops", "alice", "bob", wrappedKey("v2-bob"), true)
	assert.Equal(2, res.KeyVersion)
	assert.Equal(int64(1), res.RequestsCompleted)

	ensure, err = svc.EnsureKeyOnActivity(ctx, "ops", "bob")
	require.NoError(err)
	assert.Equal(EnsureProvisioned, ensure.Outcome)

	sync, err := svc.OnReconnect(ctx, "bob")
	require.NoError(err)
	assert.Equal(0, sync.LastVersionSeen)
	assert.Equal(2, sync.PendingCount)

	pending, err := svc.PendingFor(ctx, "bob", 0, "")
	require.NoError(err)
	assert.Equal([]int{1, 2}, versions(pending))
	assert.Equal(2, pending.LatestVersion)
	assert.Equal(2, pending.Count)
	assert.True(pending.PendingKeys[1].IsRotation)
	assert.Equal(wrappedKey("v2-bob"), pending.PendingKeys[1].EncryptedKey)

	st, err := svc.Acknowledge(ctx, "bob", "", pending.LatestVersion)
	require.NoError(err)
	assert.Equal(2, st.LastAckedKdmVersion)

	sync, err = svc.OnReconnect(ctx, "bob")
	require.NoError(err)
	assert.Equal(2, sync.LastVersionSeen)
	assert.Equal(0, sync.PendingCount)

	pending, err = svc.PendingFor(ctx, "bob", st.LastAckedKdmVersion, "")
	require.NoError(err)
	assert.Empty(pending.PendingKeys)
	assert.Equal(2, pending.LatestVersion)

	shares, err := svc.DB.ListShares(ctx, "ops", "bob")
	require.NoError(err)
	require.Len(shares, 2)
	for _, s := range shares {
		assert.True(s.Acknowledged)
		assert.NotNil(s.AcknowledgedAt)
	}

	// the removed member never sees the new version
	pending, err = svc.PendingFor(ctx, "carol", 0, "")
	require.NoError(err)
	assert.Equal([]int{1}, versions(pending))
}

func TestPendingLatestSharePerVersion(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	setupChannel(t, svc, "dev", "alice", "bob")
	setupChannel(t, svc, "ops", "alice", "bob")
	_, err := svc.EnableEncryption(ctx, "dev", "alice")
	require.NoError(err)
	_, err = svc.EnableEncryption(ctx, "ops", "alice")
	require.NoError(err)

	share(t, svc, "dev", "alice", "bob", wrappedKey("first"), false)
	share(t, svc, "dev", "alice", "bob", wrappedKey("second"), false)
	share(t, svc, "ops", "alice", "bob", wrappedKey("ops"), false)

	pending, err := svc.PendingFor(ctx, "bob", 0, "dev")
	require.NoError(err)
	require.Len(pending.PendingKeys, 1)
	assert.Equal(wrappedKey("second"), pending.PendingKeys[0].EncryptedKey)

	// same version in two channels counts twice
	pending, err = svc.PendingFor(ctx, "bob", 0, "")
	require.NoError(err)
	assert.Equal(2, pending.Count)

	// repeated queries are stable
	again, err := svc.PendingFor(ctx, "bob", 0, "")
	require.NoError(err)
	assert.Equal(pending.PendingKeys, again.PendingKeys)

	_, err = svc.PendingFor(ctx, "", 0, "")
	assert.True(errors.Is(err, ErrInvalid))
}

func TestPendingLimitAndCorruptEntries(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	svc.Conf.PendingLimit = 2
	setupChannel(t, svc, "dev", "alice", "bob")

	for v := 1; v <= 4; v++ {
		_, err := svc.DB.RecordShare(ctx, &KeyShareRecord{
			ChannelID: "dev", SenderID: "alice", RecipientID: "bob",
			EncryptedKey: wrappedKey("bob"), KeyVersion: v,
		})
		require.NoError(err)
	}
	_, err := svc.DB.RecordShare(ctx, &KeyShareRecord{
		ChannelID: "dev", SenderID: "alice", RecipientID: "bob", EncryptedKey: "!!!", KeyVersion: 5,
	})
	require.NoError(err)

	pending, err := svc.PendingFor(ctx, "bob", 0, "")
	require.NoError(err)
	assert.Equal([]int{1, 2}, versions(pending))
	assert.Equal(2, pending.LatestVersion)

	pending, err = svc.PendingFor(ctx, "bob", 2, "")
	require.NoError(err)
	assert.Equal([]int{3, 4}, versions(pending))

	// the corrupt entry is withheld but still advances the version so it can be acked past
	pending, err = svc.PendingFor(ctx, "bob", 4, "")
	require.NoError(err)
	assert.Empty(pending.PendingKeys)
	assert.Equal(0, pending.Count)
	assert.Equal(5, pending.LatestVersion)
}

func TestAcknowledgeIsMonotonic(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)

	st, err := svc.DB.GetSyncState(ctx, "bob")
	require.NoError(err)
	assert.Equal(0, st.LastAckedKdmVersion)

	st, err = svc.Acknowledge(ctx, "bob", "", 3)
	require.NoError(err)
	assert.Equal(3, st.LastAckedKdmVersion)

	st, err = svc.Acknowledge(ctx, "bob", "", 2)
	require.NoError(err)
	assert.Equal(3, st.LastAckedKdmVersion)

	st, err = svc.Acknowledge(ctx, "bob", "", 3)
	require.NoError(err)
	assert.Equal(3, st.LastAckedKdmVersion)

	st, err = svc.Acknowledge(ctx, "bob", "", 9)
	require.NoError(err)
	assert.Equal(9, st.LastAckedKdmVersion)

	_, err = svc.Acknowledge(ctx, "bob", "", 0)
	assert.Equal(KindInvalid, KindOf(err))
	_, err = svc.Acknowledge(ctx, "", "", 1)
	assert.Equal(KindInvalid, KindOf(err))
}

func TestEnsureKeyOnActivity(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	setupChannel(t, svc, "lobby", "alice", "bob")

	res, err := svc.EnsureKeyOnActivity(ctx, "lobby", "bob")
	require.NoError(err)
	assert.Equal(EnsureNotEncrypted, res.Outcome)

	_, err = svc.EnsureKeyOnActivity(ctx, "lobby", "mallory")
	assert.True(errors.Is(err, ErrForbidden))

	_, err = svc.EnsureKeyOnActivity(ctx, "nosuch", "bob")
	assert.True(errors.Is(err, ErrNotFound))

	_, err = svc.EnableEncryption(ctx, "lobby", "alice")
	require.NoError(err)
	share(t, svc, "lobby", "alice", "bob", wrappedKey("bob"), false)

	res, err = svc.EnsureKeyOnActivity(ctx, "lobby", "bob")
	require.NoError(err)
	assert.Equal(EnsureProvisioned, res.Outcome)

	_, err = svc.DB.DeleteUserKeys(ctx, "lobby", "bob")
	require.NoError(err)
	res, err = svc.EnsureKeyOnActivity(ctx, "lobby", "bob")
	require.NoError(err)
	assert.Equal(EnsureHealed, res.Outcome)
	require.NotNil(res.Key)
	assert.Equal(1, res.Key.KeyVersion)
	assert.True(res.Key.IsActive)
	assert.Equal("alice", res.Key.SenderID)
}

func TestFirstMessageInitializesChannel(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	require.NoError(svc.DB.AddChannel(ctx, &Channel{ID: "solo", IsEncrypted: true, CreatedBy: "alice"}))

	// nobody else can supply alice's copy, but the key itself is created
	res, err := svc.EnsureKeyOnActivity(ctx, "solo", "alice")
	assert.Equal(KindNotFound, KindOf(err))
	require.NotNil(res)
	assert.True(res.Initialized)
	assert.Equal(1, res.Version)

	mk, err := svc.DB.GetActiveVersion(ctx, "solo")
	require.NoError(err)
	assert.Equal(1, mk.Version)
	assert.Equal("alice", mk.CreatedBy)
}
