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

func TestShareKey(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, tr := newTestService(t)
	setupChannel(t, svc, "dev", "alice", "bob")
	tr.connect("bob", "s-bob-1")
	tr.connect("bob", "s-bob-2")

	_, err := svc.EnableEncryption(ctx, "dev", "alice")
	require.NoError(err)

	req, err := svc.RequestKey(ctx, "dev", "bob")
	require.NoError(err)
	assert.Equal("alice", req.AdminID)

	stale := 7
	res, err := svc.ShareKey(ctx, &ShareKeyParams{
		ChannelID:    "dev",
		SenderID:     "alice",
		RecipientID:  "bob",
		EncryptedKey: wrappedKey("bob"),
		KeyVersion:   &stale,
	})
	require.NoError(err)
	assert.Equal(1, res.KeyVersion, "the server assigns the active version")
	assert.Equal(int64(1), res.RequestsCompleted)
	assert.Equal(2, res.Delivered)
	assert.False(res.EncryptionEnabled)

	for _, sid := range []string{"s-bob-1", "s-bob-2"} {
		evs := tr.events(sid, EventChannelKeyShare)
		require.Len(evs, 1)
		data := evs[0].Data.(ChannelKeyShareEvent)
		assert.Equal(1, data.Version)
		assert.Equal("alice", data.SenderID)
	}

	key, err := svc.DB.GetUserKey(ctx, "dev", "bob")
	require.NoError(err)
	assert.True(key.IsActive)
	assert.Equal(1, key.KeyVersion)
	assert.Equal("alice", key.SenderID)

	kr, err := svc.DB.GetRequest(ctx, req.ID)
	require.NoError(err)
	assert.Equal(RequestCompleted, kr.Status)
}

func TestShareKeyRejections(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	setupChannel(t, svc, "dev", "alice", "bob")

	cases := []struct {
		name string
		p    ShareKeyParams
		kind ErrorKind
	}{
		{"missing recipient", ShareKeyParams{ChannelID: "dev", SenderID: "alice", EncryptedKey: wrappedKey("x")}, KindInvalid},
		{"plaintext payload", ShareKeyParams{ChannelID: "dev", SenderID: "alice", RecipientID: "bob", EncryptedKey: `{"encrypted":{"k":"raw"}}`}, KindCorrupt},
		{"garbage payload", ShareKeyParams{ChannelID: "dev", SenderID: "alice", RecipientID: "bob", EncryptedKey: "!!!"}, KindCorrupt},
		{"sender not a member", ShareKeyParams{ChannelID: "dev", SenderID: "mallory", RecipientID: "bob", EncryptedKey: wrappedKey("x")}, KindForbidden},
		{"recipient not a member", ShareKeyParams{ChannelID: "dev", SenderID: "alice", RecipientID: "mallory", EncryptedKey: wrappedKey("x")}, KindForbidden},
		{"unknown channel", ShareKeyParams{ChannelID: "nosuch", SenderID: "alice", RecipientID: "bob", EncryptedKey: wrappedKey("x")}, KindNotFound},
	}
	for _, tc := range cases {
		_, err := svc.ShareKey(ctx, &tc.p)
		assert.Equal(tc.kind, KindOf(err), tc.name)
	}

	shares, err := svc.DB.ListShares(ctx, "dev", "")
	require.NoError(t, err)
	assert.Empty(shares)
}

func TestShareKeyAutoEnable(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	setupChannel(t, svc, "dev", "alice", "bob")

	p := &ShareKeyParams{ChannelID: "dev", SenderID: "alice", RecipientID: "bob", EncryptedKey: wrappedKey("bob")}

	off := false
	svc.Conf.AutoEnableOnShare = &off
	_, err := svc.ShareKey(ctx, p)
	assert.Equal(KindInvalid, KindOf(err))

	svc.Conf.AutoEnableOnShare = nil
	res, err := svc.ShareKey(ctx, p)
	require.NoError(err)
	assert.True(res.EncryptionEnabled)
	assert.Equal(1, res.KeyVersion)

	ch, err := svc.DB.GetChannel(ctx, "dev")
	require.NoError(err)
	assert.True(ch.IsEncrypted)
}

func TestGetSenderKey(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	setupChannel(t, svc, "dev", "alice", "bob", "carol")
	require.NoError(svc.DB.PutPublicKey(ctx, "alice", "YWxpY2UtcHVibGljLWtleQ=="))

	_, err := svc.EnableEncryption(ctx, "dev", "alice")
	require.NoError(err)

	_, err = svc.ShareKey(ctx, &ShareKeyParams{
		ChannelID: "dev", SenderID: "alice", RecipientID: "bob", EncryptedKey: wrappedKey("bob"),
	})
	require.NoError(err)

	sk, err := svc.GetSenderKey(ctx, "dev", "bob")
	require.NoError(err)
	assert.Equal("alice", sk.SenderID)
	assert.Equal("YWxpY2UtcHVibGljLWtleQ==", sk.SenderPublicKey)
	assert.Equal(1, sk.KeyVersion)
	assert.True(sk.IsActive)

	// the envelope's own sender key wins over the registry
	envelope := `{"encrypted":"` + wrappedKey("carol") + `","sender_id":"alice","senderPublicKey":"ZW52ZWxvcGU="}`
	_, err = svc.ShareKey(ctx, &ShareKeyParams{
		ChannelID: "dev", SenderID: "alice", RecipientID: "carol", EncryptedKey: envelope,
	})
	require.NoError(err)
	sk, err = svc.GetSenderKey(ctx, "dev", "carol")
	require.NoError(err)
	assert.Equal("ZW52ZWxvcGU=", sk.SenderPublicKey)

	// a copy whose envelope names somebody other than the recorded sender is refused
	forged := `{"encrypted":"` + wrappedKey("carol") + `","senderId":"mallory"}`
	require.NoError(svc.DB.PutUserKey(ctx, "dev", "carol", 1, forged, "alice"))
	_, err = svc.GetSenderKey(ctx, "dev", "carol")
	assert.True(errors.Is(err, ErrCorrupt))

	_, err = svc.GetSenderKey(ctx, "dev", "mallory")
	assert.True(errors.Is(err, ErrForbidden))
}

func TestGetSenderKeyHealsOrRequests(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, _ := newTestService(t)
	setupChannel(t, svc, "dev", "alice", "bob", "carol")
	_, err := svc.EnableEncryption(ctx, "dev", "alice")
	require.NoError(err)

	_, err = svc.ShareKey(ctx, &ShareKeyParams{
		ChannelID: "dev", SenderID: "alice", RecipientID: "bob", EncryptedKey: wrappedKey("bob"),
	})
	require.NoError(err)

	n, err := svc.DB.DeleteUserKeys(ctx, "dev", "bob")
	require.NoError(err)
	assert.Equal(int64(1), n)

	sk, err := svc.GetSenderKey(ctx, "dev", "bob")
	require.NoError(err)
	assert.Equal(wrappedKey("bob"), sk.EncryptedKey)

	_, err = svc.GetSenderKey(ctx, "dev", "carol")
	assert.Equal(KindNotFound, KindOf(err))
	reqs, err := svc.DB.ListRequests(ctx, "dev", RequestPending)
	require.NoError(err)
	require.Len(reqs, 1)
	assert.Equal("carol", reqs[0].RequesterID)
}

func TestListMembers(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	svc, tr := newTestService(t)
	setupChannel(t, svc, "dev", "alice", "bob")
	tr.connect("bob", "s-bob")
	require.NoError(svc.DB.PutPublicKey(ctx, "alice", "QUJD"))

	members, err := svc.ListMembers(ctx, "dev", "bob")
	require.NoError(err)
	require.Len(members, 2)
	assert.Equal("alice", members[0].UserID)
	assert.Equal(RoleOwner, members[0].Role)
	assert.True(members[0].HasPublicKey)
	assert.False(members[0].IsOnline)
	assert.True(members[1].IsOnline)

	_, err = svc.ListMembers(ctx, "dev", "mallory")
	assert.True(errors.Is(err, ErrForbidden))

	members, err = svc.ListMembers(ctx, "dev", SystemActor)
	require.NoError(err)
	assert.Len(members, 2)
}
