/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package kdc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	t   *testing.T
	svc *Service
	tr  *fakeTransport
	srv *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	svc, tr := newTestService(t)
	r := mux.NewRouter()
	SetupUserAPIRoutes(r.PathPrefix("/api/v1/chat").Subrouter(), svc, "")
	SetupKdcAPIRoutes(r.PathPrefix("/api/v1").Subrouter(), svc)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiHarness{t: t, svc: svc, tr: tr, srv: srv}
}

// call sends body (nil for none) as user (empty for no identity header) and decodes
// the response into out. It returns the status code and the raw body.
func (h *apiHarness) call(method, path, user string, body interface{}, out interface{}) (int, string) {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if out != nil {
		require.NoError(h.t, json.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode, string(raw)
}

func TestChannelAPI(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	h := newAPIHarness(t)

	var cr KdcChannelResponse
	code, _ := h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "add",
		Channel: &Channel{ID: "dev", Name: "Development", CreatedBy: "alice"},
	}, &cr)
	require.Equal(http.StatusOK, code)
	assert.False(cr.Error)
	assert.Equal("dev", cr.Channel.ID)

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "add", Channel: &Channel{ID: "dev"},
	}, &cr)
	assert.Equal(http.StatusConflict, code)
	assert.True(cr.Error)
	assert.Equal(KindConflict, cr.ErrorKind)

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "add-member", ChannelID: "dev", UserID: "bob",
	}, &cr)
	require.Equal(http.StatusOK, code)
	require.NotNil(cr.Ensure)
	assert.Equal(EnsureNotEncrypted, cr.Ensure.Outcome)

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "enable-encryption", ChannelID: "dev",
	}, &cr)
	require.Equal(http.StatusOK, code)
	assert.Equal(1, cr.MasterKey.Version)

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "rotate", ChannelID: "dev", Reason: "drill",
	}, &cr)
	require.Equal(http.StatusOK, code)
	assert.Equal(2, cr.MasterKey.Version)

	cr = KdcChannelResponse{}
	code, raw := h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "history", ChannelID: "dev",
	}, &cr)
	require.Equal(http.StatusOK, code)
	require.Len(cr.History, 2)
	assert.True(cr.History[1].IsActive)
	assert.NotContains(raw, "key_material")

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "rotation-log", ChannelID: "dev",
	}, &cr)
	require.Equal(http.StatusOK, code)
	require.Len(cr.RotationLog, 2)
	assert.Equal("drill", cr.RotationLog[1].Reason)
	assert.Equal(SystemActor, cr.RotationLog[1].RotatedBy)

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "members", ChannelID: "dev",
	}, &cr)
	require.Equal(http.StatusOK, code)
	assert.Len(cr.Members, 2)

	// a member acting on their own may not rotate somebody out
	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "remove-member", ChannelID: "dev", UserID: "alice", By: "bob",
	}, &cr)
	assert.Equal(http.StatusForbidden, code)
	assert.Equal(KindForbidden, cr.ErrorKind)

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{
		Command: "remove-member", ChannelID: "dev", UserID: "bob",
	}, &cr)
	require.Equal(http.StatusOK, code)
	require.NotNil(cr.Removal)
	assert.True(cr.Removal.Rotated)
	assert.Equal(3, cr.Removal.NewVersion)

	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{Command: "get"}, nil)
	assert.Equal(http.StatusBadRequest, code)
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{Command: "frobnicate", ChannelID: "dev"}, nil)
	assert.Equal(http.StatusBadRequest, code)

	cr = KdcChannelResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/channel", "", KdcChannelPost{Command: "get", ChannelID: "nosuch"}, &cr)
	assert.Equal(http.StatusNotFound, code)
	assert.Equal(KindNotFound, cr.ErrorKind)
}

func TestUserAPIIdentity(t *testing.T) {
	assert := assert.New(t)
	h := newAPIHarness(t)

	var st APIStatus
	code, _ := h.call("POST", "/api/v1/chat/request_key", "", map[string]string{"channel_id": "dev"}, &st)
	assert.Equal(http.StatusUnauthorized, code)
	assert.True(st.Error)

	st = APIStatus{}
	code, _ = h.call("POST", "/api/v1/chat/request_key", SystemActor, map[string]string{"channel_id": "dev"}, &st)
	assert.Equal(http.StatusForbidden, code)
	assert.Equal(KindForbidden, st.ErrorKind)

	code, _ = h.call("GET", "/api/v1/chat/sender_key", "bob", nil, nil)
	assert.Equal(http.StatusBadRequest, code)
}

func TestUserAPIKeyFlow(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	h := newAPIHarness(t)
	setupChannel(t, h.svc, "dev", "alice", "bob")

	var ur UserResponse
	code, _ := h.call("POST", "/api/v1/chat/channel/encryption", "bob",
		map[string]interface{}{"channel_id": "dev", "enabled": true}, &ur)
	assert.Equal(http.StatusForbidden, code)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/channel/encryption", "alice",
		map[string]interface{}{"channel_id": "dev", "enabled": true}, &ur)
	require.Equal(http.StatusOK, code)
	require.NotNil(ur.Encryption)
	assert.True(ur.Encryption.IsEncrypted)
	assert.Equal(1, ur.Encryption.ActiveVersion)
	assert.False(ur.Encryption.HasKey)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/activity", "bob", map[string]string{"channel_id": "dev"}, &ur)
	require.Equal(http.StatusOK, code)
	require.NotNil(ur.Ensure)
	assert.Equal(EnsureRequested, ur.Ensure.Outcome)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/share_key", "alice", map[string]interface{}{
		"channel_id": "dev", "recipient_id": "bob", "encrypted_key": wrappedKey("bob"),
	}, &ur)
	require.Equal(http.StatusOK, code)
	require.NotNil(ur.Share)
	assert.Equal(1, ur.Share.KeyVersion)
	assert.Equal(int64(1), ur.Share.RequestsCompleted)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/share_key", "alice", map[string]interface{}{
		"channel_id": "dev", "recipient_id": "bob", "encrypted_key": `{"encrypted":{"k":"plain"}}`,
	}, &ur)
	assert.Equal(http.StatusUnprocessableEntity, code)
	assert.Equal(KindCorrupt, ur.ErrorKind)

	var pr PendingResponse
	code, _ = h.call("GET", "/api/v1/chat/kdm/pending?after=0", "bob", nil, &pr)
	require.Equal(http.StatusOK, code)
	require.Equal(1, pr.Count)
	assert.Equal(1, pr.LatestVersion)
	assert.Equal("dev", pr.PendingKeys[0].ChannelID)
	assert.Equal("alice", pr.PendingKeys[0].SenderID)

	code, _ = h.call("GET", "/api/v1/chat/kdm/pending?after=x", "bob", nil, nil)
	assert.Equal(http.StatusBadRequest, code)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/kdm/ack", "bob", map[string]interface{}{"version": pr.LatestVersion}, &ur)
	require.Equal(http.StatusOK, code)
	require.NotNil(ur.SyncState)
	assert.Equal(1, ur.SyncState.LastAckedKdmVersion)

	ur = UserResponse{}
	code, _ = h.call("GET", "/api/v1/chat/sender_key?channel_id=dev", "bob", nil, &ur)
	require.Equal(http.StatusOK, code)
	require.NotNil(ur.SenderKey)
	assert.Equal("alice", ur.SenderKey.SenderID)
	assert.Equal(wrappedKey("bob"), ur.SenderKey.EncryptedKey)

	ur = UserResponse{}
	code, _ = h.call("GET", "/api/v1/chat/encryption_status?channel_id=dev", "bob", nil, &ur)
	require.Equal(http.StatusOK, code)
	assert.True(ur.Encryption.HasKey)

	ur = UserResponse{}
	code, _ = h.call("GET", "/api/v1/chat/sender_key?channel_id=dev", "mallory", nil, &ur)
	assert.Equal(http.StatusForbidden, code)
	assert.Equal(KindForbidden, ur.ErrorKind)

	ur = UserResponse{}
	code, _ = h.call("GET", "/api/v1/chat/channel_members?channel_id=dev", "bob", nil, &ur)
	require.Equal(http.StatusOK, code)
	assert.Len(ur.Members, 2)

	var kr KdcKeysResponse
	code, _ = h.call("POST", "/api/v1/kdc/keys", "", KdcKeysPost{Command: "sync-state", UserID: "bob"}, &kr)
	require.Equal(http.StatusOK, code)
	assert.Equal(1, kr.SyncState.LastAckedKdmVersion)

	kr = KdcKeysResponse{}
	code, _ = h.call("POST", "/api/v1/kdc/keys", "", KdcKeysPost{Command: "shares", ChannelID: "dev"}, &kr)
	require.Equal(http.StatusOK, code)
	require.Len(kr.Shares, 1)
	assert.True(kr.Shares[0].Acknowledged)

	var rr KdcRequestResponse
	code, _ = h.call("POST", "/api/v1/kdc/requests", "", KdcRequestPost{Command: "list", ChannelID: "dev"}, &rr)
	require.Equal(http.StatusOK, code)
	require.Len(rr.Requests, 1)
	assert.Equal(RequestCompleted, rr.Requests[0].Status)
}

func TestUserAPIMembershipAndPublicKeys(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	h := newAPIHarness(t)
	setupChannel(t, h.svc, "dev", "alice")

	var ur UserResponse
	code, _ := h.call("POST", "/api/v1/chat/channel/members", "bob",
		map[string]string{"channel_id": "dev", "action": "add"}, &ur)
	require.Equal(http.StatusOK, code)

	// joining twice does not change the role
	code, _ = h.call("POST", "/api/v1/chat/channel/members", "bob",
		map[string]string{"channel_id": "dev", "action": "add", "role": "member"}, nil)
	assert.Equal(http.StatusConflict, code)
	code, _ = h.call("POST", "/api/v1/chat/channel/members", "bob",
		map[string]string{"channel_id": "dev", "action": "add", "user_id": "alice"}, nil)
	assert.Equal(http.StatusForbidden, code)
	code, _ = h.call("POST", "/api/v1/chat/channel/members", "bob",
		map[string]string{"channel_id": "dev", "action": "role", "role": "owner"}, nil)
	assert.Equal(http.StatusForbidden, code)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/channel/members", "alice",
		map[string]string{"channel_id": "dev", "action": "role", "user_id": "bob", "role": "admin"}, &ur)
	require.Equal(http.StatusOK, code)
	role, err := h.svc.DB.Role(context.Background(), "dev", "bob")
	require.NoError(err)
	assert.Equal(RoleAdmin, role)
	code, _ = h.call("POST", "/api/v1/chat/channel/members", "alice",
		map[string]string{"channel_id": "dev", "action": "role", "user_id": "bob", "role": "member"}, nil)
	require.Equal(http.StatusOK, code)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/channel/members", "bob",
		map[string]string{"channel_id": "dev", "action": "remove", "user_id": "alice"}, &ur)
	assert.Equal(http.StatusForbidden, code)

	code, _ = h.call("POST", "/api/v1/chat/channel/members", "bob",
		map[string]string{"channel_id": "dev", "action": "dance"}, nil)
	assert.Equal(http.StatusBadRequest, code)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/channel/members", "bob",
		map[string]string{"channel_id": "dev", "action": "remove"}, &ur)
	require.Equal(http.StatusOK, code)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/public_key", "bob", map[string]string{"public_key": "QUJD"}, &ur)
	require.Equal(http.StatusOK, code)
	require.NotNil(ur.PublicKey)
	assert.Equal("QUJD", ur.PublicKey.PublicKey)

	ur = UserResponse{}
	code, _ = h.call("POST", "/api/v1/chat/public_key", "bob", map[string]string{"public_key": "not a key"}, &ur)
	assert.Equal(http.StatusBadRequest, code)

	ur = UserResponse{}
	code, _ = h.call("GET", "/api/v1/chat/public_key?user_id=bob", "alice", nil, &ur)
	require.Equal(http.StatusOK, code)
	assert.Equal("QUJD", ur.PublicKey.PublicKey)

	ur = UserResponse{}
	code, _ = h.call("GET", "/api/v1/chat/public_key?user_id=nobody", "alice", nil, &ur)
	assert.Equal(http.StatusNotFound, code)
}
