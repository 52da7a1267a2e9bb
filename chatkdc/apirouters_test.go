/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package chatkdc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johanix/chatkdc/chatkdc/kdc"
)

func newTestDaemon(t *testing.T) (*Config, *httptest.Server) {
	t.Helper()
	conf := &Config{}
	conf.Service.Name = "chatkdc"
	conf.ApiServer.Addresses = []string{"127.0.0.1:0"}
	conf.ApiServer.ApiKey = "s3cret"
	conf.Kdc.Database.Type = "sqlite"
	conf.Kdc.Database.DSN = filepath.Join(t.TempDir(), "kdc.db")

	require.NoError(t, conf.InitKdc())
	t.Cleanup(func() { conf.Internal.KdcDB.Close() })

	r, err := conf.SetupAPIRouter(context.Background())
	require.NoError(t, err)
	require.NoError(t, conf.SetupKdcRoutes(r))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return conf, srv
}

func TestSetupAPIRouterNeedsKey(t *testing.T) {
	_, err := (&Config{}).SetupAPIRouter(context.Background())
	assert.Error(t, err)
}

func TestOperatorEndpoints(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	_, srv := newTestDaemon(t)

	api := NewClient("test", srv.URL+"/api/v1", "s3cret", "X-API-Key", "")
	pr, err := api.SendPing(4, false)
	require.NoError(err)
	assert.Equal(5, pr.Pings)
	assert.Greater(pr.Pongs, 0)

	wrongKey := NewClient("test", srv.URL+"/api/v1", "guess", "X-API-Key", "")
	_, err = wrongKey.SendPing(0, false)
	assert.Error(err)

	status, buf, err := api.RequestNG(http.MethodPost, "/config", ConfigPost{Command: "dump"}, false)
	require.NoError(err)
	require.Equal(http.StatusOK, status)
	var cr ConfigResponse
	require.NoError(json.Unmarshal(buf, &cr))
	require.NotNil(cr.Config)
	assert.Equal("********", cr.Config.ApiServer.ApiKey)

	status, buf, err = api.RequestNG(http.MethodPost, "/config", ConfigPost{Command: "status"}, false)
	require.NoError(err)
	require.Equal(http.StatusOK, status)
	cr = ConfigResponse{}
	require.NoError(json.Unmarshal(buf, &cr))
	require.NotNil(cr.Status)
	assert.Equal("sqlite", cr.Status.DatabaseType)
	assert.Equal(kdc.DefaultUserHeader, cr.Status.UserHeader)

	// KDC management needs the API key too
	status, _, err = wrongKey.RequestNG(http.MethodPost, "/kdc/channel", kdc.KdcChannelPost{Command: "list"}, false)
	require.NoError(err)
	assert.Equal(http.StatusNotFound, status)

	status, buf, err = api.RequestNG(http.MethodPost, "/kdc/channel", kdc.KdcChannelPost{
		Command: "add", Channel: &kdc.Channel{ID: "dev", CreatedBy: "alice"},
	}, false)
	require.NoError(err)
	require.Equal(http.StatusOK, status, string(buf))
}

func TestMemberEndpointsAndMetrics(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	conf, srv := newTestDaemon(t)
	require.NoError(conf.Internal.KdcDB.AddChannel(context.Background(), &kdc.Channel{ID: "dev", CreatedBy: "alice"}))

	member := NewClient("test", srv.URL+"/api/v1/chat", "", "none", "")
	status, _, err := member.Get("/channel_members?channel_id=dev")
	require.NoError(err)
	assert.Equal(http.StatusUnauthorized, status)

	member.UserID = "alice"
	status, buf, err := member.Get("/channel_members?channel_id=dev")
	require.NoError(err)
	require.Equal(http.StatusOK, status, string(buf))
	var ur kdc.UserResponse
	require.NoError(json.Unmarshal(buf, &ur))
	require.Len(ur.Members, 1)
	assert.Equal(kdc.RoleOwner, ur.Members[0].Role)

	// a member request carrying the operator key still reaches the member API
	both := NewClient("test", srv.URL+"/api/v1/chat", "s3cret", "X-API-Key", "")
	both.UserID = "alice"
	status, _, err = both.Get("/channel_members?channel_id=dev")
	require.NoError(err)
	assert.Equal(http.StatusOK, status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Contains(string(body), "chatkdc_online_users")
}
