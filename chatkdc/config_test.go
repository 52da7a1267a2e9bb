/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package chatkdc

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
service:
   name: chatkdc
log:
   file: /tmp/chatkdcd.log
apiserver:
   addresses: 127.0.0.1:8443,[::1]:8443
   apikey: s3cret
kdc:
   database:
      type: sqlite
      dsn: /tmp/kdc.db
   request_ttl: 90s
   request_sweep_interval: -1s
   auto_enable_on_share: false
`

func loadViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	return v
}

func TestValidateConfig(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	v := loadViper(t, validConfig)
	require.NoError(ValidateConfig(v, "test.yaml"))

	var conf Config
	require.NoError(v.Unmarshal(&conf, viper.DecodeHook(configDecodeHook())))
	assert.Equal([]string{"127.0.0.1:8443", "[::1]:8443"}, conf.ApiServer.Addresses)
	assert.Equal(90*time.Second, conf.Kdc.GetRequestTTL())
	assert.Equal(time.Duration(0), conf.Kdc.GetRequestSweepInterval())
	assert.False(conf.Kdc.GetAutoEnableOnShare())
	assert.Equal("X-Chat-User", conf.ApiServer.GetUserHeader())
	assert.False(conf.ApiServer.UseTLS())
}

func TestValidateConfigMissingSections(t *testing.T) {
	cases := map[string]string{
		"apiserver":    strings.Replace(validConfig, "apikey: s3cret", "", 1),
		"service":      strings.Replace(validConfig, "name: chatkdc", "", 1),
		"kdc.database": strings.Replace(validConfig, "type: sqlite", "type: postgres", 1),
	}
	for section, yaml := range cases {
		err := ValidateConfig(loadViper(t, yaml), "test.yaml")
		require.Error(t, err, section)
		assert.Contains(t, err.Error(), section)
	}
}

func TestValidateConfigCertWithoutKey(t *testing.T) {
	yaml := strings.Replace(validConfig, "apikey: s3cret", "apikey: s3cret\n   certfile: /nonexistent/cert.pem", 1)
	err := ValidateConfig(loadViper(t, yaml), "test.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apiserver")
}

func TestRedactDSN(t *testing.T) {
	assert := assert.New(t)

	dsn := redactDSN("mariadb", "kdc:hunter2@tcp(db.example.com:3306)/chatkdc")
	assert.NotContains(dsn, "hunter2")
	assert.Contains(dsn, "********")
	assert.Contains(dsn, "db.example.com:3306")

	assert.Equal("/var/lib/chatkdc/kdc.db", redactDSN("sqlite", "/var/lib/chatkdc/kdc.db"))
}

func TestRedactedConfig(t *testing.T) {
	assert := assert.New(t)

	conf := &Config{}
	conf.ApiServer.ApiKey = "s3cret"
	conf.Kdc.Database.Type = "mariadb"
	conf.Kdc.Database.DSN = "kdc:hunter2@tcp(db:3306)/chatkdc"

	r := conf.Redacted()
	assert.Equal("********", r.ApiServer.ApiKey)
	assert.NotContains(r.Kdc.Database.DSN, "hunter2")
	// the running config is untouched
	assert.Equal("s3cret", conf.ApiServer.ApiKey)
	assert.Contains(conf.Kdc.Database.DSN, "hunter2")
}

func TestGlobalsValidate(t *testing.T) {
	assert := assert.New(t)

	gs := GlobalStuff{}
	assert.Error(gs.Validate())

	gs.App.Name = "chatkdc-cli"
	assert.NoError(gs.Validate())

	gs.UserID = "System"
	assert.Error(gs.Validate())

	gs.UserID = "alice"
	gs.BaseUri = "http://[::1"
	assert.Error(gs.Validate())
}
