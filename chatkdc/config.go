/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Daemon configuration
 */

package chatkdc

import (
	"log"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/johanix/chatkdc/chatkdc/kdc"
	"github.com/johanix/chatkdc/chatkdc/presence"
	"github.com/johanix/chatkdc/chatkdc/wsock"
)

const (
	DefaultCfgFile    = "/etc/chatkdc/chatkdcd.yaml"
	DefaultCliCfgFile = "/etc/chatkdc/chatkdc-cli.yaml"
)

type Config struct {
	Log       LogConf       `yaml:"log" mapstructure:"log"`
	Service   ServiceConf   `yaml:"service" mapstructure:"service"`
	ApiServer ApiServerConf `yaml:"apiserver" mapstructure:"apiserver"`
	Kdc       kdc.KdcConf   `yaml:"kdc" mapstructure:"kdc"`
	Internal  InternalConf  `yaml:"-" mapstructure:"-" json:"-"`
}

type LogConf struct {
	File string `yaml:"file" mapstructure:"file" validate:"required"`
}

type ServiceConf struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
}

type ApiServerConf struct {
	Addresses  []string `yaml:"addresses" mapstructure:"addresses" validate:"required,min=1"`
	ApiKey     string   `yaml:"apikey" mapstructure:"apikey" validate:"required"`
	UserHeader string   `yaml:"user_header" mapstructure:"user_header"` // trusted identity header set by the front end
	CertFile   string   `yaml:"certfile" mapstructure:"certfile" validate:"omitempty,certkey"`
	KeyFile    string   `yaml:"keyfile" mapstructure:"keyfile" validate:"required_with=CertFile"`
}

func (a *ApiServerConf) GetUserHeader() string {
	if a.UserHeader == "" {
		return kdc.DefaultUserHeader
	}
	return a.UserHeader
}

func (a *ApiServerConf) UseTLS() bool {
	return a.CertFile != "" && a.KeyFile != ""
}

type InternalConf struct {
	CfgFile   string
	APIStopCh chan struct{}
	StopOnce  sync.Once
	KdcDB     *kdc.KdcDB
	Service   *kdc.Service
	Metrics   *kdc.Metrics
	Presence  *presence.Router
	Hub       *wsock.Hub
}

func ParseConfig(conf *Config, reload bool) error {
	if Globals.Debug {
		log.Printf("Enter ParseConfig")
	}
	cfgfile := conf.Internal.CfgFile
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
	}
	viper.SetConfigFile(cfgfile)
	viper.SetEnvPrefix("CHATKDC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return err
	}
	if Globals.Verbose {
		log.Printf("Using config file: %s", viper.ConfigFileUsed())
	}

	if err := ValidateConfig(nil, cfgfile); err != nil {
		return err
	}

	if err := viper.Unmarshal(conf, viper.DecodeHook(configDecodeHook())); err != nil {
		return err
	}
	if reload {
		log.Printf("ParseConfig: configuration reloaded from %s", cfgfile)
	}
	return nil
}

// configDecodeHook accepts "90s" style durations and comma separated address lists
func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// redactDSN hides the password of a MariaDB DSN; SQLite DSNs are file paths
func redactDSN(dbType, dsn string) string {
	switch dbType {
	case "mariadb", "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "********"
		}
		if cfg.Passwd != "" {
			cfg.Passwd = "********"
		}
		return cfg.FormatDSN()
	}
	return dsn
}
