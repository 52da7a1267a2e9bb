/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Configuration structures for chatkdc
 */

package kdc

import (
	"time"
)

// KdcConf represents the KDC configuration
type KdcConf struct {
	Database             DatabaseConf  `yaml:"database" mapstructure:"database" validate:"required"`
	PendingLimit         int           `yaml:"pending_limit" mapstructure:"pending_limit"`                   // Max KDM entries per catch-up response (default 100)
	RequestTTL           time.Duration `yaml:"request_ttl" mapstructure:"request_ttl"`                       // Age after which a pending key request is escalated
	RequestSweepInterval time.Duration `yaml:"request_sweep_interval" mapstructure:"request_sweep_interval"` // How often to look for stale requests
	AutoEnableOnShare    *bool         `yaml:"auto_enable_on_share" mapstructure:"auto_enable_on_share"`     // Sharing a key into a plaintext channel turns encryption on
	RotationRetries      int           `yaml:"rotation_retries" mapstructure:"rotation_retries"`             // Retries after a version conflict
	KeySize              int           `yaml:"key_size" mapstructure:"key_size"`                             // Master key size in bytes
}

// DatabaseConf represents database configuration
type DatabaseConf struct {
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=sqlite mariadb"` // Database type: "sqlite" or "mariadb"
	DSN  string `yaml:"dsn" mapstructure:"dsn" validate:"required"`                        // DSN: SQLite file path or MariaDB "user:password@tcp(host:port)/dbname"
}

// GetPendingLimit returns the configured catch-up cap, or default (100) if not set
func (conf *KdcConf) GetPendingLimit() int {
	if conf == nil || conf.PendingLimit <= 0 {
		return 100
	}
	return conf.PendingLimit
}

// GetRequestTTL returns the configured request TTL, or default (24 hours) if not set
func (conf *KdcConf) GetRequestTTL() time.Duration {
	if conf == nil || conf.RequestTTL <= 0 {
		return 24 * time.Hour
	}
	return conf.RequestTTL
}

// GetRequestSweepInterval returns the sweep interval. Negative disables the sweeper.
func (conf *KdcConf) GetRequestSweepInterval() time.Duration {
	if conf == nil || conf.RequestSweepInterval == 0 {
		return 10 * time.Minute
	}
	if conf.RequestSweepInterval < 0 {
		return 0
	}
	return conf.RequestSweepInterval
}

// GetAutoEnableOnShare defaults to true, matching the behaviour clients have relied on
func (conf *KdcConf) GetAutoEnableOnShare() bool {
	if conf == nil || conf.AutoEnableOnShare == nil {
		return true
	}
	return *conf.AutoEnableOnShare
}

func (conf *KdcConf) GetRotationRetries() int {
	if conf == nil || conf.RotationRetries <= 0 {
		return 1
	}
	return conf.RotationRetries
}

func (conf *KdcConf) GetKeySize() int {
	if conf == nil || conf.KeySize <= 0 {
		return 32
	}
	return conf.KeySize
}
