/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Service ties the key store, membership, rotation and KDM sync together
 */

package kdc

import (
	"time"
)

// Service is the entry point for the transports. It owns no connection state;
// presence is reached through the Notifier.
type Service struct {
	DB       *KdcDB
	Conf     *KdcConf
	Notifier *Notifier
	Metrics  *Metrics
	KeyGen   KeyGenerator
	Debug    bool

	now func() time.Time
}

func NewService(db *KdcDB, conf *KdcConf, notifier *Notifier, metrics *Metrics) *Service {
	if conf == nil {
		conf = &KdcConf{}
	}
	return &Service{
		DB:       db,
		Conf:     conf,
		Notifier: notifier,
		Metrics:  metrics,
		KeyGen:   RandomKeyGenerator{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

