/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * KDC initialization: database, service, presence, transport and engines
 */

package chatkdc

import (
	"context"
	"fmt"
	"log"

	"github.com/gorilla/mux"

	"github.com/johanix/chatkdc/chatkdc/kdc"
	"github.com/johanix/chatkdc/chatkdc/presence"
	"github.com/johanix/chatkdc/chatkdc/wsock"
)

// InitKdc opens the database and builds the service graph without starting anything
func (conf *Config) InitKdc() error {
	kconf := &conf.Kdc

	kdcDB, err := kdc.NewKdcDB(kconf.Database.Type, kconf.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize KDC database: %v", err)
	}

	router := presence.NewRouter()
	metrics := kdc.NewMetrics()
	router.OnChange = metrics.SetPresence

	notifier := kdc.NewNotifier(router, nil, metrics)
	svc := kdc.NewService(kdcDB, kconf, notifier, metrics)
	svc.Debug = Globals.Debug

	hub := wsock.NewHub(svc, router, conf.ApiServer.GetUserHeader())
	hub.Debug = Globals.Debug
	notifier.Pusher = hub

	conf.Internal.KdcDB = kdcDB
	conf.Internal.Metrics = metrics
	conf.Internal.Presence = router
	conf.Internal.Service = svc
	conf.Internal.Hub = hub
	return nil
}

// StartKdc starts subsystems for chatkdcd
func (conf *Config) StartKdc(ctx context.Context, apirouter *mux.Router) error {
	if conf.Internal.Service == nil {
		if err := conf.InitKdc(); err != nil {
			return err
		}
	}
	svc := conf.Internal.Service
	hub := conf.Internal.Hub

	if err := conf.SetupKdcRoutes(apirouter); err != nil {
		return fmt.Errorf("failed to set up KDC routes: %v", err)
	}

	startEngine(&Globals.App, "APIdispatcher", func() error {
		return APIdispatcher(conf, apirouter, conf.Internal.APIStopCh)
	})

	startEngine(&Globals.App, "RequestSweeper", func() error {
		return svc.RunRequestSweeper(ctx)
	})

	startEngineNoError(&Globals.App, "HubReaper", func() {
		select {
		case <-ctx.Done():
		case <-conf.Internal.APIStopCh:
		}
		log.Printf("KDC: closing %d client connections", hub.ClientCount())
		hub.Shutdown()
	})

	log.Printf("%s: KDC started successfully (database %s)", Globals.App.Name, conf.Kdc.Database.Type)
	return nil
}
