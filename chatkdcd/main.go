/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * chatkdcd - channel Key Distribution Center daemon
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/johanix/chatkdc/chatkdc"
)

func main() {
	chatkdc.Globals.App.Version = appVersion
	chatkdc.Globals.App.Name = appName
	chatkdc.Globals.App.Date = appDate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf := &chatkdc.Config{}
	err := conf.MainInit(ctx, chatkdc.DefaultCfgFile)
	if err != nil {
		chatkdc.Shutdowner(conf, fmt.Sprintf("Error initializing %s: %v", appName, err))
	}

	apirouter, err := conf.SetupAPIRouter(ctx)
	if err != nil {
		chatkdc.Shutdowner(conf, fmt.Sprintf("Error setting up API router: %v", err))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Printf("SIGHUP received - reload not supported for %s, restart to apply config changes", appName)
			}
		}
	}()

	err = conf.StartKdc(ctx, apirouter)
	if err != nil {
		chatkdc.Shutdowner(conf, fmt.Sprintf("Error starting %s: %v", appName, err))
	}

	conf.MainLoop(ctx, stop)
	chatkdc.Shutdowner(conf, "main loop finished")
}
