/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package chatkdc

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var engineWg sync.WaitGroup

// startEngine runs an engine in its own goroutine and logs the error it returns
func startEngine(app *AppDetails, name string, engineFunc func() error) {
	engineWg.Add(1)
	go func() {
		defer engineWg.Done()
		log.Printf("%s: starting: %s", app.Name, name)
		if err := engineFunc(); err != nil {
			log.Printf("Error from %s engine: %v", name, err)
		}
	}()
}

func startEngineNoError(app *AppDetails, name string, engineFunc func()) {
	engineWg.Add(1)
	go func() {
		defer engineWg.Done()
		log.Printf("%s: starting: %s", app.Name, name)
		engineFunc()
	}()
}

func (conf *Config) MainLoop(ctx context.Context, cancel context.CancelFunc) {
	if Globals.Debug {
		debug.SetTraceback("all")
	}
	for {
		select {
		case <-ctx.Done():
			log.Println("mainloop: context cancelled. Cleaning up.")
			conf.Stop()
			return
		case <-conf.Internal.APIStopCh:
			log.Println("mainloop: Stop command received. Cleaning up.")
			cancel()
			return
		}
	}
}

func (conf *Config) MainInit(ctx context.Context, defaultcfg string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	Globals.App.ServerBootTime = time.Now()
	Globals.App.ServerConfigTime = time.Now()

	pflag.StringVar(&conf.Internal.CfgFile, "config", defaultcfg, "config file path")
	pflag.BoolVarP(&Globals.Debug, "debug", "", false, "run in debug mode")
	pflag.BoolVarP(&Globals.Verbose, "verbose", "v", false, "Verbose mode")
	pflag.Parse()

	pflag.Usage = func() {
		pflag.PrintDefaults()
	}

	if Globals.Debug {
		log.Printf("*** MainInit: 1. defaultcfg: %q conf.Internal.CfgFile: %q ***", defaultcfg, conf.Internal.CfgFile)
	}

	fmt.Printf("*** %s (verbose: %t, debug: %t)\n", Globals.App.Name, Globals.Verbose, Globals.Debug)

	err := ParseConfig(conf, false) // false = initial config, not reload
	if err != nil {
		return fmt.Errorf("Error parsing config %q: %v", conf.Internal.CfgFile, err)
	}

	logfile := viper.GetString("log.file")
	err = SetupLogging(logfile)
	if err != nil {
		return fmt.Errorf("Error setting up logging: %v", err)
	}
	fmt.Printf("Logging to file: %s\n", logfile)

	err = Globals.Validate()
	if err != nil {
		return fmt.Errorf("Error validating %s globals: %v", Globals.App.Name, err)
	}

	conf.Internal.APIStopCh = make(chan struct{})

	err = conf.InitKdc()
	if err != nil {
		return err
	}

	fmt.Printf("%s version %s starting.\n", Globals.App.Name, Globals.App.Version)
	return nil
}

// Stop closes APIStopCh once; every listener treats the close as a broadcast
func (conf *Config) Stop() {
	if conf.Internal.APIStopCh == nil {
		return
	}
	conf.Internal.StopOnce.Do(func() {
		// let in-flight API responses complete before the close is observed
		time.Sleep(200 * time.Millisecond)
		close(conf.Internal.APIStopCh)
	})
}

func Shutdowner(conf *Config, msg string) {
	log.Printf("%s: shutting down: %s", Globals.App.Name, msg)
	conf.Stop()
	engineWg.Wait()
	log.Printf("%s: all engines finished", Globals.App.Name)
	if conf.Internal.KdcDB != nil {
		if err := conf.Internal.KdcDB.Close(); err != nil {
			log.Printf("%s: error closing KDC database: %v", Globals.App.Name, err)
		}
	}
	os.Exit(0)
}
