/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Generic daemon endpoints: ping, config and command
 */

package chatkdc

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

type PingPost struct {
	Msg   string
	Pings int
}

type PingResponse struct {
	Time       time.Time
	Client     string
	BootTime   time.Time
	Version    string
	ServerHost string
	Daemon     string
	Msg        string
	Pings      int
	Pongs      int
}

var pongs atomic.Int64

func APIping(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		tls := ""
		if r.TLS != nil {
			tls = "TLS "
		}

		if Globals.Verbose {
			log.Printf("APIping: received %s/ping request from %s.\n", tls, r.RemoteAddr)
		}

		var pp PingPost
		if err := json.NewDecoder(r.Body).Decode(&pp); err != nil {
			log.Println("APIping: error decoding ping post:", err)
		}
		hostname, _ := os.Hostname()
		response := PingResponse{
			Time:       time.Now(),
			BootTime:   Globals.App.ServerBootTime,
			Version:    Globals.App.Version,
			Daemon:     Globals.App.Name,
			ServerHost: hostname,
			Client:     r.RemoteAddr,
			Msg:        fmt.Sprintf("%spong from %s @ %s", tls, Globals.App.Name, hostname),
			Pings:      pp.Pings + 1,
			Pongs:      int(pongs.Add(1)),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

type ConfigPost struct {
	Command string // "status" | "dump"
}

type ConfigResponse struct {
	Time     time.Time
	Msg      string
	Error    bool
	ErrorMsg string
	Status   *DaemonStatus `json:",omitempty"`
	Config   *Config       `json:",omitempty"`
}

type DaemonStatus struct {
	Service        string
	Version        string
	BootTime       time.Time
	ConfigTime     time.Time
	ConfigFile     string
	DatabaseType   string
	Addresses      []string
	UserHeader     string
	OnlineUsers    int
	Sessions       int
	SweepInterval  string
	RequestTTL     string
	AutoEnableKeys bool
}

// APIconfig reports daemon status or a dump of the running config with secrets removed
func APIconfig(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var cp ConfigPost
		resp := ConfigResponse{Time: time.Now()}

		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			log.Println("APIconfig: error decoding config post:", err)
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("error decoding request: %v", err)
		} else {
			switch cp.Command {
			case "status":
				resp.Status = conf.Status()
				resp.Msg = fmt.Sprintf("%s is running", conf.Service.Name)
			case "dump":
				resp.Config = conf.Redacted()
				resp.Msg = fmt.Sprintf("config loaded from %s", conf.Internal.CfgFile)
			default:
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("unknown config command: %q", cp.Command)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type CommandPost struct {
	Command string // "stop"
}

type CommandResponse struct {
	Time     time.Time
	Msg      string
	Error    bool
	ErrorMsg string
}

func APIcommand(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var cp CommandPost
		resp := CommandResponse{Time: time.Now()}
		stop := false

		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("error decoding request: %v", err)
		} else {
			switch cp.Command {
			case "stop":
				log.Printf("APIcommand: stop requested by %s", r.RemoteAddr)
				resp.Msg = "Daemon was happy, but now winding down"
				stop = true
			default:
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("unknown command: %q", cp.Command)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)

		if stop {
			go conf.Stop()
		}
	}
}

// Status summarises the running daemon
func (conf *Config) Status() *DaemonStatus {
	st := &DaemonStatus{
		Service:        conf.Service.Name,
		Version:        Globals.App.Version,
		BootTime:       Globals.App.ServerBootTime,
		ConfigTime:     Globals.App.ServerConfigTime,
		ConfigFile:     conf.Internal.CfgFile,
		DatabaseType:   conf.Kdc.Database.Type,
		Addresses:      conf.ApiServer.Addresses,
		UserHeader:     conf.ApiServer.GetUserHeader(),
		SweepInterval:  conf.Kdc.GetRequestSweepInterval().String(),
		RequestTTL:     conf.Kdc.GetRequestTTL().String(),
		AutoEnableKeys: conf.Kdc.GetAutoEnableOnShare(),
	}
	if p := conf.Internal.Presence; p != nil {
		st.OnlineUsers = p.OnlineCount()
		st.Sessions = p.SessionCount()
	}
	return st
}

// Redacted returns a copy of the user visible config without credentials
func (conf *Config) Redacted() *Config {
	c := &Config{
		Log:       conf.Log,
		Service:   conf.Service,
		ApiServer: conf.ApiServer,
		Kdc:       conf.Kdc,
	}
	if c.ApiServer.ApiKey != "" {
		c.ApiServer.ApiKey = "********"
	}
	c.Kdc.Database.DSN = redactDSN(c.Kdc.Database.Type, c.Kdc.Database.DSN)
	return c
}
