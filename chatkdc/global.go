/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Process wide state shared by chatkdcd and chatkdc-cli
 */

package chatkdc

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/johanix/chatkdc/chatkdc/kdc"
)

type AppDetails struct {
	Name             string
	Version          string
	Date             string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
}

type GlobalStuff struct {
	App         AppDetails
	Verbose     bool
	Debug       bool
	Api         *ApiClient
	ChannelID   string // -c in various CLI commands
	UserID      string // -u in various CLI commands
	ShowHeaders bool   // -H in various CLI commands
	BaseUri     string
}

var Globals = GlobalStuff{
	Verbose: false,
	Debug:   false,
}

func (gs *GlobalStuff) Validate() error {
	if gs.App.Name == "" {
		return fmt.Errorf("application name not set")
	}
	if gs.BaseUri != "" {
		if _, err := url.Parse(gs.BaseUri); err != nil {
			return fmt.Errorf("invalid base URI: %s", gs.BaseUri)
		}
	}
	if strings.EqualFold(gs.UserID, kdc.SystemActor) {
		return fmt.Errorf("user id %q is reserved", gs.UserID)
	}
	return nil
}
