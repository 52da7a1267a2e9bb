/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

// overridden at build time with -ldflags "-X main.appVersion=..."
var (
	appName    = "chatkdcd"
	appVersion = "0.1.0-dev"
	appDate    = "unknown"
)
