/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

var (
	appName    = "chatkdc-cli"
	appVersion = "0.1.0-dev"
	appDate    = "unknown"
)
