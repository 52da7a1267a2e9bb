/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package main

import (
	"github.com/johanix/chatkdc/chatkdc"
	"github.com/johanix/chatkdc/chatkdc-cli/cmd"
)

func main() {
	chatkdc.Globals.App.Name = appName
	chatkdc.Globals.App.Version = appVersion
	chatkdc.Globals.App.Date = appDate
	cmd.Execute()
}
