/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cli

import (
	"fmt"
	"os"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/johanix/chatkdc/chatkdc"
)

var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Prefix command, not useable by itself",
}

func sendConfigCommand(command string) *chatkdc.ConfigResponse {
	var resp chatkdc.ConfigResponse
	if err := sendKdcRequest("/config", chatkdc.ConfigPost{Command: command}, &resp); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if resp.Error {
		fmt.Printf("Error from chatkdcd: %s\n", resp.ErrorMsg)
		os.Exit(1)
	}
	return &resp
}

var configStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatkdcd status",
	Run: func(cmd *cobra.Command, args []string) {
		st := sendConfigCommand("status").Status
		if st == nil {
			fmt.Println("No status returned")
			return
		}
		out := []string{
			fmt.Sprintf("Service|%s", st.Service),
			fmt.Sprintf("Version|%s", st.Version),
			fmt.Sprintf("Booted|%s", fmtTime(st.BootTime)),
			fmt.Sprintf("Config file|%s", st.ConfigFile),
			fmt.Sprintf("Database|%s", st.DatabaseType),
			fmt.Sprintf("Addresses|%v", st.Addresses),
			fmt.Sprintf("Identity header|%s", st.UserHeader),
			fmt.Sprintf("Online users|%d", st.OnlineUsers),
			fmt.Sprintf("Sessions|%d", st.Sessions),
			fmt.Sprintf("Request TTL|%s", st.RequestTTL),
			fmt.Sprintf("Sweep interval|%s", st.SweepInterval),
			fmt.Sprintf("Auto-enable on share|%v", st.AutoEnableKeys),
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the running chatkdcd configuration as YAML (secrets removed)",
	Run: func(cmd *cobra.Command, args []string) {
		conf := sendConfigCommand("dump").Config
		if conf == nil {
			fmt.Println("No config returned")
			return
		}
		buf, err := yaml.Marshal(conf)
		if err != nil {
			fmt.Printf("Error marshaling config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s", buf)
	},
}

func init() {
	ConfigCmd.AddCommand(configStatusCmd, configDumpCmd)
}
