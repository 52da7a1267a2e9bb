/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/johanix/chatkdc/chatkdc"
	"github.com/johanix/chatkdc/chatkdc/kdc"
)

const timelayout = "2006-01-02 15:04:05"

var StopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Send stop command to chatkdcd",
	Run: func(cmd *cobra.Command, args []string) {
		var cr chatkdc.CommandResponse
		if err := sendKdcRequest("/command", chatkdc.CommandPost{Command: "stop"}, &cr); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if cr.Error {
			fmt.Printf("Error from chatkdcd: %s\n", cr.ErrorMsg)
			os.Exit(1)
		}
		fmt.Printf("%s\n", cr.Msg)
	},
}

var PingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send an API ping request and present the response",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 0 {
			fmt.Println("ping must have no arguments")
			os.Exit(1)
		}

		pr, err := chatkdc.Globals.Api.SendPing(0, false)
		if err != nil {
			if strings.Contains(err.Error(), "connection refused") {
				fmt.Printf("Error: connection refused. Most likely the daemon is not running\n")
				os.Exit(1)
			}
			fmt.Printf("Error from SendPing: %v\n", err)
			os.Exit(1)
		}

		uptime := time.Since(pr.BootTime).Truncate(time.Second)
		if chatkdc.Globals.Verbose {
			fmt.Printf("%s (version %s): pings: %d, pongs: %d, uptime: %v, time: %s, client: %s\n",
				pr.Msg, pr.Version, pr.Pings, pr.Pongs, uptime, pr.Time.Format(timelayout), pr.Client)
		} else {
			fmt.Printf("%s: pings: %d, pongs: %d, uptime: %v, time: %s\n",
				pr.Msg, pr.Pings, pr.Pongs, uptime, pr.Time.Format(timelayout))
		}
	},
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the app",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("This is %s, version %s, compiled on %v\n",
			chatkdc.Globals.App.Name, chatkdc.Globals.App.Version, chatkdc.Globals.App.Date)
	},
}

// PrepArgs terminates with a message if a required flag was not given
func PrepArgs(required ...string) {
	for _, arg := range required {
		if chatkdc.Globals.Debug {
			fmt.Printf("Required: %s\n", arg)
		}
		switch arg {
		case "channel":
			if chatkdc.Globals.ChannelID == "" {
				fmt.Printf("Error: channel not specified using --channel flag\n")
				os.Exit(1)
			}
		case "user":
			if chatkdc.Globals.UserID == "" {
				fmt.Printf("Error: user not specified using --user flag\n")
				os.Exit(1)
			}
		case "requestid":
			if requestID == "" {
				fmt.Printf("Error: request id not specified using --request flag\n")
				os.Exit(1)
			}
		case "version":
			if keyVersion < 1 {
				fmt.Printf("Error: key version not specified using --version flag\n")
				os.Exit(1)
			}
		default:
			fmt.Printf("Unknown required argument: %q\n", arg)
			os.Exit(1)
		}
	}
}

// sendKdcRequest posts data to endpoint and decodes the answer into out. Error
// bodies from the KDC decode into the same structures, so the caller inspects
// the embedded status.
func sendKdcRequest(endpoint string, data interface{}, out interface{}) error {
	api := chatkdc.Globals.Api
	if api == nil {
		return fmt.Errorf("no API client configured")
	}
	status, buf, err := api.RequestNG(http.MethodPost, endpoint, data, false)
	if err != nil {
		return fmt.Errorf("error from API POST: %v", err)
	}
	return decodeInto(status, buf, out)
}

func decodeInto(status int, buf []byte, out interface{}) error {
	if chatkdc.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("error unmarshaling response (status %d): %v", status, err)
	}
	return nil
}

// dieOnError prints the API error and exits
func dieOnError(st kdc.APIStatus) {
	if !st.Error {
		return
	}
	if st.ErrorKind != "" {
		fmt.Printf("Error (%s): %s\n", st.ErrorKind, st.ErrorMsg)
	} else {
		fmt.Printf("Error: %s\n", st.ErrorMsg)
	}
	os.Exit(1)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timelayout)
}
