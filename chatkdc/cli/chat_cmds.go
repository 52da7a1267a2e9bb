/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Debug commands that talk to the member API as a given user
 */
package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/johanix/chatkdc/chatkdc"
	"github.com/johanix/chatkdc/chatkdc/kdc"
)

var ChatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Act as a channel member against the member API (debugging)",
}

// chatRequest calls a member endpoint with the identity header set to --user
func chatRequest(method, endpoint string, data interface{}, out interface{}) {
	PrepArgs("user")
	api := chatkdc.Globals.Api
	if api == nil {
		fmt.Println("Error: no API client configured")
		os.Exit(1)
	}
	api.UserID = chatkdc.Globals.UserID
	defer func() { api.UserID = "" }()

	var err error
	if method == http.MethodGet {
		var status int
		var buf []byte
		status, buf, err = api.RequestNG(method, "/chat"+endpoint, nil, false)
		if err == nil {
			err = decodeInto(status, buf, out)
		}
	} else {
		err = sendKdcRequest("/chat"+endpoint, data, out)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

var chatActivityCmd = &cobra.Command{
	Use:   "activity --channel <id> --user <id>",
	Short: "Report activity and show how the user's key need was resolved",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		var resp kdc.UserResponse
		chatRequest(http.MethodPost, "/activity", map[string]string{"channel_id": chatkdc.Globals.ChannelID}, &resp)
		dieOnError(resp.APIStatus)
		e := resp.Ensure
		fmt.Printf("%s in %s: %s (version %d)\n", e.UserID, e.ChannelID, e.Outcome, e.Version)
		if e.Request != nil {
			fmt.Printf("Request %s addressed to %s (notified: %v)\n", e.Request.ID, e.Request.AdminID, e.AdminNotified)
		}
	},
}

var chatPendingCmd = &cobra.Command{
	Use:   "pending --user <id> [--after <version>]",
	Short: "Fetch pending KDMs as the user would",
	Run: func(cmd *cobra.Command, args []string) {
		q := url.Values{}
		q.Set("after", strconv.Itoa(afterVersion))
		if chatkdc.Globals.ChannelID != "" {
			q.Set("channel_id", chatkdc.Globals.ChannelID)
		}
		var resp kdc.PendingResponse
		chatRequest(http.MethodGet, "/kdm/pending?"+q.Encode(), nil, &resp)
		dieOnError(resp.APIStatus)
		fmt.Printf("%d pending, latest version %d\n", resp.Count, resp.LatestVersion)
		if resp.Count == 0 {
			return
		}
		out := []string{"Channel|Version|From|Rotation"}
		for _, k := range resp.PendingKeys {
			out = append(out, fmt.Sprintf("%s|%d|%s|%v", k.ChannelID, k.Version, k.SenderID, k.IsRotation))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var chatAckCmd = &cobra.Command{
	Use:   "ack --user <id> --version <n> [--channel <id>]",
	Short: "Acknowledge KDMs up to a version",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("version")
		var resp kdc.UserResponse
		chatRequest(http.MethodPost, "/kdm/ack", map[string]interface{}{
			"channel_id": chatkdc.Globals.ChannelID,
			"version":    keyVersion,
		}, &resp)
		dieOnError(resp.APIStatus)
		fmt.Printf("%s\n", resp.Msg)
	},
}

var chatSenderKeyCmd = &cobra.Command{
	Use:   "sender-key --channel <id> --user <id>",
	Short: "Fetch the user's encrypted channel key and its sender",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		var resp kdc.UserResponse
		chatRequest(http.MethodGet, "/sender_key?channel_id="+url.QueryEscape(chatkdc.Globals.ChannelID), nil, &resp)
		dieOnError(resp.APIStatus)
		sk := resp.SenderKey
		out := []string{
			fmt.Sprintf("Channel|%s", sk.ChannelID),
			fmt.Sprintf("Version|%d", sk.KeyVersion),
			fmt.Sprintf("Active|%v", sk.IsActive),
			fmt.Sprintf("Sender|%s", sk.SenderID),
			fmt.Sprintf("Sender public key|%v", sk.SenderPublicKey != ""),
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

func init() {
	ChatCmd.AddCommand(chatActivityCmd, chatPendingCmd, chatAckCmd, chatSenderKeyCmd)
	chatPendingCmd.Flags().IntVarP(&afterVersion, "after", "a", 0, "only KDMs above this version")
	chatAckCmd.Flags().IntVarP(&keyVersion, "version", "V", 0, "highest KDM version processed")
}
