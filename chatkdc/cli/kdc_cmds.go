/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * CLI commands for chatkdcd channel and key management
 */
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/johanix/chatkdc/chatkdc"
	"github.com/johanix/chatkdc/chatkdc/kdc"
)

var channelName, memberRole, newRole, actingUser, rotateReason, requestID, requestStatus string
var keyVersion, afterVersion int

var ChannelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channels, members and channel keys in chatkdcd",
}

var ChannelMemberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage channel membership",
}

var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect key copies, shares and KDM sync state",
}

var RequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect and sweep key distribution requests",
}

func channelCommand(command string) *kdc.KdcChannelResponse {
	req := kdc.KdcChannelPost{
		Command:   command,
		ChannelID: chatkdc.Globals.ChannelID,
		UserID:    chatkdc.Globals.UserID,
		Role:      kdc.Role(memberRole),
		By:        actingUser,
		Reason:    rotateReason,
	}
	var resp kdc.KdcChannelResponse
	if err := sendKdcRequest("/kdc/channel", req, &resp); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	dieOnError(resp.APIStatus)
	return &resp
}

var channelAddCmd = &cobra.Command{
	Use:   "add --channel <id> [--name <name>] [--by <creator>]",
	Short: "Add a new channel",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		name := channelName
		if name == "" {
			name = chatkdc.Globals.ChannelID
		}
		creator := actingUser
		if creator == "" {
			creator = kdc.SystemActor
		}
		var resp kdc.KdcChannelResponse
		err := sendKdcRequest("/kdc/channel", kdc.KdcChannelPost{
			Command: "add",
			Channel: &kdc.Channel{ID: chatkdc.Globals.ChannelID, Name: name, CreatedBy: creator},
		}, &resp)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		dieOnError(resp.APIStatus)
		fmt.Printf("%s\n", resp.Msg)
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all channels",
	Run: func(cmd *cobra.Command, args []string) {
		resp := channelCommand("list")
		if len(resp.Channels) == 0 {
			fmt.Println("No channels")
			return
		}
		out := []string{"ID|Name|Encrypted|Created by|Created"}
		for _, ch := range resp.Channels {
			out = append(out, fmt.Sprintf("%s|%s|%v|%s|%s", ch.ID, ch.Name, ch.IsEncrypted, ch.CreatedBy, fmtTime(ch.CreatedAt)))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var channelGetCmd = &cobra.Command{
	Use:   "get --channel <id>",
	Short: "Show one channel",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		ch := channelCommand("get").Channel
		out := []string{
			fmt.Sprintf("ID|%s", ch.ID),
			fmt.Sprintf("Name|%s", ch.Name),
			fmt.Sprintf("Encrypted|%v", ch.IsEncrypted),
			fmt.Sprintf("Created by|%s", ch.CreatedBy),
			fmt.Sprintf("Created|%s", fmtTime(ch.CreatedAt)),
			fmt.Sprintf("Updated|%s", fmtTime(ch.UpdatedAt)),
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var channelDeleteCmd = &cobra.Command{
	Use:   "delete --channel <id>",
	Short: "Delete a channel with all its members and keys",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		fmt.Printf("%s\n", channelCommand("delete").Msg)
	},
}

var channelEnableCmd = &cobra.Command{
	Use:   "enable --channel <id>",
	Short: "Enable encryption for a channel (creates key version 1 if needed)",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		fmt.Printf("%s\n", channelCommand("enable-encryption").Msg)
	},
}

var channelDisableCmd = &cobra.Command{
	Use:   "disable --channel <id>",
	Short: "Disable encryption for a channel (key history is kept)",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		fmt.Printf("%s\n", channelCommand("disable-encryption").Msg)
	},
}

var channelRotateCmd = &cobra.Command{
	Use:   "rotate --channel <id> [--reason <text>]",
	Short: "Rotate the channel master key",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		resp := channelCommand("rotate")
		fmt.Printf("%s\n", resp.Msg)
		if mk := resp.MasterKey; mk != nil && chatkdc.Globals.Verbose {
			fmt.Printf("Fingerprint: %s\n", mk.Fingerprint)
		}
	},
}

var channelHistoryCmd = &cobra.Command{
	Use:   "history --channel <id>",
	Short: "List master key versions of a channel",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		resp := channelCommand("history")
		if len(resp.History) == 0 {
			fmt.Printf("Channel %s has no master key\n", chatkdc.Globals.ChannelID)
			return
		}
		out := []string{"Version|Active|Fingerprint|Created by|Created"}
		for _, mk := range resp.History {
			out = append(out, fmt.Sprintf("%d|%v|%s|%s|%s", mk.Version, mk.IsActive, mk.Fingerprint, mk.CreatedBy, fmtTime(mk.CreatedAt)))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var channelLogCmd = &cobra.Command{
	Use:   "log --channel <id>",
	Short: "Show the key rotation log of a channel",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		resp := channelCommand("rotation-log")
		if len(resp.RotationLog) == 0 {
			fmt.Printf("No rotations logged for channel %s\n", chatkdc.Globals.ChannelID)
			return
		}
		out := []string{"When|Old|New|By|Reason"}
		for _, e := range resp.RotationLog {
			old := "-"
			if e.OldVersion != nil {
				old = fmt.Sprintf("%d", *e.OldVersion)
			}
			out = append(out, fmt.Sprintf("%s|%s|%d|%s|%s", fmtTime(e.RotatedAt), old, e.NewVersion, e.RotatedBy, e.Reason))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var memberListCmd = &cobra.Command{
	Use:   "list --channel <id>",
	Short: "List channel members with presence",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		resp := channelCommand("members")
		out := []string{"User|Role|Joined|Public key|Online"}
		for _, m := range resp.Members {
			out = append(out, fmt.Sprintf("%s|%s|%s|%v|%v", m.UserID, m.Role, fmtTime(m.JoinedAt), m.HasPublicKey, m.IsOnline))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var memberAddCmd = &cobra.Command{
	Use:   "add --channel <id> --user <id> [--role member|admin|owner]",
	Short: "Add a member to a channel",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel", "user")
		resp := channelCommand("add-member")
		fmt.Printf("%s\n", resp.Msg)
		if e := resp.Ensure; e != nil {
			fmt.Printf("Key status: %s", e.Outcome)
			if e.Request != nil {
				fmt.Printf(" (request %s sent to %s)", e.Request.ID, e.Request.AdminID)
			}
			fmt.Println()
		}
	},
}

var memberRoleCmd = &cobra.Command{
	Use:   "role --channel <id> --user <id> --role member|admin|owner",
	Short: "Change the role of an existing member",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel", "user")
		memberRole = newRole
		resp := channelCommand("set-role")
		fmt.Printf("%s\n", resp.Msg)
	},
}

var memberRemoveCmd = &cobra.Command{
	Use:   "remove --channel <id> --user <id>",
	Short: "Remove a member from a channel, rotating the key if the channel is encrypted",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel", "user")
		resp := channelCommand("remove-member")
		fmt.Printf("%s\n", resp.Msg)
		if r := resp.Removal; r != nil && r.Rotated {
			fmt.Printf("Remaining members notified: %d of %d\n", r.Notified, len(r.RemainingMembers))
		}
	},
}

func keysCommand(command string) *kdc.KdcKeysResponse {
	req := kdc.KdcKeysPost{
		Command:   command,
		ChannelID: chatkdc.Globals.ChannelID,
		UserID:    chatkdc.Globals.UserID,
		After:     afterVersion,
	}
	var resp kdc.KdcKeysResponse
	if err := sendKdcRequest("/kdc/keys", req, &resp); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	dieOnError(resp.APIStatus)
	return &resp
}

var keysSharesCmd = &cobra.Command{
	Use:   "shares --channel <id> [--user <recipient>]",
	Short: "List key shares (KDMs) in a channel",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel")
		resp := keysCommand("shares")
		out := []string{"ID|Version|From|To|Rotation|Acked|Created"}
		for _, s := range resp.Shares {
			out = append(out, fmt.Sprintf("%d|%d|%s|%s|%v|%v|%s", s.ID, s.KeyVersion, s.SenderID, s.RecipientID, s.IsRotation, s.Acknowledged, fmtTime(s.CreatedAt)))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var keysUserCmd = &cobra.Command{
	Use:   "user --channel <id> --user <id>",
	Short: "List a user's key copies in a channel",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel", "user")
		resp := keysCommand("user-keys")
		out := []string{"ID|Version|Active|Sender|Updated"}
		for _, k := range resp.UserKeys {
			out = append(out, fmt.Sprintf("%d|%d|%v|%s|%s", k.ID, k.KeyVersion, k.IsActive, k.SenderID, fmtTime(k.UpdatedAt)))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete --channel <id> --user <id>",
	Short: "Delete a user's key copies in a channel (they will be healed or re-requested)",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("channel", "user")
		fmt.Printf("%s\n", keysCommand("delete-user-keys").Msg)
	},
}

var keysSyncStateCmd = &cobra.Command{
	Use:   "sync-state --user <id>",
	Short: "Show a user's KDM acknowledgement watermark",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("user")
		st := keysCommand("sync-state").SyncState
		fmt.Printf("%s: last acked KDM version %d (updated %s)\n", st.UserID, st.LastAckedKdmVersion, fmtTime(st.UpdatedAt))
	},
}

var keysPendingCmd = &cobra.Command{
	Use:   "pending --user <id> [--after <version>] [--channel <id>]",
	Short: "Show the KDMs a user would receive on catch-up",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("user")
		p := keysCommand("pending").Pending
		fmt.Printf("%d pending, latest version %d\n", p.Count, p.LatestVersion)
		if p.Count == 0 {
			return
		}
		out := []string{"ID|Channel|Version|From|Rotation|Created"}
		for _, k := range p.PendingKeys {
			out = append(out, fmt.Sprintf("%d|%s|%d|%s|%v|%s", k.ID, k.ChannelID, k.Version, k.SenderID, k.IsRotation, fmtTime(k.Timestamp)))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

func requestsCommand(command string) *kdc.KdcRequestResponse {
	req := kdc.KdcRequestPost{
		Command:   command,
		ChannelID: chatkdc.Globals.ChannelID,
		RequestID: requestID,
		Status:    kdc.RequestStatus(strings.ToLower(requestStatus)),
	}
	var resp kdc.KdcRequestResponse
	if err := sendKdcRequest("/kdc/requests", req, &resp); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	dieOnError(resp.APIStatus)
	return &resp
}

func requestRow(r *kdc.KeyDistributionRequest) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", r.ID, r.ChannelID, r.RequesterID, r.AdminID, r.Status, r.NotifyCount, fmtTime(r.UpdatedAt))
}

var requestsListCmd = &cobra.Command{
	Use:   "list [--channel <id>] [--status pending|completed]",
	Short: "List key distribution requests",
	Run: func(cmd *cobra.Command, args []string) {
		resp := requestsCommand("list")
		if len(resp.Requests) == 0 {
			fmt.Println("No key requests")
			return
		}
		out := []string{"ID|Channel|Requester|Holder|Status|Notified|Updated"}
		for _, r := range resp.Requests {
			out = append(out, requestRow(r))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var requestsGetCmd = &cobra.Command{
	Use:   "get --request <id>",
	Short: "Show one key distribution request",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("requestid")
		r := requestsCommand("get").Request
		out := []string{"ID|Channel|Requester|Holder|Status|Notified|Updated", requestRow(r)}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var requestsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Escalate stale key requests to the next key holder now",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s\n", requestsCommand("sweep").Msg)
	},
}

func init() {
	ChannelMemberCmd.AddCommand(memberListCmd, memberAddCmd, memberRoleCmd, memberRemoveCmd)
	ChannelCmd.AddCommand(channelAddCmd, channelListCmd, channelGetCmd, channelDeleteCmd,
		channelEnableCmd, channelDisableCmd, channelRotateCmd, channelHistoryCmd, channelLogCmd,
		ChannelMemberCmd)
	KeysCmd.AddCommand(keysSharesCmd, keysUserCmd, keysDeleteCmd, keysSyncStateCmd, keysPendingCmd)
	RequestsCmd.AddCommand(requestsListCmd, requestsGetCmd, requestsSweepCmd)

	ChannelCmd.PersistentFlags().StringVarP(&actingUser, "by", "b", "", "acting user (default: operator)")
	channelAddCmd.Flags().StringVarP(&channelName, "name", "N", "", "channel display name")
	channelRotateCmd.Flags().StringVarP(&rotateReason, "reason", "r", "", "reason recorded in the rotation log")
	memberAddCmd.Flags().StringVarP(&memberRole, "role", "R", "member", "member role: member, admin or owner")
	memberRoleCmd.Flags().StringVarP(&newRole, "role", "R", "", "new role: member, admin or owner")
	memberRoleCmd.MarkFlagRequired("role")

	keysPendingCmd.Flags().IntVarP(&afterVersion, "after", "a", 0, "only KDMs above this version")

	RequestsCmd.PersistentFlags().StringVarP(&requestID, "request", "r", "", "key request id")
	requestsListCmd.Flags().StringVarP(&requestStatus, "status", "s", "", "filter on status")
}
