// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aiku/mattermost-modmail/pkg/adminapi"
	"github.com/aiku/mattermost-modmail/pkg/config"
	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

var blockCmd = &cobra.Command{
	Use:   "block <user-id>",
	Short: "Stop relaying messages from a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBlocked(cmd, args[0], true)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <user-id>",
	Short: "Resume relaying messages from a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBlocked(cmd, args[0], false)
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations known to the running relay",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		convs, err := client.Conversations(cmd.Context())
		if err != nil {
			return err
		}
		return printConversations(cmd.OutOrStdout(), convs)
	},
}

// printConversations writes the conversations as a table. Columns are
// padded before they are coloured, so escape codes never count as width.
func printConversations(out io.Writer, convs []modmail.ConversationInfo) error {
	rows := [][]string{{"USER", "SURFACE", "STATUS", "PAIRS"}}
	for _, conv := range convs {
		surface, status := conv.SurfaceID, "open"
		if surface == "" {
			surface = "-"
		}
		if conv.Blocked {
			status = "blocked"
		}
		rows = append(rows, []string{conv.UserID, surface, status, strconv.Itoa(conv.Pairs)})
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	var buf strings.Builder
	for r, row := range rows {
		for i, cell := range row {
			if i < len(row)-1 {
				cell += strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)+2)
			}
			if r > 0 {
				cell = paintCell(i, convs[r-1], cell)
			}
			buf.WriteString(cell)
		}
		buf.WriteByte('\n')
	}
	_, err := io.WriteString(out, buf.String())
	return err
}

func paintCell(column int, conv modmail.ConversationInfo, cell string) string {
	switch {
	case column == 1 && conv.SurfaceID == "":
		return color.YellowString("%s", cell)
	case column == 2 && conv.Blocked:
		return color.RedString("%s", cell)
	case column == 2:
		return color.GreenString("%s", cell)
	}
	return cell
}

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Show the endpoint pool of the running relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		slots, err := client.Endpoints(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tENDPOINT\tSURFACES")
		for _, slot := range slots {
			fmt.Fprintf(w, "%d\t%s\t%d\n", slot.Index, slot.EndpointID, slot.Surfaces)
		}
		return w.Flush()
	},
}

func setBlocked(cmd *cobra.Command, userID string, blocked bool) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}
	if err = client.SetBlocked(cmd.Context(), userID, blocked); err != nil {
		return err
	}
	if blocked {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.RedString("Blocked"), userID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("Unblocked"), userID)
	}
	return nil
}

// newAdminClient resolves the admin API address from the flags, falling
// back to the config file when it exists.
func newAdminClient() (*adminapi.Client, error) {
	addr, token := adminAddr, adminToken
	if addr == "" || token == "" {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := config.Load(configPath)
			if err != nil {
				return nil, err
			}
			if addr == "" {
				addr = cfg.AdminAPI.Addr
			}
			if token == "" {
				token = cfg.AdminAPI.Token
			}
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("admin API address unknown: pass --admin-addr or set admin_api.addr")
	}
	return adminapi.NewClient(addr, token), nil
}
