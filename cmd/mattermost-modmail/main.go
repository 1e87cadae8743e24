// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-modmail relays direct messages sent to a bot into
// per-user staff threads and relays staff replies back to the user. It
// runs against Mattermost or Slack.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	adminAddr  string
	adminToken string
)

var rootCmd = &cobra.Command{
	Use:   "mattermost-modmail",
	Short: "Modmail relay for Mattermost and Slack",
	Long: color.CyanString("mattermost-modmail") +
		"\nRelays direct messages to a bot into per-user staff threads and back.",
	SilenceUsage: true,
	RunE:         runRelay,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mattermost-modmail %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "", "admin API address, defaults to admin_api.addr from the config")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", "", "admin API token, defaults to admin_api.token from the config")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(endpointsCmd)
	rootCmd.AddCommand(exampleConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
