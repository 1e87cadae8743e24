// Copyright 2024-2026 Aiku AI

// Package modmail implements the bidirectional relay between an end user's
// private channel with the modmail bot and a per-user surface in a shared
// staff channel.
//
// The relay is platform neutral. A Platform implementation (see
// pkg/connector for Mattermost and pkg/slackconnector for Slack) delivers
// events to a Dispatcher and performs the sends on behalf of the Engine.
//
// Components:
//   - Registry maps a user to at most one Conversation and its surface.
//   - Pool balances staff-side sends over rate-limited endpoints.
//   - PairIndex remembers which staff message mirrors which user message.
//   - Provisioner creates surfaces on first contact.
//   - Engine forwards messages and propagates edits and deletions.
package modmail
