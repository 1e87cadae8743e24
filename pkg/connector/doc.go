// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector binds the modmail relay to Mattermost.
//
// The modmail bot receives direct messages from users and keeps one thread
// per user in a staff channel; the thread root post id is the surface id.
// User messages are posted into the thread by endpoint bots, which are
// extra bot accounts configured via environment variables
// (MODMAIL_ENDPOINT_<NAME>_TOKEN), listed in the config file, created on
// demand, or hot-reloaded over POST /api/reload-endpoints.
//
// # Core Types
//
// [Connector] implements [modmail.Platform]. It owns the bot session, the
// WebSocket event loop feeding a [modmail.EventSink], and the endpoint
// registry.
//
// [Endpoint] implements [modmail.Endpoint] over one endpoint bot session.
//
// # Echo Prevention
//
// Every post the relay makes carries the modmail_relayed prop. Incoming
// events are marked automated when they come from the modmail bot, from an
// endpoint bot, from any bot account, carry that prop, or come from a
// username matching the configured prefixes. These layers must not be
// simplified or removed.
package connector
