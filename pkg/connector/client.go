// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// Connect opens the websocket and starts pushing events into sink. Login
// must have succeeded first.
func (c *Connector) Connect(ctx context.Context, sink modmail.EventSink) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	c.sink = sink
	c.log.Info().Str("server_url", c.Config.ServerURL).Msg("Connecting to Mattermost")
	if err := c.connectWebSocket(); err != nil {
		return err
	}
	go c.listenWebSocket(ctx)
	return nil
}

func (c *Connector) connectWebSocket() error {
	wsURL := httpToWS(c.Config.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	c.wsClient = ws

	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

func (c *Connector) listenWebSocket(ctx context.Context) {
	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case event, ok := <-c.wsClient.EventChannel:
			if !ok {
				c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				if !c.handleWebSocketDisconnect(ctx) {
					return
				}
				continue
			}
			if event == nil {
				continue
			}
			c.handleEvent(ctx, event)
		}
	}
}

// handleWebSocketDisconnect reconnects with exponential backoff. It returns
// false if the connector was stopped while waiting.
func (c *Connector) handleWebSocketDisconnect(ctx context.Context) bool {
	delay := reconnectBaseDelay
	for {
		err := c.connectWebSocket()
		if err == nil {
			// Root deletions may have been missed while disconnected.
			c.forgetAliveSurfaces()
			return true
		}
		c.log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to reconnect WebSocket")
		select {
		case <-c.stopChan:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

// Disconnect closes the WebSocket connection and stops the event loop.
func (c *Connector) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	if c.wsClient != nil {
		c.wsClient.Close()
	}
}

// IsLoggedIn reports whether the connector holds a valid authentication token.
func (c *Connector) IsLoggedIn() bool {
	return c.client != nil && c.client.AuthToken != ""
}
