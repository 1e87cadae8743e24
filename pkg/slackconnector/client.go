// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"context"
	"errors"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// Connect opens the socket mode connection and starts pushing events into
// sink. Login must have succeeded first.
func (c *Connector) Connect(ctx context.Context, sink modmail.EventSink) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	} else if c.Config.AppToken == "" {
		return errors.New("slack.app_token is required for socket mode")
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return errors.New("already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.sink = sink

	client := socketmode.New(c.newClient(c.Config.BotToken, slack.OptionAppLevelToken(c.Config.AppToken)))
	go c.consumeSocketEvents(runCtx, client)
	go func() {
		// RunContext reconnects on its own until the context ends.
		if err := client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error().Err(err).Msg("Socket mode connection stopped")
		}
	}()
	c.log.Info().Msg("Connecting to Slack socket mode")
	return nil
}

func (c *Connector) consumeSocketEvents(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				c.log.Info().Msg("Socket mode connected")
			case socketmode.EventTypeConnectionError:
				c.log.Warn().Interface("data", evt.Data).Msg("Socket mode connection error")
			case socketmode.EventTypeInvalidAuth:
				c.log.Error().Msg("Socket mode rejected the app token")
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				if apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
					c.handleEventsAPI(ctx, apiEvent)
				}
			}
		}
	}
}

// Disconnect stops the socket mode connection. Safe to call more than once.
func (c *Connector) Disconnect() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}
