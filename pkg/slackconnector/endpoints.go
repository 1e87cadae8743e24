// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/slack-go/slack"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// Endpoint is a Slack app posting into staff threads on behalf of end users.
type Endpoint struct {
	conn   *Connector
	Slug   string
	UserID string
	BotID  string
	client atomic.Pointer[slack.Client]
}

var _ modmail.Endpoint = (*Endpoint)(nil)

func (ep *Endpoint) ID() string { return ep.UserID }

func (ep *Endpoint) api() *slack.Client { return ep.client.Load() }

func (c *Connector) verifyEndpoint(ctx context.Context, entry EndpointEntry) (*Endpoint, error) {
	api := c.newClient(entry.Token)
	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify endpoint token: %w", err)
	}
	ep := &Endpoint{conn: c, Slug: entry.Slug, UserID: resp.UserID, BotID: resp.BotID}
	ep.client.Store(api)
	return ep, nil
}

// ListEndpoints loads the configured endpoint apps. With none configured the
// modmail app itself is the only endpoint.
func (c *Connector) ListEndpoints(ctx context.Context) ([]modmail.Endpoint, error) {
	for _, entry := range c.endpointEntries() {
		ep, err := c.verifyEndpoint(ctx, entry)
		if err != nil {
			c.log.Error().Err(err).Str("slug", entry.Slug).Msg("Skipping endpoint")
			continue
		}
		c.endpointMu.Lock()
		if _, ok := c.endpoints[ep.UserID]; !ok {
			c.endpoints[ep.UserID] = ep
		}
		c.endpointMu.Unlock()
		c.log.Info().Str("slug", entry.Slug).Str("slack_user_id", ep.UserID).Msg("Loaded endpoint")
	}

	c.endpointMu.Lock()
	defer c.endpointMu.Unlock()
	if len(c.endpoints) == 0 && c.api != nil {
		self := &Endpoint{conn: c, Slug: "main", UserID: c.botUserID, BotID: c.botID}
		self.client.Store(c.api)
		c.endpoints[c.botUserID] = self
		c.log.Info().Msg("No endpoint apps configured, posting as the modmail app")
	}
	out := make([]modmail.Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep)
	}
	return out, nil
}

// CreateEndpoint always fails: Slack apps cannot be installed programmatically.
func (c *Connector) CreateEndpoint(context.Context) (modmail.Endpoint, error) {
	return nil, modmail.ErrEndpointLimit
}

// Send posts msg as a reply in the surface thread under the end user's name.
func (ep *Endpoint) Send(ctx context.Context, surfaceID string, msg *modmail.OutgoingMessage) (modmail.MessageRef, error) {
	opts := messageOptions(msg.Content, msg.Block)
	opts = append(opts, slack.MsgOptionTS(surfaceID))
	if msg.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(msg.Username))
	}
	if msg.AvatarURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(msg.AvatarURL))
	}
	_, ts, err := ep.api().PostMessageContext(ctx, ep.conn.Config.StaffChannelID, opts...)
	if err != nil {
		return modmail.MessageRef{}, fmt.Errorf("failed to post to thread %s: %w", surfaceID, err)
	}
	return modmail.MessageRef{ID: ts, ChannelID: surfaceID}, nil
}

func (ep *Endpoint) Edit(ctx context.Context, ref modmail.MessageRef, msg *modmail.OutgoingMessage) error {
	_, _, _, err := ep.api().UpdateMessageContext(ctx, ep.conn.Config.StaffChannelID, ref.ID, editOptions(msg.Content, msg.Block)...)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", ref.ID, err)
	}
	return nil
}

// Redact replaces the message with marker. An empty marker text keeps the
// message's current text inside the block.
func (ep *Endpoint) Redact(ctx context.Context, ref modmail.MessageRef, marker *modmail.Block) error {
	block := *marker
	if block.Text == "" {
		current, err := ep.conn.threadMessage(ctx, ep.api(), ref)
		if err != nil {
			return err
		}
		block.Text = current.Text
		if block.Text == "" && len(current.Attachments) > 0 {
			block.Text = current.Attachments[0].Text
		}
	}
	_, _, _, err := ep.api().UpdateMessageContext(ctx, ep.conn.Config.StaffChannelID, ref.ID, messageOptions("", &block)...)
	if err != nil {
		return fmt.Errorf("failed to redact message %s: %w", ref.ID, err)
	}
	return nil
}
