// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// Endpoint is a bot account posting into staff threads on behalf of end
// users. Its session can be swapped by a token reload.
type Endpoint struct {
	conn     *Connector
	Slug     string
	UserID   string
	Username string
	client   atomic.Pointer[model.Client4]
}

var _ modmail.Endpoint = (*Endpoint)(nil)

func (ep *Endpoint) ID() string { return ep.UserID }

func (ep *Endpoint) api() *model.Client4 { return ep.client.Load() }

func (c *Connector) newEndpoint(slug string, user *model.User, client *model.Client4) *Endpoint {
	ep := &Endpoint{conn: c, Slug: slug, UserID: user.Id, Username: user.Username}
	ep.client.Store(client)
	return ep
}

// verifyEndpoint checks an entry's token and returns an unregistered endpoint.
func (c *Connector) verifyEndpoint(ctx context.Context, entry EndpointEntry) (*Endpoint, error) {
	client := model.NewAPIv4Client(c.Config.ServerURL)
	client.SetToken(entry.Token)
	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify endpoint token: %w", err)
	}
	return c.newEndpoint(entry.Slug, me, client), nil
}

// ListEndpoints loads the configured endpoint bots. With none configured
// and auto-creation disabled, the modmail bot itself is the only endpoint.
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
		c.log.Info().
			Str("slug", entry.Slug).
			Str("mm_username", ep.Username).
			Str("mm_user_id", ep.UserID).
			Msg("Loaded endpoint")
	}

	c.endpointMu.Lock()
	defer c.endpointMu.Unlock()
	if len(c.endpoints) == 0 && !c.Config.AutoCreateEndpoints && c.client != nil {
		self := &model.User{Id: c.userID, Username: c.username}
		c.endpoints[c.userID] = c.newEndpoint("main", self, c.client)
		c.log.Info().Msg("No endpoint bots configured, posting as the modmail bot")
	}
	out := make([]modmail.Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep)
	}
	return out, nil
}

// CreateEndpoint mints a new bot account with an access token and joins it
// to the staff channel.
func (c *Connector) CreateEndpoint(ctx context.Context) (modmail.Endpoint, error) {
	if !c.Config.AutoCreateEndpoints {
		return nil, modmail.ErrEndpointLimit
	}
	if c.client == nil {
		return nil, modmail.ErrNotLoggedIn
	}
	username := c.Config.EndpointUsernamePrefix + model.NewId()[:8]
	bot, _, err := c.client.CreateBot(ctx, &model.Bot{
		Username:    username,
		DisplayName: "Modmail",
		Description: "Relays direct messages into the staff channel",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot %s: %w", username, err)
	}
	token, _, err := c.client.CreateUserAccessToken(ctx, bot.UserId, "modmail endpoint")
	if err != nil {
		return nil, fmt.Errorf("failed to create token for bot %s: %w", username, err)
	}
	if c.teamID != "" {
		if _, _, err = c.client.AddTeamMember(ctx, c.teamID, bot.UserId); err != nil {
			return nil, fmt.Errorf("failed to add bot %s to team: %w", username, err)
		}
	}
	if _, _, err = c.client.AddChannelMember(ctx, c.Config.StaffChannelID, bot.UserId); err != nil {
		return nil, fmt.Errorf("failed to add bot %s to staff channel: %w", username, err)
	}

	client := model.NewAPIv4Client(c.Config.ServerURL)
	client.SetToken(token.Token)
	ep := c.newEndpoint(username, &model.User{Id: bot.UserId, Username: bot.Username}, client)
	c.endpointMu.Lock()
	c.endpoints[ep.UserID] = ep
	c.endpointMu.Unlock()
	c.log.Info().
		Str("mm_username", ep.Username).
		Str("mm_user_id", ep.UserID).
		Msg("Created endpoint bot")
	return ep, nil
}

// Send posts msg into the thread rooted at surfaceID.
func (ep *Endpoint) Send(ctx context.Context, surfaceID string, msg *modmail.OutgoingMessage) (modmail.MessageRef, error) {
	channelID := ep.conn.Config.StaffChannelID
	fileIDs, err := ep.conn.reupload(ctx, ep.api(), channelID, msg.Files)
	if err != nil {
		return modmail.MessageRef{}, err
	}
	post := &model.Post{
		ChannelId: channelID,
		RootId:    surfaceID,
		Message:   msg.Content,
		FileIds:   fileIDs,
	}
	post.AddProp(propRelayed, "true")
	if msg.Username != "" {
		post.AddProp(propOverrideUsername, msg.Username)
	}
	if msg.AvatarURL != "" {
		post.AddProp(propOverrideIcon, msg.AvatarURL)
	}
	if msg.Block != nil {
		post.AddProp(propAttachments, []*model.SlackAttachment{blockToAttachment(msg.Block)})
	}

	created, _, err := ep.api().CreatePost(ctx, post)
	if err != nil {
		// The root may have been deleted while the websocket was away.
		ep.conn.forgetAliveSurfaces(surfaceID)
		return modmail.MessageRef{}, fmt.Errorf("failed to create post in thread %s: %w", surfaceID, err)
	}
	return modmail.MessageRef{ID: created.Id, ChannelID: surfaceID}, nil
}

// Edit replaces the text of a relayed post.
func (ep *Endpoint) Edit(ctx context.Context, ref modmail.MessageRef, msg *modmail.OutgoingMessage) error {
	return editPost(ctx, ep.api(), ref.ID, msg)
}

// Redact swaps the post for marker, keeping the current text when the
// marker has none.
func (ep *Endpoint) Redact(ctx context.Context, ref modmail.MessageRef, marker *modmail.Block) error {
	post, _, err := ep.api().GetPost(ctx, ref.ID, "")
	if err != nil {
		return fmt.Errorf("failed to get post %s: %w", ref.ID, err)
	}
	block := *marker
	if block.Text == "" {
		block.Text = post.Message
		if block.Text == "" {
			block.Text = attachmentText(post)
		}
	}
	props := copyProps(post)
	props[propAttachments] = []*model.SlackAttachment{blockToAttachment(&block)}
	empty := ""
	_, _, err = ep.api().PatchPost(ctx, ref.ID, &model.PostPatch{
		Message: &empty,
		Props:   &props,
	})
	if err != nil {
		return fmt.Errorf("failed to redact post %s: %w", ref.ID, err)
	}
	return nil
}
