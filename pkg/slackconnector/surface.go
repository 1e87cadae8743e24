// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// CreateSurface starts a new thread for the user in the staff channel. The
// root message ts is the surface id.
func (c *Connector) CreateSurface(ctx context.Context, info modmail.UserInfo) (string, error) {
	if !c.IsLoggedIn() {
		return "", modmail.ErrNotLoggedIn
	}
	params := SurfaceNameParams{UserID: info.ID, Username: info.Name}
	if user, err := c.api.GetUserInfoContext(ctx, info.ID); err == nil {
		params.Username = user.Name
		params.DisplayName = user.Profile.DisplayName
		params.RealName = user.RealName
	} else {
		c.log.Warn().Err(err).Str("user_id", info.ID).Msg("Failed to fetch user for thread name")
	}
	_, ts, err := c.api.PostMessageContext(ctx, c.Config.StaffChannelID,
		slack.MsgOptionText(c.Config.FormatSurfaceName(params), false))
	if err != nil {
		return "", fmt.Errorf("failed to create thread root: %w", err)
	}
	return ts, nil
}

// SurfaceExists reports whether the thread root is still in the staff
// channel. A deleted root with replies stays behind as a tombstone.
func (c *Connector) SurfaceExists(ctx context.Context, surfaceID string) (bool, error) {
	if !c.IsLoggedIn() {
		return false, modmail.ErrNotLoggedIn
	}
	c.cacheMu.RLock()
	_, dead := c.dead[surfaceID]
	c.cacheMu.RUnlock()
	if dead {
		return false, nil
	}

	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: c.Config.StaffChannelID,
		Timestamp: surfaceID,
		Limit:     1,
	})
	if err != nil {
		switch slackErrorCode(err) {
		case "thread_not_found", "message_not_found":
			c.markSurfaceDead(surfaceID)
			return false, nil
		}
		return false, fmt.Errorf("failed to get thread root %s: %w", surfaceID, err)
	}
	if len(msgs) == 0 || msgs[0].Timestamp != surfaceID || msgs[0].SubType == "tombstone" {
		c.markSurfaceDead(surfaceID)
		return false, nil
	}
	return true, nil
}

// DiscardSurface deletes a thread root that could not be bound.
func (c *Connector) DiscardSurface(ctx context.Context, surfaceID string) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	c.markSurfaceDead(surfaceID)
	if _, _, err := c.api.DeleteMessageContext(ctx, c.Config.StaffChannelID, surfaceID); err != nil {
		return fmt.Errorf("failed to delete thread root %s: %w", surfaceID, err)
	}
	return nil
}

func (c *Connector) markSurfaceDead(surfaceID string) {
	c.cacheMu.Lock()
	c.dead[surfaceID] = struct{}{}
	c.cacheMu.Unlock()
}
