// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

type channelKind int

const (
	channelOther channelKind = iota
	channelDirect
	channelStaff
)

type channelInfo struct {
	kind channelKind
	// userID is the other member of a direct channel.
	userID string
}

// classifyChannel reports whether channelID is a direct channel with the
// modmail bot, the staff channel, or neither. Results are cached.
func (c *Connector) classifyChannel(ctx context.Context, channelID string) (channelInfo, error) {
	if channelID == c.Config.StaffChannelID {
		return channelInfo{kind: channelStaff}, nil
	}
	c.cacheMu.RLock()
	info, ok := c.channels[channelID]
	c.cacheMu.RUnlock()
	if ok {
		return info, nil
	}

	ch, _, err := c.client.GetChannel(ctx, channelID, "")
	if err != nil {
		return channelInfo{}, fmt.Errorf("failed to get channel %s: %w", channelID, err)
	}
	info = channelInfo{kind: channelOther}
	if ch.Type == model.ChannelTypeDirect {
		if other := ch.GetOtherUserIdForDM(c.userID); other != "" && other != c.userID {
			info = channelInfo{kind: channelDirect, userID: other}
		}
	}

	c.cacheMu.Lock()
	c.channels[channelID] = info
	if info.kind == channelDirect {
		c.dms[info.userID] = channelID
	}
	c.cacheMu.Unlock()
	return info, nil
}

// getUser returns a Mattermost user, cached after the first lookup.
func (c *Connector) getUser(ctx context.Context, userID string) (*model.User, error) {
	c.cacheMu.RLock()
	user, ok := c.users[userID]
	c.cacheMu.RUnlock()
	if ok {
		return user, nil
	}
	user, _, err := c.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	c.cacheMu.Lock()
	c.users[userID] = user
	c.cacheMu.Unlock()
	return user, nil
}

// CreateSurface starts a new thread for the user in the staff channel.
// The root post id is the surface id.
func (c *Connector) CreateSurface(ctx context.Context, info modmail.UserInfo) (string, error) {
	if !c.IsLoggedIn() {
		return "", modmail.ErrNotLoggedIn
	}
	params := SurfaceNameParams{UserID: info.ID, Username: info.Name}
	if user, err := c.getUser(ctx, info.ID); err == nil {
		params.Username = user.Username
		params.Nickname = user.Nickname
		params.FirstName = user.FirstName
		params.LastName = user.LastName
	} else {
		c.log.Warn().Err(err).Str("user_id", info.ID).Msg("Failed to fetch user for thread name")
	}

	root := &model.Post{
		ChannelId: c.Config.StaffChannelID,
		Message:   c.Config.FormatSurfaceName(params),
	}
	root.AddProp(propRelayed, "true")
	created, _, err := c.client.CreatePost(ctx, root)
	if err != nil {
		return "", fmt.Errorf("failed to create thread root: %w", err)
	}
	c.markSurfaceAlive(created.Id)
	return created.Id, nil
}

// SurfaceExists reports whether the thread root still exists. Roots already
// confirmed, or seen deleted on the websocket, are answered from the cache.
func (c *Connector) SurfaceExists(ctx context.Context, surfaceID string) (bool, error) {
	if !c.IsLoggedIn() {
		return false, modmail.ErrNotLoggedIn
	}
	c.cacheMu.RLock()
	_, dead := c.dead[surfaceID]
	_, alive := c.alive[surfaceID]
	c.cacheMu.RUnlock()
	if dead {
		return false, nil
	} else if alive {
		return true, nil
	}

	post, resp, err := c.client.GetPost(ctx, surfaceID, "")
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			c.markSurfaceDead(surfaceID)
			return false, nil
		}
		return false, fmt.Errorf("failed to get thread root %s: %w", surfaceID, err)
	}
	if post.DeleteAt != 0 || post.ChannelId != c.Config.StaffChannelID {
		c.markSurfaceDead(surfaceID)
		return false, nil
	}
	c.markSurfaceAlive(surfaceID)
	return true, nil
}

// DiscardSurface deletes a thread root that could not be bound.
func (c *Connector) DiscardSurface(ctx context.Context, surfaceID string) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	c.markSurfaceDead(surfaceID)
	if _, err := c.client.DeletePost(ctx, surfaceID); err != nil {
		return fmt.Errorf("failed to delete thread root %s: %w", surfaceID, err)
	}
	return nil
}

func (c *Connector) markSurfaceDead(surfaceID string) {
	c.cacheMu.Lock()
	delete(c.alive, surfaceID)
	c.dead[surfaceID] = struct{}{}
	c.cacheMu.Unlock()
}

func (c *Connector) markSurfaceAlive(surfaceID string) {
	c.cacheMu.Lock()
	c.alive[surfaceID] = struct{}{}
	c.cacheMu.Unlock()
}

// forgetAliveSurfaces drops confirmed roots so they are checked again. A
// single surface is dropped when surfaceIDs is given, all of them otherwise.
func (c *Connector) forgetAliveSurfaces(surfaceIDs ...string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if len(surfaceIDs) == 0 {
		clear(c.alive)
		return
	}
	for _, id := range surfaceIDs {
		delete(c.alive, id)
	}
}
