// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (c *Connector) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		c.handlePosted(ctx, evt)
	case model.WebsocketEventPostEdited:
		c.handlePostEdited(ctx, evt)
	case model.WebsocketEventPostDeleted:
		c.handlePostDeleted(ctx, evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (c *Connector) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	msg, err := c.parsePostedEvent(ctx, evt)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to parse posted event")
		return
	} else if msg == nil {
		return
	}
	c.sink.Dispatch(&modmail.InboundMessage{Message: *msg})
}

func (c *Connector) handlePostEdited(ctx context.Context, evt *model.WebSocketEvent) {
	edit, err := c.parsePostEditedEvent(ctx, evt)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to parse post edited event")
		return
	} else if edit == nil {
		return
	}
	c.sink.Dispatch(edit)
}

func (c *Connector) handlePostDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	del, err := c.parsePostDeletedEvent(ctx, evt)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to parse post deleted event")
		return
	} else if del == nil {
		return
	}
	c.sink.Dispatch(del)
}

// postLocation places a post on one side of a conversation.
type postLocation struct {
	private bool
	// channelID is the direct channel id or the surface id.
	channelID string
	// userID is the end user owning the direct channel.
	userID string
}

// locatePost returns where the post belongs, or nil if it is outside both
// the bot's direct channels and the staff threads.
func (c *Connector) locatePost(ctx context.Context, post *model.Post) (*postLocation, error) {
	info, err := c.classifyChannel(ctx, post.ChannelId)
	if err != nil {
		return nil, err
	}
	switch info.kind {
	case channelDirect:
		return &postLocation{private: true, channelID: post.ChannelId, userID: info.userID}, nil
	case channelStaff:
		if post.RootId == "" {
			return nil, nil
		}
		return &postLocation{channelID: post.RootId}, nil
	default:
		return nil, nil
	}
}

func decodePost(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, nil
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	return &post, nil
}

// parsePostedEvent converts a posted event into a relay message. Returns
// (nil, nil) to skip silently, (nil, err) to log an error, or (msg, nil)
// to proceed. Echo prevention marks the message automated so the engine
// ignores it.
func (c *Connector) parsePostedEvent(ctx context.Context, evt *model.WebSocketEvent) (*modmail.Message, error) {
	post, err := decodePost(evt)
	if post == nil {
		if err == nil {
			err = fmt.Errorf("posted event missing post data")
		}
		return nil, err
	}

	// System messages (joins, header changes) are never relayed.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	loc, err := c.locatePost(ctx, post)
	if err != nil || loc == nil {
		return nil, err
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")

	msg := &modmail.Message{
		ID:        post.Id,
		ChannelID: loc.channelID,
		Private:   loc.private,
		Author: modmail.Author{
			ID:        post.UserId,
			Name:      senderName,
			AvatarURL: avatarURL(c.Config.ServerURL, post.UserId),
			Automated: c.isAutomated(post, senderName),
		},
		Content:   post.Message,
		CreatedAt: time.UnixMilli(post.CreateAt),
	}
	if msg.Author.Automated {
		c.log.Debug().
			Str("post_id", post.Id).
			Str("user_id", post.UserId).
			Msg("Marking post as automated (echo prevention)")
		return msg, nil
	}
	if loc.private {
		msg.ReplyToID = post.RootId
		if user, err := c.getUser(ctx, post.UserId); err == nil {
			msg.Author.Name = user.Username
		} else {
			c.log.Warn().Err(err).Str("user_id", post.UserId).Msg("Failed to fetch sender")
		}
	}
	if msg.Author.Name == "" {
		msg.Author.Name = post.UserId
	}
	msg.Attachments = c.postAttachments(ctx, post)
	return msg, nil
}

// parsePostEditedEvent converts an edit event. Returns (nil, nil) to skip.
func (c *Connector) parsePostEditedEvent(ctx context.Context, evt *model.WebSocketEvent) (*modmail.EditEvent, error) {
	post, err := decodePost(evt)
	if post == nil {
		return nil, err
	}
	loc, err := c.locatePost(ctx, post)
	if err != nil || loc == nil {
		return nil, err
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	return &modmail.EditEvent{
		MessageID:       post.Id,
		ChannelID:       loc.channelID,
		Private:         loc.private,
		UserID:          loc.userID,
		AuthorAutomated: c.isAutomated(post, strings.TrimPrefix(senderName, "@")),
		Content:         post.Message,
	}, nil
}

// parsePostDeletedEvent converts a delete event. A deleted thread root in
// the staff channel invalidates that surface instead. Returns (nil, nil)
// to skip.
func (c *Connector) parsePostDeletedEvent(ctx context.Context, evt *model.WebSocketEvent) (*modmail.DeleteEvent, error) {
	post, err := decodePost(evt)
	if post == nil {
		return nil, err
	}
	if post.ChannelId == c.Config.StaffChannelID && post.RootId == "" {
		c.markSurfaceDead(post.Id)
		c.log.Debug().Str("surface_id", post.Id).Msg("Thread root deleted")
		return nil, nil
	}
	loc, err := c.locatePost(ctx, post)
	if err != nil || loc == nil {
		return nil, err
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	return &modmail.DeleteEvent{
		MessageID:       post.Id,
		ChannelID:       loc.channelID,
		Private:         loc.private,
		UserID:          loc.userID,
		AuthorAutomated: c.isAutomated(post, strings.TrimPrefix(senderName, "@")),
	}, nil
}

// isAutomated applies the echo prevention layers: the modmail bot itself,
// endpoint bots, bot accounts, posts the relay made and usernames matching
// the configured prefixes.
func (c *Connector) isAutomated(post *model.Post, senderName string) bool {
	switch {
	case post.UserId == c.userID:
		return true
	case c.IsEndpointUserID(post.UserId):
		return true
	case post.GetProp(propFromBot) == "true":
		return true
	case post.GetProp(propRelayed) != nil:
		return true
	case senderName != "" && isBridgeUsername(senderName, c.Config.BotPrefix, c.Config.EndpointUsernamePrefix):
		return true
	default:
		return false
	}
}

// isBridgeUsername reports whether a username belongs to an account the
// relay controls.
func isBridgeUsername(username string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(username, prefix) {
			return true
		}
	}
	return false
}

// postAttachments describes the post's files. Metadata from the event is
// used when present; otherwise each file is looked up.
func (c *Connector) postAttachments(ctx context.Context, post *model.Post) []modmail.Attachment {
	var infos []*model.FileInfo
	if post.Metadata != nil && len(post.Metadata.Files) > 0 {
		infos = post.Metadata.Files
	} else {
		for _, fileID := range post.FileIds {
			info, _, err := c.client.GetFileInfo(ctx, fileID)
			if err != nil {
				c.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
				continue
			}
			infos = append(infos, info)
		}
	}
	attachments := make([]modmail.Attachment, 0, len(infos))
	for _, info := range infos {
		attachments = append(attachments, modmail.Attachment{
			ID:   info.Id,
			Name: info.Name,
			URL:  fileURL(c.Config.ServerURL, info.Id),
			Size: info.Size,
		})
	}
	return attachments
}
