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

const noticeDeleteTimeout = 10 * time.Second

// SendToUser posts msg into the direct channel between the modmail bot and
// the user. A reply target is resolved to its thread root since Mattermost
// threads are flat.
func (c *Connector) SendToUser(ctx context.Context, userID string, msg *modmail.OutgoingMessage) (modmail.MessageRef, error) {
	if !c.IsLoggedIn() {
		return modmail.MessageRef{}, modmail.ErrNotLoggedIn
	}
	channelID, err := c.directChannel(ctx, userID)
	if err != nil {
		return modmail.MessageRef{}, err
	}
	fileIDs, err := c.reupload(ctx, c.client, channelID, msg.Files)
	if err != nil {
		return modmail.MessageRef{}, err
	}

	post := &model.Post{
		ChannelId: channelID,
		Message:   msg.Content,
		FileIds:   fileIDs,
	}
	post.AddProp(propRelayed, "true")
	if msg.Block != nil {
		post.AddProp(propAttachments, []*model.SlackAttachment{blockToAttachment(msg.Block)})
	}
	if msg.ReplyTo != nil {
		post.RootId = c.threadRoot(ctx, msg.ReplyTo.ID)
	}

	created, _, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return modmail.MessageRef{}, fmt.Errorf("failed to create post: %w", err)
	}
	return modmail.MessageRef{ID: created.Id, ChannelID: channelID}, nil
}

// threadRoot returns the root of the thread postID belongs to. On lookup
// failure the post itself is used as the root.
func (c *Connector) threadRoot(ctx context.Context, postID string) string {
	post, _, err := c.client.GetPost(ctx, postID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("post_id", postID).Msg("Failed to resolve reply target")
		return postID
	}
	if post.RootId != "" {
		return post.RootId
	}
	return post.Id
}

// directChannel returns the id of the bot's direct channel with userID,
// creating it on first use.
func (c *Connector) directChannel(ctx context.Context, userID string) (string, error) {
	c.cacheMu.RLock()
	channelID, ok := c.dms[userID]
	c.cacheMu.RUnlock()
	if ok {
		return channelID, nil
	}
	ch, _, err := c.client.CreateDirectChannel(ctx, c.userID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to open direct channel with %s: %w", userID, err)
	}
	c.cacheMu.Lock()
	c.dms[userID] = ch.Id
	c.channels[ch.Id] = channelInfo{kind: channelDirect, userID: userID}
	c.cacheMu.Unlock()
	return ch.Id, nil
}

// EditMessage edits a post the modmail bot made.
func (c *Connector) EditMessage(ctx context.Context, ref modmail.MessageRef, msg *modmail.OutgoingMessage) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	return editPost(ctx, c.client, ref.ID, msg)
}

// DeleteMessage deletes a post the modmail bot made.
func (c *Connector) DeleteMessage(ctx context.Context, ref modmail.MessageRef) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	if _, err := c.client.DeletePost(ctx, ref.ID); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

// AddReaction reacts to a post as the modmail bot.
func (c *Connector) AddReaction(ctx context.Context, ref modmail.MessageRef, emoji string) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	_, _, err := c.client.SaveReaction(ctx, &model.Reaction{
		UserId:    c.userID,
		PostId:    ref.ID,
		EmojiName: emoji,
	})
	if err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

// NotifyUser posts a notice into the user's direct channel.
func (c *Connector) NotifyUser(ctx context.Context, userID string, notice modmail.Notice) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	channelID, err := c.directChannel(ctx, userID)
	if err != nil {
		return err
	}
	return c.postNotice(ctx, channelID, "", notice)
}

// NotifySurface posts a notice into the user's staff thread.
func (c *Connector) NotifySurface(ctx context.Context, surfaceID string, notice modmail.Notice) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	return c.postNotice(ctx, c.Config.StaffChannelID, surfaceID, notice)
}

func (c *Connector) postNotice(ctx context.Context, channelID, rootID string, notice modmail.Notice) error {
	post := &model.Post{ChannelId: channelID, RootId: rootID}
	post.AddProp(propRelayed, "true")
	post.AddProp(propAttachments, []*model.SlackAttachment{blockToAttachment(notice.Block())})
	created, _, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return fmt.Errorf("failed to post notice: %w", err)
	}
	if notice.TTL > 0 {
		postID := created.Id
		time.AfterFunc(notice.TTL, func() {
			ctx, cancel := context.WithTimeout(context.Background(), noticeDeleteTimeout)
			defer cancel()
			if _, err := c.client.DeletePost(ctx, postID); err != nil {
				c.log.Debug().Err(err).Str("post_id", postID).Msg("Failed to delete expired notice")
			}
		})
	}
	return nil
}

// Permalink returns the team-scoped link of a post.
func (c *Connector) Permalink(ref modmail.MessageRef) string {
	return permalink(c.Config.ServerURL, c.teamName, ref.ID)
}

// reupload copies attachments into channelID through client. Files are
// downloaded with the modmail bot's session since endpoints cannot read
// direct channels.
func (c *Connector) reupload(ctx context.Context, client *model.Client4, channelID string, files []modmail.Attachment) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	fileIDs := make([]string, 0, len(files))
	for _, file := range files {
		data, _, err := c.client.GetFile(ctx, file.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to download file %s: %w", file.ID, err)
		}
		resp, _, err := client.UploadFile(ctx, data, channelID, file.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to upload file %s: %w", file.Name, err)
		}
		if len(resp.FileInfos) == 0 {
			return nil, fmt.Errorf("upload of %s returned no file info", file.Name)
		}
		fileIDs = append(fileIDs, resp.FileInfos[0].Id)
	}
	return fileIDs, nil
}

// editPost replaces the text of a post. The block is replaced too: a short
// edit of a post whose text was moved into a block drops the old block.
func editPost(ctx context.Context, client *model.Client4, postID string, msg *modmail.OutgoingMessage) error {
	post, _, err := client.GetPost(ctx, postID, "")
	if err != nil {
		return fmt.Errorf("failed to get post %s: %w", postID, err)
	}
	patch := &model.PostPatch{Message: &msg.Content}
	if msg.Block != nil {
		props := copyProps(post)
		props[propAttachments] = []*model.SlackAttachment{blockToAttachment(msg.Block)}
		patch.Props = &props
	} else if post.GetProp(propAttachments) != nil {
		props := copyProps(post)
		delete(props, propAttachments)
		patch.Props = &props
	}
	if _, _, err := client.PatchPost(ctx, postID, patch); err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}

func blockToAttachment(block *modmail.Block) *model.SlackAttachment {
	return &model.SlackAttachment{
		Fallback: block.Text,
		Color:    block.Color,
		Title:    block.Title,
		Text:     block.Text,
		Footer:   block.Footer,
	}
}

// attachmentText returns the text of the post's first message attachment.
func attachmentText(post *model.Post) string {
	for _, attachment := range post.Attachments() {
		if attachment.Text != "" {
			return attachment.Text
		}
	}
	return ""
}

// copyProps returns a mutable copy of the post's props. PatchPost replaces
// the whole map, so override props must be carried along.
func copyProps(post *model.Post) model.StringInterface {
	props := make(model.StringInterface)
	for key, value := range post.GetProps() {
		props[key] = value
	}
	return props
}
