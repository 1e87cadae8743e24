// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
	"github.com/aiku/mattermost-modmail/pkg/slackconnector/slackfmt"
)

const noticeDeleteTimeout = 10 * time.Second

func blockToAttachment(block *modmail.Block) slack.Attachment {
	text := slackfmt.ToMrkdwn(block.Text)
	return slack.Attachment{
		Color:      block.Color,
		Title:      block.Title,
		Text:       text,
		Footer:     block.Footer,
		Fallback:   slackfmt.ToPlain(text),
		MarkdownIn: []string{"text"},
	}
}

func messageOptions(content string, block *modmail.Block) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(slackfmt.ToMrkdwn(content), false)}
	if block != nil {
		opts = append(opts, slack.MsgOptionAttachments(blockToAttachment(block)))
	}
	return opts
}

// editOptions is messageOptions for chat.update, which keeps the previous
// attachments unless the field is sent. An edit without a block clears them.
func editOptions(content string, block *modmail.Block) []slack.MsgOption {
	if block != nil {
		return messageOptions(content, block)
	}
	return []slack.MsgOption{
		slack.MsgOptionText(slackfmt.ToMrkdwn(content), false),
		slack.MsgOptionAttachments([]slack.Attachment{}...),
	}
}

// isSurfaceID reports whether id is a message timestamp rather than a
// channel id. Staff-side refs carry the thread root ts as their channel.
func isSurfaceID(id string) bool {
	return strings.Contains(id, ".")
}

func (c *Connector) channelFor(ref modmail.MessageRef) string {
	if isSurfaceID(ref.ChannelID) {
		return c.Config.StaffChannelID
	}
	return ref.ChannelID
}

// slackErrorCode extracts the error string of a failed Web API call.
func slackErrorCode(err error) string {
	var serr slack.SlackErrorResponse
	if errors.As(err, &serr) {
		return serr.Err
	}
	return err.Error()
}

// openIM returns the bot's im channel with userID, opening it on first use.
func (c *Connector) openIM(ctx context.Context, userID string) (string, error) {
	c.cacheMu.RLock()
	channelID, ok := c.dms[userID]
	c.cacheMu.RUnlock()
	if ok {
		return channelID, nil
	}
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return "", fmt.Errorf("failed to open im with %s: %w", userID, err)
	}
	c.rememberIM(userID, ch.ID)
	return ch.ID, nil
}

func (c *Connector) rememberIM(userID, channelID string) {
	c.cacheMu.Lock()
	c.dms[userID] = channelID
	c.imUsers[channelID] = userID
	c.cacheMu.Unlock()
}

func (c *Connector) rememberThread(ts, rootTS string) {
	if rootTS == "" || rootTS == ts {
		return
	}
	c.cacheMu.Lock()
	c.threadRoots[ts] = rootTS
	c.cacheMu.Unlock()
}

// threadRoot returns the root of the thread ts belongs to, or ts itself.
func (c *Connector) threadRoot(ts string) string {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if root, ok := c.threadRoots[ts]; ok {
		return root
	}
	return ts
}

// SendToUser posts msg into the user's im channel as the modmail app.
func (c *Connector) SendToUser(ctx context.Context, userID string, msg *modmail.OutgoingMessage) (modmail.MessageRef, error) {
	if !c.IsLoggedIn() {
		return modmail.MessageRef{}, modmail.ErrNotLoggedIn
	}
	channelID, err := c.openIM(ctx, userID)
	if err != nil {
		return modmail.MessageRef{}, err
	}
	if len(msg.Files) > 0 {
		c.log.Warn().Int("files", len(msg.Files)).Msg("Dropping files, Slack attachments are relayed as links")
	}
	opts := messageOptions(msg.Content, msg.Block)
	var root string
	if msg.ReplyTo != nil {
		root = c.threadRoot(msg.ReplyTo.ID)
		opts = append(opts, slack.MsgOptionTS(root))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return modmail.MessageRef{}, fmt.Errorf("failed to post to im %s: %w", channelID, err)
	}
	c.rememberThread(ts, root)
	return modmail.MessageRef{ID: ts, ChannelID: channelID}, nil
}

func (c *Connector) EditMessage(ctx context.Context, ref modmail.MessageRef, msg *modmail.OutgoingMessage) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	_, _, _, err := c.api.UpdateMessageContext(ctx, c.channelFor(ref), ref.ID, editOptions(msg.Content, msg.Block)...)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", ref.ID, err)
	}
	return nil
}

func (c *Connector) DeleteMessage(ctx context.Context, ref modmail.MessageRef) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	if _, _, err := c.api.DeleteMessageContext(ctx, c.channelFor(ref), ref.ID); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", ref.ID, err)
	}
	return nil
}

func (c *Connector) AddReaction(ctx context.Context, ref modmail.MessageRef, emoji string) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	err := c.api.AddReactionContext(ctx, emoji, slack.NewRefToMessage(c.channelFor(ref), ref.ID))
	if err != nil && slackErrorCode(err) != "already_reacted" {
		return fmt.Errorf("failed to add reaction to %s: %w", ref.ID, err)
	}
	return nil
}

func (c *Connector) NotifyUser(ctx context.Context, userID string, notice modmail.Notice) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	channelID, err := c.openIM(ctx, userID)
	if err != nil {
		return err
	}
	return c.postNotice(ctx, channelID, "", notice)
}

func (c *Connector) NotifySurface(ctx context.Context, surfaceID string, notice modmail.Notice) error {
	if !c.IsLoggedIn() {
		return modmail.ErrNotLoggedIn
	}
	return c.postNotice(ctx, c.Config.StaffChannelID, surfaceID, notice)
}

func (c *Connector) postNotice(ctx context.Context, channelID, threadTS string, notice modmail.Notice) error {
	opts := messageOptions("", notice.Block())
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return fmt.Errorf("failed to post notice: %w", err)
	}
	if notice.TTL > 0 {
		time.AfterFunc(notice.TTL, func() {
			ctx, cancel := context.WithTimeout(context.Background(), noticeDeleteTimeout)
			defer cancel()
			if _, _, err := c.api.DeleteMessageContext(ctx, channelID, ts); err != nil {
				c.log.Debug().Err(err).Str("message_ts", ts).Msg("Failed to delete expired notice")
			}
		})
	}
	return nil
}

// Permalink builds the archive link of a message without an API call.
func (c *Connector) Permalink(ref modmail.MessageRef) string {
	channelID := c.channelFor(ref)
	link := c.teamURL + "/archives/" + channelID + "/p" + strings.ReplaceAll(ref.ID, ".", "")
	if isSurfaceID(ref.ChannelID) && ref.ChannelID != ref.ID {
		link += "?" + url.Values{"thread_ts": {ref.ChannelID}, "cid": {channelID}}.Encode()
	}
	return link
}

// threadMessage fetches a single reply of a staff thread.
func (c *Connector) threadMessage(ctx context.Context, api *slack.Client, ref modmail.MessageRef) (slack.Message, error) {
	msgs, _, _, err := api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: c.channelFor(ref),
		Timestamp: ref.ChannelID,
		Oldest:    ref.ID,
		Latest:    ref.ID,
		Inclusive: true,
	})
	if err != nil {
		return slack.Message{}, fmt.Errorf("failed to fetch message %s: %w", ref.ID, err)
	}
	for _, msg := range msgs {
		if msg.Timestamp == ref.ID {
			return msg, nil
		}
	}
	return slack.Message{}, fmt.Errorf("message %s: %w", ref.ID, modmail.ErrNotFound)
}
