// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// messagePayload is the subset of a Slack message event the relay reads.
// Edits and deletions nest the affected message.
type messagePayload struct {
	Type            string          `json:"type"`
	SubType         string          `json:"subtype"`
	Channel         string          `json:"channel"`
	ChannelType     string          `json:"channel_type"`
	User            string          `json:"user"`
	BotID           string          `json:"bot_id"`
	Text            string          `json:"text"`
	TS              string          `json:"ts"`
	ThreadTS        string          `json:"thread_ts"`
	DeletedTS       string          `json:"deleted_ts"`
	Files           []filePayload   `json:"files"`
	Message         *messagePayload `json:"message"`
	PreviousMessage *messagePayload `json:"previous_message"`
}

type filePayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Permalink string `json:"permalink"`
	Size      int64  `json:"size"`
}

func (c *Connector) handleEventsAPI(ctx context.Context, evt slackevents.EventsAPIEvent) {
	if evt.Type != slackevents.CallbackEvent {
		return
	}
	cb, ok := evt.Data.(*slackevents.EventsAPICallbackEvent)
	if !ok || cb.InnerEvent == nil {
		return
	}
	c.handleRawEvent(ctx, *cb.InnerEvent)
}

func (c *Connector) handleRawEvent(ctx context.Context, raw json.RawMessage) {
	var payload messagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.log.Error().Err(err).Msg("Failed to decode Slack event")
		return
	}
	if payload.Type != "message" {
		c.log.Trace().Str("event_type", payload.Type).Msg("Unhandled event type")
		return
	}
	evt, err := c.parseMessageEvent(ctx, &payload)
	if err != nil {
		c.log.Error().Err(err).Str("subtype", payload.SubType).Msg("Failed to parse message event")
		return
	} else if evt == nil {
		return
	}
	c.sink.Dispatch(evt)
}

// parseMessageEvent returns (nil, nil) for events the relay skips.
func (c *Connector) parseMessageEvent(ctx context.Context, p *messagePayload) (modmail.Event, error) {
	switch p.SubType {
	case "", "file_share", "thread_broadcast", "bot_message", "me_message":
		msg, err := c.parseNewMessage(ctx, p)
		if msg == nil {
			return nil, err
		}
		return &modmail.InboundMessage{Message: *msg}, nil
	case "message_changed":
		edit, err := c.parseChangedMessage(ctx, p)
		if edit == nil {
			return nil, err
		}
		return edit, nil
	case "message_deleted":
		del, err := c.parseDeletedMessage(ctx, p)
		if del == nil {
			return nil, err
		}
		return del, nil
	default:
		// Joins, topic changes and other channel notices.
		return nil, nil
	}
}

type messageLocation struct {
	private bool
	// channelID is the im channel id or the surface id.
	channelID string
	userID    string
}

// locate returns where a message belongs, or nil if it is outside both
// the app's im channels and the staff threads.
func (c *Connector) locate(ctx context.Context, channelID, channelType, ts, threadTS string) (*messageLocation, error) {
	if channelID == c.Config.StaffChannelID {
		if threadTS == "" || threadTS == ts {
			return nil, nil
		}
		return &messageLocation{channelID: threadTS}, nil
	}
	if channelType != "im" && !strings.HasPrefix(channelID, "D") {
		return nil, nil
	}
	userID, err := c.imUser(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return &messageLocation{private: true, channelID: channelID, userID: userID}, nil
}

// imUser returns the end user of an im channel.
func (c *Connector) imUser(ctx context.Context, channelID string) (string, error) {
	c.cacheMu.RLock()
	userID, ok := c.imUsers[channelID]
	c.cacheMu.RUnlock()
	if ok {
		return userID, nil
	}
	ch, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return "", fmt.Errorf("failed to get channel %s: %w", channelID, err)
	}
	c.rememberIM(ch.User, channelID)
	return ch.User, nil
}

func (c *Connector) getUser(ctx context.Context, userID string) (*slack.User, error) {
	c.cacheMu.RLock()
	user, ok := c.users[userID]
	c.cacheMu.RUnlock()
	if ok {
		return user, nil
	}
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	c.cacheMu.Lock()
	c.users[userID] = user
	c.cacheMu.Unlock()
	return user, nil
}

func (c *Connector) isAutomated(p *messagePayload) bool {
	return p.BotID != "" ||
		p.SubType == "bot_message" ||
		p.User == c.botUserID ||
		c.isEndpoint(p.User)
}

func (c *Connector) parseNewMessage(ctx context.Context, p *messagePayload) (*modmail.Message, error) {
	if p.ChannelType == "im" && p.User != "" && !c.isAutomated(p) {
		c.rememberIM(p.User, p.Channel)
	}
	loc, err := c.locate(ctx, p.Channel, p.ChannelType, p.TS, p.ThreadTS)
	if err != nil || loc == nil {
		return nil, err
	}
	msg := &modmail.Message{
		ID:        p.TS,
		ChannelID: loc.channelID,
		Private:   loc.private,
		Author: modmail.Author{
			ID:        p.User,
			Name:      p.User,
			Automated: c.isAutomated(p),
		},
		Content:   p.Text,
		CreatedAt: parseTS(p.TS),
	}
	if user, err := c.getUser(ctx, p.User); err == nil {
		msg.Author.Name = user.Name
		msg.Author.AvatarURL = user.Profile.Image192
	} else if !msg.Author.Automated {
		c.log.Debug().Err(err).Str("user_id", p.User).Msg("Failed to fetch message author")
	}
	if loc.private {
		c.rememberThread(p.TS, p.ThreadTS)
		if p.ThreadTS != "" && p.ThreadTS != p.TS {
			msg.ReplyToID = p.ThreadTS
		}
	}
	for _, f := range p.Files {
		msg.Attachments = append(msg.Attachments, modmail.Attachment{
			ID:   f.ID,
			Name: f.Name,
			URL:  f.Permalink,
			Size: f.Size,
		})
	}
	return msg, nil
}

func (c *Connector) parseChangedMessage(ctx context.Context, p *messagePayload) (*modmail.EditEvent, error) {
	m := p.Message
	if m == nil {
		return nil, fmt.Errorf("message_changed event without message")
	}
	if p.Channel == c.Config.StaffChannelID && m.SubType == "tombstone" {
		c.markSurfaceDead(m.TS)
		return nil, nil
	}
	// Unfurls and reaction counts also arrive as changes.
	if p.PreviousMessage != nil && p.PreviousMessage.Text == m.Text {
		return nil, nil
	}
	loc, err := c.locate(ctx, p.Channel, p.ChannelType, m.TS, m.ThreadTS)
	if err != nil || loc == nil {
		return nil, err
	}
	return &modmail.EditEvent{
		MessageID:       m.TS,
		ChannelID:       loc.channelID,
		Private:         loc.private,
		UserID:          loc.userID,
		AuthorAutomated: c.isAutomated(m),
		Content:         m.Text,
	}, nil
}

func (c *Connector) parseDeletedMessage(ctx context.Context, p *messagePayload) (*modmail.DeleteEvent, error) {
	var threadTS string
	automated := false
	if prev := p.PreviousMessage; prev != nil {
		threadTS = prev.ThreadTS
		automated = c.isAutomated(prev)
	}
	if p.Channel == c.Config.StaffChannelID && (threadTS == "" || threadTS == p.DeletedTS) {
		c.markSurfaceDead(p.DeletedTS)
		return nil, nil
	}
	loc, err := c.locate(ctx, p.Channel, p.ChannelType, p.DeletedTS, threadTS)
	if err != nil || loc == nil {
		return nil, err
	}
	return &modmail.DeleteEvent{
		MessageID:       p.DeletedTS,
		ChannelID:       loc.channelID,
		Private:         loc.private,
		UserID:          loc.userID,
		AuthorAutomated: automated,
	}, nil
}

// parseTS converts a Slack message ts ("1700000000.000100") to a time.
func parseTS(ts string) time.Time {
	secStr, microStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	micro, _ := strconv.ParseInt(microStr, 10, 64)
	return time.Unix(sec, micro*int64(time.Microsecond))
}
