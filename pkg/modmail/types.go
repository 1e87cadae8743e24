// Copyright 2024-2026 Aiku AI

package modmail

import (
	"time"
)

// Direction is the way a message travels through the relay.
type Direction int

const (
	// ToStaff relays a message from the user's private channel to the staff surface.
	ToStaff Direction = iota
	// ToUser relays a message from the staff surface to the user's private channel.
	ToUser
)

func (d Direction) String() string {
	switch d {
	case ToStaff:
		return "to_staff"
	case ToUser:
		return "to_user"
	default:
		return "unknown"
	}
}

// Outcome is the result of relaying one message.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeRelayed
	OutcomeBlocked
	OutcomeFailed
	OutcomeNoConversation
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRelayed:
		return "relayed"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeFailed:
		return "failed"
	case OutcomeNoConversation:
		return "no_conversation"
	default:
		return "unknown"
	}
}

// Reaction markers placed on a message that could not be relayed.
const (
	MarkerToStaffFailed = "warning"
	MarkerToUserFailed  = "no_entry"
)

// Attachment is a file attached to a message. URL must be reachable by
// staff and users when the file is relayed as a link.
type Attachment struct {
	ID   string
	Name string
	URL  string
	Size int64
}

// Author is the sender of an observed message.
type Author struct {
	ID        string
	Name      string
	AvatarURL string
	// Automated is set for bots, endpoints and relay echoes.
	Automated bool
}

// Message is a message observed on either side of the relay.
type Message struct {
	ID string
	// ChannelID is the private channel id for user-side messages and the
	// surface id for staff-side messages.
	ChannelID   string
	Private     bool
	Author      Author
	Content     string
	ReplyToID   string
	Attachments []Attachment
	CreatedAt   time.Time
}

// Ref returns a reference to the message.
func (m *Message) Ref() MessageRef {
	return MessageRef{ID: m.ID, ChannelID: m.ChannelID}
}

// MessageRef points at a message on the platform.
type MessageRef struct {
	ID        string
	ChannelID string
}

// Block is a structured content block (a message attachment on Mattermost
// and Slack) used for oversized bodies, notices and redactions.
type Block struct {
	Title  string
	Text   string
	Color  string
	Footer string
}

// OutgoingMessage is what the Engine asks a platform to post.
type OutgoingMessage struct {
	Content string
	Block   *Block
	Files   []Attachment
	// ReplyTo is only honored on the private side.
	ReplyTo *MessageRef
	// Username and AvatarURL override the sender identity on endpoint sends.
	Username  string
	AvatarURL string
}

// Limits are the platform's hard ceilings.
type Limits struct {
	// MaxFileSize is the size at or above which an attachment is linked
	// instead of re-uploaded. Zero links every attachment.
	MaxFileSize   int64
	MaxTextLength int
}

// UserInfo identifies the end user a surface is created for.
type UserInfo struct {
	ID   string
	Name string
}

// Notice is a short system message shown to a user or to staff.
type Notice struct {
	Title string        `yaml:"title" json:"title,omitempty"`
	Text  string        `yaml:"text" json:"text,omitempty"`
	Color string        `yaml:"color" json:"color,omitempty"`
	TTL   time.Duration `yaml:"ttl" json:"ttl,omitempty"`
}

// Block renders the notice as a structured block.
func (n Notice) Block() *Block {
	return &Block{Title: n.Title, Text: n.Text, Color: n.Color}
}
