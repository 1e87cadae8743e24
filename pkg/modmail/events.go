// Copyright 2024-2026 Aiku AI

package modmail

// Event is a platform notification for the Dispatcher. The set of events
// is closed: InboundMessage, EditEvent and DeleteEvent.
type Event interface {
	// OrderingKey groups events that must be handled in arrival order.
	OrderingKey() string
	Kind() string
	isEvent()
}

func orderingKey(private bool, channelID string) string {
	if private {
		return "private:" + channelID
	}
	return "surface:" + channelID
}

// InboundMessage is a new message on either side.
type InboundMessage struct {
	Message
}

func (evt *InboundMessage) OrderingKey() string { return orderingKey(evt.Private, evt.ChannelID) }
func (evt *InboundMessage) Kind() string        { return "message" }
func (*InboundMessage) isEvent()                {}

// EditEvent reports that a message's text changed.
type EditEvent struct {
	MessageID string
	// ChannelID is the private channel id or the surface id.
	ChannelID string
	Private   bool
	// UserID is the end user owning the private channel. Only read for
	// private-side events.
	UserID          string
	AuthorAutomated bool
	Content         string
}

func (evt *EditEvent) OrderingKey() string { return orderingKey(evt.Private, evt.ChannelID) }
func (evt *EditEvent) Kind() string        { return "edit" }
func (*EditEvent) isEvent()                {}

// DeleteEvent reports that a message was deleted.
type DeleteEvent struct {
	MessageID       string
	ChannelID       string
	Private         bool
	UserID          string
	AuthorAutomated bool
}

func (evt *DeleteEvent) OrderingKey() string { return orderingKey(evt.Private, evt.ChannelID) }
func (evt *DeleteEvent) Kind() string        { return "delete" }
func (*DeleteEvent) isEvent()                {}
