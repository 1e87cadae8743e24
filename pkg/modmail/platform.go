// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"

	"github.com/aiku/mattermost-modmail/pkg/database"
)

// Endpoint is a rate-limited identity that posts into staff surfaces.
// Implementations need not be safe for concurrent use; the Pool serializes
// every call through the owning slot's send lock.
type Endpoint interface {
	ID() string
	Send(ctx context.Context, surfaceID string, msg *OutgoingMessage) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, msg *OutgoingMessage) error
	// Redact replaces the message with marker in place. An empty marker
	// text keeps the message's current text.
	Redact(ctx context.Context, ref MessageRef, marker *Block) error
}

// EndpointSource discovers and mints endpoints.
type EndpointSource interface {
	ListEndpoints(ctx context.Context) ([]Endpoint, error)
	// CreateEndpoint returns ErrEndpointLimit if the platform cannot create more.
	CreateEndpoint(ctx context.Context) (Endpoint, error)
}

// Platform is everything the relay needs from the chat platform.
type Platform interface {
	EndpointSource

	Limits() Limits

	CreateSurface(ctx context.Context, user UserInfo) (string, error)
	SurfaceExists(ctx context.Context, surfaceID string) (bool, error)
	// DiscardSurface removes a surface that could not be bound.
	DiscardSurface(ctx context.Context, surfaceID string) error

	// SendToUser posts into the user's private channel as the bot itself.
	SendToUser(ctx context.Context, userID string, msg *OutgoingMessage) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, msg *OutgoingMessage) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AddReaction(ctx context.Context, ref MessageRef, emoji string) error

	NotifyUser(ctx context.Context, userID string, notice Notice) error
	NotifySurface(ctx context.Context, surfaceID string, notice Notice) error

	Permalink(ref MessageRef) string
}

// ConversationStore persists conversations. *database.ConversationQuery
// implements it.
type ConversationStore interface {
	GetByUser(ctx context.Context, userID string) (*database.Conversation, error)
	GetBySurface(ctx context.Context, surfaceID string) (*database.Conversation, error)
	GetAll(ctx context.Context) ([]*database.Conversation, error)
	Ensure(ctx context.Context, userID string) (*database.Conversation, error)
	SetSurface(ctx context.Context, userID, surfaceID string) (*database.Conversation, error)
	SetBlocked(ctx context.Context, userID string, blocked bool) error
}

var _ ConversationStore = (*database.ConversationQuery)(nil)
