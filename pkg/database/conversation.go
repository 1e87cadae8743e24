// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
)

// ErrSurfaceBound is returned when a surface id is already bound to a
// different user than the one being updated.
var ErrSurfaceBound = errors.New("surface is bound to another user")

// ConversationQuery runs queries against the conversation table.
type ConversationQuery struct {
	*dbutil.QueryHelper[*Conversation]
}

// Conversation is a persisted user -> surface binding.
type Conversation struct {
	qh *dbutil.QueryHelper[*Conversation]

	UserID    string
	SurfaceID string
	Blocked   bool
}

func newConversation(qh *dbutil.QueryHelper[*Conversation]) *Conversation {
	return &Conversation{qh: qh}
}

const (
	getConversationBaseQuery = `
		SELECT user_id, surface_id, blocked FROM conversation
	`
	getConversationByUserQuery    = getConversationBaseQuery + `WHERE user_id=$1`
	getConversationBySurfaceQuery = getConversationBaseQuery + `WHERE surface_id=$1`
	getAllConversationsQuery      = getConversationBaseQuery + `ORDER BY user_id`
	ensureConversationQuery       = `
		INSERT INTO conversation (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`
	setConversationSurfaceQuery = `
		INSERT INTO conversation (user_id, surface_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET surface_id=excluded.surface_id
	`
	setConversationBlockedQuery = `
		INSERT INTO conversation (user_id, blocked) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET blocked=excluded.blocked
	`
)

// GetByUser returns the conversation of userID, or nil if there is none.
func (cq *ConversationQuery) GetByUser(ctx context.Context, userID string) (*Conversation, error) {
	return cq.QueryOne(ctx, getConversationByUserQuery, userID)
}

// GetBySurface returns the conversation bound to surfaceID, or nil if there is none.
func (cq *ConversationQuery) GetBySurface(ctx context.Context, surfaceID string) (*Conversation, error) {
	return cq.QueryOne(ctx, getConversationBySurfaceQuery, surfaceID)
}

// GetAll returns every persisted conversation ordered by user id.
func (cq *ConversationQuery) GetAll(ctx context.Context) ([]*Conversation, error) {
	return cq.QueryMany(ctx, getAllConversationsQuery)
}

// Ensure inserts an unprovisioned row for userID unless one exists and
// returns the stored row. Concurrent calls never create duplicates.
func (cq *ConversationQuery) Ensure(ctx context.Context, userID string) (*Conversation, error) {
	if err := cq.Exec(ctx, ensureConversationQuery, userID); err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	conv, err := cq.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	} else if conv == nil {
		return nil, fmt.Errorf("conversation of %s missing after insert", userID)
	}
	return conv, nil
}

// SetSurface binds surfaceID to userID, creating the row if needed.
func (cq *ConversationQuery) SetSurface(ctx context.Context, userID, surfaceID string) (*Conversation, error) {
	existing, err := cq.GetBySurface(ctx, surfaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check surface owner: %w", err)
	} else if existing != nil && existing.UserID != userID {
		return nil, fmt.Errorf("%w: %s is bound to %s", ErrSurfaceBound, surfaceID, existing.UserID)
	}
	if err = cq.Exec(ctx, setConversationSurfaceQuery, userID, surfaceID); err != nil {
		return nil, fmt.Errorf("failed to store surface: %w", err)
	}
	return cq.GetByUser(ctx, userID)
}

// SetBlocked updates the blocked flag of userID, creating the row if needed.
func (cq *ConversationQuery) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	return cq.Exec(ctx, setConversationBlockedQuery, userID, blocked)
}

func (c *Conversation) Scan(row dbutil.Scannable) (*Conversation, error) {
	var surfaceID sql.NullString
	err := row.Scan(&c.UserID, &surfaceID, &c.Blocked)
	if err != nil {
		return nil, err
	}
	c.SurfaceID = surfaceID.String
	return c, nil
}
