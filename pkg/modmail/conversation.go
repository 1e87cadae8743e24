// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/mattermost-modmail/pkg/database"
)

// Conversation is the runtime state of one user's modmail thread.
type Conversation struct {
	userID string

	mu        sync.RWMutex
	surfaceID string
	blocked   bool

	// provisionMu linearizes surface creation for this user.
	provisionMu sync.Mutex
	// sendMu orders sends into the user's private channel.
	sendMu sync.Mutex

	pairs *PairIndex
}

func newConversation(row *database.Conversation) *Conversation {
	return &Conversation{
		userID:    row.UserID,
		surfaceID: row.SurfaceID,
		blocked:   row.Blocked,
		pairs:     NewPairIndex(),
	}
}

func (c *Conversation) UserID() string {
	return c.userID
}

// SurfaceID returns the bound surface, or "" if none was provisioned yet.
func (c *Conversation) SurfaceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.surfaceID
}

func (c *Conversation) Blocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocked
}

// Pairs returns the conversation's message-pair index.
func (c *Conversation) Pairs() *PairIndex {
	return c.pairs
}

func (c *Conversation) setSurface(surfaceID string) {
	c.mu.Lock()
	c.surfaceID = surfaceID
	c.mu.Unlock()
}

func (c *Conversation) setBlocked(blocked bool) {
	c.mu.Lock()
	c.blocked = blocked
	c.mu.Unlock()
}

// Registry maps users to conversations. Conversations are cached for the
// life of the process and rebuilt lazily from the store after a restart.
type Registry struct {
	store ConversationStore
	log   zerolog.Logger

	cacheLock sync.RWMutex
	cache     map[string]*Conversation
	creating  singleflight.Group
}

func NewRegistry(store ConversationStore, log zerolog.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log.With().Str("component", "registry").Logger(),
		cache: make(map[string]*Conversation),
	}
}

func (r *Registry) cached(userID string) *Conversation {
	r.cacheLock.RLock()
	defer r.cacheLock.RUnlock()
	return r.cache[userID]
}

// adopt caches a conversation for row unless one is already cached.
func (r *Registry) adopt(row *database.Conversation) *Conversation {
	r.cacheLock.Lock()
	defer r.cacheLock.Unlock()
	if conv, ok := r.cache[row.UserID]; ok {
		return conv
	}
	conv := newConversation(row)
	r.cache[row.UserID] = conv
	return conv
}

// Get returns the conversation of userID without creating one.
func (r *Registry) Get(ctx context.Context, userID string) (*Conversation, error) {
	if conv := r.cached(userID); conv != nil {
		return conv, nil
	}
	row, err := r.store.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation of %s: %w", userID, err)
	} else if row == nil {
		return nil, ErrNotFound
	}
	return r.adopt(row), nil
}

// GetOrCreate returns the conversation of userID, persisting an
// unprovisioned one if the user has never written before. Concurrent calls
// for the same user return the same *Conversation.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Conversation, error) {
	if conv := r.cached(userID); conv != nil {
		return conv, nil
	}
	val, err, _ := r.creating.Do(userID, func() (any, error) {
		if conv := r.cached(userID); conv != nil {
			return conv, nil
		}
		row, err := r.store.GetByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation of %s: %w", userID, err)
		}
		if row == nil {
			row, err = r.store.Ensure(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to create conversation of %s: %w", userID, err)
			}
			r.log.Debug().Str("user_id", userID).Msg("Created conversation")
		}
		return r.adopt(row), nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*Conversation), nil
}

// GetBySurface returns the conversation bound to surfaceID.
func (r *Registry) GetBySurface(ctx context.Context, surfaceID string) (*Conversation, error) {
	if surfaceID == "" {
		return nil, ErrNotFound
	}
	r.cacheLock.RLock()
	for _, conv := range r.cache {
		if conv.SurfaceID() == surfaceID {
			r.cacheLock.RUnlock()
			return conv, nil
		}
	}
	r.cacheLock.RUnlock()

	row, err := r.store.GetBySurface(ctx, surfaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up surface %s: %w", surfaceID, err)
	} else if row == nil {
		return nil, ErrNotFound
	}
	conv := r.adopt(row)
	if conv.SurfaceID() != surfaceID {
		r.log.Error().
			Str("user_id", row.UserID).
			Str("surface_id", surfaceID).
			Str("cached_surface_id", conv.SurfaceID()).
			Msg("Stored surface binding disagrees with cached conversation")
		return nil, fmt.Errorf("%w: surface %s stored for %s but cached as %s",
			ErrInvariantViolation, surfaceID, row.UserID, conv.SurfaceID())
	}
	return conv, nil
}

// BindSurface persists surfaceID as the surface of conv and then updates
// the cached conversation. Binding a surface that belongs to another user
// fails with ErrInvariantViolation and leaves conv untouched.
func (r *Registry) BindSurface(ctx context.Context, conv *Conversation, surfaceID string) error {
	log := r.log.With().Str("user_id", conv.userID).Str("surface_id", surfaceID).Logger()
	r.cacheLock.RLock()
	for _, other := range r.cache {
		if other != conv && other.SurfaceID() == surfaceID {
			r.cacheLock.RUnlock()
			log.Error().Str("bound_user_id", other.userID).Msg("Refusing to bind surface owned by another user")
			return fmt.Errorf("%w: surface %s is bound to %s", ErrInvariantViolation, surfaceID, other.userID)
		}
	}
	r.cacheLock.RUnlock()

	row, err := r.store.SetSurface(ctx, conv.userID, surfaceID)
	if errors.Is(err, database.ErrSurfaceBound) {
		log.Error().Err(err).Msg("Refusing to bind surface owned by another user")
		return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	} else if err != nil {
		return fmt.Errorf("failed to persist surface: %w", err)
	} else if row == nil || row.SurfaceID != surfaceID {
		return fmt.Errorf("surface %s was not persisted for %s", surfaceID, conv.userID)
	}
	conv.setSurface(surfaceID)
	log.Info().Msg("Bound surface to conversation")
	return nil
}

// SetBlocked persists the blocked flag of userID and updates the cache.
// Blocking a user who never wrote creates their conversation row.
func (r *Registry) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	if err := r.store.SetBlocked(ctx, userID, blocked); err != nil {
		return fmt.Errorf("failed to persist blocked flag: %w", err)
	}
	if conv := r.cached(userID); conv != nil {
		conv.setBlocked(blocked)
	}
	r.log.Info().Str("user_id", userID).Bool("blocked", blocked).Msg("Updated blocked flag")
	return nil
}

// ConversationInfo is a read-only snapshot of a conversation.
type ConversationInfo struct {
	UserID    string `json:"user_id"`
	SurfaceID string `json:"surface_id,omitempty"`
	Blocked   bool   `json:"blocked"`
	Pairs     int    `json:"pairs"`
}

// List returns every persisted conversation, with pair counts for the
// conversations active in this process.
func (r *Registry) List(ctx context.Context) ([]ConversationInfo, error) {
	rows, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]ConversationInfo, 0, len(rows))
	for _, row := range rows {
		info := ConversationInfo{UserID: row.UserID, SurfaceID: row.SurfaceID, Blocked: row.Blocked}
		if conv := r.cached(row.UserID); conv != nil {
			info.Pairs = conv.pairs.Len()
		}
		out = append(out, info)
	}
	return out, nil
}
