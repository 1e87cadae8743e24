// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Provisioner lazily creates the staff surface of a conversation.
type Provisioner struct {
	platform  Platform
	registry  *Registry
	connected Notice
	log       zerolog.Logger

	// onReplace is called with the old surface id when a vanished surface is replaced.
	onReplace func(oldSurfaceID string)
}

func NewProvisioner(platform Platform, registry *Registry, connected Notice, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		platform:  platform,
		registry:  registry,
		connected: connected,
		log:       log.With().Str("component", "provisioner").Logger(),
	}
}

// EnsureSurface returns the live surface of conv, creating and binding a
// new one if the conversation has none or its surface was deleted.
func (p *Provisioner) EnsureSurface(ctx context.Context, conv *Conversation, user UserInfo) (string, error) {
	conv.provisionMu.Lock()
	defer conv.provisionMu.Unlock()
	log := p.log.With().Str("user_id", conv.UserID()).Logger()

	oldSurfaceID := conv.SurfaceID()
	if oldSurfaceID != "" {
		exists, err := p.platform.SurfaceExists(ctx, oldSurfaceID)
		if err != nil {
			return "", fmt.Errorf("failed to check surface %s: %w", oldSurfaceID, err)
		} else if exists {
			return oldSurfaceID, nil
		}
		log.Info().Str("surface_id", oldSurfaceID).Msg("Surface was deleted, creating a replacement")
	}

	surfaceID, err := p.platform.CreateSurface(ctx, user)
	if err != nil {
		return "", fmt.Errorf("failed to create surface: %w", err)
	}
	if err = p.registry.BindSurface(ctx, conv, surfaceID); err != nil {
		if discardErr := p.platform.DiscardSurface(ctx, surfaceID); discardErr != nil {
			log.Warn().Err(discardErr).Str("surface_id", surfaceID).Msg("Failed to discard unbound surface")
		}
		return "", err
	}
	if oldSurfaceID != "" && p.onReplace != nil {
		p.onReplace(oldSurfaceID)
	}
	if err = p.platform.NotifyUser(ctx, conv.UserID(), p.connected); err != nil {
		log.Warn().Err(err).Msg("Failed to send connection notice")
	}
	return surfaceID, nil
}
