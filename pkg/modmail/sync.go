// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"errors"
)

func (e *Engine) resolvePair(ctx context.Context, private bool, userID, channelID, messageID string) (*Conversation, MessagePair, bool) {
	var conv *Conversation
	var err error
	if private {
		conv, err = e.registry.Get(ctx, userID)
	} else {
		conv, err = e.registry.GetBySurface(ctx, channelID)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger(ctx).Warn().Err(err).Str("message_id", messageID).Msg("Failed to resolve conversation")
		}
		return nil, MessagePair{}, false
	}
	var pair MessagePair
	var ok bool
	if private {
		pair, ok = conv.pairs.FindBySource(messageID)
	} else {
		pair, ok = conv.pairs.FindByMirror(messageID)
	}
	return conv, pair, ok
}

// OnEdit applies an edit to the counterpart of the edited message.
func (e *Engine) OnEdit(ctx context.Context, evt *EditEvent) {
	if evt.AuthorAutomated {
		return
	}
	ctx = e.withRelayLogger(ctx)
	conv, pair, ok := e.resolvePair(ctx, evt.Private, evt.UserID, evt.ChannelID, evt.MessageID)
	if !ok {
		return
	}
	log := e.logger(ctx).With().Str("user_id", conv.UserID()).Str("message_id", evt.MessageID).Logger()
	out := &OutgoingMessage{}
	e.shape(out, evt.Content)

	var err error
	var marker string
	if evt.Private {
		// A replaced surface lost its assignment and must not get it back.
		slot, ok := e.pool.Lookup(pair.MirrorSurfaceID)
		if !ok {
			log.Debug().Str("surface_id", pair.MirrorSurfaceID).Msg("Mirror surface was replaced, skipping edit")
			return
		}
		err = slot.Edit(ctx, pair.MirrorRef(), out)
		marker = MarkerToStaffFailed
	} else {
		conv.sendMu.Lock()
		err = e.platform.EditMessage(ctx, pair.SourceRef(), out)
		conv.sendMu.Unlock()
		marker = MarkerToUserFailed
	}
	if err != nil {
		log.Err(err).Msg("Failed to propagate edit")
		ref := MessageRef{ID: evt.MessageID, ChannelID: evt.ChannelID}
		if rerr := e.platform.AddReaction(ctx, ref, marker); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to add failure marker")
		}
		return
	}
	log.Debug().Msg("Propagated edit")
}

// OnDelete removes the pair of a deleted message and mutates the counterpart.
// A user-side deletion redacts the staff copy and keeps its text visible to
// staff. A staff-side deletion deletes the copy in the user's channel.
func (e *Engine) OnDelete(ctx context.Context, evt *DeleteEvent) {
	if evt.AuthorAutomated {
		return
	}
	ctx = e.withRelayLogger(ctx)
	conv, pair, ok := e.resolvePair(ctx, evt.Private, evt.UserID, evt.ChannelID, evt.MessageID)
	if !ok {
		return
	}
	conv.pairs.Remove(pair)
	log := e.logger(ctx).With().Str("user_id", conv.UserID()).Str("message_id", evt.MessageID).Logger()

	var err error
	if evt.Private {
		slot, ok := e.pool.Lookup(pair.MirrorSurfaceID)
		if !ok {
			log.Debug().Str("surface_id", pair.MirrorSurfaceID).Msg("Mirror surface was replaced, skipping deletion")
			return
		}
		deleted := e.settings.Notices.Deleted
		err = slot.Redact(ctx, pair.MirrorRef(), &Block{Color: deleted.Color, Footer: deleted.Title})
	} else {
		conv.sendMu.Lock()
		err = e.platform.DeleteMessage(ctx, pair.SourceRef())
		conv.sendMu.Unlock()
	}
	if err != nil {
		log.Err(err).Msg("Failed to propagate deletion")
		return
	}
	log.Debug().Msg("Propagated deletion")
}
