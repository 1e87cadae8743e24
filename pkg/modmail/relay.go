// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Notices are the system messages the relay sends.
type Notices struct {
	Connected       Notice `yaml:"connected"`
	Blocked         Notice `yaml:"blocked"`
	SendFailed      Notice `yaml:"send_failed"`
	UserUnreachable Notice `yaml:"user_unreachable"`
	// Deleted marks a staff-side copy whose original the user deleted.
	Deleted Notice `yaml:"deleted"`
}

// DefaultNotices returns the stock notice texts.
func DefaultNotices() Notices {
	return Notices{
		Connected: Notice{
			Title: "You are now in contact with the moderators.",
			Text:  "They will reply at their soonest convenience, please be patient.",
			Color: "#5865f2",
		},
		Blocked: Notice{
			Text: "You are blacklisted from the modmail.",
		},
		SendFailed: Notice{
			Title: "Failed to send message.",
			Text:  "You must provide <content> or <files>, or both.",
			Color: "#ed4245",
			TTL:   20 * time.Second,
		},
		UserUnreachable: Notice{
			Title: "User has DMs closed.",
			Color: "#ed4245",
			TTL:   5 * time.Second,
		},
		Deleted: Notice{
			Title: "deleted message",
			Color: "#ed4245",
		},
	}
}

func (n Notices) withDefaults() Notices {
	def := DefaultNotices()
	fill := func(dst *Notice, src Notice) {
		if dst.Title == "" && dst.Text == "" {
			*dst = src
		}
	}
	fill(&n.Connected, def.Connected)
	fill(&n.Blocked, def.Blocked)
	fill(&n.SendFailed, def.SendFailed)
	fill(&n.UserUnreachable, def.UserUnreachable)
	fill(&n.Deleted, def.Deleted)
	return n
}

// Settings tune the relay.
type Settings struct {
	PoolConfig `yaml:",inline"`
	// MaxFileSize lowers the platform's attachment ceiling when set.
	MaxFileSize int64 `yaml:"max_file_size" envconfig:"MAX_FILE_SIZE"`
	// MaxTextLength lowers the platform's text ceiling when set.
	MaxTextLength int     `yaml:"max_text_length" envconfig:"MAX_TEXT_LENGTH"`
	Notices       Notices `yaml:"notices" ignored:"true"`
}

// Engine relays messages between users and staff and keeps both sides in
// sync. It never retries: a failed relay is reported and dropped.
type Engine struct {
	platform    Platform
	registry    *Registry
	pool        *Pool
	provisioner *Provisioner
	settings    Settings
	log         zerolog.Logger
}

func NewEngine(platform Platform, store ConversationStore, settings Settings, log zerolog.Logger) *Engine {
	settings.Notices = settings.Notices.withDefaults()
	log = log.With().Str("component", "relay").Logger()
	e := &Engine{
		platform: platform,
		registry: NewRegistry(store, log),
		pool:     NewPool(platform, settings.PoolConfig, log),
		settings: settings,
		log:      log,
	}
	e.provisioner = NewProvisioner(platform, e.registry, settings.Notices.Connected, log)
	e.provisioner.onReplace = e.pool.Forget
	return e
}

// Start prepares the endpoint pool. It must be called before events are dispatched.
func (e *Engine) Start(ctx context.Context) error {
	return e.pool.Start(ctx)
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Pool() *Pool {
	return e.pool
}

type relayLoggerKey struct{}

// withRelayLogger tags the context logger with the relay component, once.
func (e *Engine) withRelayLogger(ctx context.Context) context.Context {
	if ctx.Value(relayLoggerKey{}) != nil {
		return ctx
	}
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		return ctx
	}
	ctx = log.With().Str("component", "relay").Logger().WithContext(ctx)
	return context.WithValue(ctx, relayLoggerKey{}, struct{}{})
}

func (e *Engine) logger(ctx context.Context) *zerolog.Logger {
	if log := zerolog.Ctx(ctx); log.GetLevel() != zerolog.Disabled {
		return log
	}
	return &e.log
}

func (e *Engine) fileCeiling() int64 {
	ceiling := e.platform.Limits().MaxFileSize
	if e.settings.MaxFileSize > 0 && e.settings.MaxFileSize < ceiling {
		ceiling = e.settings.MaxFileSize
	}
	return ceiling
}

func (e *Engine) textCeiling() int {
	ceiling := e.platform.Limits().MaxTextLength
	if e.settings.MaxTextLength > 0 && (ceiling <= 0 || e.settings.MaxTextLength < ceiling) {
		ceiling = e.settings.MaxTextLength
	}
	return ceiling
}

// HandleMessage resolves the conversation of an observed message and
// forwards it in the matching direction.
func (e *Engine) HandleMessage(ctx context.Context, msg *Message) Outcome {
	if msg.Author.Automated {
		return OutcomeIgnored
	}
	ctx = e.withRelayLogger(ctx)
	log := e.logger(ctx).With().Str("message_id", msg.ID).Logger()
	if msg.Private {
		conv, err := e.registry.GetOrCreate(ctx, msg.Author.ID)
		if err != nil {
			log.Err(err).Str("user_id", msg.Author.ID).Msg("Failed to get conversation")
			e.reportFailure(ctx, msg, ToStaff, err)
			return OutcomeFailed
		}
		return e.Forward(ctx, msg, conv, ToStaff)
	}
	conv, err := e.registry.GetBySurface(ctx, msg.ChannelID)
	if errors.Is(err, ErrNotFound) {
		log.Debug().Str("surface_id", msg.ChannelID).Msg("Ignoring staff message outside a modmail surface")
		return OutcomeNoConversation
	} else if err != nil {
		log.Err(err).Str("surface_id", msg.ChannelID).Msg("Failed to resolve conversation of surface")
		return OutcomeFailed
	}
	return e.Forward(ctx, msg, conv, ToUser)
}

// Forward relays msg within conv. A pair is recorded only when the
// counterpart was posted.
func (e *Engine) Forward(ctx context.Context, msg *Message, conv *Conversation, direction Direction) Outcome {
	ctx = e.withRelayLogger(ctx)
	log := e.logger(ctx).With().
		Str("user_id", conv.UserID()).
		Str("message_id", msg.ID).
		Stringer("direction", direction).
		Logger()
	ctx = log.WithContext(ctx)

	if direction == ToStaff && conv.Blocked() {
		log.Debug().Msg("Dropping message from blocked user")
		if err := e.platform.NotifyUser(ctx, conv.UserID(), e.settings.Notices.Blocked); err != nil {
			log.Warn().Err(err).Msg("Failed to send blocked notice")
		}
		return OutcomeBlocked
	}

	out, err := e.compose(msg, conv, direction)
	if err != nil {
		e.reportFailure(ctx, msg, direction, err)
		return OutcomeFailed
	}

	var pair MessagePair
	switch direction {
	case ToStaff:
		surfaceID, err := e.provisioner.EnsureSurface(ctx, conv, UserInfo{ID: conv.UserID(), Name: msg.Author.Name})
		if err != nil {
			e.reportFailure(ctx, msg, direction, err)
			return OutcomeFailed
		}
		slot, err := e.pool.Get(ctx, surfaceID)
		if err != nil {
			e.reportFailure(ctx, msg, direction, err)
			return OutcomeFailed
		}
		ref, err := slot.Send(ctx, surfaceID, out)
		if err != nil {
			e.reportFailure(ctx, msg, direction, fmt.Errorf("failed to send through endpoint %d: %w", slot.Index(), err))
			return OutcomeFailed
		}
		pair = MessagePair{
			SourceID:        msg.ID,
			SourceSurfaceID: msg.ChannelID,
			MirrorID:        ref.ID,
			MirrorSurfaceID: surfaceID,
		}
	case ToUser:
		conv.sendMu.Lock()
		ref, err := e.platform.SendToUser(ctx, conv.UserID(), out)
		conv.sendMu.Unlock()
		if err != nil {
			e.reportFailure(ctx, msg, direction, fmt.Errorf("failed to send to user: %w", err))
			return OutcomeFailed
		}
		pair = MessagePair{
			SourceID:        ref.ID,
			SourceSurfaceID: ref.ChannelID,
			MirrorID:        msg.ID,
			MirrorSurfaceID: msg.ChannelID,
		}
	default:
		log.Error().Msg("Unknown relay direction")
		return OutcomeFailed
	}
	pair.CreatedAt = time.Now()
	conv.pairs.Append(pair)
	log.Debug().Str("source_id", pair.SourceID).Str("mirror_id", pair.MirrorID).Msg("Relayed message")
	return OutcomeRelayed
}

func (e *Engine) compose(msg *Message, conv *Conversation, direction Direction) (*OutgoingMessage, error) {
	out := &OutgoingMessage{}
	var extras []string

	ceiling := e.fileCeiling()
	var linked []string
	for _, att := range msg.Attachments {
		if att.Size >= ceiling {
			linked = append(linked, fmt.Sprintf("[%s](<%s>)", att.Name, att.URL))
		} else {
			out.Files = append(out.Files, att)
		}
	}
	if len(linked) > 0 {
		prefix := "-# Extra (too big) files: "
		if direction == ToUser {
			prefix = "-# Some files could not be sent. Here are links instead: "
		}
		extras = append(extras, prefix+strings.Join(linked, ", "))
	}

	if msg.ReplyToID != "" {
		switch direction {
		case ToStaff:
			if pair, ok := conv.pairs.FindBySource(msg.ReplyToID); ok {
				extras = append(extras, fmt.Sprintf("-# replying to [this message](<%s>)", e.platform.Permalink(pair.MirrorRef())))
			}
		case ToUser:
			if pair, ok := conv.pairs.FindByMirror(msg.ReplyToID); ok {
				ref := pair.SourceRef()
				out.ReplyTo = &ref
			}
		}
	}

	body := joinBody(msg.Content, extras)
	if body == "" && len(out.Files) == 0 {
		return nil, ErrEmptyMessage
	}
	e.shape(out, body)
	if direction == ToStaff {
		out.Username = msg.Author.Name
		out.AvatarURL = msg.Author.AvatarURL
	}
	return out, nil
}

// shape places body in the message text, or whole in a block if it is
// longer than the text ceiling.
func (e *Engine) shape(out *OutgoingMessage, body string) {
	if ceiling := e.textCeiling(); ceiling > 0 && utf8.RuneCountInString(body) > ceiling {
		out.Block = &Block{Text: body}
		return
	}
	out.Content = body
}

func joinBody(content string, extras []string) string {
	if len(extras) == 0 {
		return content
	}
	tail := strings.Join(extras, "\n")
	if content == "" {
		return tail
	}
	return content + "\n\n" + tail
}

// reportFailure marks the original message and tells its author that it
// was not relayed.
func (e *Engine) reportFailure(ctx context.Context, msg *Message, direction Direction, err error) {
	log := e.logger(ctx)
	log.Err(err).Str("message_id", msg.ID).Stringer("direction", direction).Msg("Failed to relay message")
	switch direction {
	case ToStaff:
		if rerr := e.platform.AddReaction(ctx, msg.Ref(), MarkerToStaffFailed); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to add failure marker")
		}
		if nerr := e.platform.NotifyUser(ctx, msg.Author.ID, e.settings.Notices.SendFailed); nerr != nil {
			log.Warn().Err(nerr).Msg("Failed to send failure notice")
		}
	case ToUser:
		if rerr := e.platform.AddReaction(ctx, msg.Ref(), MarkerToUserFailed); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to add failure marker")
		}
		if nerr := e.platform.NotifySurface(ctx, msg.ChannelID, e.settings.Notices.UserUnreachable); nerr != nil {
			log.Warn().Err(nerr).Msg("Failed to send failure notice")
		}
	}
}
