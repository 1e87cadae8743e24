// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// Connector relays modmail through a Slack workspace. The modmail app owns
// the users' im channels and one thread per user in the staff channel.
type Connector struct {
	Config Config
	log    zerolog.Logger

	api       *slack.Client
	botUserID string
	botID     string
	teamURL   string

	runMu  sync.Mutex
	cancel context.CancelFunc
	sink   modmail.EventSink

	endpointMu sync.RWMutex
	endpoints  map[string]*Endpoint
	onEndpoint func(modmail.Endpoint)

	cacheMu sync.RWMutex
	// dms maps user id to im channel id and imUsers the reverse.
	dms         map[string]string
	imUsers     map[string]string
	threadRoots map[string]string
	users       map[string]*slack.User
	dead        map[string]struct{}
}

var _ modmail.Platform = (*Connector)(nil)

// New creates a connector. Config must already be post-processed.
func New(cfg Config, log zerolog.Logger) *Connector {
	return &Connector{
		Config:      cfg,
		log:         log.With().Str("component", "slack").Logger(),
		endpoints:   make(map[string]*Endpoint),
		dms:         make(map[string]string),
		imUsers:     make(map[string]string),
		threadRoots: make(map[string]string),
		users:       make(map[string]*slack.User),
		dead:        make(map[string]struct{}),
	}
}

func (c *Connector) newClient(token string, opts ...slack.Option) *slack.Client {
	return slack.New(token, append([]slack.Option{slack.OptionAPIURL(c.Config.APIURL)}, opts...)...)
}

// Login verifies the bot token and learns the bot's identity and the
// workspace URL used for permalinks.
func (c *Connector) Login(ctx context.Context) error {
	api := c.newClient(c.Config.BotToken)
	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify bot token: %w", err)
	}
	c.api = api
	c.botUserID = resp.UserID
	c.botID = resp.BotID
	c.teamURL = strings.TrimRight(resp.URL, "/")
	c.log.Info().
		Str("bot_user_id", c.botUserID).
		Str("team", resp.Team).
		Msg("Logged in to Slack")
	return nil
}

// IsLoggedIn reports whether Login succeeded.
func (c *Connector) IsLoggedIn() bool {
	return c.api != nil
}

// Slack files need authenticated downloads, so attachments are always
// linked.
func (c *Connector) Limits() modmail.Limits {
	return modmail.Limits{MaxFileSize: 0, MaxTextLength: maxMessageLength}
}

// SetEndpointHook registers fn to be called for every endpoint added after
// the initial ListEndpoints call.
func (c *Connector) SetEndpointHook(fn func(modmail.Endpoint)) {
	c.endpointMu.Lock()
	c.onEndpoint = fn
	c.endpointMu.Unlock()
}

// isEndpoint reports whether a user or bot id belongs to a loaded endpoint.
func (c *Connector) isEndpoint(id string) bool {
	if id == "" {
		return false
	}
	c.endpointMu.RLock()
	defer c.endpointMu.RUnlock()
	for _, ep := range c.endpoints {
		if ep.UserID == id || ep.BotID == id {
			return true
		}
	}
	return false
}

// EndpointCount returns the current number of loaded endpoints.
func (c *Connector) EndpointCount() int {
	c.endpointMu.RLock()
	defer c.endpointMu.RUnlock()
	return len(c.endpoints)
}

// endpointEntries merges configured entries with MODMAIL_ENDPOINT_<NAME>_TOKEN
// env vars. Env entries win on slug clashes.
func (c *Connector) endpointEntries() []EndpointEntry {
	bySlug := make(map[string]int)
	var entries []EndpointEntry
	for _, entry := range append(append([]EndpointEntry{}, c.Config.Endpoints...), envToEndpointEntries()...) {
		if idx, ok := bySlug[entry.Slug]; ok {
			entries[idx] = entry
			continue
		}
		bySlug[entry.Slug] = len(entries)
		entries = append(entries, entry)
	}
	return entries
}

func envToEndpointEntries() []EndpointEntry {
	const prefix = "MODMAIL_ENDPOINT_"
	const tokenSuffix = "_TOKEN"

	var entries []EndpointEntry
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || value == "" || !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, tokenSuffix) {
			continue
		}
		slug := key[len(prefix) : len(key)-len(tokenSuffix)]
		if slug == "" {
			continue
		}
		entries = append(entries, EndpointEntry{Slug: strings.ToLower(slug), Token: value})
	}
	return entries
}

// ReloadEndpointsFromEntries verifies every entry and adds the apps that are
// not loaded yet. Endpoints are never removed.
func (c *Connector) ReloadEndpointsFromEntries(ctx context.Context, entries []EndpointEntry) (added int) {
	var fresh []*Endpoint
	for _, entry := range entries {
		ep, err := c.verifyEndpoint(ctx, entry)
		if err != nil {
			c.log.Error().Err(err).Str("slug", entry.Slug).Msg("Failed to authenticate endpoint during reload, skipping")
			continue
		}
		c.endpointMu.Lock()
		if existing, ok := c.endpoints[ep.UserID]; ok {
			existing.client.Store(ep.api())
			c.endpointMu.Unlock()
			continue
		}
		c.endpoints[ep.UserID] = ep
		c.endpointMu.Unlock()
		fresh = append(fresh, ep)
		added++
		c.log.Info().Str("slug", entry.Slug).Str("slack_user_id", ep.UserID).Msg("Hot-loaded endpoint")
	}

	c.endpointMu.RLock()
	hook := c.onEndpoint
	c.endpointMu.RUnlock()
	if hook != nil {
		for _, ep := range fresh {
			hook(ep)
		}
	}
	return added
}

const maxReloadBodySize = 1 << 20

// HandleReloadEndpoints is an HTTP handler for POST /api/reload-endpoints.
// An empty body reloads from the config and the environment.
func (c *Connector) HandleReloadEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var entries []EndpointEntry
	if r.Body != nil && r.ContentLength != 0 {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReloadBodySize))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			} else {
				http.Error(w, "failed to read body", http.StatusBadRequest)
			}
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}
	if len(entries) == 0 {
		entries = c.endpointEntries()
	}
	added := c.ReloadEndpointsFromEntries(r.Context(), entries)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int{"added": added, "total": c.EndpointCount()}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to write reload response")
	}
}
