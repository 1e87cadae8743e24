// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// EndpointEntry describes a single endpoint bot for config-driven loading
// and for the hot-reload JSON API.
type EndpointEntry struct {
	Slug  string `yaml:"slug" json:"slug"`
	Token string `yaml:"token" json:"token"`
}

// Connector implements modmail.Platform for Mattermost. The modmail bot
// owns the direct channels and the thread roots; endpoint bots post the
// users' messages into the staff channel.
type Connector struct {
	Config Config
	log    zerolog.Logger

	client   *model.Client4
	wsClient *model.WebSocketClient
	sink     modmail.EventSink
	userID   string
	username string
	teamID   string
	teamName string

	stopOnce sync.Once
	stopChan chan struct{}

	endpointMu sync.RWMutex
	endpoints  map[string]*Endpoint
	onEndpoint func(modmail.Endpoint)

	cacheMu  sync.RWMutex
	channels map[string]channelInfo
	dms      map[string]string
	users    map[string]*model.User
	alive    map[string]struct{}
	dead     map[string]struct{}
}

var _ modmail.Platform = (*Connector)(nil)

// New creates a connector. Config must already be post-processed.
func New(cfg Config, log zerolog.Logger) *Connector {
	return &Connector{
		Config:    cfg,
		log:       log.With().Str("component", "mattermost").Logger(),
		stopChan:  make(chan struct{}),
		endpoints: make(map[string]*Endpoint),
		channels:  make(map[string]channelInfo),
		dms:       make(map[string]string),
		users:     make(map[string]*model.User),
		alive:     make(map[string]struct{}),
		dead:      make(map[string]struct{}),
	}
}

// SetEndpointHook registers fn to be called for every endpoint added after
// the initial ListEndpoints call.
func (c *Connector) SetEndpointHook(fn func(modmail.Endpoint)) {
	c.endpointMu.Lock()
	c.onEndpoint = fn
	c.endpointMu.Unlock()
}

func (c *Connector) Limits() modmail.Limits {
	return modmail.Limits{
		MaxFileSize:   c.Config.MaxFileSize,
		MaxTextLength: maxPostLength,
	}
}

// IsEndpointUserID returns true if the given Mattermost user ID belongs to
// any loaded endpoint bot. Thread-safe.
func (c *Connector) IsEndpointUserID(mmUserID string) bool {
	c.endpointMu.RLock()
	defer c.endpointMu.RUnlock()
	_, ok := c.endpoints[mmUserID]
	return ok
}

// EndpointCount returns the current number of loaded endpoints. Thread-safe.
func (c *Connector) EndpointCount() int {
	c.endpointMu.RLock()
	defer c.endpointMu.RUnlock()
	return len(c.endpoints)
}

// endpointEntries merges the configured endpoints with the ones found in
// MODMAIL_ENDPOINT_<NAME>_TOKEN env vars. Env entries win on slug clashes.
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

// envToEndpointEntries scans the current environment for endpoint tokens.
//
// Env var format:
//
//	MODMAIL_ENDPOINT_<NAME>_TOKEN = <mattermost bot access token>
func envToEndpointEntries() []EndpointEntry {
	const prefix = "MODMAIL_ENDPOINT_"
	const tokenSuffix = "_TOKEN"

	var entries []EndpointEntry
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, tokenSuffix) {
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

// ReloadEndpoints re-reads endpoint tokens from the config and the
// environment. Returns the number of added endpoints.
func (c *Connector) ReloadEndpoints(ctx context.Context) int {
	return c.ReloadEndpointsFromEntries(ctx, c.endpointEntries())
}

// ReloadEndpointsFromEntries verifies every entry and adds the bots that
// are not loaded yet. A new token for a loaded bot replaces its session.
// Endpoints are never removed because conversations stay assigned to them.
// Thread-safe.
func (c *Connector) ReloadEndpointsFromEntries(ctx context.Context, entries []EndpointEntry) (added int) {
	var fresh []*Endpoint
	for _, entry := range entries {
		ep, err := c.verifyEndpoint(ctx, entry)
		if err != nil {
			c.log.Error().Err(err).
				Str("slug", entry.Slug).
				Msg("Failed to authenticate endpoint during reload, skipping")
			continue
		}

		c.endpointMu.Lock()
		existing, ok := c.endpoints[ep.UserID]
		if ok {
			if existing.api().AuthToken != entry.Token {
				existing.client.Store(ep.api())
				c.log.Info().Str("slug", entry.Slug).Msg("Replaced endpoint token")
			}
			c.endpointMu.Unlock()
			continue
		}
		c.endpoints[ep.UserID] = ep
		c.endpointMu.Unlock()
		fresh = append(fresh, ep)
		added++

		c.log.Info().
			Str("slug", entry.Slug).
			Str("mm_user_id", ep.UserID).
			Str("mm_username", ep.Username).
			Msg("Hot-loaded endpoint")
	}

	c.endpointMu.RLock()
	hook := c.onEndpoint
	total := len(c.endpoints)
	c.endpointMu.RUnlock()
	if hook != nil {
		for _, ep := range fresh {
			hook(ep)
		}
	}

	c.log.Info().
		Int("added", added).
		Int("total", total).
		Msg("Endpoint reload complete")
	return added
}

// maxReloadBodySize is the maximum allowed request body for endpoint reload (1 MB).
const maxReloadBodySize = 1 << 20

// HandleReloadEndpoints is an HTTP handler for POST /api/reload-endpoints.
// It accepts an optional JSON body with explicit endpoint entries; if the
// body is empty or absent, it reloads from the config and the environment.
func (c *Connector) HandleReloadEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	var entries []EndpointEntry
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}

	source := "env"
	if len(entries) > 0 {
		source = "body"
	}
	c.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Processing endpoint reload")

	var added int
	if len(entries) > 0 {
		added = c.ReloadEndpointsFromEntries(ctx, entries)
	} else {
		added = c.ReloadEndpoints(ctx)
	}

	resp := map[string]int{
		"added": added,
		"total": c.EndpointCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.log.Warn().Err(err).Msg("Failed to write reload response")
	}
}
