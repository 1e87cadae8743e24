// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adminapi serves the relay's local HTTP admin API and provides a
// client for it.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// Registry is the part of *modmail.Registry the admin API drives.
type Registry interface {
	List(ctx context.Context) ([]modmail.ConversationInfo, error)
	SetBlocked(ctx context.Context, userID string, blocked bool) error
}

// PoolStats is implemented by *modmail.Pool.
type PoolStats interface {
	Stats() []modmail.SlotStats
}

var (
	_ Registry  = (*modmail.Registry)(nil)
	_ PoolStats = (*modmail.Pool)(nil)
)

const shutdownTimeout = 5 * time.Second

// Server exposes conversation and endpoint management over HTTP.
type Server struct {
	addr     string
	token    string
	registry Registry
	pool     PoolStats
	reload   http.HandlerFunc
	log      zerolog.Logger
}

// New creates a server. reload handles POST /api/reload-endpoints and may
// be nil. An empty token disables authentication.
func New(addr, token string, registry Registry, pool PoolStats, reload http.HandlerFunc, log zerolog.Logger) *Server {
	return &Server{
		addr:     addr,
		token:    token,
		registry: registry,
		pool:     pool,
		reload:   reload,
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations/{user}/block", s.handleSetBlocked(true))
	mux.HandleFunc("POST /api/conversations/{user}/unblock", s.handleSetBlocked(false))
	mux.HandleFunc("GET /api/endpoints", s.handleListEndpoints)
	if s.reload != nil {
		mux.HandleFunc("/api/reload-endpoints", s.reload)
	}
	return s.authenticate(mux)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("Admin API shutdown did not complete")
		}
	}()
	s.log.Info().Str("addr", s.addr).Msg("Starting admin API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.registry.List(r.Context())
	if err != nil {
		s.log.Err(err).Msg("Failed to list conversations")
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, convs, s.log)
}

func (s *Server) handleSetBlocked(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user"))
		if userID == "" {
			http.Error(w, "missing user ID", http.StatusBadRequest)
			return
		}
		if err := s.registry.SetBlocked(r.Context(), userID, blocked); err != nil {
			s.log.Err(err).Str("user_id", userID).Msg("Failed to update blocked flag")
			http.Error(w, "failed to update user", http.StatusInternalServerError)
			return
		}
		writeJSON(w, blockResponse{UserID: userID, Blocked: blocked}, s.log)
	}
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.pool.Stats(), s.log)
}

type blockResponse struct {
	UserID  string `json:"user_id"`
	Blocked bool   `json:"blocked"`
}

func writeJSON(w http.ResponseWriter, v any, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Msg("Failed to write admin API response")
	}
}
