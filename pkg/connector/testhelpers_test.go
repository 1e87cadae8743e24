// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

const (
	testBotID        = "bot-id"
	testBotToken     = "test-token"
	testTeamID       = "team-id"
	testStaffChannel = "staff-channel"
)

// mockSink captures dispatched events for test assertions.
type mockSink struct {
	mu     sync.Mutex
	events []modmail.Event
}

func (m *mockSink) Dispatch(evt modmail.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockSink) Events() []modmail.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]modmail.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
	UserID string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls, stores created posts and provides
// canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []endpointCall
	nextID int

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Passwords maps login ids to passwords for password login.
	Passwords map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// Files maps file ID to model.FileInfo and FileData to its content.
	Files    map[string]*model.FileInfo
	FileData map[string][]byte
	// Posts maps post ID to the stored post. Created posts are added here.
	Posts     map[string]*model.Post
	Created   []*model.Post
	Reactions []*model.Reaction
	Uploads   []string
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Passwords:     make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		Teams:         make(map[string][]*model.Team),
		Files:         make(map[string]*model.FileInfo),
		FileData:      make(map[string][]byte),
		Posts:         make(map[string]*model.Post),
		FailEndpoints: make(map[string]bool),
	}
	f.Users[testBotID] = &model.User{Id: testBotID, Username: "modmail"}
	f.TokenToUser[testBotToken] = testBotID
	f.Teams[testBotID] = []*model.Team{{Id: testTeamID, Name: "staff"}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(method, path string) bool {
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

// Post returns the stored post, or nil.
func (f *fakeMM) Post(id string) *model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Posts[id]
}

// CreatedPosts returns the posts created so far in order.
func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.Created))
	copy(cp, f.Created)
	return cp
}

// AddPost stores a post as if someone had made it.
func (f *fakeMM) AddPost(post *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posts[post.Id] = post
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, path string) {
	writeJSON(w, http.StatusNotFound, map[string]any{"id": "api.not_found", "message": "not found: " + path, "status_code": http.StatusNotFound})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	caller := f.resolveToken(r)
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body), UserID: caller})

	// Check if this endpoint should fail.
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "fake error", "status_code": 500})
			return
		}
	}

	path := r.URL.Path
	seg := strings.Split(strings.TrimPrefix(path, "/api/v4/"), "/")
	route := r.Method + " " + seg[0]

	switch {
	case route == "GET users" && len(seg) == 2 && seg[1] == "me":
		if caller == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "unauthorized", "status_code": 401})
			return
		}
		if u, ok := f.Users[caller]; ok {
			writeJSON(w, http.StatusOK, u)
			return
		}
		notFound(w, path)

	case route == "POST users" && len(seg) == 2 && seg[1] == "login":
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		if pw, ok := f.Passwords[req["login_id"]]; !ok || pw != req["password"] {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "bad credentials", "status_code": 401})
			return
		}
		for _, u := range f.Users {
			if u.Username == req["login_id"] {
				f.TokenToUser["session-token"] = u.Id
				w.Header().Set(model.HeaderToken, "session-token")
				writeJSON(w, http.StatusOK, u)
				return
			}
		}
		notFound(w, path)

	case route == "GET users" && len(seg) == 3 && seg[2] == "teams":
		writeJSON(w, http.StatusOK, f.Teams[seg[1]])

	case route == "POST users" && len(seg) == 3 && seg[2] == "tokens":
		token := "token-" + seg[1]
		f.TokenToUser[token] = seg[1]
		writeJSON(w, http.StatusOK, &model.UserAccessToken{Id: f.newID("tok"), Token: token, UserId: seg[1]})

	case route == "GET users" && len(seg) == 2:
		if u, ok := f.Users[seg[1]]; ok {
			writeJSON(w, http.StatusOK, u)
			return
		}
		notFound(w, path)

	case route == "GET teams" && len(seg) == 2:
		for _, teams := range f.Teams {
			for _, team := range teams {
				if team.Id == seg[1] {
					writeJSON(w, http.StatusOK, team)
					return
				}
			}
		}
		notFound(w, path)

	case route == "POST teams" && len(seg) == 3 && seg[2] == "members":
		var member model.TeamMember
		_ = json.Unmarshal(body, &member)
		writeJSON(w, http.StatusCreated, &member)

	case route == "POST bots":
		var bot model.Bot
		_ = json.Unmarshal(body, &bot)
		bot.UserId = "bot-" + bot.Username
		f.Users[bot.UserId] = &model.User{Id: bot.UserId, Username: bot.Username, IsBot: true}
		writeJSON(w, http.StatusCreated, &bot)

	case route == "POST channels" && len(seg) == 2 && seg[1] == "direct":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		if len(ids) != 2 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad request", "status_code": 400})
			return
		}
		other := ids[1]
		if other == caller {
			other = ids[0]
		}
		ch := &model.Channel{Id: "dm-" + other, Type: model.ChannelTypeDirect, Name: model.GetDMNameFromIds(ids[0], ids[1])}
		f.Channels[ch.Id] = ch
		writeJSON(w, http.StatusCreated, ch)

	case route == "POST channels" && len(seg) == 3 && seg[2] == "members":
		writeJSON(w, http.StatusCreated, &model.ChannelMember{ChannelId: seg[1]})

	case route == "GET channels" && len(seg) == 2:
		if ch, ok := f.Channels[seg[1]]; ok {
			writeJSON(w, http.StatusOK, ch)
			return
		}
		notFound(w, path)

	case route == "POST posts" && len(seg) == 1:
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = f.newID("post")
		post.UserId = caller
		stored := post.Clone()
		f.Posts[post.Id] = stored
		f.Created = append(f.Created, stored)
		writeJSON(w, http.StatusCreated, &post)

	case route == "GET posts" && len(seg) == 2:
		if post, ok := f.Posts[seg[1]]; ok {
			writeJSON(w, http.StatusOK, post)
			return
		}
		notFound(w, path)

	case route == "PUT posts" && len(seg) == 3 && seg[2] == "patch":
		post, ok := f.Posts[seg[1]]
		if !ok {
			notFound(w, path)
			return
		}
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		post.Patch(&patch)
		writeJSON(w, http.StatusOK, post)

	case route == "DELETE posts" && len(seg) == 2:
		if _, ok := f.Posts[seg[1]]; !ok {
			notFound(w, path)
			return
		}
		delete(f.Posts, seg[1])
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})

	case route == "POST reactions":
		var reaction model.Reaction
		_ = json.Unmarshal(body, &reaction)
		f.Reactions = append(f.Reactions, &reaction)
		writeJSON(w, http.StatusOK, &reaction)

	case route == "POST files" && len(seg) == 1:
		f.Uploads = append(f.Uploads, string(body))
		writeJSON(w, http.StatusCreated, &model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: f.newID("uploaded"), Name: "upload"}},
		})

	case route == "GET files" && len(seg) == 3 && seg[2] == "info":
		if fi, ok := f.Files[seg[1]]; ok {
			writeJSON(w, http.StatusOK, fi)
			return
		}
		notFound(w, path)

	case route == "GET files" && len(seg) == 2:
		if data, ok := f.FileData[seg[1]]; ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
		notFound(w, path)

	default:
		notFound(w, path)
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postEvent wraps a post into a websocket event the way the server sends it.
func postEvent(t *testing.T, eventType model.WebsocketEventType, post *model.Post, senderName string) *model.WebSocketEvent {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(eventType, post.ChannelId, map[string]any{
		"post":        string(data),
		"sender_name": "@" + senderName,
	})
}

// newTestConnector creates a Connector logged in to the fake server as the
// modmail bot, with a mock sink attached.
func newTestConnector(t *testing.T, fake *fakeMM) (*Connector, *mockSink) {
	t.Helper()
	cfg := Config{
		ServerURL:      fake.Server.URL,
		Token:          testBotToken,
		StaffChannelID: testStaffChannel,
		MaxFileSize:    1000,
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	conn := New(cfg, zerolog.Nop())
	client := model.NewAPIv4Client(fake.Server.URL)
	client.SetToken(testBotToken)
	conn.client = client
	conn.userID = testBotID
	conn.username = "modmail"
	conn.teamID = testTeamID
	conn.teamName = "staff"
	sink := &mockSink{}
	conn.sink = sink
	return conn, sink
}

// addDM registers a direct channel between the bot and userID.
func (f *fakeMM) addDM(userID, username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	channelID := "dm-" + userID
	f.Users[userID] = &model.User{Id: userID, Username: username}
	f.Channels[channelID] = &model.Channel{
		Id:   channelID,
		Type: model.ChannelTypeDirect,
		Name: model.GetDMNameFromIds(testBotID, userID),
	}
	return channelID
}
