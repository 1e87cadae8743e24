// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

const (
	testBotToken     = "xoxb-modmail"
	testBotUserID    = "UBOT"
	testBotID        = "BBOT"
	testStaffChannel = "CSTAFF"
	testTeamURL      = "https://acme.slack.com"
)

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
	return append([]modmail.Event(nil), m.events...)
}

type slackCall struct {
	Method string
	Token  string
	Form   url.Values
}

type authInfo struct {
	UserID string
	BotID  string
}

type fakeMessage struct {
	Channel     string
	TS          string
	ThreadTS    string
	Text        string
	SubType     string
	Attachments string
	Username    string
	IconURL     string
	Token       string
}

// fakeSlack simulates the handful of Web API methods the connector calls.
type fakeSlack struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []slackCall
	nextTS int

	Tokens   map[string]authInfo
	Users    map[string]map[string]any
	IMs      map[string]string
	Messages map[string]*fakeMessage
	// Errors makes a Web API method fail with the given error code.
	Errors map[string]string
}

func newFakeSlack() *fakeSlack {
	f := &fakeSlack{
		Tokens:   map[string]authInfo{testBotToken: {UserID: testBotUserID, BotID: testBotID}},
		Users:    make(map[string]map[string]any),
		IMs:      make(map[string]string),
		Messages: make(map[string]*fakeMessage),
		Errors:   make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeSlack) Close() { f.Server.Close() }

func (f *fakeSlack) Calls(method string) []slackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []slackCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSlack) Message(ts string) *fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.Messages[ts]; ok {
		cp := *msg
		return &cp
	}
	return nil
}

func (f *fakeSlack) AddMessage(msg *fakeMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages[msg.TS] = msg
}

func (f *fakeSlack) SetError(method, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code == "" {
		delete(f.Errors, method)
		return
	}
	f.Errors[method] = code
}

func (f *fakeSlack) AddUser(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[id] = map[string]any{
		"id":        id,
		"name":      name,
		"real_name": strings.ToUpper(name[:1]) + name[1:],
		"profile": map[string]any{
			"display_name": name,
			"image_192":    "https://avatars.test/" + id + ".png",
		},
	}
}

func writeSlack(w http.ResponseWriter, body map[string]any) {
	body["ok"] = true
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeSlackError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": code})
}

func (f *fakeSlack) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.Form.Get("token")
	}
	method := strings.TrimPrefix(r.URL.Path, "/")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slackCall{Method: method, Token: token, Form: r.Form})
	if code, ok := f.Errors[method]; ok {
		writeSlackError(w, code)
		return
	}

	switch method {
	case "auth.test":
		info, ok := f.Tokens[token]
		if !ok {
			writeSlackError(w, "invalid_auth")
			return
		}
		writeSlack(w, map[string]any{
			"url": testTeamURL + "/", "team": "Acme", "user": "modmail",
			"user_id": info.UserID, "bot_id": info.BotID,
		})

	case "chat.postMessage":
		f.nextTS++
		msg := &fakeMessage{
			Channel:     r.Form.Get("channel"),
			TS:          fmt.Sprintf("1700000000.%06d", f.nextTS),
			ThreadTS:    r.Form.Get("thread_ts"),
			Text:        r.Form.Get("text"),
			Attachments: r.Form.Get("attachments"),
			Username:    r.Form.Get("username"),
			IconURL:     r.Form.Get("icon_url"),
			Token:       token,
		}
		f.Messages[msg.TS] = msg
		writeSlack(w, map[string]any{"channel": msg.Channel, "ts": msg.TS})

	case "chat.update":
		msg, ok := f.Messages[r.Form.Get("ts")]
		if !ok || msg.Channel != r.Form.Get("channel") {
			writeSlackError(w, "message_not_found")
			return
		}
		msg.Text = r.Form.Get("text")
		if _, ok := r.Form["attachments"]; ok {
			msg.Attachments = r.Form.Get("attachments")
		}
		writeSlack(w, map[string]any{"channel": msg.Channel, "ts": msg.TS, "text": msg.Text})

	case "chat.delete":
		msg, ok := f.Messages[r.Form.Get("ts")]
		if !ok || msg.Channel != r.Form.Get("channel") {
			writeSlackError(w, "message_not_found")
			return
		}
		delete(f.Messages, msg.TS)
		writeSlack(w, map[string]any{"channel": msg.Channel, "ts": msg.TS})

	case "reactions.add":
		writeSlack(w, map[string]any{})

	case "conversations.open":
		user := r.Form.Get("users")
		channelID := "D" + user
		f.IMs[channelID] = user
		writeSlack(w, map[string]any{"channel": map[string]any{"id": channelID}})

	case "conversations.info":
		channelID := r.Form.Get("channel")
		user, ok := f.IMs[channelID]
		if !ok {
			writeSlackError(w, "channel_not_found")
			return
		}
		writeSlack(w, map[string]any{"channel": map[string]any{"id": channelID, "is_im": true, "user": user}})

	case "conversations.replies":
		root, ok := f.Messages[r.Form.Get("ts")]
		if !ok || root.Channel != r.Form.Get("channel") {
			writeSlackError(w, "thread_not_found")
			return
		}
		messages := []map[string]any{f.render(root)}
		for _, msg := range f.Messages {
			if msg.ThreadTS == root.TS && msg.TS != root.TS {
				messages = append(messages, f.render(msg))
			}
		}
		writeSlack(w, map[string]any{"messages": messages, "has_more": false})

	case "users.info":
		user, ok := f.Users[r.Form.Get("user")]
		if !ok {
			writeSlackError(w, "user_not_found")
			return
		}
		writeSlack(w, map[string]any{"user": user})

	default:
		writeSlackError(w, "unknown_method")
	}
}

func (f *fakeSlack) render(msg *fakeMessage) map[string]any {
	out := map[string]any{"type": "message", "ts": msg.TS, "text": msg.Text}
	if msg.ThreadTS != "" {
		out["thread_ts"] = msg.ThreadTS
	}
	if msg.SubType != "" {
		out["subtype"] = msg.SubType
	}
	if msg.Attachments != "" {
		out["attachments"] = json.RawMessage(msg.Attachments)
	}
	return out
}

// newTestConnector returns a connector logged in to the fake as the
// modmail app, with a mock sink attached.
func newTestConnector(t *testing.T, fake *fakeSlack) (*Connector, *mockSink) {
	t.Helper()
	cfg := Config{
		BotToken:       testBotToken,
		StaffChannelID: testStaffChannel,
		APIURL:         fake.Server.URL,
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	conn := New(cfg, zerolog.Nop())
	if err := conn.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	sink := &mockSink{}
	conn.sink = sink
	return conn, sink
}
