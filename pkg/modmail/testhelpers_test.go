// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-modmail/pkg/database"
)

var errTransport = errors.New("transport failure")

// memStore is an in-memory ConversationStore.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]database.Conversation
	ensures int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]database.Conversation)}
}

func (s *memStore) GetByUser(_ context.Context, userID string) (*database.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *memStore) GetBySurface(_ context.Context, surfaceID string) (*database.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SurfaceID == surfaceID {
			return &row, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetAll(_ context.Context) ([]*database.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*database.Conversation, 0, len(s.rows))
	for _, row := range s.rows {
		row := row
		out = append(out, &row)
	}
	return out, nil
}

func (s *memStore) Ensure(_ context.Context, userID string) (*database.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures++
	row, ok := s.rows[userID]
	if !ok {
		row = database.Conversation{UserID: userID}
		s.rows[userID] = row
	}
	return &row, nil
}

func (s *memStore) SetSurface(_ context.Context, userID, surfaceID string) (*database.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SurfaceID == surfaceID && row.UserID != userID {
			return nil, fmt.Errorf("%w: %s", database.ErrSurfaceBound, surfaceID)
		}
	}
	row := s.rows[userID]
	row.UserID = userID
	row.SurfaceID = surfaceID
	s.rows[userID] = row
	return &row, nil
}

func (s *memStore) SetBlocked(_ context.Context, userID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[userID]
	row.UserID = userID
	row.Blocked = blocked
	s.rows[userID] = row
	return nil
}

func (s *memStore) row(userID string) (database.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	return row, ok
}

type endpointSend struct {
	EndpointID string
	SurfaceID  string
	Msg        OutgoingMessage
	Ref        MessageRef
}

type userSend struct {
	UserID string
	Msg    OutgoingMessage
	Ref    MessageRef
}

type editCall struct {
	Via string
	Ref MessageRef
	Msg OutgoingMessage
}

type redactCall struct {
	EndpointID string
	Ref        MessageRef
	Marker     Block
}

type reactionCall struct {
	Ref   MessageRef
	Emoji string
}

type noticeCall struct {
	Target string
	Notice Notice
}

// fakePlatform records every platform call.
type fakePlatform struct {
	mu sync.Mutex

	limits    Limits
	endpoints []*fakeEndpoint
	surfaces  map[string]bool
	nextID    int

	createEndpointErr error
	createSurfaceErr  error
	failEndpointSend  bool
	failSendToUser    bool
	failEdit          bool
	createSurfaceHook func()

	createdEndpoints int
	createdSurfaces  []string
	discarded        []string
	sends            []endpointSend
	userSends        []userSend
	edits            []editCall
	redactions       []redactCall
	deletions        []MessageRef
	reactions        []reactionCall
	userNotices      []noticeCall
	surfaceNotices   []noticeCall
}

func newFakePlatform(endpoints int) *fakePlatform {
	p := &fakePlatform{
		limits:   Limits{MaxFileSize: 1000, MaxTextLength: 100},
		surfaces: make(map[string]bool),
	}
	for i := 0; i < endpoints; i++ {
		p.endpoints = append(p.endpoints, &fakeEndpoint{id: fmt.Sprintf("ep%d", i), p: p})
	}
	return p
}

func (p *fakePlatform) newIDLocked(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s%d", prefix, p.nextID)
}

func (p *fakePlatform) Limits() Limits { return p.limits }

func (p *fakePlatform) ListEndpoints(_ context.Context) ([]Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = ep
	}
	return out, nil
}

func (p *fakePlatform) CreateEndpoint(_ context.Context) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createEndpointErr != nil {
		return nil, p.createEndpointErr
	}
	p.createdEndpoints++
	ep := &fakeEndpoint{id: fmt.Sprintf("ep%d", len(p.endpoints)), p: p}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

func (p *fakePlatform) CreateSurface(_ context.Context, user UserInfo) (string, error) {
	if p.createSurfaceHook != nil {
		p.createSurfaceHook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createSurfaceErr != nil {
		return "", p.createSurfaceErr
	}
	id := p.newIDLocked("surface-" + user.ID + "-")
	p.surfaces[id] = true
	p.createdSurfaces = append(p.createdSurfaces, id)
	return id, nil
}

func (p *fakePlatform) SurfaceExists(_ context.Context, surfaceID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surfaces[surfaceID], nil
}

func (p *fakePlatform) DiscardSurface(_ context.Context, surfaceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.surfaces, surfaceID)
	p.discarded = append(p.discarded, surfaceID)
	return nil
}

func (p *fakePlatform) deleteSurface(surfaceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.surfaces, surfaceID)
}

func (p *fakePlatform) SendToUser(_ context.Context, userID string, msg *OutgoingMessage) (MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSendToUser {
		return MessageRef{}, errTransport
	}
	ref := MessageRef{ID: p.newIDLocked("dm-copy-"), ChannelID: "dm-" + userID}
	p.userSends = append(p.userSends, userSend{UserID: userID, Msg: *msg, Ref: ref})
	return ref, nil
}

func (p *fakePlatform) EditMessage(_ context.Context, ref MessageRef, msg *OutgoingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failEdit {
		return errTransport
	}
	p.edits = append(p.edits, editCall{Via: "bot", Ref: ref, Msg: *msg})
	return nil
}

func (p *fakePlatform) DeleteMessage(_ context.Context, ref MessageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletions = append(p.deletions, ref)
	return nil
}

func (p *fakePlatform) AddReaction(_ context.Context, ref MessageRef, emoji string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, reactionCall{Ref: ref, Emoji: emoji})
	return nil
}

func (p *fakePlatform) NotifyUser(_ context.Context, userID string, notice Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userNotices = append(p.userNotices, noticeCall{Target: userID, Notice: notice})
	return nil
}

func (p *fakePlatform) NotifySurface(_ context.Context, surfaceID string, notice Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaceNotices = append(p.surfaceNotices, noticeCall{Target: surfaceID, Notice: notice})
	return nil
}

func (p *fakePlatform) Permalink(ref MessageRef) string {
	return "https://chat.example.com/pl/" + ref.ID
}

func (p *fakePlatform) snapshotSends() []endpointSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]endpointSend(nil), p.sends...)
}

// fakeEndpoint fails the test run if two sends overlap on it.
type fakeEndpoint struct {
	id      string
	p       *fakePlatform
	active  atomic.Int32
	overlap atomic.Bool
}

func (ep *fakeEndpoint) ID() string { return ep.id }

func (ep *fakeEndpoint) enter() func() {
	if ep.active.Add(1) > 1 {
		ep.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	return func() { ep.active.Add(-1) }
}

func (ep *fakeEndpoint) Send(_ context.Context, surfaceID string, msg *OutgoingMessage) (MessageRef, error) {
	defer ep.enter()()
	ep.p.mu.Lock()
	defer ep.p.mu.Unlock()
	if ep.p.failEndpointSend {
		return MessageRef{}, errTransport
	}
	ref := MessageRef{ID: ep.p.newIDLocked("mirror-"), ChannelID: surfaceID}
	ep.p.sends = append(ep.p.sends, endpointSend{EndpointID: ep.id, SurfaceID: surfaceID, Msg: *msg, Ref: ref})
	return ref, nil
}

func (ep *fakeEndpoint) Edit(_ context.Context, ref MessageRef, msg *OutgoingMessage) error {
	defer ep.enter()()
	ep.p.mu.Lock()
	defer ep.p.mu.Unlock()
	if ep.p.failEdit {
		return errTransport
	}
	ep.p.edits = append(ep.p.edits, editCall{Via: ep.id, Ref: ref, Msg: *msg})
	return nil
}

func (ep *fakeEndpoint) Redact(_ context.Context, ref MessageRef, marker *Block) error {
	defer ep.enter()()
	ep.p.mu.Lock()
	defer ep.p.mu.Unlock()
	ep.p.redactions = append(ep.p.redactions, redactCall{EndpointID: ep.id, Ref: ref, Marker: *marker})
	return nil
}

func newTestEngine(t *testing.T, platform *fakePlatform, settings Settings) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	engine := NewEngine(platform, store, settings, zerolog.Nop())
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return engine, store
}

func userMessage(userID, id, content string) *Message {
	return &Message{
		ID:        id,
		ChannelID: "dm-" + userID,
		Private:   true,
		Author:    Author{ID: userID, Name: userID + "-name", AvatarURL: "https://avatars.example.com/" + userID},
		Content:   content,
	}
}

func staffMessage(surfaceID, id, content string) *Message {
	return &Message{
		ID:        id,
		ChannelID: surfaceID,
		Author:    Author{ID: "staff1", Name: "staff"},
		Content:   content,
	}
}
