// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistryGetOrCreateIdempotent(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry(store, zerolog.Nop())
	ctx := context.Background()

	first, err := reg.GetOrCreate(ctx, "user1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := reg.GetOrCreate(ctx, "user1")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if first != second {
		t.Error("GetOrCreate returned different conversations for the same user")
	}
	if first.SurfaceID() != "" {
		t.Errorf("new conversation has surface %q", first.SurfaceID())
	}
	if _, ok := store.row("user1"); !ok {
		t.Error("conversation was not persisted")
	}
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry(store, zerolog.Nop())
	ctx := context.Background()

	const n = 16
	convs := make([]*Conversation, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := reg.GetOrCreate(ctx, "user1")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			convs[i] = conv
		}(i)
	}
	wg.Wait()
	for i, conv := range convs {
		if conv != convs[0] {
			t.Errorf("goroutine %d got a different conversation", i)
		}
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.ensures != 1 {
		t.Errorf("store.Ensure called %d times, want 1", store.ensures)
	}
}

func TestRegistryLoadsPersistedConversation(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ctx := context.Background()
	_, _ = store.SetSurface(ctx, "user1", "surface1")
	_ = store.SetBlocked(ctx, "user1", true)
	reg := NewRegistry(store, zerolog.Nop())

	conv, err := reg.GetOrCreate(ctx, "user1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if conv.SurfaceID() != "surface1" || !conv.Blocked() {
		t.Errorf("conversation not rebuilt from store: surface=%q blocked=%v", conv.SurfaceID(), conv.Blocked())
	}
	if store.ensures != 0 {
		t.Errorf("existing row should not be re-inserted")
	}
}

func TestRegistryGetBySurface(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ctx := context.Background()
	_, _ = store.SetSurface(ctx, "user1", "surface1")
	reg := NewRegistry(store, zerolog.Nop())

	conv, err := reg.GetBySurface(ctx, "surface1")
	if err != nil {
		t.Fatalf("GetBySurface: %v", err)
	}
	if conv.UserID() != "user1" {
		t.Errorf("UserID = %q, want user1", conv.UserID())
	}
	again, _ := reg.GetOrCreate(ctx, "user1")
	if again != conv {
		t.Error("GetOrCreate did not reuse the conversation loaded by surface")
	}

	if _, err = reg.GetBySurface(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err = reg.GetBySurface(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty surface, got %v", err)
	}
}

func TestRegistryGetDoesNotCreate(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry(store, zerolog.Nop())

	if _, err := reg.Get(context.Background(), "user1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := store.row("user1"); ok {
		t.Error("Get created a conversation")
	}
}

func TestRegistryBindSurfaceRejectsForeignSurface(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry(store, zerolog.Nop())
	ctx := context.Background()

	alice, _ := reg.GetOrCreate(ctx, "alice")
	bob, _ := reg.GetOrCreate(ctx, "bob")
	if err := reg.BindSurface(ctx, alice, "surface1"); err != nil {
		t.Fatalf("BindSurface: %v", err)
	}
	err := reg.BindSurface(ctx, bob, "surface1")
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if bob.SurfaceID() != "" {
		t.Errorf("rejected bind mutated conversation: %q", bob.SurfaceID())
	}

	// The store rejects it too when the owner is not cached.
	fresh := NewRegistry(store, zerolog.Nop())
	bob, _ = fresh.GetOrCreate(ctx, "bob")
	if err = fresh.BindSurface(ctx, bob, "surface1"); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation from store, got %v", err)
	}
}

func TestRegistrySetBlocked(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	reg := NewRegistry(store, zerolog.Nop())
	ctx := context.Background()

	conv, _ := reg.GetOrCreate(ctx, "user1")
	if err := reg.SetBlocked(ctx, "user1", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	if !conv.Blocked() {
		t.Error("cached conversation not updated")
	}
	if row, _ := store.row("user1"); !row.Blocked {
		t.Error("blocked flag not persisted")
	}

	// Blocking someone who never wrote persists a row for them.
	if err := reg.SetBlocked(ctx, "user2", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	conv2, _ := reg.GetOrCreate(ctx, "user2")
	if !conv2.Blocked() {
		t.Error("pre-blocked user not blocked")
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List returned %d conversations, want 2", len(list))
	}
}
