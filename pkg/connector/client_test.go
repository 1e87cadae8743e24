// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

func TestDisconnect_ClosesStopChan(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)

	conn, _ := newTestConnector(t, fake)
	conn.Disconnect()

	select {
	case <-conn.stopChan:
	default:
		t.Fatal("stopChan was not closed after Disconnect")
	}
}

// Calling Disconnect twice must not panic on the closed channel.
func TestDisconnect_DoubleSafe(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)

	conn, _ := newTestConnector(t, fake)
	conn.Disconnect()
	conn.Disconnect()
}

func TestDisconnect_NilWsClient(t *testing.T) {
	t.Parallel()
	conn := New(Config{ServerURL: "http://unused"}, zerolog.Nop())
	conn.wsClient = nil
	conn.Disconnect()
}

func TestConnect_NotLoggedIn(t *testing.T) {
	t.Parallel()
	conn := New(Config{ServerURL: "http://unused"}, zerolog.Nop())
	sink := &mockSink{}
	if err := conn.Connect(context.Background(), sink); !errors.Is(err, modmail.ErrNotLoggedIn) {
		t.Errorf("got %v, want ErrNotLoggedIn", err)
	}
	if conn.sink != nil {
		t.Error("sink attached without a session")
	}
}

func TestIsLoggedIn(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)

	conn, _ := newTestConnector(t, fake)
	if !conn.IsLoggedIn() {
		t.Error("connector with a token should be logged in")
	}
	conn.client.SetToken("")
	if conn.IsLoggedIn() {
		t.Error("connector with an empty token should not be logged in")
	}
	if New(Config{}, zerolog.Nop()).IsLoggedIn() {
		t.Error("fresh connector should not be logged in")
	}
}
