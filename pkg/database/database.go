// Copyright 2024-2026 Aiku AI

// Package database persists modmail conversations. It is the only durable
// state of the relay: the user -> surface binding and the blocked flag.
// Message pairs and endpoint assignments are runtime-only and never stored.
package database

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mattermost-modmail/pkg/database/upgrades"
)

// Database wraps a dbutil.Database with the modmail query helpers.
type Database struct {
	*dbutil.Database
	Conversation *ConversationQuery
}

// New attaches the modmail upgrade table and query helpers to db.
func New(db *dbutil.Database, log zerolog.Logger) *Database {
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "modmail").Logger())
	return &Database{
		Database: db,
		Conversation: &ConversationQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, newConversation),
		},
	}
}

// Open connects to the database described by dialect ("postgres" or
// "sqlite3") and uri, then brings the schema up to date.
func Open(ctx context.Context, dialect, uri string, log zerolog.Logger) (*Database, error) {
	raw, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	db := New(raw, log)
	if err = db.Upgrade(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return db, nil
}
