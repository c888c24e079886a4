// Copyright 2024-2026 Aiku AI

// Package state provides the optional SQLite persistence layer: processed
// archive message IDs for poller deduplication and, when enabled, durable
// message links so edits and deletes survive a restart.
package state

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/aiku/multibridge/pkg/bridge"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	chat_id    TEXT NOT NULL,
	message_id TEXT NOT NULL,
	PRIMARY KEY (chat_id, message_id)
);
CREATE TABLE IF NOT EXISTS message_links (
	source_platform   TEXT    NOT NULL,
	source_chat_id    TEXT    NOT NULL,
	source_message_id TEXT    NOT NULL,
	position          INTEGER NOT NULL,
	target_platform   TEXT    NOT NULL,
	target_chat_id    TEXT    NOT NULL,
	target_message_id TEXT    NOT NULL,
	delivery_mode     TEXT    NOT NULL,
	webhook           TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (source_platform, source_chat_id, source_message_id, position)
);
`

// Store is a goroutine-safe SQLite store. It implements [bridge.LinkStore]
// and additionally tracks which archive messages have already been relayed.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ bridge.LinkStore = (*Store)(nil)

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "state").Logger()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsProcessed reports whether the message was already relayed from the
// archive for the given chat.
func (s *Store) IsProcessed(ctx context.Context, chatID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed_messages WHERE chat_id = ? AND message_id = ?",
		chatID, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query processed messages: %w", err)
	}
	return true, nil
}

// MarkProcessed records the message as relayed. Marking twice is harmless.
func (s *Store) MarkProcessed(ctx context.Context, chatID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_messages (chat_id, message_id) VALUES (?, ?)",
		chatID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// Put implements bridge.LinkStore. The copies replace any previous entry
// for the key, preserving their order through the position column.
func (s *Store) Put(ctx context.Context, key bridge.LinkKey, copies []bridge.Copy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin link transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"DELETE FROM message_links WHERE source_platform = ? AND source_chat_id = ? AND source_message_id = ?",
		key.Platform, key.ChatID, key.MessageID)
	if err != nil {
		return fmt.Errorf("failed to clear previous link: %w", err)
	}
	for i, cp := range copies {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_links
				(source_platform, source_chat_id, source_message_id, position,
				 target_platform, target_chat_id, target_message_id, delivery_mode, webhook)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key.Platform, key.ChatID, key.MessageID, i,
			cp.Platform, cp.ChatID, cp.MessageID, cp.Mode, cp.Webhook)
		if err != nil {
			return fmt.Errorf("failed to insert link copy: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit link: %w", err)
	}
	return nil
}

// Get implements bridge.LinkStore.
func (s *Store) Get(ctx context.Context, key bridge.LinkKey) ([]bridge.Copy, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_platform, target_chat_id, target_message_id, delivery_mode, webhook
		 FROM message_links
		 WHERE source_platform = ? AND source_chat_id = ? AND source_message_id = ?
		 ORDER BY position`,
		key.Platform, key.ChatID, key.MessageID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query link: %w", err)
	}
	defer rows.Close()

	var copies []bridge.Copy
	for rows.Next() {
		var cp bridge.Copy
		if err := rows.Scan(&cp.Platform, &cp.ChatID, &cp.MessageID, &cp.Mode, &cp.Webhook); err != nil {
			return nil, false, fmt.Errorf("failed to scan link copy: %w", err)
		}
		copies = append(copies, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to read link rows: %w", err)
	}
	return copies, len(copies) > 0, nil
}

// Delete implements bridge.LinkStore. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key bridge.LinkKey) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM message_links WHERE source_platform = ? AND source_chat_id = ? AND source_message_id = ?",
		key.Platform, key.ChatID, key.MessageID)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}
