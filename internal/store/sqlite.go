package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/shared"
)

const (
	writeAttempts   = 3
	writeRetryDelay = 100 * time.Millisecond
	maxSearchLimit  = 100
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while a turn is being persisted.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		content TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS index_entries (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_index_entries_ts ON index_entries(ts);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveMessage inserts or replaces a message. The full message tree is kept
// as JSON next to the columns used for listing.
func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID string, msg *domain.Message) error {
	if msg == nil {
		return errors.New("save message: nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	query := `
	INSERT INTO messages (id, conversation_id, role, status, content, payload_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		content = excluded.content,
		payload_json = excluded.payload_json,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "save_message", writeAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, conversationID, string(msg.Role), string(msg.Status), msg.Content, string(payload),
			msg.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns a conversation's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	query := `
		SELECT payload_json FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// DeleteConversation removes a conversation and its index entries. It
// returns the number of messages removed.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete_conversation", writeAttempts, writeRetryDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_entries WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete index entries: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		slog.Warn("DeleteConversation affected 0 rows", "conversation_id", conversationID)
	}
	return deleted, nil
}

// Index records a finalized message for search.
func (s *SQLiteStore) Index(ctx context.Context, entry domain.IndexEntry) error {
	if strings.TrimSpace(entry.Text) == "" {
		return nil
	}
	query := `
	INSERT INTO index_entries (message_id, conversation_id, role, text, ts)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		text = excluded.text,
		ts = excluded.ts`

	return shared.RetryOnConflict(ctx, "index", writeAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			entry.MessageID, entry.ConversationID, string(entry.Role), entry.Text, entry.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert index entry: %w", err)
		}
		return nil
	})
}

// Search returns entries containing query, case-insensitively, newest first.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]domain.IndexEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, role, text, ts
		FROM index_entries
		WHERE instr(lower(text), lower(?)) > 0
		ORDER BY ts DESC, rowid DESC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close index rows", "error", closeErr)
		}
	}()

	var entries []domain.IndexEntry
	for rows.Next() {
		var (
			e    domain.IndexEntry
			role string
			ts   int64
		)
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &role, &e.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		e.Role = domain.Role(role)
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
