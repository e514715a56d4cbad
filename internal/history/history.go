// ABOUTME: SQLite-backed message audit log using modernc.org/sqlite
// ABOUTME: Append-only rows with queries by recency and by conversation

package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Direction marks which side of the relay a recorded message was on.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Entry is one audit row. Raw holds the full wire-encoded envelope so the
// indexed columns stay small while nothing is lost.
type Entry struct {
	MessageID      string
	Direction      Direction
	Intent         string
	SenderID       string
	RecipientID    string
	ConversationID string
	CreatedAt      time.Time
	Raw            []byte
}

// Log is the audit log handle. Safe for concurrent use; database/sql does
// the pooling.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit log at path. Parent directories are
// created if needed and the schema is applied automatically.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// WAL keeps audit writes from stalling concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Log{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	logger.Info("history log opened", "path", path)
	return l, nil
}

func (l *Log) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			intent TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			raw BLOB NOT NULL,
			PRIMARY KEY (message_id, direction)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_created
			ON messages(created_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Record appends one entry. The same message id may appear once per
// direction; recording it again is a no-op rather than an error, since
// redeliveries are expected.
func (l *Log) Record(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(message_id, direction, intent, sender_id, recipient_id, conversation_id, created_at, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, string(e.Direction), e.Intent, e.SenderID, e.RecipientID,
		e.ConversationID, e.CreatedAt, e.Raw,
	)
	if err != nil {
		return fmt.Errorf("recording message %s: %w", e.MessageID, err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT message_id, direction, intent, sender_id, recipient_id, conversation_id, created_at, raw
		FROM messages
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByConversation returns a conversation's entries in chronological order.
func (l *Log) ByConversation(ctx context.Context, conversationID string) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT message_id, direction, intent, sender_id, recipient_id, conversation_id, created_at, raw
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation %s: %w", conversationID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the total number of recorded entries.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var (
			e         Entry
			direction string
		)
		if err := rows.Scan(&e.MessageID, &direction, &e.Intent, &e.SenderID,
			&e.RecipientID, &e.ConversationID, &e.CreatedAt, &e.Raw); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Direction = Direction(direction)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
