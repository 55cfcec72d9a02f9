// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/presence persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			participant_lo  TEXT NOT NULL,
			participant_hi  TEXT NOT NULL,
			product_id      TEXT NOT NULL,
			last_message    TEXT NOT NULL DEFAULT '',
			last_updated    TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			lo_display_name TEXT NOT NULL DEFAULT '',
			hi_display_name TEXT NOT NULL DEFAULT '',

			CHECK (participant_lo < participant_hi)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair_product
			ON conversations(participant_lo, participant_hi, product_id);

		CREATE INDEX IF NOT EXISTS idx_conversations_lo ON conversations(participant_lo);
		CREATE INDEX IF NOT EXISTS idx_conversations_hi ON conversations(participant_hi);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			body            TEXT NOT NULL,
			sent_at         TEXT NOT NULL,
			seen            INTEGER NOT NULL DEFAULT 0,

			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_unseen
			ON messages(conversation_id, receiver_id, seen);

		CREATE TABLE IF NOT EXISTS presence (
			user_id      TEXT PRIMARY KEY,
			state        TEXT NOT NULL,
			last_changed TEXT NOT NULL,

			CHECK (state IN ('online', 'offline'))
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation. If a conversation with the
// same (participant pair, product) key already exists, it returns
// ErrDuplicateConversation. Participants must already be in sorted order.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, participant_lo, participant_hi, product_id,
			last_message, last_updated, created_at, lo_display_name, hi_display_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ParticipantLo,
		conv.ParticipantHi,
		conv.ProductID,
		conv.LastMessage,
		formatTime(conv.LastUpdated),
		formatTime(conv.CreatedAt),
		conv.LoDisplayName,
		conv.HiDisplayName,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return mapError("inserting conversation", err)
	}

	s.logger.Debug("created conversation",
		"id", conv.ID,
		"product_id", conv.ProductID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := selectConversation + "WHERE id = ?"
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetConversationByKey retrieves a conversation by its (participant pair,
// product) key. The pair is sorted internally, so argument order is
// irrelevant. Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetConversationByKey(ctx context.Context, userA, userB, productID string) (*Conversation, error) {
	lo, hi := SortParticipants(userA, userB)
	query := selectConversation + "WHERE participant_lo = ? AND participant_hi = ? AND product_id = ?"
	return s.scanConversation(s.db.QueryRowContext(ctx, query, lo, hi, productID))
}

// ListConversations returns every conversation the user participates in,
// ordered by last_updated descending.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	query := selectConversation + `
		WHERE participant_lo = ? OR participant_hi = ?
		ORDER BY last_updated DESC, created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, mapError("listing conversations", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := s.scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// AppendMessage durably appends a message to its conversation's log and
// atomically updates the conversation's last_message/last_updated. The
// store assigns msg.Seq and may clamp msg.SentAt forward so per-conversation
// timestamps never decrease. Returns ErrNotFound for unknown conversations.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("beginning append", err)
	}
	defer tx.Rollback()

	var lastUpdated string
	err = tx.QueryRowContext(ctx,
		"SELECT last_updated FROM conversations WHERE id = ?",
		msg.ConversationID,
	).Scan(&lastUpdated)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return mapError("loading conversation tail", err)
	}

	// Clamp sent_at forward: the seq column is the ordering key, but
	// timestamps within a conversation must stay non-decreasing even if the
	// server clock steps backwards.
	if floor, err := parseTime(lastUpdated); err == nil && msg.SentAt.Before(floor) {
		msg.SentAt = floor
	}

	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?",
		msg.ConversationID,
	).Scan(&msg.Seq)
	if err != nil {
		return mapError("assigning sequence", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, receiver_id, body, sent_at, seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		msg.SenderID,
		msg.ReceiverID,
		msg.Body,
		formatTime(msg.SentAt),
		boolToInt(msg.Seen),
	)
	if err != nil {
		return mapError("inserting message", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message = ?, last_updated = ? WHERE id = ?",
		msg.Body,
		formatTime(msg.SentAt),
		msg.ConversationID,
	)
	if err != nil {
		return mapError("updating conversation tail", err)
	}

	if err := tx.Commit(); err != nil {
		return mapError("committing append", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"seq", msg.Seq)
	return nil
}

// GetMessages returns the full message log of a conversation in append order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, sender_id, receiver_id, body, sent_at, seen
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, mapError("loading messages", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkSeen flips seen to true for every unseen message addressed to readerID
// in the conversation and returns the updated messages. Idempotent: a second
// call returns an empty slice. A sender's own messages are never affected
// since the predicate matches receiver_id only.
func (s *SQLiteStore) MarkSeen(ctx context.Context, conversationID, readerID string) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("beginning mark-seen", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM messages WHERE conversation_id = ? AND receiver_id = ? AND seen = 0 ORDER BY seq ASC",
		conversationID, readerID,
	)
	if err != nil {
		return nil, mapError("selecting unseen", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, mapError("scanning unseen id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("iterating unseen", err)
	}

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE messages SET seen = 1 WHERE conversation_id = ? AND receiver_id = ? AND seen = 0",
		conversationID, readerID,
	)
	if err != nil {
		return nil, mapError("marking seen", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError("committing mark-seen", err)
	}

	// Reload the flipped messages outside the transaction
	updated := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.getMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		updated = append(updated, msg)
	}

	s.logger.Debug("marked messages seen",
		"conversation_id", conversationID,
		"reader_id", readerID,
		"count", len(updated))
	return updated, nil
}

// UnseenCount returns the number of unseen messages addressed to userID in
// the conversation.
func (s *SQLiteStore) UnseenCount(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND receiver_id = ? AND seen = 0",
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, mapError("counting unseen", err)
	}
	return count, nil
}

// GetPresence returns the user's current presence record.
// Returns ErrNotFound when the user has never been observed.
func (s *SQLiteStore) GetPresence(ctx context.Context, userID string) (*PresenceRecord, error) {
	var rec PresenceRecord
	var changed string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, state, last_changed FROM presence WHERE user_id = ?",
		userID,
	).Scan(&rec.UserID, &rec.State, &changed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapError("loading presence", err)
	}
	rec.LastChanged, err = parseTime(changed)
	if err != nil {
		return nil, fmt.Errorf("parsing presence timestamp: %w", err)
	}
	return &rec, nil
}

// UpsertPresence applies a presence record with last-write-wins semantics:
// a write whose LastChanged is older than the stored record is discarded.
// Returns whether the write was applied.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, rec *PresenceRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, state, last_changed)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			last_changed = excluded.last_changed
		WHERE excluded.last_changed >= presence.last_changed`,
		rec.UserID,
		rec.State,
		formatTime(rec.LastChanged),
	)
	if err != nil {
		return false, mapError("upserting presence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("checking presence write", err)
	}
	return n > 0, nil
}

// SweepPresenceOffline forces every online record to offline at the given
// time. Used at startup: no session can be live across a restart.
func (s *SQLiteStore) SweepPresenceOffline(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE presence SET state = 'offline', last_changed = ? WHERE state = 'online'",
		formatTime(at),
	)
	if err != nil {
		return 0, mapError("sweeping presence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapError("checking sweep", err)
	}
	if n > 0 {
		s.logger.Info("swept stale presence records offline", "count", n)
	}
	return int(n), nil
}

const selectConversation = `
	SELECT id, participant_lo, participant_hi, product_id,
		last_message, last_updated, created_at, lo_display_name, hi_display_name
	FROM conversations
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	conv, err := s.scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return conv, err
}

func (s *SQLiteStore) scanConversationRow(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var lastUpdated, createdAt string
	err := row.Scan(
		&conv.ID,
		&conv.ParticipantLo,
		&conv.ParticipantHi,
		&conv.ProductID,
		&conv.LastMessage,
		&lastUpdated,
		&createdAt,
		&conv.LoDisplayName,
		&conv.HiDisplayName,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, mapError("scanning conversation", err)
	}
	if conv.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, fmt.Errorf("parsing last_updated: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) getMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, seq, sender_id, receiver_id, body, sent_at, seen
		FROM messages WHERE id = ?`,
		id,
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var sentAt string
	var seen int
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Body,
		&sentAt,
		&seen,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, mapError("scanning message", err)
	}
	msg.Seen = seen != 0
	if msg.SentAt, err = parseTime(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	return &msg, nil
}

// timeFormat is fixed-width: RFC3339Nano trims trailing zeros, which
// breaks the string comparisons in ORDER BY last_updated and the presence
// last-write-wins upsert. Padding the fraction keeps lexicographic order
// equal to chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// mapError wraps a driver error, translating busy/locked conditions into
// ErrStoreUnavailable so callers can retry.
func mapError(op string, err error) error {
	errStr := err.Error()
	if strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") {
		return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
