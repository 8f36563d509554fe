// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/quill/internal/session"
	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

// Validation failures and storage failures are distinct error values so
// callers can tell "bad input, nothing written" from "write attempted and
// lost" with errors.Is instead of log inspection.
var (
	// ErrInvalidRole is returned for roles outside {user, assistant}.
	ErrInvalidRole = errors.New("invalid message role")

	// ErrEmptyContent is returned for blank message content.
	ErrEmptyContent = errors.New("empty message content")

	// ErrConversationNotFound is returned when the session points at a
	// conversation id that no longer exists.
	ErrConversationNotFound = errors.New("conversation not found")
)

// =============================================================================
// TYPES
// =============================================================================

// Message roles accepted by AppendMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// DefaultRecentLimit bounds ListRecentConversations when the caller
	// passes no limit.
	DefaultRecentLimit = 20

	// titleRuneLimit caps derived titles (first message + ellipsis).
	titleRuneLimit = 50

	// explicitTitleRuneLimit caps caller-supplied titles.
	explicitTitleRuneLimit = 200

	// defaultTitle is used when no title is supplied and none can be derived.
	defaultTitle = "New Chat"
)

// Conversation is a titled, timestamped container for an exchange of
// messages. UpdatedAt is refreshed on every appended message.
type Conversation struct {
	ID        int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single role-tagged utterance. Messages are immutable once
// written and always belong to exactly one conversation.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string
	Content        string
	CreatedAt      time.Time
}

// ConversationSummary is one row of the recent-conversations list. The
// first user message serves as a preview when the title is generic.
type ConversationSummary struct {
	ID               int64
	Title            string
	UpdatedAt        time.Time
	FirstUserMessage string
}

// =============================================================================
// STORE
// =============================================================================

// Store is the conversation persistence layer. A single *sql.DB handle
// with one open connection serializes all access; no external locking is
// assumed.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the conversation database at path and runs any
// pending schema migrations. A nil logger disables logging.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// serializes all store operations.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// CreateConversation inserts a conversation row and makes it the session's
// current conversation. A blank title becomes "New Chat"; supplied titles
// are capped at 200 runes.
func (s *Store) CreateConversation(ctx context.Context, sess *session.Session, title string) (int64, error) {
	title = util.CollapseNewlines(title)
	if title == "" {
		title = defaultTitle
	}
	title = util.TruncateRunes(title, explicitTitleRuneLimit)

	now := nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title, created_at, updated_at) VALUES (?, ?, ?)`,
		title, now, now)
	if err != nil {
		s.logger.Error("create conversation failed", zap.Error(err))
		return 0, fmt.Errorf("create conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}

	sess.SetCurrent(id)
	s.logger.Debug("conversation created",
		zap.Int64("conversation_id", id),
		zap.String("title", title))
	return id, nil
}

// AppendMessage validates and persists one message, creating a parent
// conversation when none is active.
//
// A user-role append always clears the session pointer first, forcing a
// fresh conversation per user-initiated exchange; assistant replies attach
// to whatever conversation is current. When no conversation is active the
// message content (any role) becomes the derived title. The conversation
// insert, message insert, and updated_at refresh commit as one
// transaction; on failure the session pointer is left unset rather than
// pointing at a conversation that was rolled back.
func (s *Store) AppendMessage(ctx context.Context, sess *session.Session, role, content string) (int64, error) {
	if role != RoleUser && role != RoleAssistant {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if util.CollapseNewlines(content) == "" {
		return 0, ErrEmptyContent
	}

	// Each user message starts a logically new conversation record.
	// Multi-turn context is not threaded, so the previous pointer is
	// discarded rather than reused.
	if role == RoleUser {
		sess.Clear()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("append message failed", zap.Error(err))
		return 0, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	convID := sess.Current()

	if convID == session.None {
		title := deriveTitle(content)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (title, created_at, updated_at) VALUES (?, ?, ?)`,
			title, now, now)
		if err != nil {
			s.logger.Error("append message failed", zap.Error(err))
			return 0, fmt.Errorf("append message: %w", err)
		}
		convID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("append message: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID)
		if err != nil {
			s.logger.Error("append message failed", zap.Error(err))
			return 0, fmt.Errorf("append message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("append message: %w", err)
		}
		if affected == 0 {
			// Reconcile the stale pointer so the session never
			// references a conversation that does not exist.
			sess.Clear()
			return 0, fmt.Errorf("%w: id %d", ErrConversationNotFound, convID)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		convID, role, content, now)
	if err != nil {
		s.logger.Error("append message failed", zap.Error(err))
		return 0, fmt.Errorf("append message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("append message failed", zap.Error(err))
		return 0, fmt.Errorf("append message: %w", err)
	}

	// Only a committed conversation becomes current.
	sess.SetCurrent(convID)

	s.logger.Debug("message appended",
		zap.Int64("conversation_id", convID),
		zap.Int64("message_id", msgID),
		zap.String("role", role))
	return msgID, nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// ListRecentConversations returns up to limit conversations ordered by
// updated_at descending, each with its earliest user message as preview.
// A non-positive limit means DefaultRecentLimit.
func (s *Store) ListRecentConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.updated_at,
		       COALESCE((SELECT m.content FROM messages m
		                 WHERE m.conversation_id = c.id AND m.role = 'user'
		                 ORDER BY m.created_at ASC, m.id ASC LIMIT 1), '')
		FROM conversations c
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("list recent conversations failed", zap.Error(err))
		return nil, fmt.Errorf("list recent conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0, limit)
	for rows.Next() {
		var cs ConversationSummary
		var updated int64
		if err := rows.Scan(&cs.ID, &cs.Title, &updated, &cs.FirstUserMessage); err != nil {
			return nil, fmt.Errorf("list recent conversations: %w", err)
		}
		cs.UpdatedAt = fromMillis(updated)
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent conversations: %w", err)
	}

	return summaries, nil
}

// ListMessages returns a conversation's messages ordered by created_at
// ascending. An invalid or unknown id yields an empty slice, not an error;
// errors are reserved for storage failures.
func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	if conversationID <= 0 {
		return []Message{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		s.logger.Error("list messages failed",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return messages, nil
}

// GetConversation returns a conversation row by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// deriveTitle builds a conversation title from message content: newlines
// collapsed, truncated to 50 runes with ellipsis.
func deriveTitle(content string) string {
	title := util.TruncateRunes(util.CollapseNewlines(content), titleRuneLimit)
	if title == "" {
		return defaultTitle
	}
	return title
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
