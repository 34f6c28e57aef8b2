// Package store is the reference Persistence implementation: a single SQLite
// database holding conversations, messages, settings, change-log entries and
// published-app records. The driver is the pure-Go modernc build, so the
// binary stays CGO-free.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
)

// Store implements ports.Persistence and ports.PublishedApps on one SQLite
// file. All methods are safe for concurrent use; SQLite serializes writes
// and WAL keeps readers off the write lock.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// path ":memory:" keeps the database in memory, which is what the tests use
// when they do not need a file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// The pool would otherwise hand out fresh, empty in-memory databases.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL DEFAULT '',
			mode         TEXT NOT NULL DEFAULT 'build',
			project_path TEXT NOT NULL DEFAULT '',
			user_id      TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_project
			ON conversations(user_id, project_path) WHERE project_path != ''`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			tool_calls      TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS change_log (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			paths           TEXT NOT NULL,
			summary         TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_log_conversation
			ON change_log(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS published_apps (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			project_path TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			port         INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CreateConversation inserts a conversation, filling ID and timestamps when
// absent. A second conversation for the same (user, project) pair fails with
// ErrConflict.
func (s *Store) CreateConversation(ctx context.Context, conv *ports.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.Mode == "" {
		conv.Mode = ports.ModeBuild
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, mode, project_path, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Mode, conv.ProjectPath, conv.UserID,
		conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("conversation for project %s: %w", conv.ProjectPath, errs.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation or a wrapped ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*ports.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, mode, project_path, user_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*ports.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, mode, project_path, user_id, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*ports.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdateConversation rewrites the mutable columns of an existing row.
func (s *Store) UpdateConversation(ctx context.Context, conv *ports.Conversation) error {
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, mode = ?, project_path = ?, updated_at = ?
		WHERE id = ?`,
		conv.Title, conv.Mode, conv.ProjectPath, conv.UpdatedAt.UnixNano(), conv.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("conversation for project %s: %w", conv.ProjectPath, errs.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return requireAffected(res, "conversation "+conv.ID)
}

// DeleteConversation removes the conversation; messages and change-log rows
// cascade via the schema's foreign keys.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireAffected(res, "conversation "+id)
}

// AppendMessage inserts one message. The conversation must exist.
func (s *Store) AppendMessage(ctx context.Context, msg *ports.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Status == "" {
		msg.Status = ports.StatusComplete
	}

	toolCalls := ""
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_calls, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, toolCalls, msg.Status,
		msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the conversation's messages ordered by CreatedAt ASC.
// Rowid breaks ties between messages written in the same nanosecond.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]*ports.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_calls, status, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*ports.StoredMessage
	for rows.Next() {
		var (
			msg       ports.StoredMessage
			toolCalls string
			createdAt int64
		)
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&toolCalls, &msg.Status, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls for message %s: %w", msg.ID, err)
			}
		}
		msg.CreatedAt = time.Unix(0, createdAt)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// CompleteMessage flips the streaming→complete status on a terminal message.
func (s *Store) CompleteMessage(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, ports.StatusComplete, messageID)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	return requireAffected(res, "message "+messageID)
}

// GetSettings returns the singleton settings row, or defaults when nothing
// has been saved yet.
func (s *Store) GetSettings(ctx context.Context) (*ports.Settings, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return defaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	settings := defaultSettings()
	if err := json.Unmarshal([]byte(payload), settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings, nil
}

// SaveSettings upserts the singleton settings row.
func (s *Store) SaveSettings(ctx context.Context, settings *ports.Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, payload) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		string(payload))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func defaultSettings() *ports.Settings {
	return &ports.Settings{
		Mode:        ports.ModeBuild,
		MaxTokens:   4096,
		Temperature: 0.7,
	}
}

// AppendChangeLog inserts one change-log entry.
func (s *Store) AppendChangeLog(ctx context.Context, entry *ports.ChangeLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	paths, err := json.Marshal(entry.Paths)
	if err != nil {
		return fmt.Errorf("marshal change-log paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO change_log (id, conversation_id, paths, summary, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.ConversationID, string(paths), entry.Summary,
		entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// ChangeLog returns the conversation's entries ordered by CreatedAt ASC.
func (s *Store) ChangeLog(ctx context.Context, conversationID string) ([]*ports.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, paths, summary, created_at
		FROM change_log WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}
	defer rows.Close()

	var entries []*ports.ChangeLogEntry
	for rows.Next() {
		var (
			entry     ports.ChangeLogEntry
			paths     string
			createdAt int64
		)
		err := rows.Scan(&entry.ID, &entry.ConversationID, &paths, &entry.Summary, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan change-log entry: %w", err)
		}
		if err := json.Unmarshal([]byte(paths), &entry.Paths); err != nil {
			return nil, fmt.Errorf("unmarshal change-log paths for %s: %w", entry.ID, err)
		}
		entry.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// PublishApp inserts a published-app record. Names are globally unique;
// a reused name fails with ErrConflict.
func (s *Store) PublishApp(ctx context.Context, app *ports.PublishedApp) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := time.Now()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	if app.UpdatedAt.IsZero() {
		app.UpdatedAt = app.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO published_apps (id, name, project_path, user_id, port, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.Name, app.ProjectPath, app.UserID, app.Port,
		app.CreatedAt.UnixNano(), app.UpdatedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("app name %q: %w", app.Name, errs.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("publish app: %w", err)
	}
	return nil
}

// ListPublishedApps returns the user's published apps, newest first.
func (s *Store) ListPublishedApps(ctx context.Context, userID string) ([]*ports.PublishedApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, project_path, user_id, port, created_at, updated_at
		FROM published_apps WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list published apps: %w", err)
	}
	defer rows.Close()

	var apps []*ports.PublishedApp
	for rows.Next() {
		app, err := scanPublishedApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan published app: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// GetPublishedApp returns the record or a wrapped ErrNotFound.
func (s *Store) GetPublishedApp(ctx context.Context, id string) (*ports.PublishedApp, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, project_path, user_id, port, created_at, updated_at
		FROM published_apps WHERE id = ?`, id)
	app, err := scanPublishedApp(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("published app %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get published app: %w", err)
	}
	return app, nil
}

// UnpublishApp deletes the record.
func (s *Store) UnpublishApp(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM published_apps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("unpublish app: %w", err)
	}
	return requireAffected(res, "published app "+id)
}

// PublishedPorts returns every port recorded on a published app, across all
// users. The supervisor seeds its allocator from these after a restart so
// republished projects keep their addresses.
func (s *Store) PublishedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port FROM published_apps WHERE port > 0`)
	if err != nil {
		return nil, fmt.Errorf("list published ports: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("scan published port: %w", err)
		}
		out = append(out, port)
	}
	return out, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*ports.Conversation, error) {
	var (
		conv      ports.Conversation
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&conv.ID, &conv.Title, &conv.Mode, &conv.ProjectPath,
		&conv.UserID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.Unix(0, createdAt)
	conv.UpdatedAt = time.Unix(0, updatedAt)
	return &conv, nil
}

func scanPublishedApp(row scanner) (*ports.PublishedApp, error) {
	var (
		app       ports.PublishedApp
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&app.ID, &app.Name, &app.ProjectPath, &app.UserID,
		&app.Port, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	app.CreatedAt = time.Unix(0, createdAt)
	app.UpdatedAt = time.Unix(0, updatedAt)
	return &app, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return nil
}

// isUniqueViolation sniffs the driver's error text; modernc exposes no typed
// constraint errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
