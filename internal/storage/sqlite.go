package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"versebot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.RecordStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: serializes concurrent stat upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id        TEXT PRIMARY KEY,
		username       TEXT,
		first_name     TEXT,
		last_name      TEXT,
		language_code  TEXT,
		registered_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_activity  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       TEXT NOT NULL,
		text          TEXT,
		kind          TEXT NOT NULL,
		from_bot      INTEGER DEFAULT 0,
		handler_name  TEXT,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at);

	CREATE TABLE IF NOT EXISTS bot_stats (
		handler_name   TEXT PRIMARY KEY,
		request_count  INTEGER NOT NULL DEFAULT 0,
		success_count  INTEGER NOT NULL DEFAULT 0,
		error_count    INTEGER NOT NULL DEFAULT 0,
		last_request   DATETIME
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, user domain.UserRecord) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, first_name, last_name, language_code, registered_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			username      = COALESCE(NULLIF(excluded.username, ''), username),
			first_name    = COALESCE(NULLIF(excluded.first_name, ''), first_name),
			last_name     = COALESCE(NULLIF(excluded.last_name, ''), last_name),
			language_code = COALESCE(NULLIF(excluded.language_code, ''), language_code),
			last_activity = excluded.last_activity`,
		user.UserID, user.Username, user.FirstName, user.LastName, user.LanguageCode, now, now,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.UserRecord, error) {
	var u domain.UserRecord
	var username, first, last, lang sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, first_name, last_name, language_code, registered_at, last_activity
		 FROM users WHERE user_id = ?`, userID,
	).Scan(&u.UserID, &username, &first, &last, &lang, &u.RegisteredAt, &u.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Username = username.String
	u.FirstName = first.String
	u.LastName = last.String
	u.LanguageCode = lang.String
	return &u, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.MessageLogEntry) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, text, kind, from_bot, handler_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.Text, string(msg.Kind), msg.FromBot, msg.HandlerName, msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE users SET last_activity = ? WHERE user_id = ?`, now, msg.UserID,
	)
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, userID string, limit int) ([]domain.MessageLogEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	// Last N messages, returned oldest first.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, text, kind, from_bot, handler_name, created_at
		 FROM messages WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageLogEntry
	for rows.Next() {
		var m domain.MessageLogEntry
		var kind string
		var handler sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &kind, &m.FromBot, &handler, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = domain.MessageKind(kind)
		m.HandlerName = handler.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpsertStats bumps request_count and exactly one of success_count or
// error_count in a single statement, so concurrent callers cannot split a
// request across two rows or miss an increment.
func (s *SQLiteStore) UpsertStats(ctx context.Context, handlerName string, success bool) error {
	succ, errc := 0, 1
	if success {
		succ, errc = 1, 0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_stats (handler_name, request_count, success_count, error_count, last_request)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(handler_name) DO UPDATE SET
			request_count = request_count + 1,
			success_count = success_count + excluded.success_count,
			error_count   = error_count + excluded.error_count,
			last_request  = excluded.last_request`,
		handlerName, succ, errc, time.Now(),
	)
	return err
}

// GetStats returns stats for one handler, or for all handlers when
// handlerName is empty.
func (s *SQLiteStore) GetStats(ctx context.Context, handlerName string) ([]domain.StatEntry, error) {
	query := `SELECT handler_name, request_count, success_count, error_count, last_request
	          FROM bot_stats ORDER BY handler_name`
	args := []any{}
	if handlerName != "" {
		query = `SELECT handler_name, request_count, success_count, error_count, last_request
		         FROM bot_stats WHERE handler_name = ?`
		args = append(args, handlerName)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.StatEntry
	for rows.Next() {
		var st domain.StatEntry
		var last sql.NullTime
		if err := rows.Scan(&st.HandlerName, &st.RequestCount, &st.SuccessCount, &st.ErrorCount, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			st.LastRequest = last.Time
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
