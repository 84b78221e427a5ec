package domain

import (
	"context"
	"time"
)

// RecordStore handles persistent storage of users, the message log, and
// per-handler usage statistics. No core logic depends on the storage engine
// beyond these operations.
type RecordStore interface {
	UpsertUser(ctx context.Context, user UserRecord) error
	GetUser(ctx context.Context, userID string) (*UserRecord, error)

	AppendMessage(ctx context.Context, msg MessageLogEntry) error
	GetMessages(ctx context.Context, userID string, limit int) ([]MessageLogEntry, error)

	// UpsertStats bumps request_count and exactly one of success_count or
	// error_count for the named handler, creating the row if needed.
	UpsertStats(ctx context.Context, handlerName string, success bool) error
	GetStats(ctx context.Context, handlerName string) ([]StatEntry, error)

	Close() error
}

type UserRecord struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
}

type MessageLogEntry struct {
	ID          int64       `json:"id"`
	UserID      string      `json:"user_id"`
	Text        string      `json:"text"`
	Kind        MessageKind `json:"kind"`
	FromBot     bool        `json:"from_bot"`
	HandlerName string      `json:"handler_name,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// StatEntry is one row per handler with monotonically increasing counters.
type StatEntry struct {
	HandlerName  string    `json:"handler_name"`
	RequestCount int64     `json:"request_count"`
	SuccessCount int64     `json:"success_count"`
	ErrorCount   int64     `json:"error_count"`
	LastRequest  time.Time `json:"last_request"`
}
