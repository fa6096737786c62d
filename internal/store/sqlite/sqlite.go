package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirepush/internal/store"
)

// Schema creates the journal tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel     TEXT NOT NULL,
	event       TEXT NOT NULL,
	data        TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	received_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_channel ON events (channel, id);

CREATE TABLE IF NOT EXISTS state_changes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	socket_id   TEXT NOT NULL DEFAULT '',
	recorded_at DATETIME NOT NULL
);
`

const defaultListLimit = 100

// SQLiteStore implements store.Journal for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.Journal = (*SQLiteStore)(nil)

// New opens the journal at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== EventStore implementation ====

// RecordEvent persists a received event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, rec *store.EventRecord) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO events (channel, event, data, user_id, received_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, rec.Channel, rec.Event, rec.Data, rec.UserID, rec.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.EventRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, filter.Event)
	}
	if !filter.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, channel, event, data, user_id, received_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*store.EventRecord
	for rows.Next() {
		var rec store.EventRecord
		if err := rows.Scan(&rec.ID, &rec.Channel, &rec.Event, &rec.Data, &rec.UserID, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// ==== StateStore implementation ====

// RecordStateChange persists a connection state transition.
func (s *SQLiteStore) RecordStateChange(ctx context.Context, rec *store.StateRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO state_changes (from_state, to_state, socket_id, recorded_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, rec.From, rec.To, rec.SocketID, rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert state change: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListStateChanges returns the most recent transitions, newest first.
func (s *SQLiteStore) ListStateChanges(ctx context.Context, limit int) ([]*store.StateRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT id, from_state, to_state, socket_id, recorded_at
		FROM state_changes
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query state changes: %w", err)
	}
	defer rows.Close()

	var changes []*store.StateRecord
	for rows.Next() {
		var rec store.StateRecord
		if err := rows.Scan(&rec.ID, &rec.From, &rec.To, &rec.SocketID, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		changes = append(changes, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state changes: %w", err)
	}

	return changes, nil
}
