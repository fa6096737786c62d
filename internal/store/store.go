package store

import (
	"context"
	"time"
)

// EventRecord is a received event persisted by the listener.
type EventRecord struct {
	ID         int64
	Channel    string
	Event      string
	Data       string
	UserID     string
	ReceivedAt time.Time
}

// StateRecord is a connection state transition.
type StateRecord struct {
	ID         int64
	From       string
	To         string
	SocketID   string
	RecordedAt time.Time
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Channel string
	Event   string
	Since   time.Time
	// Limit caps the number of returned records, newest first.
	Limit int
}

// EventStore handles event persistence.
type EventStore interface {
	// RecordEvent persists a received event and fills in its ID.
	RecordEvent(ctx context.Context, rec *EventRecord) error

	// ListEvents returns events matching the filter, newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)
}

// StateStore handles connection state history.
type StateStore interface {
	// RecordStateChange persists a connection state transition.
	RecordStateChange(ctx context.Context, rec *StateRecord) error

	// ListStateChanges returns the most recent transitions, newest first.
	ListStateChanges(ctx context.Context, limit int) ([]*StateRecord, error)
}

// Journal aggregates all storage interfaces.
type Journal interface {
	EventStore
	StateStore

	// Close closes the underlying database connection.
	Close() error
}
