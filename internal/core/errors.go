package core

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
	// ErrInvalidChannelName is returned by Subscribe for names servers reject.
	ErrInvalidChannelName = errors.New("invalid channel name")
	// ErrInvalidClientEvent is returned by Trigger for names without the client- prefix.
	ErrInvalidClientEvent = errors.New("client event names must start with client-")
	// ErrClientEventsNotAllowed is returned by Trigger on public and encrypted channels.
	ErrClientEventsNotAllowed = errors.New("client events are only allowed on private and presence channels")
	// ErrUnsubscribed is returned by Trigger on a channel that was unsubscribed.
	ErrUnsubscribed = errors.New("channel is unsubscribed")
)

// ServerError is an error reported by the server, either pusher:error or a
// rejected subscription.
type ServerError struct {
	Channel string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	msg := "server error"
	if e.Channel != "" {
		msg += fmt.Sprintf(" on %q", e.Channel)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// DecryptionError reports an encrypted channel event that could not be opened.
type DecryptionError struct {
	Channel string
	Event   string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt %s on %q: %v", e.Event, e.Channel, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}
