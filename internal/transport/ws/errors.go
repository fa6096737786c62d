package ws

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the connection is not established.
var ErrNotConnected = errors.New("not connected")

// errPongTimeout marks a connection dropped by the keepalive.
var errPongTimeout = errors.New("no pong received")

// ConnectionError reports a transport-level failure. Code carries the
// websocket close code or the pusher:error code when one is known.
type ConnectionError struct {
	Code   int
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := "connection error"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// reconnectStrategy classifies close codes in the 4000-4999 range.
type reconnectStrategy int

const (
	reconnectAfterBackoff reconnectStrategy = iota
	reconnectImmediately
	doNotReconnect
)

func strategyFor(code int) reconnectStrategy {
	switch {
	case code >= 4000 && code <= 4099:
		return doNotReconnect
	case code >= 4200 && code <= 4299:
		return reconnectImmediately
	default:
		return reconnectAfterBackoff
	}
}
