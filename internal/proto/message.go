package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the Pusher Channels protocol revision the client speaks.
const ProtocolVersion = 7

const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSubscriptionError     = "pusher:subscription_error"
	EventSubscriptionSucceeded = "pusher:subscription_succeeded"
	EventSubscriptionCount     = "pusher:subscription_count"

	InternalSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	InternalMemberAdded           = "pusher_internal:member_added"
	InternalMemberRemoved         = "pusher_internal:member_removed"
	InternalSubscriptionCount     = "pusher_internal:subscription_count"

	PusherEventPrefix   = "pusher:"
	InternalEventPrefix = "pusher_internal:"
	ClientEventPrefix   = "client-"
)

// ErrEmptyEvent is returned when a frame has no event name.
var ErrEmptyEvent = errors.New("frame has no event name")

// Frame is the envelope of every message on the wire.
// Data is kept raw: servers send it either as a JSON string or as an object.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

// ProtocolError describes an inbound frame that could not be decoded.
type ProtocolError struct {
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Decode parses a text frame into its envelope.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &ProtocolError{Frame: raw, Err: err}
	}
	if f.Event == "" {
		return Frame{}, &ProtocolError{Frame: raw, Err: ErrEmptyEvent}
	}
	return f, nil
}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// NewFrame builds a frame with data marshalled as a JSON value.
func NewFrame(event, channel string, data any) (Frame, error) {
	f := Frame{Event: event, Channel: channel}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s data: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

// DataString returns the payload as text. A JSON string is unquoted, any other
// JSON value is returned verbatim.
func (f Frame) DataString() string {
	raw := bytes.TrimSpace(f.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// DecodeData unmarshals the payload into v, unwrapping string-encoded JSON.
func (f Frame) DecodeData(v any) error {
	raw := bytes.TrimSpace(f.Data)
	if len(raw) == 0 {
		return fmt.Errorf("decode %s: empty data", f.Event)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return nil
}

// IsClientEvent reports whether the event name is a client-triggered event.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// IsProtocolEvent reports whether the event is reserved by the protocol.
func IsProtocolEvent(event string) bool {
	return strings.HasPrefix(event, PusherEventPrefix) || strings.HasPrefix(event, InternalEventPrefix)
}
