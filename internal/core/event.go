package core

import "encoding/json"

// Event is a channel or connection event delivered to bindings and the delegate.
type Event struct {
	Name    string
	Channel string
	// Data is the payload as text: decrypted for encrypted channels, unquoted
	// when the server sent a JSON string.
	Data   string
	UserID string
}

// Decode unmarshals the payload as JSON into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// Member is one user present on a presence channel.
type Member struct {
	UserID string
	Info   json.RawMessage
}

// DecodeInfo unmarshals the member's user_info into v.
func (m Member) DecodeInfo(v any) error {
	if len(m.Info) == 0 {
		return nil
	}
	return json.Unmarshal(m.Info, v)
}
