package proto

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ConnectionEstablished is the data of pusher:connection_established.
type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout,omitempty"`
}

// ErrorData is the data of pusher:error. Code is absent for some errors.
type ErrorData struct {
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubscriptionErrorData is the data of pusher:subscription_error.
type SubscriptionErrorData struct {
	Type   string `json:"type,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status,omitempty"`
}

// SubscribeData is sent with pusher:subscribe.
type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribeData is sent with pusher:unsubscribe.
type UnsubscribeData struct {
	Channel string `json:"channel"`
}

// PresenceData is the data of a presence channel's subscription_succeeded.
type PresenceData struct {
	Presence struct {
		IDs   []json.RawMessage          `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
		Count int                        `json:"count"`
	} `json:"presence"`
}

// MemberIDs returns the roster ids in server order.
func (p PresenceData) MemberIDs() []string {
	ids := make([]string, 0, len(p.Presence.IDs))
	for _, raw := range p.Presence.IDs {
		if id := rawID(raw); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// MemberData is the data of member_added and member_removed.
// user_id may arrive as a string or a number.
type MemberData struct {
	UserID   json.RawMessage `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// ID returns the member identifier as a string.
func (m MemberData) ID() string {
	return rawID(m.UserID)
}

// ChannelData is the presence identity signed into a subscription.
type ChannelData struct {
	UserID   string `json:"user_id"`
	UserInfo any    `json:"user_info,omitempty"`
}

// ParseChannelData extracts user_id from a signed channel_data string.
func ParseChannelData(channelData string) (string, bool) {
	var raw struct {
		UserID json.RawMessage `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(channelData), &raw); err != nil {
		return "", false
	}
	id := rawID(raw.UserID)
	return id, id != ""
}

// SubscriptionCountData is the data of subscription_count events.
type SubscriptionCountData struct {
	SubscriptionCount int `json:"subscription_count"`
}

// EncryptedData is the payload of events on private-encrypted channels.
type EncryptedData struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return strings.TrimSpace(string(raw))
}
