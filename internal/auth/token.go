// Package auth obtains signed subscription tokens for private, encrypted and
// presence channels.
package auth

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/vovakirdan/wirepush/internal/proto"
)

// KeySize is the length of an encrypted channel shared secret.
const KeySize = 32

// Token is a signed authorization for one channel and socket.
type Token struct {
	Channel      string
	SocketID     string
	Auth         string
	ChannelData  string
	SharedSecret string
}

// Authenticator produces tokens. Implementations must honour ctx cancellation.
type Authenticator interface {
	Authenticate(ctx context.Context, socketID, channel string) (*Token, error)
}

// Func adapts a plain function to Authenticator.
type Func func(ctx context.Context, socketID, channel string) (*Token, error)

// Authenticate calls f.
func (f Func) Authenticate(ctx context.Context, socketID, channel string) (*Token, error) {
	return f(ctx, socketID, channel)
}

// Validate checks that the token carries what its channel type needs.
func (t *Token) Validate() error {
	if t == nil || t.Auth == "" {
		return invalid(t, errors.New("missing auth signature"))
	}
	switch proto.TypeOf(t.Channel) {
	case proto.ChannelPresence:
		if t.ChannelData == "" {
			return invalid(t, errors.New("presence token without channel_data"))
		}
		if _, ok := proto.ParseChannelData(t.ChannelData); !ok {
			return invalid(t, errors.New("channel_data has no user_id"))
		}
	case proto.ChannelPrivateEncrypted:
		if _, err := t.Key(); err != nil {
			return invalid(t, err)
		}
	}
	return nil
}

// Key decodes the shared secret of an encrypted channel token.
func (t *Token) Key() (*[KeySize]byte, error) {
	if t.SharedSecret == "" {
		return nil, errors.New("missing shared_secret")
	}
	raw, err := base64.StdEncoding.DecodeString(t.SharedSecret)
	if err != nil {
		return nil, errors.New("shared_secret is not base64")
	}
	if len(raw) != KeySize {
		return nil, errors.New("shared_secret has wrong length")
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

func invalid(t *Token, err error) *AuthError {
	e := &AuthError{Kind: KindInvalidResponse, Err: err}
	if t != nil {
		e.Channel = t.Channel
	}
	return e
}
