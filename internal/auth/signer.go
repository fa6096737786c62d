package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirepush/internal/proto"
)

// Signer signs subscriptions locally with the app secret. It is used by the
// auth server and by clients trusted with the secret.
type Signer struct {
	Key    string
	Secret string
	// Member returns the presence identity for a channel. Without it the
	// socket id is used as user_id.
	Member func(channel string) (proto.ChannelData, error)
	// EncryptionMasterKey enables private-encrypted channels.
	EncryptionMasterKey []byte
}

// Authenticate implements Authenticator.
func (s *Signer) Authenticate(ctx context.Context, socketID, channel string) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AuthError{Kind: KindRequestFailure, Channel: channel, Err: err}
	}
	var member *proto.ChannelData
	if proto.TypeOf(channel) == proto.ChannelPresence {
		m := proto.ChannelData{UserID: socketID}
		if s.Member != nil {
			var err error
			if m, err = s.Member(channel); err != nil {
				return nil, &AuthError{Kind: KindCouldNotBuildRequest, Channel: channel, Err: err}
			}
		}
		member = &m
	}
	return s.SignChannel(socketID, channel, member)
}

// SignChannel builds a token for the channel. member is only used for
// presence channels.
func (s *Signer) SignChannel(socketID, channel string, member *proto.ChannelData) (*Token, error) {
	if s.Key == "" || s.Secret == "" {
		return nil, &AuthError{Kind: KindNoMethod, Channel: channel, Err: errors.New("app key or secret missing")}
	}
	if socketID == "" {
		return nil, &AuthError{Kind: KindNotConnected, Channel: channel}
	}

	token := &Token{Channel: channel, SocketID: socketID}
	switch proto.TypeOf(channel) {
	case proto.ChannelPublic:
		return nil, &AuthError{Kind: KindCouldNotBuildRequest, Channel: channel, Err: errors.New("public channels need no authorization")}
	case proto.ChannelPresence:
		if member == nil || member.UserID == "" {
			return nil, &AuthError{Kind: KindCouldNotBuildRequest, Channel: channel, Err: errors.New("presence member has no user_id")}
		}
		raw, err := json.Marshal(member)
		if err != nil {
			return nil, &AuthError{Kind: KindCouldNotBuildRequest, Channel: channel, Err: fmt.Errorf("marshal channel_data: %w", err)}
		}
		token.ChannelData = string(raw)
	case proto.ChannelPrivateEncrypted:
		if len(s.EncryptionMasterKey) == 0 {
			return nil, &AuthError{Kind: KindNoMethod, Channel: channel, Err: errors.New("encryption master key missing")}
		}
		token.SharedSecret = SharedSecret(channel, s.EncryptionMasterKey)
	}

	token.Auth = Sign(s.Key, s.Secret, socketID, channel, token.ChannelData)
	return token, nil
}

// Sign returns "key:signature" where the signature is the hex HMAC-SHA256 of
// "socketID:channel" or "socketID:channel:channelData".
func Sign(key, secret, socketID, channel, channelData string) string {
	msg := socketID + ":" + channel
	if channelData != "" {
		msg += ":" + channelData
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return key + ":" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an auth string produced by Sign.
func Verify(auth, key, secret, socketID, channel, channelData string) bool {
	want := Sign(key, secret, socketID, channel, channelData)
	return hmac.Equal([]byte(auth), []byte(want))
}

// SharedSecret derives the per-channel key of an encrypted channel.
func SharedSecret(channel string, masterKey []byte) string {
	sum := sha256.Sum256(append([]byte(channel), masterKey...))
	return base64.StdEncoding.EncodeToString(sum[:])
}
