package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/wirepush/internal/proto"
)

func TestSignMatchesKnownVector(t *testing.T) {
	// Reference values from the public channel authorization docs.
	got := Sign("278d425bdf160c739803", "7ad3773142a6692b25b8", "1234.1234", "private-foobar", "")
	want := "278d425bdf160c739803:58df8b0c36d6982b82c3ecf6b4662e34fe8c25bba48f5369f135bf843651c3a4"
	if got != want {
		t.Fatalf("unexpected signature:\n got %s\nwant %s", got, want)
	}
	if !Verify(got, "278d425bdf160c739803", "7ad3773142a6692b25b8", "1234.1234", "private-foobar", "") {
		t.Fatalf("expected signature to verify")
	}
	if Verify(got, "278d425bdf160c739803", "7ad3773142a6692b25b8", "1234.1234", "private-other", "") {
		t.Fatalf("signature must not verify for another channel")
	}
}

func TestSignerPresenceIncludesChannelData(t *testing.T) {
	s := &Signer{
		Key:    "key",
		Secret: "secret",
		Member: func(string) (proto.ChannelData, error) {
			return proto.ChannelData{UserID: "alice", UserInfo: map[string]string{"name": "Alice"}}, nil
		},
	}
	token, err := s.Authenticate(context.Background(), "1.2", "presence-lobby")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.ChannelData != `{"user_id":"alice","user_info":{"name":"Alice"}}` {
		t.Fatalf("unexpected channel data %s", token.ChannelData)
	}
	if !Verify(token.Auth, "key", "secret", "1.2", "presence-lobby", token.ChannelData) {
		t.Fatalf("presence signature must cover channel_data")
	}
	if err := token.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSignerEncryptedChannelSharedSecret(t *testing.T) {
	master := []byte(strings.Repeat("m", 32))
	s := &Signer{Key: "key", Secret: "secret", EncryptionMasterKey: master}
	token, err := s.Authenticate(context.Background(), "1.2", "private-encrypted-vault")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.SharedSecret != SharedSecret("private-encrypted-vault", master) {
		t.Fatalf("unexpected shared secret")
	}
	key, err := token.Key()
	if err != nil || key == nil {
		t.Fatalf("expected 32-byte key, got %v", err)
	}

	noKey := &Signer{Key: "key", Secret: "secret"}
	_, err = noKey.Authenticate(context.Background(), "1.2", "private-encrypted-vault")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != KindNoMethod {
		t.Fatalf("expected KindNoMethod without master key, got %v", err)
	}
}

func TestHTTPAuthenticatorPostsForm(t *testing.T) {
	var gotForm url.Values
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		_ = r.ParseForm()
		gotForm = r.PostForm
		gotHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"auth":"key:sig"}`)
	}))
	defer srv.Close()

	a := &HTTPAuthenticator{
		Endpoint: srv.URL,
		Header:   http.Header{"Authorization": []string{"Bearer abc"}},
		Params:   url.Values{"team": []string{"blue"}},
	}
	token, err := a.Authenticate(context.Background(), "123.456", "private-chat")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.Auth != "key:sig" || token.Channel != "private-chat" || token.SocketID != "123.456" {
		t.Fatalf("unexpected token %+v", token)
	}
	if gotForm.Get("socket_id") != "123.456" || gotForm.Get("channel_name") != "private-chat" || gotForm.Get("team") != "blue" {
		t.Fatalf("unexpected form %v", gotForm)
	}
	if gotHeader != "Bearer abc" {
		t.Fatalf("expected authorization header, got %q", gotHeader)
	}
}

func TestHTTPAuthenticatorAcceptsObjectChannelData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"auth":"key:sig","channel_data":{"user_id":7}}`)
	}))
	defer srv.Close()

	a := &HTTPAuthenticator{Endpoint: srv.URL}
	token, err := a.Authenticate(context.Background(), "1.1", "presence-room")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id, ok := proto.ParseChannelData(token.ChannelData); !ok || id != "7" {
		t.Fatalf("unexpected channel data %q", token.ChannelData)
	}
}

func TestHTTPAuthenticatorFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		channel string
		delay   time.Duration
		want    Kind
	}{
		{name: "forbidden", status: http.StatusForbidden, body: "nope", channel: "private-a", want: KindRequestFailure},
		{name: "not json", status: http.StatusOK, body: "<html>", channel: "private-a", want: KindInvalidResponse},
		{name: "missing auth", status: http.StatusOK, body: `{}`, channel: "private-a", want: KindInvalidResponse},
		{name: "presence without channel data", status: http.StatusOK, body: `{"auth":"k:s"}`, channel: "presence-a", want: KindInvalidResponse},
		{name: "encrypted without secret", status: http.StatusOK, body: `{"auth":"k:s"}`, channel: "private-encrypted-a", want: KindInvalidResponse},
		{name: "timeout", status: http.StatusOK, body: `{"auth":"k:s"}`, channel: "private-a", delay: 200 * time.Millisecond, want: KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			a := &HTTPAuthenticator{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}
			_, err := a.Authenticate(context.Background(), "1.1", tt.channel)
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("expected AuthError, got %v", err)
			}
			if authErr.Kind != tt.want {
				t.Fatalf("expected kind %s, got %s (%v)", tt.want, authErr.Kind, err)
			}
			if !errors.Is(err, ErrAuthFailed) {
				t.Fatalf("expected errors.Is ErrAuthFailed")
			}
			if tt.status == http.StatusForbidden && (authErr.StatusCode != 403 || authErr.Body != "nope") {
				t.Fatalf("expected status and body kept, got %d %q", authErr.StatusCode, authErr.Body)
			}
		})
	}
}

func TestHTTPAuthenticatorPreconditions(t *testing.T) {
	_, err := (&HTTPAuthenticator{}).Authenticate(context.Background(), "1.1", "private-a")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != KindNoMethod {
		t.Fatalf("expected KindNoMethod, got %v", err)
	}

	_, err = (&HTTPAuthenticator{Endpoint: "http://localhost"}).Authenticate(context.Background(), "", "private-a")
	if !errors.As(err, &authErr) || authErr.Kind != KindNotConnected {
		t.Fatalf("expected KindNotConnected, got %v", err)
	}

	broken := &HTTPAuthenticator{BuildRequest: func(context.Context, string, string) (*http.Request, error) {
		return nil, errors.New("boom")
	}}
	_, err = broken.Authenticate(context.Background(), "1.1", "private-a")
	if !errors.As(err, &authErr) || authErr.Kind != KindCouldNotBuildRequest {
		t.Fatalf("expected KindCouldNotBuildRequest, got %v", err)
	}
}

func TestTokenKeyRejectsWrongLength(t *testing.T) {
	token := &Token{Channel: "private-encrypted-x", Auth: "k:s", SharedSecret: base64.StdEncoding.EncodeToString([]byte("short"))}
	if _, err := token.Key(); err == nil {
		t.Fatalf("expected error for short key")
	}
	if err := token.Validate(); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	cfg := &JWTConfig{Secret: []byte("test-secret"), Issuer: "wirepush", Audience: "clients", TTL: time.Hour}
	raw, err := GenerateToken(cfg, "alice", "Alice", map[string]any{"role": "admin"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ValidateToken(cfg, raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	m := claims.Member()
	if m.UserID != "alice" {
		t.Fatalf("unexpected member %+v", m)
	}
	info, ok := m.UserInfo.(map[string]any)
	if !ok || info["name"] != "Alice" || info["role"] != "admin" {
		t.Fatalf("unexpected user info %#v", m.UserInfo)
	}

	other := &JWTConfig{Secret: []byte("test-secret"), Issuer: "someone-else", TTL: time.Hour}
	if _, err := ValidateToken(other, raw); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
	if _, err := ValidateToken(&JWTConfig{Secret: []byte("wrong")}, raw); err == nil {
		t.Fatalf("expected bad signature to fail")
	}
}
