package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBody = 64 << 10

// RequestBuilder builds the authorization request for a subscription.
type RequestBuilder func(ctx context.Context, socketID, channel string) (*http.Request, error)

// HTTPAuthenticator asks an auth endpoint to sign subscriptions. The default
// request is a form POST with socket_id and channel_name.
type HTTPAuthenticator struct {
	Endpoint string
	Client   *http.Client
	Header   http.Header
	// Params are extra form fields sent with every request.
	Params url.Values
	// Timeout bounds a single request. Zero relies on ctx alone.
	Timeout time.Duration
	// BuildRequest replaces the default request when set.
	BuildRequest RequestBuilder
}

type authResponse struct {
	Auth         string          `json:"auth"`
	ChannelData  json.RawMessage `json:"channel_data,omitempty"`
	SharedSecret string          `json:"shared_secret,omitempty"`
}

// Authenticate performs one request. Failures are not retried.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, socketID, channel string) (*Token, error) {
	if a.Endpoint == "" && a.BuildRequest == nil {
		return nil, &AuthError{Kind: KindNoMethod, Channel: channel}
	}
	if socketID == "" {
		return nil, &AuthError{Kind: KindNotConnected, Channel: channel}
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	build := a.BuildRequest
	if build == nil {
		build = a.defaultRequest
	}
	req, err := build(ctx, socketID, channel)
	if err != nil {
		return nil, &AuthError{Kind: KindCouldNotBuildRequest, Channel: channel, Err: err}
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		kind := KindRequestFailure
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &AuthError{Kind: kind, Channel: channel, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &AuthError{Kind: KindRequestFailure, Channel: channel, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AuthError{
			Kind:       KindRequestFailure,
			Channel:    channel,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	token, err := parseToken(body, socketID, channel)
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (a *HTTPAuthenticator) defaultRequest(ctx context.Context, socketID, channel string) (*http.Request, error) {
	form := url.Values{}
	for k, vs := range a.Params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	for k, vs := range a.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func parseToken(body []byte, socketID, channel string) (*Token, error) {
	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &AuthError{Kind: KindInvalidResponse, Channel: channel, Body: string(body), Err: err}
	}
	token := &Token{
		Channel:      channel,
		SocketID:     socketID,
		Auth:         resp.Auth,
		ChannelData:  channelDataString(resp.ChannelData),
		SharedSecret: resp.SharedSecret,
	}
	if err := token.Validate(); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			authErr.Body = string(body)
		}
		return nil, err
	}
	return token, nil
}

// channelDataString accepts channel_data as a JSON string or as an object.
func channelDataString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
