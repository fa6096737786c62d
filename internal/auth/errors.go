package auth

import (
	"errors"
	"fmt"
)

// ErrAuthFailed matches every AuthError with errors.Is.
var ErrAuthFailed = errors.New("channel authorization failed")

// Kind classifies authorization failures.
type Kind int

const (
	KindNoMethod Kind = iota
	KindNotConnected
	KindCouldNotBuildRequest
	KindRequestFailure
	KindInvalidResponse
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNoMethod:
		return "no auth method"
	case KindNotConnected:
		return "not connected"
	case KindCouldNotBuildRequest:
		return "could not build request"
	case KindRequestFailure:
		return "request failed"
	case KindInvalidResponse:
		return "invalid response"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// AuthError describes why a channel could not be authorized.
type AuthError struct {
	Kind       Kind
	Channel    string
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("authorize %q: %s", e.Channel, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAuthFailed) match.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailed
}
