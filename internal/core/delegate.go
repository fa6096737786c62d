package core

import "github.com/vovakirdan/wirepush/internal/transport/ws"

// Delegate receives connection-level notifications from a Client. Callbacks
// run on the client goroutine (or the configured Executor) and must not call
// Subscribe, which waits for that goroutine.
type Delegate interface {
	ConnectionStateChanged(prev, next ws.State)
	SubscriptionSucceeded(channel string)
	SubscriptionError(channel string, err error)
	Error(err error)
	EventReceived(ev Event)
}

// NopDelegate ignores every notification. Embed it to implement a subset.
type NopDelegate struct{}

func (NopDelegate) ConnectionStateChanged(ws.State, ws.State) {}
func (NopDelegate) SubscriptionSucceeded(string)              {}
func (NopDelegate) SubscriptionError(string, error)           {}
func (NopDelegate) Error(error)                               {}
func (NopDelegate) EventReceived(Event)                       {}
