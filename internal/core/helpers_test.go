package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/proto"
	"github.com/vovakirdan/wirepush/internal/pushertest"
	"github.com/vovakirdan/wirepush/internal/transport/ws"
)

const waitTimeout = 5 * time.Second

// fakeConn stands in for the transport and lets tests drive state changes.
type fakeConn struct {
	handler ws.Handler
	sent    chan proto.Frame

	mu       sync.Mutex
	state    ws.State
	socketID string
	n        int
}

func (f *fakeConn) Connect(context.Context) error {
	f.transition(ws.StateConnecting, false)
	f.transition(ws.StateConnected, true)
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if state == ws.StateDisconnected {
		return
	}
	f.transition(ws.StateDisconnecting, false)
	f.transition(ws.StateDisconnected, false)
}

func (f *fakeConn) Send(_ context.Context, fr proto.Frame) error {
	f.mu.Lock()
	connected := f.state == ws.StateConnected
	f.mu.Unlock()
	if !connected {
		return ws.ErrNotConnected
	}
	f.sent <- fr
	return nil
}

func (f *fakeConn) State() ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) SocketID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socketID
}

func (f *fakeConn) drop()      { f.transition(ws.StateReconnecting, false) }
func (f *fakeConn) reconnect() { f.transition(ws.StateConnected, true) }

func (f *fakeConn) transition(next ws.State, newSocket bool) {
	f.mu.Lock()
	prev := f.state
	f.state = next
	f.socketID = ""
	if newSocket {
		f.n++
		f.socketID = fmt.Sprintf("%d.%d", f.n, f.n*100)
	}
	change := ws.StateChange{Prev: prev, Next: next, SocketID: f.socketID}
	f.mu.Unlock()
	f.handler.HandleStateChange(change)
}

func (f *fakeConn) serverSends(fr proto.Frame) {
	f.handler.HandleFrame(fr)
}

func (f *fakeConn) ack(channel string, data any) {
	if data == nil {
		data = struct{}{}
	}
	f.serverSends(proto.Frame{Event: proto.InternalSubscriptionSucceeded, Channel: channel, Data: pushertest.StringData(data)})
}

func (f *fakeConn) next(t *testing.T) proto.Frame {
	t.Helper()
	select {
	case fr := <-f.sent:
		return fr
	case <-time.After(waitTimeout):
		t.Fatalf("no frame sent within %s", waitTimeout)
		return proto.Frame{}
	}
}

func (f *fakeConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case fr := <-f.sent:
		t.Fatalf("unexpected frame sent: %s %s", fr.Event, fr.DataString())
	case <-time.After(d):
	}
}

func newTestClient(t *testing.T, opts Options, delegate Delegate) (*Client, *fakeConn) {
	t.Helper()
	c := newClient(opts, delegate)
	fc := &fakeConn{handler: c, sent: make(chan proto.Frame, 128)}
	c.conn = fc
	go c.run()
	t.Cleanup(c.Close)
	return c, fc
}

func connectClient(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func subscribe(t *testing.T, c *Client, name string) *Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ch, err := c.Subscribe(ctx, name)
	if err != nil {
		t.Fatalf("subscribe %s: %v", name, err)
	}
	return ch
}

func subscribedChannel(t *testing.T, fr proto.Frame) proto.SubscribeData {
	t.Helper()
	if fr.Event != proto.EventSubscribe {
		t.Fatalf("expected subscribe frame, got %s", fr.Event)
	}
	var data proto.SubscribeData
	if err := fr.DecodeData(&data); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	return data
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func staticAuth(token string) auth.Authenticator {
	return auth.Func(func(_ context.Context, socketID, channel string) (*auth.Token, error) {
		return &auth.Token{Channel: channel, SocketID: socketID, Auth: token}, nil
	})
}

type subscriptionErr struct {
	channel string
	err     error
}

type stateChange struct {
	prev, next ws.State
}

// recordingDelegate captures every notification on channels.
type recordingDelegate struct {
	states    chan stateChange
	succeeded chan string
	subErrs   chan subscriptionErr
	errs      chan error
	events    chan Event
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		states:    make(chan stateChange, 64),
		succeeded: make(chan string, 64),
		subErrs:   make(chan subscriptionErr, 64),
		errs:      make(chan error, 64),
		events:    make(chan Event, 64),
	}
}

func (d *recordingDelegate) ConnectionStateChanged(prev, next ws.State) {
	d.states <- stateChange{prev, next}
}
func (d *recordingDelegate) SubscriptionSucceeded(channel string) { d.succeeded <- channel }
func (d *recordingDelegate) SubscriptionError(channel string, err error) {
	d.subErrs <- subscriptionErr{channel, err}
}
func (d *recordingDelegate) Error(err error)        { d.errs <- err }
func (d *recordingDelegate) EventReceived(ev Event) { d.events <- ev }

func (d *recordingDelegate) waitSucceeded(t *testing.T, channel string) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case got := <-d.succeeded:
			if got == channel {
				return
			}
		case <-timeout:
			t.Fatalf("subscription to %s not confirmed", channel)
		}
	}
}

func (d *recordingDelegate) waitEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-d.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("no event received")
		return Event{}
	}
}

func (d *recordingDelegate) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-d.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("no error reported")
		return nil
	}
}

func (d *recordingDelegate) waitSubscriptionError(t *testing.T) subscriptionErr {
	t.Helper()
	select {
	case e := <-d.subErrs:
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("no subscription error reported")
		return subscriptionErr{}
	}
}

func rawJSON(s string) json.RawMessage {
	return json.RawMessage(s)
}
