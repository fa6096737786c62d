package core

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/proto"
	"github.com/vovakirdan/wirepush/internal/transport/ws"
)

func TestSubscribePublicChannel(t *testing.T) {
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{}, d)
	connectClient(t, c)

	ch := subscribe(t, c, "news")
	if got := subscribedChannel(t, fc.next(t)); got.Channel != "news" || got.Auth != "" {
		t.Fatalf("unexpected subscribe data %+v", got)
	}
	if ch.State() != ChannelSubscribePending {
		t.Fatalf("expected subscribe pending, got %s", ch.State())
	}

	fc.ack("news", nil)
	d.waitSucceeded(t, "news")
	if !ch.Subscribed() {
		t.Fatalf("expected subscribed, got %s", ch.State())
	}

	again := subscribe(t, c, "news")
	if again != ch {
		t.Fatalf("subscribing twice must return the same channel")
	}
	fc.expectNone(t, 50*time.Millisecond)
}

func TestPrivateChannelSubscribeAndReceive(t *testing.T) {
	release := make(chan struct{})
	requested := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested <- struct{}{}
		<-release
		_, _ = io.WriteString(w, `{"auth":"abc"}`)
	}))
	defer srv.Close()

	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{Authenticator: &auth.HTTPAuthenticator{Endpoint: srv.URL}}, d)
	connectClient(t, c)

	type result struct {
		ch  *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := c.Subscribe(context.Background(), "private-chat")
		done <- result{ch, err}
	}()

	<-requested
	ch, ok := c.Channel("private-chat")
	if !ok || ch.State() != ChannelAuthenticating {
		t.Fatalf("expected authenticating channel during auth request")
	}
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("subscribe: %v", res.err)
	}
	if got := subscribedChannel(t, fc.next(t)); got.Auth != "abc" || got.Channel != "private-chat" {
		t.Fatalf("unexpected subscribe data %+v", got)
	}
	if ch.State() != ChannelSubscribePending {
		t.Fatalf("expected subscribe pending, got %s", ch.State())
	}

	var calls atomic.Int32
	var payload atomic.Value
	ch.Bind("message", func(ev Event) {
		calls.Add(1)
		payload.Store(ev.Data)
	})

	fc.ack("private-chat", nil)
	d.waitSucceeded(t, "private-chat")
	if !ch.Subscribed() {
		t.Fatalf("expected subscribed")
	}

	fc.serverSends(proto.Frame{Event: "message", Channel: "private-chat", Data: rawJSON(`"hi"`)})
	ev := d.waitEvent(t)
	if ev.Name != "message" || ev.Data != "hi" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if calls.Load() != 1 || payload.Load() != "hi" {
		t.Fatalf("expected exactly one callback with hi, got %d calls", calls.Load())
	}
}

func TestAuthFailureLeavesChannelAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{Authenticator: &auth.HTTPAuthenticator{Endpoint: srv.URL}}, d)
	connectClient(t, c)

	_, err := c.Subscribe(context.Background(), "private-chat")
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", authErr.StatusCode)
	}
	if _, ok := c.Channel("private-chat"); ok {
		t.Fatalf("channel must be absent after auth failure")
	}
	if se := d.waitSubscriptionError(t); se.channel != "private-chat" || !errors.Is(se.err, auth.ErrAuthFailed) {
		t.Fatalf("unexpected subscription error %+v", se)
	}
	fc.expectNone(t, 50*time.Millisecond)
}

func TestMissingAuthenticatorFailsPrivateSubscribe(t *testing.T) {
	c, fc := newTestClient(t, Options{}, nil)
	connectClient(t, c)

	_, err := c.Subscribe(context.Background(), "presence-room")
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) || authErr.Kind != auth.KindNoMethod {
		t.Fatalf("expected KindNoMethod, got %v", err)
	}
	fc.expectNone(t, 20*time.Millisecond)
}

func TestPresenceTokenWithoutChannelDataIsRejected(t *testing.T) {
	c, _ := newTestClient(t, Options{Authenticator: staticAuth("key:sig")}, nil)
	connectClient(t, c)

	_, err := c.Subscribe(context.Background(), "presence-room")
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) || authErr.Kind != auth.KindInvalidResponse {
		t.Fatalf("expected KindInvalidResponse, got %v", err)
	}
}

func TestSubscribeWhileOfflineIsDeferred(t *testing.T) {
	c, fc := newTestClient(t, Options{Authenticator: staticAuth("key:sig")}, nil)

	ch := subscribe(t, c, "private-later")
	if ch.State() != ChannelUnsubscribed {
		t.Fatalf("expected unsubscribed while offline, got %s", ch.State())
	}
	fc.expectNone(t, 20*time.Millisecond)

	connectClient(t, c)
	if got := subscribedChannel(t, fc.next(t)); got.Channel != "private-later" || got.Auth != "key:sig" {
		t.Fatalf("unexpected subscribe data %+v", got)
	}
}

func TestSubscribeWithAuthSkipsAuthenticator(t *testing.T) {
	var calls atomic.Int32
	authn := auth.Func(func(_ context.Context, socketID, channel string) (*auth.Token, error) {
		calls.Add(1)
		return &auth.Token{Auth: "fresh"}, nil
	})
	c, fc := newTestClient(t, Options{Authenticator: authn}, nil)
	connectClient(t, c)

	token := &auth.Token{Channel: "private-x", SocketID: c.SocketID(), Auth: "preset"}
	if _, err := c.SubscribeWithAuth(context.Background(), "private-x", token); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := subscribedChannel(t, fc.next(t)); got.Auth != "preset" {
		t.Fatalf("expected preset token, got %+v", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("authenticator must not be called for a preset token")
	}

	fc.drop()
	fc.reconnect()
	if got := subscribedChannel(t, fc.next(t)); got.Auth != "fresh" {
		t.Fatalf("expected authenticator token after reconnect, got %+v", got)
	}
}

func TestSubscribeWithAuthValidatesToken(t *testing.T) {
	c, fc := newTestClient(t, Options{Authenticator: staticAuth("fresh")}, nil)
	connectClient(t, c)

	tests := []struct {
		name    string
		channel string
		token   *auth.Token
	}{
		{name: "missing signature", channel: "private-a", token: &auth.Token{}},
		{name: "other channel", channel: "private-b", token: &auth.Token{Channel: "private-c", Auth: "sig"}},
		{name: "presence without channel data", channel: "presence-room", token: &auth.Token{Auth: "sig"}},
		{name: "encrypted without secret", channel: "private-encrypted-d", token: &auth.Token{Auth: "sig"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SubscribeWithAuth(context.Background(), tt.channel, tt.token)
			var authErr *auth.AuthError
			if !errors.As(err, &authErr) || authErr.Kind != auth.KindInvalidResponse {
				t.Fatalf("expected invalid response AuthError, got %v", err)
			}
			if _, ok := c.Channel(tt.channel); ok {
				t.Fatalf("rejected token must not register %s", tt.channel)
			}
		})
	}
	fc.expectNone(t, 20*time.Millisecond)
}

func TestSubscribeWithAuthRejectsTokenForOtherSocket(t *testing.T) {
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{Authenticator: staticAuth("fresh")}, d)
	connectClient(t, c)

	token := &auth.Token{SocketID: "999.999", Auth: "stale"}
	_, err := c.SubscribeWithAuth(context.Background(), "private-x", token)
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) || authErr.Kind != auth.KindInvalidResponse {
		t.Fatalf("expected invalid response AuthError, got %v", err)
	}
	if got := d.waitSubscriptionError(t); got.channel != "private-x" {
		t.Fatalf("unexpected subscription error %+v", got)
	}
	if _, ok := c.Channel("private-x"); ok {
		t.Fatalf("channel with a stale token must be removed")
	}
	fc.expectNone(t, 20*time.Millisecond)
}

func TestSubscribeWithAuthFillsCurrentSocket(t *testing.T) {
	var calls atomic.Int32
	authn := auth.Func(func(_ context.Context, socketID, channel string) (*auth.Token, error) {
		calls.Add(1)
		return &auth.Token{Auth: "fresh"}, nil
	})
	c, fc := newTestClient(t, Options{Authenticator: authn}, nil)
	connectClient(t, c)

	if _, err := c.SubscribeWithAuth(context.Background(), "private-y", &auth.Token{Auth: "preset"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := subscribedChannel(t, fc.next(t)); got.Channel != "private-y" || got.Auth != "preset" {
		t.Fatalf("expected preset token, got %+v", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("authenticator must not be called for a preset token")
	}
}

func TestConnectThenSubscribeSendsOneFrame(t *testing.T) {
	for i := 0; i < 50; i++ {
		var calls atomic.Int32
		authn := auth.Func(func(_ context.Context, socketID, channel string) (*auth.Token, error) {
			calls.Add(1)
			return &auth.Token{Auth: "key:sig"}, nil
		})
		c, fc := newTestClient(t, Options{Authenticator: authn}, nil)
		connectClient(t, c)
		subscribe(t, c, "news")
		subscribe(t, c, "private-room")

		seen := map[string]int{}
		for j := 0; j < 2; j++ {
			seen[subscribedChannel(t, fc.next(t)).Channel]++
		}
		if seen["news"] != 1 || seen["private-room"] != 1 {
			t.Fatalf("iteration %d: expected one subscribe per channel, got %v", i, seen)
		}
		fc.expectNone(t, 10*time.Millisecond)
		if n := calls.Load(); n != 1 {
			t.Fatalf("iteration %d: expected one authentication, got %d", i, n)
		}
		c.Close()
	}
}

func TestReconnectResubscribesInOrder(t *testing.T) {
	var slow atomic.Bool
	authn := auth.Func(func(ctx context.Context, socketID, channel string) (*auth.Token, error) {
		if slow.Load() && channel == "private-first" {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &auth.Token{Auth: "key:" + channel}, nil
	})
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{Authenticator: authn}, d)
	connectClient(t, c)

	subscribe(t, c, "private-first")
	subscribe(t, c, "second")
	fc.next(t)
	fc.next(t)
	fc.ack("private-first", nil)
	fc.ack("second", nil)
	d.waitSucceeded(t, "private-first")
	d.waitSucceeded(t, "second")

	slow.Store(true)
	fc.drop()
	eventually(t, func() bool {
		return c.reg.list()[0].State() == ChannelUnsubscribed && c.reg.list()[1].State() == ChannelUnsubscribed
	}, "channels unsubscribed after drop")

	fc.reconnect()
	fc.serverSends(proto.Frame{Event: "update", Channel: "second", Data: rawJSON(`"early"`)})

	first := subscribedChannel(t, fc.next(t))
	second := subscribedChannel(t, fc.next(t))
	if first.Channel != "private-first" || second.Channel != "second" {
		t.Fatalf("expected subscribe order, got %s then %s", first.Channel, second.Channel)
	}
	fc.expectNone(t, 50*time.Millisecond)

	fc.ack("second", nil)
	d.waitSucceeded(t, "second")
	fc.serverSends(proto.Frame{Event: "update", Channel: "second", Data: rawJSON(`"late"`)})
	if ev := d.waitEvent(t); ev.Data != "late" {
		t.Fatalf("event sent before resubscription must be dropped, got %q", ev.Data)
	}
}

func TestStaleAuthenticationIsDiscarded(t *testing.T) {
	var calls atomic.Int32
	authn := auth.Func(func(ctx context.Context, socketID, channel string) (*auth.Token, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &auth.Token{Auth: "key:" + socketID}, nil
	})
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{Authenticator: authn}, d)
	connectClient(t, c)

	done := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(context.Background(), "private-x")
		done <- err
	}()
	eventually(t, func() bool { return calls.Load() == 1 }, "first authentication started")

	fc.drop()
	if err := <-done; err != nil {
		t.Fatalf("subscribe interrupted by a drop must not fail, got %v", err)
	}
	fc.reconnect()

	got := subscribedChannel(t, fc.next(t))
	if got.Auth != "key:"+c.SocketID() {
		t.Fatalf("expected token for the new socket, got %q", got.Auth)
	}
	if _, ok := c.Channel("private-x"); !ok {
		t.Fatalf("channel must stay registered")
	}
	select {
	case se := <-d.subErrs:
		t.Fatalf("stale failure must not be reported, got %+v", se)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{}, d)
	connectClient(t, c)

	ch := subscribe(t, c, "news")
	fc.next(t)
	fc.ack("news", nil)
	d.waitSucceeded(t, "news")

	c.Unsubscribe("news")
	if _, ok := c.Channel("news"); ok {
		t.Fatalf("channel must be removed synchronously")
	}
	f := fc.next(t)
	var data proto.UnsubscribeData
	if f.Event != proto.EventUnsubscribe || f.DecodeData(&data) != nil || data.Channel != "news" {
		t.Fatalf("unexpected unsubscribe frame %+v", f)
	}
	eventually(t, func() bool { return ch.State() == ChannelUnsubscribed }, "channel state reset")
	if err := ch.Trigger("client-x", nil); !errors.Is(err, ErrClientEventsNotAllowed) {
		t.Fatalf("expected ErrClientEventsNotAllowed, got %v", err)
	}

	c.Unsubscribe("unknown")
	fc.expectNone(t, 20*time.Millisecond)
}

func TestUnsubscribeAllOffline(t *testing.T) {
	c, fc := newTestClient(t, Options{}, nil)
	subscribe(t, c, "a")
	subscribe(t, c, "b")

	c.UnsubscribeAll()
	if n := len(c.Channels()); n != 0 {
		t.Fatalf("expected no channels, got %d", n)
	}
	connectClient(t, c)
	fc.expectNone(t, 50*time.Millisecond)
}

func TestTriggerQueuesUntilSubscribed(t *testing.T) {
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{Authenticator: staticAuth("key:sig")}, d)
	connectClient(t, c)

	ch := subscribe(t, c, "private-chat")
	fc.next(t)

	if err := ch.Trigger("client-typing", map[string]bool{"on": true}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := ch.Trigger("client-stop", "x"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	fc.expectNone(t, 30*time.Millisecond)

	fc.ack("private-chat", nil)
	first := fc.next(t)
	second := fc.next(t)
	if first.Event != "client-typing" || first.Channel != "private-chat" || string(first.Data) != `{"on":true}` {
		t.Fatalf("unexpected first client event %+v", first)
	}
	if second.Event != "client-stop" || second.DataString() != "x" {
		t.Fatalf("unexpected second client event %+v", second)
	}

	if err := ch.Trigger("client-now", nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if f := fc.next(t); f.Event != "client-now" {
		t.Fatalf("expected immediate send once subscribed, got %+v", f)
	}
}

func TestTriggerValidation(t *testing.T) {
	c, _ := newTestClient(t, Options{Authenticator: staticAuth("key:sig")}, nil)

	public := subscribe(t, c, "news")
	encrypted := subscribe(t, c, "private-encrypted-vault")
	private := subscribe(t, c, "private-chat")

	if err := public.Trigger("client-x", nil); !errors.Is(err, ErrClientEventsNotAllowed) {
		t.Fatalf("public: expected ErrClientEventsNotAllowed, got %v", err)
	}
	if err := encrypted.Trigger("client-x", nil); !errors.Is(err, ErrClientEventsNotAllowed) {
		t.Fatalf("encrypted: expected ErrClientEventsNotAllowed, got %v", err)
	}
	if err := private.Trigger("typing", nil); !errors.Is(err, ErrInvalidClientEvent) {
		t.Fatalf("expected ErrInvalidClientEvent, got %v", err)
	}

	c.Unsubscribe("private-chat")
	if err := private.Trigger("client-x", nil); !errors.Is(err, ErrUnsubscribed) {
		t.Fatalf("expected ErrUnsubscribed, got %v", err)
	}
}

func TestStateChangesReachDelegate(t *testing.T) {
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{}, d)
	connectClient(t, c)
	fc.drop()
	fc.reconnect()
	c.Disconnect()

	want := []stateChange{
		{ws.StateDisconnected, ws.StateConnecting},
		{ws.StateConnecting, ws.StateConnected},
		{ws.StateConnected, ws.StateReconnecting},
		{ws.StateReconnecting, ws.StateConnected},
		{ws.StateConnected, ws.StateDisconnecting},
		{ws.StateDisconnecting, ws.StateDisconnected},
	}
	for i, w := range want {
		select {
		case got := <-d.states:
			if got != w {
				t.Fatalf("transition %d: got %s->%s, want %s->%s", i, got.prev, got.next, w.prev, w.next)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("transition %d not delivered", i)
		}
	}
}

func TestTransportErrorsReachDelegate(t *testing.T) {
	d := newRecordingDelegate()
	c, _ := newTestClient(t, Options{}, d)

	c.HandleError(&ws.ConnectionError{Code: 4001, Reason: "connection closed"})
	var connErr *ws.ConnectionError
	if err := d.waitError(t); !errors.As(err, &connErr) || connErr.Code != 4001 {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestExecutorRunsCallbacks(t *testing.T) {
	var mu sync.Mutex
	var ran int
	exec := func(fn func()) {
		mu.Lock()
		ran++
		mu.Unlock()
		fn()
	}
	d := newRecordingDelegate()
	c, fc := newTestClient(t, Options{Executor: exec}, d)
	connectClient(t, c)
	subscribe(t, c, "news")
	fc.next(t)
	fc.ack("news", nil)
	d.waitSucceeded(t, "news")

	mu.Lock()
	defer mu.Unlock()
	if ran < 3 {
		t.Fatalf("expected callbacks to go through the executor, ran %d", ran)
	}
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	c, _ := newTestClient(t, Options{}, nil)
	c.Close()
	c.Close()

	if _, err := c.Subscribe(context.Background(), "news"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Connect, got %v", err)
	}
}

func TestSubscribeRejectsInvalidNames(t *testing.T) {
	c, _ := newTestClient(t, Options{}, nil)
	for _, name := range []string{"", "has space", "emoji-\u2603", strings.Repeat("a", 200)} {
		if _, err := c.Subscribe(context.Background(), name); !errors.Is(err, ErrInvalidChannelName) {
			t.Fatalf("%q: expected ErrInvalidChannelName, got %v", name, err)
		}
	}
	if len(c.Channels()) != 0 {
		t.Fatalf("invalid names must not be registered")
	}
}

// Random subscribe/unsubscribe sequences against an authenticator that
// rejects some channels must never leave a rejected channel subscribed.
func TestNeverSubscribedWithoutAuthentication(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"private-0", "private-1", "presence-2", "news-3", "private-4"}
	allowed := map[string]bool{"private-0": true, "presence-2": true, "news-3": true}

	authn := auth.Func(func(_ context.Context, socketID, channel string) (*auth.Token, error) {
		if !allowed[channel] {
			return nil, &auth.AuthError{Kind: auth.KindRequestFailure, Channel: channel, StatusCode: 403}
		}
		return &auth.Token{Auth: "k:s", ChannelData: `{"user_id":"u"}`}, nil
	})
	c, fc := newTestClient(t, Options{Authenticator: authn}, nil)
	connectClient(t, c)

	ackSent := func() {
		for {
			select {
			case f := <-fc.sent:
				if f.Event == proto.EventSubscribe {
					fc.ack(subscribedChannel(t, f).Channel, map[string]any{"presence": map[string]any{"ids": []string{"u"}, "hash": map[string]any{"u": nil}}})
				}
			case <-time.After(10 * time.Millisecond):
				return
			}
		}
	}

	for i := 0; i < 60; i++ {
		name := names[rng.Intn(len(names))]
		switch rng.Intn(4) {
		case 0:
			c.Unsubscribe(name)
		case 1:
			fc.drop()
			fc.reconnect()
		default:
			_, _ = c.Subscribe(context.Background(), name)
		}
		ackSent()
		for _, ch := range c.Channels() {
			if ch.Subscribed() && !allowed[ch.Name()] {
				t.Fatalf("step %d: %s subscribed without authentication", i, ch.Name())
			}
		}
	}
}

func TestOptionsURL(t *testing.T) {
	u, err := Options{Key: "abc"}.URL()
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if want := "ws://ws-mt1.pusher.com:80/app/abc?client=wirepush-go&protocol=7&version=0.1.0"; u != want {
		t.Fatalf("unexpected url %s", u)
	}
	if _, err := New(Options{}, nil); err == nil {
		t.Fatalf("expected error without app key")
	}
	c, err := New(Options{Key: "abc", Host: "localhost", Port: 6001}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()
	if c.State() != ws.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if c.SocketID() != "" {
		t.Fatalf("expected no socket id before connecting")
	}
}
