// Package pushertest provides an in-process realtime server for tests.
package pushertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirepush/internal/proto"
)

const waitTimeout = 5 * time.Second

// Options tune the fake server behaviour.
type Options struct {
	// ActivityTimeout is announced in connection_established, in seconds.
	ActivityTimeout int
	// HandshakeError makes the server reply pusher:error and close with Code.
	HandshakeError *proto.ErrorData
	// ManualAck disables automatic subscription_succeeded replies.
	ManualAck bool
	// IgnorePings stops the server from answering pusher:ping.
	IgnorePings bool
	// Reject lists channels answered with pusher:subscription_error.
	Reject map[string]bool
	// AckData returns the subscription_succeeded data for a channel.
	AckData func(sub proto.SubscribeData) any
}

// Server is a fake realtime server speaking the client protocol.
type Server struct {
	opts Options
	ts   *httptest.Server

	mu     sync.Mutex
	conns  []*Conn
	nextID int
	connCh chan *Conn
}

// Conn is one accepted client connection.
type Conn struct {
	SocketID string
	// Path is the request path the client dialed.
	Path string

	conn   *websocket.Conn
	frames chan proto.Frame
	closed chan struct{}
}

// NewServer starts a server closed automatically at test cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	s := &Server{
		opts:   opts,
		connCh: make(chan *Conn, 16),
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the socket URL for an app key.
func (s *Server) URL(key string) string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/app/" + key + "?protocol=7"
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.conn.CloseNow()
	}
	s.ts.Close()
}

// ConnCount returns how many connections were accepted so far.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// NextConn waits for the next accepted connection.
func (s *Server) NextConn(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("no connection accepted within %s", waitTimeout)
		return nil
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()

	s.mu.Lock()
	s.nextID++
	socketID := fmt.Sprintf("%d.%d", s.nextID, 1000+s.nextID)
	s.mu.Unlock()

	if herr := s.opts.HandshakeError; herr != nil {
		_ = write(ctx, conn, proto.Frame{Event: proto.EventError, Data: mustJSON(herr)})
		code := websocket.StatusPolicyViolation
		if herr.Code != nil {
			code = websocket.StatusCode(*herr.Code)
		}
		_ = conn.Close(code, herr.Message)
		return
	}

	established := proto.ConnectionEstablished{SocketID: socketID, ActivityTimeout: s.opts.ActivityTimeout}
	if err := write(ctx, conn, proto.Frame{Event: proto.EventConnectionEstablished, Data: StringData(established)}); err != nil {
		conn.CloseNow()
		return
	}

	c := &Conn{
		SocketID: socketID,
		Path:     r.URL.Path,
		conn:     conn,
		frames:   make(chan proto.Frame, 256),
		closed:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	s.connCh <- c

	defer close(c.closed)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := proto.Decode(data)
		if err != nil {
			continue
		}
		switch f.Event {
		case proto.EventPing:
			if !s.opts.IgnorePings {
				_ = write(ctx, conn, proto.Frame{Event: proto.EventPong, Data: json.RawMessage(`{}`)})
			}
		case proto.EventSubscribe:
			s.answerSubscribe(ctx, conn, f)
		}
		select {
		case c.frames <- f:
		default:
		}
	}
}

func (s *Server) answerSubscribe(ctx context.Context, conn *websocket.Conn, f proto.Frame) {
	var sub proto.SubscribeData
	if err := f.DecodeData(&sub); err != nil {
		return
	}
	if s.opts.Reject[sub.Channel] {
		_ = write(ctx, conn, proto.Frame{
			Event:   proto.EventSubscriptionError,
			Channel: sub.Channel,
			Data:    mustJSON(proto.SubscriptionErrorData{Type: "AuthError", Error: "rejected", Status: 403}),
		})
		return
	}
	if s.opts.ManualAck {
		return
	}
	var data any = struct{}{}
	if s.opts.AckData != nil {
		data = s.opts.AckData(sub)
	}
	_ = write(ctx, conn, proto.Frame{
		Event:   proto.InternalSubscriptionSucceeded,
		Channel: sub.Channel,
		Data:    StringData(data),
	})
}

// Send writes a frame to the client.
func (c *Conn) Send(t testing.TB, f proto.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := write(ctx, c.conn, f); err != nil {
		t.Fatalf("send %s: %v", f.Event, err)
	}
}

// SendRaw writes a text message verbatim.
func (c *Conn) SendRaw(t testing.TB, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("send raw: %v", err)
	}
}

// Ack confirms a subscription, for servers created with ManualAck.
func (c *Conn) Ack(t testing.TB, channel string, data any) {
	t.Helper()
	if data == nil {
		data = struct{}{}
	}
	c.Send(t, proto.Frame{Event: proto.InternalSubscriptionSucceeded, Channel: channel, Data: StringData(data)})
}

// Close closes the connection with the given status code.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
}

// Closed is closed once the client side has gone away.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// NextFrame waits for the next frame sent by the client, skipping pings.
func (c *Conn) NextFrame(t testing.TB) proto.Frame {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case f := <-c.frames:
			if f.Event == proto.EventPing {
				continue
			}
			return f
		case <-timeout:
			t.Fatalf("no frame received within %s", waitTimeout)
			return proto.Frame{}
		}
	}
}

// NextFrameOf waits for a frame with the given event name.
func (c *Conn) NextFrameOf(t testing.TB, event string) proto.Frame {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case f := <-c.frames:
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame received within %s", event, waitTimeout)
			return proto.Frame{}
		}
	}
}

// ExpectNoFrame fails if the client sends anything but pings within d.
func (c *Conn) ExpectNoFrame(t testing.TB, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case f := <-c.frames:
			if f.Event == proto.EventPing {
				continue
			}
			t.Fatalf("unexpected frame %s on %q", f.Event, f.Channel)
		case <-timeout:
			return
		}
	}
}

// StringData encodes v as a JSON string containing JSON, the way the server
// wraps event data.
func StringData(v any) json.RawMessage {
	inner, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return mustJSON(string(inner))
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func write(ctx context.Context, conn *websocket.Conn, f proto.Frame) error {
	return wsjson.Write(ctx, conn, f)
}
