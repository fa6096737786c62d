package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirepush/internal/proto"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultActivityTimeout  = 120 * time.Second
	defaultPongTimeout      = 30 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultInitialInterval  = time.Second
	defaultMaxInterval      = 2 * time.Minute
	defaultSendQueueSize    = 64
	defaultReadLimit        = 1 << 20
)

var (
	pingFrame = []byte(`{"event":"pusher:ping","data":{}}`)
	pongFrame = []byte(`{"event":"pusher:pong","data":{}}`)
)

// Handler receives transport notifications. Methods are called from transport
// goroutines, HandleStateChange with the transport lock held, so they must not
// block or call back into the Transport.
type Handler interface {
	HandleStateChange(change StateChange)
	HandleFrame(f proto.Frame)
	HandleError(err error)
}

// Options configures a Transport.
type Options struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client

	HandshakeTimeout time.Duration
	// ActivityTimeout overrides the interval announced by the server.
	ActivityTimeout time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration

	AutoReconnect            bool
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// MaxReconnectAttempts of zero retries forever.
	MaxReconnectAttempts int
	// MaxMalformedFrames consecutive undecodable frames drop the connection. Zero disables.
	MaxMalformedFrames int

	SendQueueSize int
	ReadLimit     int64
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = defaultInitialInterval
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = defaultMaxInterval
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
}

// Transport owns a single websocket connection to the realtime server,
// its keepalive and its reconnection policy.
type Transport struct {
	opts    Options
	handler Handler
	log     *zerolog.Logger

	mu        sync.Mutex
	state     State
	socketID  string
	current   *session
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

type session struct {
	conn            *websocket.Conn
	socketID        string
	activityTimeout time.Duration
	send            chan []byte
	activity        chan struct{}
	ctx             context.Context
	cancel          context.CancelFunc
}

func (s *session) touch() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// New creates a disconnected transport.
func New(opts Options, handler Handler, logger *zerolog.Logger) *Transport {
	opts.setDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "transport").Logger()
	return &Transport{
		opts:    opts,
		handler: handler,
		log:     &l,
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SocketID returns the server-assigned socket id, empty unless connected.
func (t *Transport) SocketID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socketID
}

// Connect dials the server and waits for the connection handshake.
// It is a no-op unless the transport is disconnected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	t.runCtx, t.runCancel = runCtx, runCancel
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, cancel)
	s, err := t.dial(dialCtx)
	stop()
	cancel()

	if err != nil {
		t.log.Warn().Err(err).Str("url", t.opts.URL).Msg("connect failed")
		t.mu.Lock()
		if t.runCtx == runCtx && t.state == StateConnecting {
			runCancel()
			t.setStateLocked(StateDisconnected)
		}
		t.mu.Unlock()
		return err
	}
	if !t.install(runCtx, s) {
		s.conn.CloseNow()
		return &ConnectionError{Reason: "disconnected during handshake"}
	}
	return nil
}

// Send queues a frame for writing. It fails with ErrNotConnected unless the
// connection is established.
func (t *Transport) Send(ctx context.Context, f proto.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	t.mu.Lock()
	s := t.current
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || s == nil {
		return ErrNotConnected
	}

	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection with a normal closure and stops any
// reconnection in progress. Calling it more than once is harmless.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.runCancel == nil || t.state == StateDisconnected || t.state == StateDisconnecting {
		t.mu.Unlock()
		return
	}
	t.runCancel()
	s := t.current
	t.current = nil
	t.socketID = ""
	t.setStateLocked(StateDisconnecting)
	t.mu.Unlock()

	if s != nil {
		if err := s.conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			t.log.Debug().Err(err).Msg("close connection")
		}
		s.cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()
	t.log.Info().Msg("disconnected")
}

func (t *Transport) setStateLocked(next State) {
	prev := t.state
	if prev == next {
		return
	}
	t.state = next
	change := StateChange{Prev: prev, Next: next}
	if next == StateConnected {
		change.SocketID = t.socketID
	}
	t.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("state changed")
	if t.handler != nil {
		t.handler.HandleStateChange(change)
	}
}

func (t *Transport) dial(ctx context.Context) (*session, error) {
	hctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, t.opts.URL, &websocket.DialOptions{
		HTTPHeader: t.opts.Header,
		HTTPClient: t.opts.HTTPClient,
	})
	if err != nil {
		return nil, &ConnectionError{Reason: "dial", Err: err}
	}
	conn.SetReadLimit(t.opts.ReadLimit)

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.CloseNow()
		return nil, &ConnectionError{Code: closeCode(err), Reason: "handshake", Err: err}
	}
	f, err := proto.Decode(data)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "malformed handshake")
		return nil, &ConnectionError{Reason: "handshake", Err: err}
	}

	switch f.Event {
	case proto.EventConnectionEstablished:
	case proto.EventError:
		var e proto.ErrorData
		_ = f.DecodeData(&e)
		code := 0
		if e.Code != nil {
			code = *e.Code
		}
		conn.CloseNow()
		return nil, &ConnectionError{Code: code, Reason: e.Message}
	default:
		conn.CloseNow()
		return nil, &ConnectionError{Reason: "handshake", Err: fmt.Errorf("unexpected event %q", f.Event)}
	}

	var est proto.ConnectionEstablished
	if err := f.DecodeData(&est); err != nil {
		conn.CloseNow()
		return nil, &ConnectionError{Reason: "handshake", Err: err}
	}
	if est.SocketID == "" {
		conn.CloseNow()
		return nil, &ConnectionError{Reason: "handshake", Err: errors.New("missing socket_id")}
	}

	activity := t.opts.ActivityTimeout
	if activity <= 0 && est.ActivityTimeout > 0 {
		activity = time.Duration(est.ActivityTimeout) * time.Second
	}
	if activity <= 0 {
		activity = defaultActivityTimeout
	}

	sctx, scancel := context.WithCancel(context.Background())
	return &session{
		conn:            conn,
		socketID:        est.SocketID,
		activityTimeout: activity,
		send:            make(chan []byte, t.opts.SendQueueSize),
		activity:        make(chan struct{}, 1),
		ctx:             sctx,
		cancel:          scancel,
	}, nil
}

func (t *Transport) install(runCtx context.Context, s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if runCtx.Err() != nil || t.runCtx != runCtx {
		s.cancel()
		return false
	}
	t.current = s
	t.socketID = s.socketID
	t.setStateLocked(StateConnected)
	t.wg.Add(1)
	go t.serve(runCtx, s)
	t.log.Info().Str("socket_id", s.socketID).Dur("activity_timeout", s.activityTimeout).Msg("connected")
	return true
}

func (t *Transport) serve(runCtx context.Context, s *session) {
	defer t.wg.Done()

	errCh := make(chan error, 3)
	go func() { errCh <- t.readLoop(s) }()
	go func() { errCh <- t.writeLoop(s) }()
	go func() { errCh <- t.keepalive(s) }()

	err := <-errCh
	s.cancel()
	s.conn.CloseNow()
	<-errCh
	<-errCh

	t.handleClosure(runCtx, s, err)
}

func (t *Transport) readLoop(s *session) error {
	malformed := 0
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return err
		}
		s.touch()

		f, err := proto.Decode(data)
		if err != nil {
			malformed++
			t.log.Warn().Err(err).Int("consecutive", malformed).Msg("dropping malformed frame")
			if t.opts.MaxMalformedFrames > 0 && malformed >= t.opts.MaxMalformedFrames {
				_ = s.conn.Close(websocket.StatusProtocolError, "too many malformed frames")
				return err
			}
			continue
		}
		malformed = 0

		switch f.Event {
		case proto.EventPing:
			t.enqueue(s, pongFrame)
			continue
		case proto.EventPong:
			continue
		}
		if t.handler != nil {
			t.handler.HandleFrame(f)
		}
	}
}

func (t *Transport) writeLoop(s *session) error {
	for {
		select {
		case data := <-s.send:
			wctx, cancel := context.WithTimeout(s.ctx, t.opts.WriteTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				t.log.Error().Err(err).Msg("write frame")
				return err
			}
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// keepalive pings after a quiet activity interval and drops the connection
// when no frame arrives within the pong timeout.
func (t *Transport) keepalive(s *session) error {
	idle := time.NewTimer(s.activityTimeout)
	defer idle.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-s.activity:
			idle.Reset(s.activityTimeout)
		case <-idle.C:
			t.log.Debug().Msg("connection idle, sending ping")
			t.enqueue(s, pingFrame)

			pong := time.NewTimer(t.opts.PongTimeout)
			select {
			case <-s.ctx.Done():
				pong.Stop()
				return s.ctx.Err()
			case <-s.activity:
				pong.Stop()
				idle.Reset(s.activityTimeout)
			case <-pong.C:
				t.log.Warn().Dur("pong_timeout", t.opts.PongTimeout).Msg("no pong, dropping connection")
				return errPongTimeout
			}
		}
	}
}

func (t *Transport) enqueue(s *session, data []byte) {
	select {
	case s.send <- data:
	default:
		t.log.Warn().Msg("send queue full, dropping control frame")
	}
}

func (t *Transport) handleClosure(runCtx context.Context, s *session, cause error) {
	code := closeCode(cause)

	t.mu.Lock()
	if t.current != s {
		t.mu.Unlock()
		return
	}
	t.current = nil
	t.socketID = ""

	if strategyFor(code) == doNotReconnect || !t.opts.AutoReconnect {
		t.runCancel()
		t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		t.log.Warn().Err(cause).Int("code", code).Msg("connection closed")
		t.report(&ConnectionError{Code: code, Reason: "connection closed", Err: cause})
		return
	}

	immediate := strategyFor(code) == reconnectImmediately
	t.setStateLocked(StateReconnecting)
	t.wg.Add(1)
	t.mu.Unlock()

	t.log.Info().Err(cause).Int("code", code).Bool("immediate", immediate).Msg("connection lost, reconnecting")
	go t.reconnect(runCtx, immediate, cause)
}

func (t *Transport) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.ReconnectInitialInterval
	b.MaxInterval = t.opts.ReconnectMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (t *Transport) reconnect(runCtx context.Context, immediate bool, cause error) {
	defer t.wg.Done()

	b := t.newBackOff()
	lastErr := cause
	for attempt := 1; ; attempt++ {
		var delay time.Duration
		if attempt > 1 || !immediate {
			delay = b.NextBackOff()
		}
		t.log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-runCtx.Done():
				timer.Stop()
				t.report(&ConnectionError{Reason: "reconnect stopped", Err: lastErr})
				return
			case <-timer.C:
			}
		}
		if runCtx.Err() != nil {
			t.report(&ConnectionError{Reason: "reconnect stopped", Err: lastErr})
			return
		}

		s, err := t.dial(runCtx)
		if err == nil {
			if t.install(runCtx, s) {
				return
			}
			s.conn.CloseNow()
			t.report(&ConnectionError{Reason: "reconnect stopped", Err: lastErr})
			return
		}
		lastErr = err
		t.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")

		var connErr *ConnectionError
		if errors.As(err, &connErr) && strategyFor(connErr.Code) == doNotReconnect {
			t.giveUp(runCtx, connErr)
			return
		}
		if t.opts.MaxReconnectAttempts > 0 && attempt >= t.opts.MaxReconnectAttempts {
			t.giveUp(runCtx, &ConnectionError{Reason: "reconnect attempts exhausted", Err: err})
			return
		}
	}
}

func (t *Transport) giveUp(runCtx context.Context, err *ConnectionError) {
	t.mu.Lock()
	if t.runCtx == runCtx && runCtx.Err() == nil {
		t.runCancel()
		t.setStateLocked(StateDisconnected)
	}
	t.mu.Unlock()
	t.report(err)
}

func (t *Transport) report(err error) {
	if t.handler != nil {
		t.handler.HandleError(err)
	}
}

func closeCode(err error) int {
	code := int(websocket.CloseStatus(err))
	if code < 0 {
		return 0
	}
	return code
}
