package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/proto"
	"github.com/vovakirdan/wirepush/internal/transport/ws"
)

const (
	defaultCluster     = "mt1"
	defaultAuthTimeout = 30 * time.Second
	sendTimeout        = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	Key     string
	Cluster string
	// Host overrides the cluster host.
	Host   string
	Port   int
	Path   string
	UseTLS bool

	Authenticator auth.Authenticator
	// AuthTimeout bounds one authentication, independent of the handshake timeout.
	AuthTimeout time.Duration

	// Transport tunes the connection. Its URL is built from the fields above.
	Transport ws.Options

	// Executor runs callbacks. Nil runs them on the client goroutine.
	Executor func(func())
	Logger   *zerolog.Logger
}

// URL returns the socket URL for the options.
func (o Options) URL() (string, error) {
	host := o.Host
	if host == "" {
		cluster := o.Cluster
		if cluster == "" {
			cluster = defaultCluster
		}
		host = ws.ClusterHost(cluster)
	}
	return ws.Endpoint{Host: host, Port: o.Port, Path: o.Path, Key: o.Key, UseTLS: o.UseTLS}.URL()
}

// connection is the part of the transport the client drives.
type connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(ctx context.Context, f proto.Frame) error
	State() ws.State
	SocketID() string
}

// Client subscribes to channels over one connection and dispatches their
// events. A single goroutine applies every state change, frame and
// authentication result in order.
type Client struct {
	opts     Options
	log      *zerolog.Logger
	delegate Delegate
	conn     connection
	reg      *registry
	box      *mailbox
	done     chan struct{}

	closeOnce sync.Once

	globalMu sync.RWMutex
	global   []binding

	// Owned by the client goroutine.
	connected  bool
	socketID   string
	epoch      uint64
	authCtx    context.Context
	authCancel context.CancelFunc
	outbox     []*pendingSubscribe
}

// pendingSubscribe holds a subscribe frame until every earlier one is sent.
type pendingSubscribe struct {
	channel   *Channel
	ready     bool
	cancelled bool
	frame     proto.Frame
	reply     chan error
}

// New builds a client and its transport. Call Connect to go online.
func New(opts Options, delegate Delegate) (*Client, error) {
	url := opts.Transport.URL
	if url == "" {
		var err error
		url, err = opts.URL()
		if err != nil {
			return nil, fmt.Errorf("build socket url: %w", err)
		}
	}
	c := newClient(opts, delegate)
	topts := opts.Transport
	topts.URL = url
	c.conn = ws.New(topts, c, c.log)
	go c.run()
	return c, nil
}

func newClient(opts Options, delegate Delegate) *Client {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if delegate == nil {
		delegate = NopDelegate{}
	}
	authCtx, authCancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		log:        logger,
		delegate:   delegate,
		reg:        newRegistry(),
		box:        newMailbox(),
		done:       make(chan struct{}),
		authCtx:    authCtx,
		authCancel: authCancel,
	}
}

// Connect opens the connection. Registered channels are subscribed once the
// handshake completes.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection. Channels stay registered and are
// subscribed again on the next Connect.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Close disconnects and stops the client goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Disconnect()
		c.box.close()
	})
	<-c.done
}

// State returns the connection state.
func (c *Client) State() ws.State {
	return c.conn.State()
}

// SocketID returns the server-assigned socket id, empty unless connected.
func (c *Client) SocketID() string {
	return c.conn.SocketID()
}

// Channel returns a registered channel.
func (c *Client) Channel(name string) (*Channel, bool) {
	return c.reg.get(name)
}

// Channels returns the registered channels in subscribe order.
func (c *Client) Channels() []*Channel {
	return c.reg.list()
}

// Bind registers fn for every event with the given name on any channel.
// An empty name matches all events.
func (c *Client) Bind(event string, fn func(Event)) string {
	id := uuid.NewString()
	c.globalMu.Lock()
	c.global = append(c.global, binding{id: id, event: event, fn: fn})
	c.globalMu.Unlock()
	return id
}

// Unbind removes a global binding.
func (c *Client) Unbind(id string) bool {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	for i, b := range c.global {
		if b.id == id {
			c.global = append(c.global[:i:i], c.global[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers a channel and, when connected, waits until its
// subscribe frame is sent or authentication fails with an *auth.AuthError.
// Subscribing to a registered channel returns it unchanged. When offline the
// channel is subscribed on the next connection.
//
// If ctx ends first the subscription continues in the background and the
// channel is returned with ctx.Err().
func (c *Client) Subscribe(ctx context.Context, name string) (*Channel, error) {
	return c.subscribe(ctx, name, nil)
}

// SubscribeWithAuth is Subscribe with a token obtained by the caller. The
// token is used once; later resubscriptions go through the authenticator.
//
// The token must be valid for name. An empty SocketID means the current
// socket; a token signed for another socket fails the subscription with an
// *auth.AuthError once the connection is up.
func (c *Client) SubscribeWithAuth(ctx context.Context, name string, token *auth.Token) (*Channel, error) {
	if token == nil {
		return nil, errors.New("nil token")
	}
	t := *token
	if t.Channel == "" {
		t.Channel = name
	}
	if t.Channel != name {
		return nil, &auth.AuthError{
			Kind:    auth.KindInvalidResponse,
			Channel: name,
			Err:     fmt.Errorf("token issued for channel %q", t.Channel),
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return c.subscribe(ctx, name, &t)
}

func (c *Client) subscribe(ctx context.Context, name string, token *auth.Token) (*Channel, error) {
	if !proto.ValidChannelName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	ch, created := c.reg.getOrAdd(name, func() *Channel {
		ch := newChannel(c, name)
		ch.presetToken = token
		return ch
	})
	if !created {
		return ch, nil
	}

	reply := make(chan error, 1)
	if !c.box.push(Command{Kind: CommandSubscribe, Channel: ch, Reply: reply}) {
		c.reg.remove(ch)
		return nil, ErrClosed
	}

	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
		return ch, nil
	case <-ctx.Done():
		return ch, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Unsubscribe removes the channel at once and tells the server. Unknown
// names are ignored.
func (c *Client) Unsubscribe(name string) {
	ch, ok := c.reg.get(name)
	if !ok || !c.reg.remove(ch) {
		return
	}
	c.box.push(Command{Kind: CommandUnsubscribe, Channel: ch})
}

// UnsubscribeAll unsubscribes every registered channel.
func (c *Client) UnsubscribeAll() {
	for _, ch := range c.reg.list() {
		c.Unsubscribe(ch.name)
	}
}

// HandleStateChange implements ws.Handler.
func (c *Client) HandleStateChange(change ws.StateChange) {
	c.box.push(Command{Kind: CommandStateChange, Change: change})
}

// HandleFrame implements ws.Handler.
func (c *Client) HandleFrame(f proto.Frame) {
	c.box.push(Command{Kind: CommandFrame, Frame: f})
}

// HandleError implements ws.Handler.
func (c *Client) HandleError(err error) {
	c.box.push(Command{Kind: CommandError, Err: err})
}

func (c *Client) run() {
	defer close(c.done)
	defer c.authCancel()

	for {
		cmds, done := c.box.drain()
		if done {
			c.releaseWaiters()
			return
		}
		for _, cmd := range cmds {
			c.handle(cmd)
		}
		if len(cmds) == 0 {
			<-c.box.signal
		}
	}
}

func (c *Client) handle(cmd Command) {
	switch cmd.Kind {
	case CommandStateChange:
		c.handleStateChange(cmd.Change)
	case CommandFrame:
		c.handleFrame(cmd.Frame)
	case CommandError:
		c.log.Warn().Err(cmd.Err).Msg("connection error")
		err := cmd.Err
		c.deliver(func() { c.delegate.Error(err) })
	case CommandSubscribe:
		c.handleSubscribe(cmd)
	case CommandUnsubscribe:
		c.handleUnsubscribe(cmd.Channel)
	case CommandTrigger:
		c.handleTrigger(cmd.Channel, cmd.Frame)
	case CommandAuthResult:
		c.handleAuthResult(cmd)
	}
}

func (c *Client) handleStateChange(change ws.StateChange) {
	c.log.Debug().Stringer("from", change.Prev).Stringer("to", change.Next).Msg("connection state")
	prev, next := change.Prev, change.Next
	c.deliver(func() { c.delegate.ConnectionStateChanged(prev, next) })

	switch {
	case next == ws.StateConnected:
		c.connected = true
		c.socketID = change.SocketID
		c.newEpoch()
		for _, ch := range c.reg.list() {
			c.startSubscribe(ch, nil)
		}
	case c.connected:
		c.connected = false
		c.socketID = ""
		c.newEpoch()
		c.releaseWaiters()
		for _, ch := range c.reg.list() {
			ch.setState(ChannelUnsubscribed)
		}
	}
}

// newEpoch invalidates every authentication started on the previous connection.
func (c *Client) newEpoch() {
	c.epoch++
	c.authCancel()
	c.authCtx, c.authCancel = context.WithCancel(context.Background())
	for _, ch := range c.reg.list() {
		ch.refreshing = false
		ch.retry = nil
	}
}

func (c *Client) releaseWaiters() {
	for _, p := range c.outbox {
		reply(p.reply, nil)
	}
	c.outbox = nil
}

// handleSubscribe starts the subscription unless the Connected transition
// already did, in which case the caller waits on that attempt instead.
func (c *Client) handleSubscribe(cmd Command) {
	ch := cmd.Channel
	if !c.reg.contains(ch) {
		reply(cmd.Reply, ch.authErr)
		return
	}
	if !c.connected {
		reply(cmd.Reply, nil)
		return
	}
	if p := c.outboxEntry(ch); p != nil {
		if p.reply == nil {
			p.reply = cmd.Reply
		} else {
			reply(cmd.Reply, nil)
		}
		return
	}
	if ch.State() != ChannelUnsubscribed {
		reply(cmd.Reply, nil)
		return
	}
	c.startSubscribe(ch, cmd.Reply)
}

func (c *Client) startSubscribe(ch *Channel, replyCh chan error) {
	p := &pendingSubscribe{channel: ch, reply: replyCh}
	c.outbox = append(c.outbox, p)

	if preset := ch.takePresetToken(); preset != nil {
		ch.setState(ChannelAuthenticating)
		if preset.SocketID != "" && preset.SocketID != c.socketID {
			c.authFailed(p, &auth.AuthError{
				Kind:    auth.KindInvalidResponse,
				Channel: ch.name,
				Err:     fmt.Errorf("token signed for socket %s, connected as %s", preset.SocketID, c.socketID),
			})
		} else {
			c.log.Debug().Str("channel", ch.name).Msg("using caller supplied token")
			c.authSucceeded(p, preset)
		}
		c.flushOutbox()
		return
	}

	if !ch.typ.RequiresAuth() {
		p.frame = subscribeFrame(ch.name, nil)
		p.ready = true
		c.flushOutbox()
		return
	}

	ch.setState(ChannelAuthenticating)
	go c.authenticate(c.authCtx, c.epoch, ch, c.socketID, false)
}

func (c *Client) authenticate(ctx context.Context, epoch uint64, ch *Channel, socketID string, refresh bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AuthTimeout)
	defer cancel()

	token, err := c.requestToken(ctx, socketID, ch.name)
	c.box.push(Command{
		Kind:    CommandAuthResult,
		Channel: ch,
		Token:   token,
		Err:     err,
		Epoch:   epoch,
		Refresh: refresh,
	})
}

func (c *Client) requestToken(ctx context.Context, socketID, channel string) (*auth.Token, error) {
	if c.opts.Authenticator == nil {
		return nil, &auth.AuthError{Kind: auth.KindNoMethod, Channel: channel}
	}
	token, err := c.opts.Authenticator.Authenticate(ctx, socketID, channel)
	if err != nil {
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		kind := auth.KindRequestFailure
		if errors.Is(err, context.DeadlineExceeded) {
			kind = auth.KindTimeout
		}
		return nil, &auth.AuthError{Kind: kind, Channel: channel, Err: err}
	}
	if token == nil {
		return nil, &auth.AuthError{Kind: auth.KindInvalidResponse, Channel: channel, Err: errors.New("no token")}
	}
	if token.Channel == "" {
		token.Channel = channel
	}
	if token.SocketID == "" {
		token.SocketID = socketID
	}
	if err := token.Validate(); err != nil {
		return nil, err
	}
	return token, nil
}

func (c *Client) handleAuthResult(cmd Command) {
	ch := cmd.Channel
	if cmd.Epoch != c.epoch {
		c.log.Debug().Str("channel", ch.name).Msg("discarding stale authentication")
		return
	}

	if cmd.Refresh {
		ch.refreshing = false
		held := ch.retry
		ch.retry = nil
		if cmd.Err != nil {
			c.log.Warn().Err(cmd.Err).Str("channel", ch.name).Msg("key refresh failed")
			err := cmd.Err
			c.deliver(func() { c.delegate.Error(err) })
			for _, h := range held {
				c.decryptionFailed(ch, h.frame, h.err)
			}
			return
		}
		ch.setToken(cmd.Token)
		c.log.Debug().Str("channel", ch.name).Int("held", len(held)).Msg("decryption key refreshed")
		for _, h := range held {
			c.redeliver(ch, h.frame)
		}
		return
	}

	p := c.pendingFor(ch)
	if p == nil {
		return
	}
	if cmd.Err != nil {
		c.authFailed(p, cmd.Err)
	} else {
		c.authSucceeded(p, cmd.Token)
	}
	c.flushOutbox()
}

func (c *Client) authSucceeded(p *pendingSubscribe, token *auth.Token) {
	p.channel.setToken(token)
	data := &proto.SubscribeData{Channel: p.channel.name, Auth: token.Auth, ChannelData: token.ChannelData}
	p.frame = subscribeFrame(p.channel.name, data)
	p.ready = true
}

func (c *Client) authFailed(p *pendingSubscribe, err error) {
	ch := p.channel
	c.log.Warn().Err(err).Str("channel", ch.name).Msg("channel authentication failed")

	p.ready = true
	p.cancelled = true
	ch.authErr = err
	c.reg.remove(ch)
	ch.setState(ChannelUnsubscribed)

	name := ch.name
	c.deliver(func() { c.delegate.SubscriptionError(name, err) })
	reply(p.reply, err)
	p.reply = nil
}

// outboxEntry returns the live outbox entry of ch, sent or not.
func (c *Client) outboxEntry(ch *Channel) *pendingSubscribe {
	for _, p := range c.outbox {
		if p.channel == ch && !p.cancelled {
			return p
		}
	}
	return nil
}

func (c *Client) pendingFor(ch *Channel) *pendingSubscribe {
	for _, p := range c.outbox {
		if p.channel == ch && !p.ready {
			return p
		}
	}
	return nil
}

// flushOutbox sends ready subscribe frames from the head of the outbox and
// stops at the first one still waiting for authentication.
func (c *Client) flushOutbox() {
	for len(c.outbox) > 0 {
		p := c.outbox[0]
		if !p.ready {
			return
		}
		c.outbox = c.outbox[1:]
		if p.cancelled || !c.reg.contains(p.channel) {
			reply(p.reply, nil)
			continue
		}

		if err := c.send(p.frame); err != nil {
			c.log.Warn().Err(err).Str("channel", p.channel.name).Msg("send subscribe")
			reply(p.reply, nil)
			continue
		}
		p.channel.setState(ChannelSubscribePending)
		c.log.Debug().Str("channel", p.channel.name).Msg("subscribe sent")
		reply(p.reply, nil)
	}
}

func (c *Client) handleUnsubscribe(ch *Channel) {
	prev := ch.setState(ChannelUnsubscribed)
	ch.clearMembers()
	for _, p := range c.outbox {
		if p.channel == ch {
			p.cancelled = true
			p.ready = true
		}
	}
	c.flushOutbox()

	if c.connected && (prev == ChannelSubscribed || prev == ChannelSubscribePending) {
		f, _ := proto.NewFrame(proto.EventUnsubscribe, "", proto.UnsubscribeData{Channel: ch.name})
		if err := c.send(f); err != nil {
			c.log.Warn().Err(err).Str("channel", ch.name).Msg("send unsubscribe")
		}
	}
	c.log.Debug().Str("channel", ch.name).Msg("unsubscribed")
}

func (c *Client) handleTrigger(ch *Channel, f proto.Frame) {
	if !c.reg.contains(ch) {
		c.log.Debug().Str("channel", ch.name).Str("event", f.Event).Msg("dropping client event for removed channel")
		return
	}
	if !c.connected || ch.State() != ChannelSubscribed {
		ch.queue(f)
		return
	}
	if err := c.send(f); err != nil {
		c.log.Warn().Err(err).Str("channel", ch.name).Str("event", f.Event).Msg("send client event")
		ch.queue(f)
	}
}

func (c *Client) send(f proto.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.conn.Send(ctx, f)
}

// deliver runs fn on the executor, or inline without one.
func (c *Client) deliver(fn func()) {
	if c.opts.Executor != nil {
		c.opts.Executor(fn)
		return
	}
	fn()
}

func subscribeFrame(channel string, data *proto.SubscribeData) proto.Frame {
	if data == nil {
		data = &proto.SubscribeData{Channel: channel}
	}
	f, _ := proto.NewFrame(proto.EventSubscribe, "", data)
	return f
}

func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
