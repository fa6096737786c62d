package core

import (
	"github.com/vovakirdan/wirepush/internal/proto"
)

func (c *Client) handleFrame(f proto.Frame) {
	switch f.Event {
	case proto.EventConnectionEstablished, proto.EventPong:
		return
	case proto.EventError:
		c.handleServerError(f)
	case proto.InternalSubscriptionSucceeded:
		c.handleSubscriptionSucceeded(f)
	case proto.EventSubscriptionError:
		c.handleSubscriptionError(f)
	case proto.InternalMemberAdded:
		c.handleMemberAdded(f)
	case proto.InternalMemberRemoved:
		c.handleMemberRemoved(f)
	case proto.InternalSubscriptionCount, proto.EventSubscriptionCount:
		c.handleSubscriptionCount(f)
	default:
		c.dispatch(f)
	}
}

func (c *Client) handleServerError(f proto.Frame) {
	var data proto.ErrorData
	if err := f.DecodeData(&data); err != nil {
		c.log.Warn().Err(err).Msg("undecodable pusher:error")
		data.Message = f.DataString()
	}
	serverErr := &ServerError{Channel: f.Channel, Message: data.Message}
	if data.Code != nil {
		serverErr.Code = *data.Code
	}
	c.log.Warn().Int("code", serverErr.Code).Str("message", serverErr.Message).Msg("server error")
	c.deliver(func() { c.delegate.Error(serverErr) })
}

func (c *Client) handleSubscriptionSucceeded(f proto.Frame) {
	ch, ok := c.reg.get(f.Channel)
	if !ok || ch.State() != ChannelSubscribePending {
		c.log.Debug().Str("channel", f.Channel).Msg("ignoring unexpected subscription acknowledgement")
		return
	}

	if ch.typ == proto.ChannelPresence {
		var data proto.PresenceData
		if err := f.DecodeData(&data); err != nil {
			c.log.Warn().Err(err).Str("channel", ch.name).Msg("undecodable presence roster")
		}
		ch.loadMembers(data)
	}
	ch.setState(ChannelSubscribed)
	c.log.Info().Str("channel", ch.name).Msg("subscribed")

	ev := Event{Name: proto.EventSubscriptionSucceeded, Channel: ch.name, Data: f.DataString()}
	fns := c.handlersFor(ch, ev.Name)
	name := ch.name
	c.deliver(func() {
		for _, fn := range fns {
			fn(ev)
		}
		c.delegate.SubscriptionSucceeded(name)
	})

	for _, queued := range ch.takeUnsent() {
		c.handleTrigger(ch, queued)
	}
}

func (c *Client) handleSubscriptionError(f proto.Frame) {
	ch, ok := c.reg.get(f.Channel)
	if !ok {
		return
	}
	var data proto.SubscriptionErrorData
	if err := f.DecodeData(&data); err != nil {
		data.Error = f.DataString()
	}
	serverErr := &ServerError{Channel: ch.name, Code: data.Status, Message: data.Error}

	c.reg.remove(ch)
	ch.setState(ChannelUnsubscribed)
	ch.clearMembers()
	c.log.Warn().Str("channel", ch.name).Int("status", data.Status).Str("error", data.Error).Msg("subscription rejected")

	name := ch.name
	c.deliver(func() { c.delegate.SubscriptionError(name, serverErr) })
}

func (c *Client) handleMemberAdded(f proto.Frame) {
	ch, ok := c.presenceChannel(f)
	if !ok {
		return
	}
	var data proto.MemberData
	if err := f.DecodeData(&data); err != nil || data.ID() == "" {
		c.log.Warn().Err(err).Str("channel", ch.name).Msg("undecodable member_added")
		return
	}
	m := memberFrom(data)
	if !ch.addMember(m) {
		return
	}
	fns := ch.memberHandlers(false)
	c.deliver(func() {
		for _, fn := range fns {
			fn(m)
		}
	})
}

func (c *Client) handleMemberRemoved(f proto.Frame) {
	ch, ok := c.presenceChannel(f)
	if !ok {
		return
	}
	var data proto.MemberData
	if err := f.DecodeData(&data); err != nil || data.ID() == "" {
		c.log.Warn().Err(err).Str("channel", ch.name).Msg("undecodable member_removed")
		return
	}
	m, ok := ch.removeMember(data.ID())
	if !ok {
		return
	}
	fns := ch.memberHandlers(true)
	c.deliver(func() {
		for _, fn := range fns {
			fn(m)
		}
	})
}

func (c *Client) presenceChannel(f proto.Frame) (*Channel, bool) {
	ch, ok := c.reg.get(f.Channel)
	if !ok || ch.typ != proto.ChannelPresence || ch.State() != ChannelSubscribed {
		return nil, false
	}
	return ch, true
}

func (c *Client) handleSubscriptionCount(f proto.Frame) {
	ch, ok := c.reg.get(f.Channel)
	if !ok || ch.State() != ChannelSubscribed {
		return
	}
	var data proto.SubscriptionCountData
	if err := f.DecodeData(&data); err != nil {
		c.log.Warn().Err(err).Str("channel", ch.name).Msg("undecodable subscription count")
		return
	}
	ch.setCount(data.SubscriptionCount)

	ev := Event{Name: proto.EventSubscriptionCount, Channel: ch.name, Data: f.DataString()}
	c.emit(ch, ev)
}

// dispatch routes an event to bindings. Channel events are only delivered
// while the channel is subscribed.
func (c *Client) dispatch(f proto.Frame) {
	if f.Channel == "" {
		c.emit(nil, Event{Name: f.Event, Data: f.DataString(), UserID: f.UserID})
		return
	}

	ch, ok := c.reg.get(f.Channel)
	if !ok || ch.State() != ChannelSubscribed {
		c.log.Debug().Str("channel", f.Channel).Str("event", f.Event).Msg("dropping event for unsubscribed channel")
		return
	}

	data := f.DataString()
	if ch.typ == proto.ChannelPrivateEncrypted && !proto.IsProtocolEvent(f.Event) {
		plain, err := decrypt(ch.decryptionKey(), data)
		if err != nil {
			if isKeyError(err) && c.hold(ch, f, err) {
				c.log.Debug().Err(err).Str("channel", ch.name).Str("event", f.Event).Msg("holding event until key refresh")
				c.refreshKey(ch)
				return
			}
			c.decryptionFailed(ch, f, err)
			return
		}
		data = plain
	}

	c.emit(ch, Event{Name: f.Event, Channel: ch.name, Data: data, UserID: f.UserID})
}

// hold keeps f for another decryption attempt once the channel key has been
// refreshed. It reports false when the event cannot be kept.
func (c *Client) hold(ch *Channel, f proto.Frame, err error) bool {
	if !c.connected || len(ch.retry) >= maxHeldEvents {
		return false
	}
	ch.retry = append(ch.retry, heldEvent{frame: f, err: err})
	return true
}

func (c *Client) refreshKey(ch *Channel) {
	if ch.refreshing || !c.connected {
		return
	}
	ch.refreshing = true
	go c.authenticate(c.authCtx, c.epoch, ch, c.socketID, true)
}

// redeliver decrypts a held event with the refreshed key.
func (c *Client) redeliver(ch *Channel, f proto.Frame) {
	if !c.reg.contains(ch) || ch.State() != ChannelSubscribed {
		c.log.Debug().Str("channel", ch.name).Str("event", f.Event).Msg("dropping held event for unsubscribed channel")
		return
	}
	plain, err := decrypt(ch.decryptionKey(), f.DataString())
	if err != nil {
		c.decryptionFailed(ch, f, err)
		return
	}
	c.emit(ch, Event{Name: f.Event, Channel: ch.name, Data: plain, UserID: f.UserID})
}

func (c *Client) decryptionFailed(ch *Channel, f proto.Frame, err error) {
	derr := &DecryptionError{Channel: ch.name, Event: f.Event, Err: err}
	c.log.Warn().Err(err).Str("channel", ch.name).Str("event", f.Event).Msg("dropping undecryptable event")
	c.deliver(func() { c.delegate.Error(derr) })
}

type heldEvent struct {
	frame proto.Frame
	err   error
}

// emit calls global bindings, then channel bindings, then the delegate.
func (c *Client) emit(ch *Channel, ev Event) {
	fns := c.handlersFor(ch, ev.Name)
	c.deliver(func() {
		for _, fn := range fns {
			fn(ev)
		}
		c.delegate.EventReceived(ev)
	})
}

func (c *Client) handlersFor(ch *Channel, event string) []func(Event) {
	c.globalMu.RLock()
	var fns []func(Event)
	for _, b := range c.global {
		if b.event == "" || b.event == event {
			fns = append(fns, b.fn)
		}
	}
	c.globalMu.RUnlock()
	if ch != nil {
		fns = append(fns, ch.handlers(event)...)
	}
	return fns
}
