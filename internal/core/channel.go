package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/proto"
)

// ChannelState is the subscription state of a channel.
type ChannelState int

const (
	ChannelUnsubscribed ChannelState = iota
	ChannelAuthenticating
	ChannelSubscribePending
	ChannelSubscribed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelAuthenticating:
		return "authenticating"
	case ChannelSubscribePending:
		return "subscribe_pending"
	case ChannelSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

type binding struct {
	id    string
	event string
	fn    func(Event)
}

type memberBinding struct {
	id      string
	removed bool
	fn      func(Member)
}

// Channel is a named subscription. Its methods are safe for concurrent use.
type Channel struct {
	name   string
	typ    proto.ChannelType
	client *Client

	mu             sync.RWMutex
	state          ChannelState
	bindings       []binding
	memberBindings []memberBinding
	members        map[string]Member
	memberOrder    []string
	myID           string
	key            *[auth.KeySize]byte
	count          int
	unsent         []proto.Frame
	presetToken    *auth.Token

	// Only touched by the client goroutine.
	refreshing bool
	retry      []heldEvent
	authErr    error
}

func newChannel(c *Client, name string) *Channel {
	return &Channel{
		name:    name,
		typ:     proto.TypeOf(name),
		client:  c,
		members: make(map[string]Member),
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Type returns the channel type derived from its name.
func (ch *Channel) Type() proto.ChannelType { return ch.typ }

// State returns the subscription state.
func (ch *Channel) State() ChannelState {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// Subscribed reports whether the server acknowledged the subscription.
func (ch *Channel) Subscribed() bool {
	return ch.State() == ChannelSubscribed
}

// SubscriptionCount returns the last subscription count sent by the server.
func (ch *Channel) SubscriptionCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.count
}

// Bind registers fn for events with the given name and returns the binding id.
func (ch *Channel) Bind(event string, fn func(Event)) string {
	id := uuid.NewString()
	ch.mu.Lock()
	ch.bindings = append(ch.bindings, binding{id: id, event: event, fn: fn})
	ch.mu.Unlock()
	return id
}

// Unbind removes one binding. It reports whether the id was found.
func (ch *Channel) Unbind(id string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, b := range ch.bindings {
		if b.id == id {
			ch.bindings = append(ch.bindings[:i:i], ch.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// UnbindAll removes every binding for event, or all bindings when event is empty.
func (ch *Channel) UnbindAll(event string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if event == "" {
		ch.bindings = nil
		return
	}
	kept := ch.bindings[:0:0]
	for _, b := range ch.bindings {
		if b.event != event {
			kept = append(kept, b)
		}
	}
	ch.bindings = kept
}

// Trigger sends a client event. Events are queued until the channel is
// subscribed and then sent in order.
func (ch *Channel) Trigger(event string, data any) error {
	if !proto.IsClientEvent(event) {
		return ErrInvalidClientEvent
	}
	if !ch.typ.AllowsClientEvents() {
		return ErrClientEventsNotAllowed
	}
	if !ch.client.reg.contains(ch) {
		return ErrUnsubscribed
	}
	f, err := proto.NewFrame(event, ch.name, data)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", event, err)
	}
	if !ch.client.box.push(Command{Kind: CommandTrigger, Channel: ch, Frame: f}) {
		return ErrClosed
	}
	return nil
}

// Members returns the presence roster in arrival order.
func (ch *Channel) Members() []Member {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]Member, 0, len(ch.memberOrder))
	for _, id := range ch.memberOrder {
		out = append(out, ch.members[id])
	}
	return out
}

// Member looks up a presence member by user id.
func (ch *Channel) Member(id string) (Member, bool) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	m, ok := ch.members[id]
	return m, ok
}

// Me returns the member signed into this client's subscription.
func (ch *Channel) Me() (Member, bool) {
	ch.mu.RLock()
	id := ch.myID
	ch.mu.RUnlock()
	if id == "" {
		return Member{}, false
	}
	return ch.Member(id)
}

// OnMemberAdded registers fn for members joining a presence channel.
func (ch *Channel) OnMemberAdded(fn func(Member)) string {
	return ch.bindMember(false, fn)
}

// OnMemberRemoved registers fn for members leaving a presence channel.
func (ch *Channel) OnMemberRemoved(fn func(Member)) string {
	return ch.bindMember(true, fn)
}

func (ch *Channel) bindMember(removed bool, fn func(Member)) string {
	id := uuid.NewString()
	ch.mu.Lock()
	ch.memberBindings = append(ch.memberBindings, memberBinding{id: id, removed: removed, fn: fn})
	ch.mu.Unlock()
	return id
}

func (ch *Channel) setState(s ChannelState) ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	prev := ch.state
	ch.state = s
	return prev
}

func (ch *Channel) handlers(event string) []func(Event) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	var fns []func(Event)
	for _, b := range ch.bindings {
		if b.event == event {
			fns = append(fns, b.fn)
		}
	}
	return fns
}

func (ch *Channel) memberHandlers(removed bool) []func(Member) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	var fns []func(Member)
	for _, b := range ch.memberBindings {
		if b.removed == removed {
			fns = append(fns, b.fn)
		}
	}
	return fns
}

func (ch *Channel) setToken(token *auth.Token) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if id, ok := proto.ParseChannelData(token.ChannelData); ok {
		ch.myID = id
	}
	if key, err := token.Key(); err == nil {
		ch.key = key
	}
}

func (ch *Channel) decryptionKey() *[auth.KeySize]byte {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.key
}

func (ch *Channel) takePresetToken() *auth.Token {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	t := ch.presetToken
	ch.presetToken = nil
	return t
}

func (ch *Channel) queue(f proto.Frame) {
	ch.mu.Lock()
	ch.unsent = append(ch.unsent, f)
	ch.mu.Unlock()
}

func (ch *Channel) takeUnsent() []proto.Frame {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	frames := ch.unsent
	ch.unsent = nil
	return frames
}

func (ch *Channel) setCount(n int) {
	ch.mu.Lock()
	ch.count = n
	ch.mu.Unlock()
}

func (ch *Channel) loadMembers(data proto.PresenceData) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.members = make(map[string]Member, len(data.Presence.Hash))
	ch.memberOrder = ch.memberOrder[:0]

	add := func(id string) {
		if _, ok := ch.members[id]; ok || id == "" {
			return
		}
		ch.members[id] = Member{UserID: id, Info: data.Presence.Hash[id]}
		ch.memberOrder = append(ch.memberOrder, id)
	}
	for _, id := range data.MemberIDs() {
		add(id)
	}
	rest := make([]string, 0, len(data.Presence.Hash))
	for id := range data.Presence.Hash {
		rest = append(rest, id)
	}
	sort.Strings(rest)
	for _, id := range rest {
		add(id)
	}
}

func (ch *Channel) addMember(m Member) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.members[m.UserID]; ok {
		ch.members[m.UserID] = m
		return false
	}
	ch.members[m.UserID] = m
	ch.memberOrder = append(ch.memberOrder, m.UserID)
	return true
}

func (ch *Channel) removeMember(id string) (Member, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	m, ok := ch.members[id]
	if !ok {
		return Member{}, false
	}
	delete(ch.members, id)
	for i, mid := range ch.memberOrder {
		if mid == id {
			ch.memberOrder = append(ch.memberOrder[:i:i], ch.memberOrder[i+1:]...)
			break
		}
	}
	return m, true
}

func (ch *Channel) clearMembers() {
	ch.mu.Lock()
	ch.members = make(map[string]Member)
	ch.memberOrder = nil
	ch.mu.Unlock()
}

func memberFrom(md proto.MemberData) Member {
	return Member{UserID: md.ID(), Info: md.UserInfo}
}
