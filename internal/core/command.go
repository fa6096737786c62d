package core

import (
	"sync"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/proto"
	"github.com/vovakirdan/wirepush/internal/transport/ws"
)

// CommandKind describes what the client goroutine has to do.
type CommandKind int

const (
	// CommandStateChange applies a transport state transition.
	CommandStateChange CommandKind = iota
	// CommandFrame dispatches an inbound frame.
	CommandFrame
	// CommandError reports a transport failure.
	CommandError
	// CommandSubscribe starts subscribing a registered channel.
	CommandSubscribe
	// CommandUnsubscribe tears down a channel already removed from the registry.
	CommandUnsubscribe
	// CommandTrigger sends or queues a client event.
	CommandTrigger
	// CommandAuthResult carries the outcome of an authentication.
	CommandAuthResult
)

// Command is one unit of work for the client goroutine.
type Command struct {
	Kind    CommandKind
	Change  ws.StateChange
	Frame   proto.Frame
	Err     error
	Channel *Channel
	Token   *auth.Token
	// Epoch tags authentication results with the connection they belong to.
	Epoch uint64
	// Refresh marks an authentication made to renew an encryption key.
	Refresh bool
	Reply   chan error
}

// mailbox is an unbounded FIFO so producers never block.
type mailbox struct {
	mu     sync.Mutex
	queue  []Command
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(cmd Command) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, cmd)
	m.mu.Unlock()

	m.notify()
	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notify()
}

// drain takes every queued command. done reports that the mailbox is closed
// and empty.
func (m *mailbox) drain() (cmds []Command, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds, m.queue = m.queue, nil
	return cmds, m.closed && len(cmds) == 0
}

func (m *mailbox) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
