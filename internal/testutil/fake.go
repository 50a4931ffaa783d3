// Package testutil provides in-memory protocol fakes shared by host tests.
package testutil

import (
	"context"
	"sync"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
)

// Handler scripts a fake sandbox's reaction to one incoming message. A nil
// return means no reply, which makes request-shaped messages hang until their
// deadline.
type Handler func(sb *FakeSandbox, msg entities.Message) *entities.Message

// DefaultReply acknowledges every request-shaped message with an empty
// success payload and ignores fire-and-forget kinds.
func DefaultReply(_ *FakeSandbox, msg entities.Message) *entities.Message {
	switch msg.Kind {
	case entities.KindActivate, entities.KindAPICall, entities.KindConnectorInvoke:
		reply := msg.Result(map[string]any{})
		return &reply
	}
	return nil
}

// FakeEngine spawns scripted in-memory sandboxes.
type FakeEngine struct {
	// Handler scripts every spawned sandbox. Defaults to DefaultReply.
	Handler Handler

	mu       sync.Mutex
	spawned  []*FakeSandbox
	spawnErr error
}

// NewFakeEngine returns an engine whose sandboxes answer with handler, or
// DefaultReply when handler is nil.
func NewFakeEngine(handler Handler) *FakeEngine {
	if handler == nil {
		handler = DefaultReply
	}
	return &FakeEngine{Handler: handler}
}

// FailSpawnsWith makes subsequent Spawn calls fail.
func (e *FakeEngine) FailSpawnsWith(err error) {
	e.mu.Lock()
	e.spawnErr = err
	e.mu.Unlock()
}

// Spawn creates a new scripted sandbox.
func (e *FakeEngine) Spawn(_ context.Context, spec ports.SandboxSpec) (ports.Sandbox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.spawnErr != nil {
		return nil, e.spawnErr
	}
	sb := &FakeSandbox{
		Spec:    spec,
		handler: e.Handler,
		out:     make(chan entities.Message, 64),
	}
	e.spawned = append(e.spawned, sb)
	return sb, nil
}

// SpawnCount reports how many sandboxes the engine has created.
func (e *FakeEngine) SpawnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.spawned)
}

// Sandboxes returns every sandbox spawned so far, oldest first.
func (e *FakeEngine) Sandboxes() []*FakeSandbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*FakeSandbox, len(e.spawned))
	copy(out, e.spawned)
	return out
}

// LastSandbox returns the most recently spawned sandbox, or nil.
func (e *FakeEngine) LastSandbox() *FakeSandbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.spawned) == 0 {
		return nil
	}
	return e.spawned[len(e.spawned)-1]
}

// FakeSandbox is one scripted in-memory sandbox. Incoming messages are
// recorded and answered synchronously by the handler.
type FakeSandbox struct {
	Spec    ports.SandboxSpec
	handler Handler

	mu         sync.Mutex
	received   []entities.Message
	terminated bool

	out chan entities.Message
}

// Send records the message and emits the handler's scripted reply, if any.
func (s *FakeSandbox) Send(msg entities.Message) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return entities.ErrWorkerTerminated
	}
	s.received = append(s.received, msg)
	s.mu.Unlock()

	if reply := s.handler(s, msg); reply != nil {
		s.Emit(*reply)
	}
	return nil
}

// Emit pushes a message out of the sandbox, as extension code would.
func (s *FakeSandbox) Emit(msg entities.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.out <- msg
}

// Receive yields the sandbox's outbound messages.
func (s *FakeSandbox) Receive() <-chan entities.Message {
	return s.out
}

// Terminate stops the sandbox and closes its outbound channel.
func (s *FakeSandbox) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true
	close(s.out)
}

// Terminated reports whether Terminate was called.
func (s *FakeSandbox) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Received returns every message the sandbox has been sent, oldest first.
func (s *FakeSandbox) Received() []entities.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.Message, len(s.received))
	copy(out, s.received)
	return out
}

// ReceivedKind returns the received messages of one kind, oldest first.
func (s *FakeSandbox) ReceivedKind(kind entities.MessageKind) []entities.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.Message
	for _, m := range s.received {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}
