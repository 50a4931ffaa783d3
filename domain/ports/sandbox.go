package ports

import (
	"context"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

// SandboxSpec describes the extension a fresh sandbox will execute.
type SandboxSpec struct {
	ExtensionID string
	Manifest    entities.Manifest

	// Source is the opaque extension bundle (JavaScript source, a WASM
	// module, ...). The host never interprets it.
	Source []byte
}

// Engine creates isolated execution contexts. Implementations decide the
// execution model; the host only speaks the message protocol.
type Engine interface {
	Spawn(ctx context.Context, spec SandboxSpec) (Sandbox, error)
}

// Sandbox is one live execution context, reachable only by message passing.
// Send delivers a message into the sandbox; Receive yields messages the
// sandbox emits (correlated responses and host-bound capability calls).
// Terminate stops execution; the Receive channel is closed afterwards.
type Sandbox interface {
	Send(msg entities.Message) error
	Receive() <-chan entities.Message
	Terminate()
}
