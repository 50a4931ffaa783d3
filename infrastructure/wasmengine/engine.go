// Package wasmengine runs extension bundles as WebAssembly modules under
// wazero.
//
// The guest ABI mirrors the host's message protocol: the guest exports
// allocate(size) and on_message(ptr, len); the host instantiates a
// "gridlet_host" module exporting emit_message(packed) and
// log_message(packed), where packed is (ptr << 32) | len into guest memory.
// Every payload on either side is one JSON-encoded protocol message.
package wasmengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
	"github.com/gridlet-dev/gridlet-host/logging"
)

const hostModuleName = "gridlet_host"

type engineConfig struct {
	logger *logging.Logger
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{logger: logging.NewNop()}
}

// Option configures the engine.
type Option func(*engineConfig)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// Engine spawns one wazero runtime per extension so a terminated sandbox
// releases everything it instantiated.
type Engine struct {
	config *engineConfig
}

// NewEngine creates a WebAssembly engine.
func NewEngine(opts ...Option) *Engine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Engine{config: cfg}
}

// Spawn instantiates the extension's WASM module and starts the goroutine
// owning it. Module instances are not safe for concurrent use, so all guest
// calls happen on that goroutine.
func (e *Engine) Spawn(ctx context.Context, spec ports.SandboxSpec) (ports.Sandbox, error) {
	runtime := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	sb := &sandbox{
		id:      spec.ExtensionID,
		logger:  e.config.logger,
		runtime: runtime,
		in:      make(chan entities.Message, 16),
		out:     make(chan entities.Message, 16),
	}

	if err := sb.registerHostModule(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("register host module for %s: %w", spec.ExtensionID, err)
	}

	module, err := runtime.Instantiate(ctx, spec.Source)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate extension %s: %w", spec.ExtensionID, err)
	}
	if module.ExportedFunction("allocate") == nil || module.ExportedFunction("on_message") == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("extension %s does not export the allocate/on_message ABI", spec.ExtensionID)
	}
	sb.module = module

	go sb.run()
	return sb, nil
}

// sandbox is one live WASM module instance.
type sandbox struct {
	id      string
	logger  *logging.Logger
	runtime wazero.Runtime
	module  api.Module

	in  chan entities.Message
	out chan entities.Message

	mu         sync.Mutex
	terminated bool
}

// Send queues a message for delivery into the guest.
func (s *sandbox) Send(msg entities.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return entities.ErrWorkerTerminated
	}
	select {
	case s.in <- msg:
		return nil
	default:
		return fmt.Errorf("sandbox %s inbox is full", s.id)
	}
}

// Receive yields the messages the guest emits.
func (s *sandbox) Receive() <-chan entities.Message {
	return s.out
}

// Terminate stops message delivery and tears the runtime down. Safe to call
// more than once.
func (s *sandbox) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	close(s.in)
	s.mu.Unlock()
}

// run owns the module instance: it delivers inbox messages into the guest
// until termination, then closes the runtime.
func (s *sandbox) run() {
	ctx := context.Background()
	defer close(s.out)
	defer s.runtime.Close(ctx)

	for msg := range s.in {
		if err := s.deliver(ctx, msg); err != nil {
			s.logger.Warn("guest rejected message",
				zap.String("extension", s.id),
				zap.String("kind", string(msg.Kind)),
				zap.Error(err))
			if msg.ID != "" && !msg.Kind.IsResponse() {
				s.emit(msg.Failure(entities.NewHostError(entities.CodeExtensionFailure, "%v", err)))
			}
		}
	}
}

// deliver writes one JSON-encoded message into guest memory and invokes
// on_message. Responses come back asynchronously through emit_message.
func (s *sandbox) deliver(ctx context.Context, msg entities.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	allocate := s.module.ExportedFunction("allocate")
	results, err := allocate.Call(ctx, uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("allocate guest memory: %w", err)
	}
	if len(results) == 0 {
		return fmt.Errorf("allocate returned no results")
	}
	ptr := uint32(results[0])
	if !s.module.Memory().Write(ptr, payload) {
		return fmt.Errorf("write message to guest memory")
	}

	if _, err := s.module.ExportedFunction("on_message").Call(ctx, uint64(ptr), uint64(len(payload))); err != nil {
		return fmt.Errorf("on_message: %w", err)
	}
	return nil
}

// emit pushes a guest-originated message to the host, dropping it when the
// host stopped listening.
func (s *sandbox) emit(msg entities.Message) {
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("dropping guest message, host outbox is full",
			zap.String("extension", s.id), zap.String("kind", string(msg.Kind)))
	}
}

// registerHostModule instantiates the host-side import module. The functions
// close over this sandbox, so every spawned guest talks only to its own
// supervisor.
func (s *sandbox) registerHostModule(ctx context.Context) error {
	builder := s.runtime.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, packed uint64) {
			ptr := uint32(packed >> 32)
			length := uint32(packed)
			payload, ok := m.Memory().Read(ptr, length)
			if !ok {
				s.logger.Warn("guest emitted unreadable message", zap.String("extension", s.id))
				return
			}
			var msg entities.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				s.logger.Warn("guest emitted malformed message",
					zap.String("extension", s.id), zap.Error(err))
				return
			}
			s.emit(msg)
		}).
		Export("emit_message")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, packed uint64) {
			ptr := uint32(packed >> 32)
			length := uint32(packed)
			payload, ok := m.Memory().Read(ptr, length)
			if !ok {
				return
			}
			var entry struct {
				Level   string `json:"level"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(payload, &entry); err != nil {
				s.logger.Info("extension log",
					zap.String("extension", s.id), zap.ByteString("raw", payload))
				return
			}
			s.logger.Info("extension log",
				zap.String("extension", s.id),
				zap.String("level", entry.Level),
				zap.String("message", entry.Message))
		}).
		Export("log_message")

	_, err := builder.Instantiate(ctx)
	return err
}
