// Package gojaengine runs extension bundles as JavaScript inside goja VMs.
//
// Extension scripts react to the host by defining globals:
//
//	activate(payload)                          entry point, run once per activation
//	onEvent(name, payload)                     fire-and-forget broadcasts
//	onCommand(commandId, args)                 contributed commands
//	onCustomFunction(name, args)               contributed custom functions
//	onDataConnector(connectorId, method, p)    contributed data connectors
//
// and may call back into the host synchronously through the injected
// host.call(namespace, method, params) function.
package gojaengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
	"github.com/gridlet-dev/gridlet-host/logging"
)

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

// Engine spawns one goja VM per extension. Each VM is owned by a single
// goroutine; the host talks to it only through the sandbox message contract.
type Engine struct {
	config *engineConfig
}

// NewEngine creates a JavaScript engine.
func NewEngine(opts ...Option) *Engine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Engine{config: cfg}
}

// Spawn compiles the extension source and starts its VM goroutine. A syntax
// error in the bundle fails the spawn; runtime errors surface per message.
func (e *Engine) Spawn(_ context.Context, spec ports.SandboxSpec) (ports.Sandbox, error) {
	prog, err := goja.Compile(spec.ExtensionID, string(spec.Source), true)
	if err != nil {
		return nil, fmt.Errorf("compile extension %s: %w", spec.ExtensionID, err)
	}

	sb := &sandbox{
		id:     spec.ExtensionID,
		logger: e.config.logger,
		in:     make(chan entities.Message, 16),
		out:    make(chan entities.Message, 16),
	}
	go sb.run(prog)
	return sb, nil
}

var errInterrupted = fmt.Errorf("sandbox terminated")

// sandbox is one live VM. The run goroutine owns the VM exclusively; Send and
// Terminate only touch the inbox and the interrupt flag.
type sandbox struct {
	id     string
	logger *logging.Logger

	in  chan entities.Message
	out chan entities.Message

	mu         sync.Mutex
	terminated bool

	vm *goja.Runtime

	// backlog holds messages read off the inbox while a host.call was
	// waiting for its own correlated response.
	backlog []entities.Message
}

// Send queues a message for the VM goroutine.
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

// Receive yields the sandbox's outbound messages.
func (s *sandbox) Receive() <-chan entities.Message {
	return s.out
}

// Terminate interrupts running script and stops the VM goroutine. Safe to
// call more than once.
func (s *sandbox) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	close(s.in)
	vm := s.vm
	s.mu.Unlock()

	if vm != nil {
		vm.Interrupt(errInterrupted)
	}
}

// emit pushes a message to the host. Only the run goroutine emits, so this
// never races the deferred close of the outbound channel.
func (s *sandbox) emit(msg entities.Message) {
	s.out <- msg
}

// run owns the VM: evaluates the bundle, then serves the inbox until
// termination.
func (s *sandbox) run(prog *goja.Program) {
	defer close(s.out)

	vm := goja.New()
	s.mu.Lock()
	s.vm = vm
	s.mu.Unlock()

	s.installHostObject(vm)

	if _, err := vm.RunProgram(prog); err != nil {
		s.logger.Warn("extension bundle failed to evaluate",
			zap.String("extension", s.id), zap.Error(err))
		return
	}

	for {
		msg, ok := s.nextMessage()
		if !ok {
			return
		}
		s.dispatch(vm, msg)
	}
}

// nextMessage drains the backlog before reading the inbox.
func (s *sandbox) nextMessage() (entities.Message, bool) {
	if len(s.backlog) > 0 {
		msg := s.backlog[0]
		s.backlog = s.backlog[1:]
		return msg, true
	}
	msg, ok := <-s.in
	return msg, ok
}

func (s *sandbox) dispatch(vm *goja.Runtime, msg entities.Message) {
	switch msg.Kind {
	case entities.KindInit:
		// Optional hook; most bundles just use top-level statements.
		s.callOptional(vm, "initialize", vm.ToValue(msg.Payload))

	case entities.KindActivate:
		result, err := s.callRequired(vm, "activate", vm.ToValue(msg.Payload))
		s.reply(msg, result, err)

	case entities.KindEvent:
		s.callOptional(vm, "onEvent", vm.ToValue(msg.Name), vm.ToValue(msg.Payload))

	case entities.KindAPICall:
		switch msg.Name {
		case "command":
			result, err := s.callRequired(vm, "onCommand",
				vm.ToValue(msg.Method), vm.ToValue(msg.Payload))
			s.reply(msg, result, err)
		case "customFunction":
			var args any
			if msg.Payload != nil {
				args = msg.Payload["args"]
			}
			result, err := s.callRequired(vm, "onCustomFunction",
				vm.ToValue(msg.Method), vm.ToValue(args))
			if err != nil {
				s.reply(msg, nil, err)
				return
			}
			s.emit(msg.Result(map[string]any{"value": result}))
		default:
			s.reply(msg, nil, fmt.Errorf("unsupported dispatch target %q", msg.Name))
		}

	case entities.KindConnectorInvoke:
		result, err := s.callRequired(vm, "onDataConnector",
			vm.ToValue(msg.Name), vm.ToValue(msg.Method), vm.ToValue(msg.Payload))
		s.reply(msg, result, err)

	default:
		s.logger.Debug("sandbox ignoring message",
			zap.String("extension", s.id), zap.String("kind", string(msg.Kind)))
	}
}

// reply converts a dispatch outcome into the correlated response message.
func (s *sandbox) reply(msg entities.Message, result any, err error) {
	if err != nil {
		s.emit(msg.Failure(entities.NewHostError(entities.CodeExtensionFailure, "%v", err)))
		return
	}
	payload, ok := result.(map[string]any)
	if !ok {
		payload = map[string]any{}
		if result != nil {
			payload["value"] = result
		}
	}
	s.emit(msg.Result(payload))
}

// callRequired invokes a global function the contract mandates for the
// message kind, converting a goja exception into an error.
func (s *sandbox) callRequired(vm *goja.Runtime, name string, args ...goja.Value) (result any, err error) {
	fn, ok := goja.AssertFunction(vm.Get(name))
	if !ok {
		return nil, fmt.Errorf("extension defines no %s function", name)
	}
	value, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, err
	}
	return value.Export(), nil
}

// callOptional invokes a global hook if the bundle defines one.
func (s *sandbox) callOptional(vm *goja.Runtime, name string, args ...goja.Value) {
	fn, ok := goja.AssertFunction(vm.Get(name))
	if !ok {
		return
	}
	if _, err := fn(goja.Undefined(), args...); err != nil {
		s.logger.Warn("extension hook failed",
			zap.String("extension", s.id),
			zap.String("hook", name),
			zap.Error(err))
	}
}

// installHostObject exposes the host capability surface to script.
func (s *sandbox) installHostObject(vm *goja.Runtime) {
	host := vm.NewObject()

	_ = host.Set("call", func(call goja.FunctionCall) goja.Value {
		namespace := call.Argument(0).String()
		method := call.Argument(1).String()
		var params map[string]any
		if exported := call.Argument(2).Export(); exported != nil {
			params, _ = exported.(map[string]any)
		}
		result, err := s.hostCall(namespace, method, params)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(result)
	})

	_ = host.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]any, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.Export())
		}
		s.logger.Info("extension log",
			zap.String("extension", s.id), zap.Any("message", parts))
		return goja.Undefined()
	})

	_ = vm.Set("host", host)
}

// hostCall performs one synchronous capability round-trip from inside script.
// It runs on the VM goroutine, so the correlated response is read inline off
// the inbox; unrelated messages arriving meanwhile go to the backlog for the
// main loop.
func (s *sandbox) hostCall(namespace, method string, params map[string]any) (any, error) {
	id := uuid.NewString()
	s.emit(entities.Message{
		Kind:    entities.KindAPICall,
		ID:      id,
		Name:    namespace,
		Method:  method,
		Payload: params,
	})

	for {
		msg, ok := <-s.in
		if !ok {
			return nil, entities.ErrWorkerTerminated
		}
		if !msg.Kind.IsResponse() || msg.ID != id {
			s.backlog = append(s.backlog, msg)
			continue
		}
		if msg.Kind.IsErrorResponse() {
			if msg.Error != nil {
				return nil, msg.Error
			}
			return nil, fmt.Errorf("capability call %s.%s failed", namespace, method)
		}
		return msg.Payload, nil
	}
}
