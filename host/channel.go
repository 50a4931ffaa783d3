package host

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
	"github.com/gridlet-dev/gridlet-host/logging"
)

type callOutcome struct {
	payload map[string]any
	err     error
}

// requestHandler processes a host-bound request emitted by the sandbox.
// respond sends the reply back into the sandbox; it is a no-op once the
// sandbox is gone.
type requestHandler func(msg entities.Message, respond func(entities.Message))

// channel supervises one live sandbox: it correlates request ids to pending
// results, enforces per-call deadlines, and owns termination. A terminated
// channel is never revived; the orchestrator creates a replacement channel
// around a fresh sandbox instead.
type channel struct {
	sandbox   ports.Sandbox
	onRequest requestHandler
	logger    *logging.Logger

	mu         sync.Mutex
	pending    map[string]chan callOutcome
	terminated bool
}

func newChannel(sandbox ports.Sandbox, onRequest requestHandler, logger *logging.Logger) *channel {
	c := &channel{
		sandbox:   sandbox,
		onRequest: onRequest,
		logger:    logger,
		pending:   make(map[string]chan callOutcome),
	}
	go c.loop()
	return c
}

// loop routes sandbox output: correlated responses resolve pending entries,
// everything request-shaped goes to the handler. Exits when the sandbox's
// receive channel closes.
func (c *channel) loop() {
	for msg := range c.sandbox.Receive() {
		if msg.Kind.IsResponse() {
			c.resolve(msg)
			continue
		}
		if c.onRequest != nil {
			m := msg
			go c.onRequest(m, func(reply entities.Message) {
				if err := c.notify(reply); err != nil {
					c.logger.Debug("dropping reply to terminated sandbox",
						zap.String("kind", string(reply.Kind)), zap.String("id", reply.ID))
				}
			})
		}
	}
}

func (c *channel) resolve(msg entities.Message) {
	c.mu.Lock()
	wait, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Unknown or already-settled id, or a response from a sandbox that
		// was terminated before this entry's replacement channel took over.
		c.logger.Debug("discarding uncorrelated response", zap.String("id", msg.ID))
		return
	}

	if msg.Kind.IsErrorResponse() {
		err := error(msg.Error)
		if msg.Error == nil {
			err = entities.NewHostError(entities.CodeExtensionFailure, "extension reported an error")
		}
		wait <- callOutcome{err: err}
		return
	}
	wait <- callOutcome{payload: msg.Payload}
}

// alive reports whether the channel still accepts work.
func (c *channel) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.terminated
}

// notify sends a fire-and-forget message (init, event, or a reply to a
// sandbox-originated request).
func (c *channel) notify(msg entities.Message) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return entities.ErrWorkerTerminated
	}
	c.mu.Unlock()
	return c.sandbox.Send(msg)
}

// call sends a request-shaped message and awaits its correlated response
// within the given budget. On deadline expiry the sandbox is terminated:
// this call fails with the timeout condition, every other pending call fails
// with the distinct worker-terminated condition.
func (c *channel) call(ctx context.Context, msg entities.Message, timeout time.Duration) (map[string]any, error) {
	wait := make(chan callOutcome, 1)

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil, entities.ErrWorkerTerminated
	}
	c.pending[msg.ID] = wait
	c.mu.Unlock()

	if err := c.sandbox.Send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-wait:
		return out.payload, out.err
	case <-timer.C:
		c.expire(msg.ID)
		// expire (or a response racing the deadline) guarantees an outcome.
		out := <-wait
		return out.payload, out.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// expire settles a timed-out call and takes the sandbox down with it. A
// response that won the race against the deadline leaves nothing to do.
func (c *channel) expire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	wait <- callOutcome{err: entities.ErrCallTimeout}

	c.logger.Warn("sandbox call exceeded its budget, terminating sandbox", zap.String("call", id))
	c.terminateLocked()
}

// terminate tears the sandbox down, rejecting every pending call with the
// worker-terminated condition.
func (c *channel) terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked()
}

// terminateLocked must run under c.mu. It atomically stops new registrations
// (terminated flag), rejects every entry that existed at this moment, and
// stops the sandbox. Responses still in flight from the dying sandbox can
// only match entries registered on this channel, never on a replacement.
func (c *channel) terminateLocked() {
	if c.terminated {
		return
	}
	c.terminated = true
	for id, wait := range c.pending {
		delete(c.pending, id)
		wait <- callOutcome{err: entities.ErrWorkerTerminated}
	}
	c.sandbox.Terminate()
}
