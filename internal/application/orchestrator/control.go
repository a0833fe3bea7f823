package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/aescanero/dapo/pkg/domain"
)

// control holds the stop signals of one execution. The execution context is
// the parent of every step context, so stopping the execution stops every
// step with the same *domain.StopRequest cause. Step contexts are created
// lazily; a step stopped before it was launched gets an already cancelled
// context.
type control struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	steps     map[string]*stepSignal
	requested bool
	finished  bool
}

type stepSignal struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	requested bool
}

func newControl(parent context.Context) *control {
	ctx, cancel := context.WithCancelCause(parent)
	return &control{
		ctx:    ctx,
		cancel: cancel,
		steps:  make(map[string]*stepSignal),
	}
}

// stepContext returns the stop signal of one step
func (c *control) stepContext(stepID string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal(stepID).ctx
}

func (c *control) signal(stepID string) *stepSignal {
	s, ok := c.steps[stepID]
	if !ok {
		ctx, cancel := context.WithCancelCause(c.ctx)
		s = &stepSignal{ctx: ctx, cancel: cancel}
		c.steps[stepID] = s
	}
	return s
}

// stopAll requests a stop of the whole execution. It reports whether this
// call made the request.
func (c *control) stopAll(req *domain.StopRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested || c.finished {
		return false
	}
	c.requested = true
	c.cancel(req)
	return true
}

// stopStep requests a stop of one step. It reports whether this call made
// the request.
func (c *control) stopStep(stepID string, req *domain.StopRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested || c.finished {
		return false
	}
	s := c.signal(stepID)
	if s.requested {
		return false
	}
	s.requested = true
	s.cancel(req)
	return true
}

// stopping reports whether the whole execution was asked to stop
func (c *control) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// shutdown reports whether the stop came from an orchestrator shutdown
func (c *control) shutdown() bool {
	var req *domain.StopRequest
	return errors.As(context.Cause(c.ctx), &req) && req.Shutdown
}

// finish releases the contexts once every worker returned
func (c *control) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	for _, s := range c.steps {
		s.cancel(context.Canceled)
	}
	c.cancel(context.Canceled)
}
