// Package shutdown implements the graceful-shutdown coordinator: it
// tracks in-flight streams, refuses new work once draining starts, and
// force-cancels whatever is still running after a timeout. A
// three-state machine the gateway/streaming/dispatcher components all
// register against.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is one of the three lifecycle phases a process moves through
// exactly once, in order.
type State int

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "running"
	}
}

// Coordinator tracks active work and the running/draining/stopped state
// transition. Every long-lived operation (a streaming Engine.Run call, a
// WS connection, a dispatcher cycle) calls Track at entry and the
// returned func at exit; Coordinator.Drain blocks until Track's active
// count reaches zero or the timeout elapses.
type Coordinator struct {
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	active int
	idle   chan struct{} // closed and replaced whenever active drops to 0
}

func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{logger: logger, idle: make(chan struct{})}
	close(c.idle) // starts idle: zero active operations
	return c
}

// Track registers one in-flight operation. ok is false once draining has
// begun — callers must refuse the new operation rather than start it.
// The returned done func must be called exactly once when the operation
// finishes.
func (c *Coordinator) Track() (done func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return func() {}, false
	}
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
	return c.untrack, true
}

func (c *Coordinator) untrack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.active <= 0 {
		c.active = 0
		close(c.idle)
	}
}

// Drain transitions to draining (refusing new Track calls) and waits
// for every tracked operation to finish, up to timeout. Returns true if
// drain completed cleanly, false if the timeout forced an early return.
func (c *Coordinator) Drain(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	c.state = StateDraining
	idle := c.idle
	active := c.active
	c.mu.Unlock()

	if active == 0 {
		c.setStopped()
		return true
	}

	c.logger.InfoContext(ctx, "shutdown draining", "active", active, "timeout", timeout)
	select {
	case <-idle:
		c.logger.InfoContext(ctx, "shutdown drained cleanly")
		c.setStopped()
		return true
	case <-time.After(timeout):
		c.logger.WarnContext(ctx, "shutdown drain timeout; forcing stop", "timeout", timeout)
		c.setStopped()
		return false
	case <-ctx.Done():
		c.setStopped()
		return false
	}
}

func (c *Coordinator) setStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
