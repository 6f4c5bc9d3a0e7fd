// Package hosted emulates a single Cortex-M core on top of goroutines so the
// kernel can run, unmodified, inside an ordinary Go process.
//
// Every task runs on its own goroutine, but only the goroutine that owns the
// emulated core executes. Ownership moves in exactly one place: the exception
// return after a PendSV handler restored another task's context. The outgoing
// goroutine hands the core to the incoming one and parks until it is resumed,
// so from the kernel's point of view there is one hardware thread.
//
// Exceptions are taken at instruction boundaries: when interrupts are enabled
// again by RestoreInterrupts, on SupervisorCall and in WaitForInterrupt. A task
// that computes without crossing a boundary is never preempted.
package hosted

import (
	"context"
	"errors"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hartex-rtos/hartex/arch"
	"github.com/hartex-rtos/hartex/logging"
)

// Options configures the emulated core.
type Options struct {
	// Pin locks every goroutine that executes on the core to an OS thread
	// bound to host CPU PinCPU.
	Pin    bool
	PinCPU int

	// Logger receives port diagnostics. May be nil.
	Logger *logging.Logger
}

// CPU is the emulated core. It implements arch.CPU.
type CPU struct {
	opts Options

	// Core state. Only the goroutine that currently owns the core reads or
	// writes these fields.
	primask    bool
	depth      int // exception nesting
	privileged bool
	current    *Context // nil while the reset context owns the core
	incoming   *Context
	outgoing   *Context
	handlers   [arch.MaxException]func()
	started    bool

	// Pending exceptions, one bit per exception number. Written from any
	// goroutine (SysTick source, external interrupt sources).
	pending atomic.Uint64
	wake    chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	errMu    sync.Mutex
	err      error

	// Goroutines that were launched for tasks and have not exited yet.
	tasks sync.WaitGroup
}

var _ arch.CPU = (*CPU)(nil)

var (
	errSVCMasked    = errors.New("hosted: svc with interrupts masked or inside a handler")
	errTaskReturned = errors.New("hosted: task entry returned")
)

// New returns a core in its reset state: thread mode, privileged, interrupts
// enabled and nothing pending.
func New(opts Options) *CPU {
	return &CPU{
		opts:       opts,
		privileged: true,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// DisableInterrupts sets the emulated PRIMASK.
func (c *CPU) DisableInterrupts() arch.State {
	var s arch.State
	if c.primask {
		s = 1
	}
	c.primask = true
	return s
}

// RestoreInterrupts puts back a saved PRIMASK. Pending exceptions are taken
// right away when this enables interrupts, like on the real hardware.
func (c *CPU) RestoreInterrupts(s arch.State) {
	c.primask = s != 0
	if !c.primask {
		c.serviceInterrupts()
	}
}

func (c *CPU) IsPrivileged() bool {
	return c.depth > 0 || c.privileged
}

func (c *CPU) InHandler() bool {
	return c.depth > 0
}

func (c *CPU) SetHandler(e arch.Exception, fn func()) {
	c.handlers[e] = fn
}

// Pend marks an exception pending and wakes a core sleeping in
// WaitForInterrupt. Safe to call from any goroutine.
func (c *CPU) Pend(e arch.Exception) {
	bit := uint64(1) << e
	for {
		old := c.pending.Load()
		if old&bit != 0 || c.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SupervisorCall executes an svc instruction.
func (c *CPU) SupervisorCall() {
	if c.primask || c.depth > 0 {
		// An svc that cannot be taken escalates to a HardFault.
		c.Halt(errSVCMasked)
		c.leave()
		return
	}
	c.Pend(arch.SVCall)
	c.serviceInterrupts()
}

// WaitForInterrupt blocks until an exception is pending, then takes it.
func (c *CPU) WaitForInterrupt() {
	for c.pending.Load() == 0 {
		select {
		case <-c.wake:
		case <-c.stop:
			c.leave()
			return
		}
	}
	c.serviceInterrupts()
}

// Start enables SysTick, dispatches the first task through a supervisor call
// and then waits until the core is halted. When it returns every task
// goroutine has exited and the caller owns the core again, in privileged
// thread mode.
func (c *CPU) Start(ctx context.Context, tick time.Duration) error {
	if c.started {
		return arch.ErrAlreadyStarted
	}
	c.started = true

	go func() {
		select {
		case <-ctx.Done():
			c.Halt(ctx.Err())
		case <-c.stop:
		}
	}()
	if tick > 0 {
		go c.sysTick(tick)
	}

	c.SupervisorCall()

	// The core now belongs to the first task (or the dispatch failed and the
	// core was halted). Don't touch core state until all tasks are gone.
	<-c.stop
	c.tasks.Wait()

	c.current = nil
	c.incoming, c.outgoing = nil, nil
	c.depth = 0
	c.primask = false
	c.privileged = true
	return c.Err()
}

// Halt stops the core. Parked tasks exit immediately, the running task exits
// at its next instruction boundary.
func (c *CPU) Halt(err error) {
	c.stopOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if err != nil && c.opts.Logger != nil {
			c.opts.Logger.Debugf("hosted: cpu halted: %v", err)
		}
		close(c.stop)
	})
}

// Err returns the error the core was halted with.
func (c *CPU) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Halted reports whether Halt has been called.
func (c *CPU) Halted() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *CPU) sysTick(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Pend(arch.SysTick)
		case <-c.stop:
			return
		}
	}
}

// serviceInterrupts takes all pending exceptions, highest priority first and
// PendSV last, then performs the exception return. Exceptions are only taken
// from thread mode; handlers that pend further exceptions get them
// tail-chained by this loop.
func (c *CPU) serviceInterrupts() {
	if c.depth > 0 {
		return
	}
	if c.Halted() {
		c.leave()
		return
	}
	if c.primask {
		return
	}
	taken := false
	for {
		e, ok := c.popPending()
		if !ok {
			break
		}
		h := c.handlers[e]
		if h == nil {
			continue
		}
		taken = true
		c.depth++
		h()
		c.depth--
		if c.Halted() {
			break
		}
	}
	if taken {
		c.exceptionReturn()
	}
}

// popPending clears and returns the highest priority pending exception.
func (c *CPU) popPending() (arch.Exception, bool) {
	for {
		p := c.pending.Load()
		if p == 0 {
			return 0, false
		}
		e := arch.PendSV
		if rest := p &^ (1 << arch.PendSV); rest != 0 {
			e = arch.Exception(bits.TrailingZeros64(rest))
		}
		if c.pending.CompareAndSwap(p, p&^(1<<e)) {
			return e, true
		}
	}
}

// exceptionReturn returns to thread mode. If a handler restored another
// task's context, the core is handed to that task's goroutine here and the
// calling goroutine parks (its context was captured) or ends (it was not).
func (c *CPU) exceptionReturn() {
	if c.Halted() {
		c.leave()
		return
	}
	in, out := c.incoming, c.outgoing
	c.incoming, c.outgoing = nil, nil
	if in == nil || in == c.current {
		return
	}
	prev := c.current
	c.current = in
	c.privileged = false
	in.dispatch()

	switch {
	case prev == nil:
		// The reset context handed over the core for the first time. It
		// returns into Start, which only waits from now on.
	case out == prev:
		prev.park()
	default:
		// The running task was not saved: it has exited.
		runtime.Goexit()
	}
}

// leave is called at a boundary after the core was halted. A task goroutine
// ends; the reset context returns to its caller.
func (c *CPU) leave() {
	if c.current != nil {
		runtime.Goexit()
	}
}
