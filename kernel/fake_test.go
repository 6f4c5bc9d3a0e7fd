package kernel

import (
	"context"
	"math/bits"
	"time"

	"github.com/hartex-rtos/hartex/arch"
)

// fakeCPU runs every handler synchronously on the calling goroutine and
// records what the kernel asked of it. Task entries never run.
type fakeCPU struct {
	primask  bool
	depth    int
	started  bool
	handlers [arch.MaxException]func()
	pending  uint64
	contexts map[int]*fakeContext
	halts    []error
}

func newFakeCPU() *fakeCPU {
	return &fakeCPU{contexts: make(map[int]*fakeContext)}
}

type fakeContext struct {
	id         int
	entry      func()
	frame      [4]uint32
	captures   int
	restores   int
	restoreErr error
}

func (c *fakeContext) Capture() error {
	c.captures++
	c.frame[0]++
	return nil
}

func (c *fakeContext) Restore() error {
	if c.restoreErr != nil {
		return c.restoreErr
	}
	c.restores++
	return nil
}

func (c *fakeCPU) DisableInterrupts() arch.State {
	var s arch.State
	if c.primask {
		s = 1
	}
	c.primask = true
	return s
}

func (c *fakeCPU) RestoreInterrupts(s arch.State) {
	c.primask = s != 0
	c.service()
}

func (c *fakeCPU) IsPrivileged() bool { return c.depth > 0 || !c.started }
func (c *fakeCPU) InHandler() bool    { return c.depth > 0 }

func (c *fakeCPU) SetHandler(e arch.Exception, fn func()) { c.handlers[e] = fn }

func (c *fakeCPU) Pend(e arch.Exception) { c.pending |= 1 << e }

func (c *fakeCPU) SupervisorCall() {
	c.Pend(arch.SVCall)
	c.service()
}

func (c *fakeCPU) WaitForInterrupt() { c.service() }

// interrupt raises e and takes it right away.
func (c *fakeCPU) interrupt(e arch.Exception) {
	c.Pend(e)
	c.service()
}

func (c *fakeCPU) service() {
	if c.primask || c.depth > 0 {
		return
	}
	for c.pending != 0 {
		e := arch.PendSV
		if rest := c.pending &^ (1 << arch.PendSV); rest != 0 {
			e = arch.Exception(bits.TrailingZeros64(rest))
		}
		c.pending &^= 1 << e
		if h := c.handlers[e]; h != nil {
			c.depth++
			h()
			c.depth--
		}
	}
}

func (c *fakeCPU) NewContext(id int, stack []uint32, entry func()) (arch.Context, error) {
	if len(stack) < 4 {
		return nil, arch.ErrStackTooSmall
	}
	ctx := &fakeContext{id: id, entry: entry}
	c.contexts[id] = ctx
	return ctx, nil
}

func (c *fakeCPU) Start(ctx context.Context, tick time.Duration) error {
	if c.started {
		return arch.ErrAlreadyStarted
	}
	c.started = true
	c.SupervisorCall()
	return c.err()
}

func (c *fakeCPU) Halt(err error) { c.halts = append(c.halts, err) }

func (c *fakeCPU) err() error {
	if len(c.halts) == 0 {
		return nil
	}
	return c.halts[0]
}

func stack() []uint32 { return make([]uint32, 32) }

func nop() {}
