package hosted

import (
	"fmt"
	"runtime"

	"github.com/sigurn/crc16"

	"github.com/hartex-rtos/hartex/arch"
)

// Word offsets inside the emulated exception frame. The first eight words are
// the callee-saved registers pushed by PendSV, the remaining eight are the
// registers the core stacks itself on exception entry.
const (
	frameR4 = iota
	frameR5
	frameR6
	frameR7
	frameR8
	frameR9
	frameR10
	frameR11
	frameR0
	frameR1
	frameR2
	frameR3
	frameR12
	frameLR
	framePC
	framePSR

	FrameWords
)

const (
	// Return to thread mode using the process stack.
	excReturnThreadPSP = 0xFFFFFFFD

	// Thumb state bit. Must be set or the core faults on exception return.
	psrThumb = 0x01000000

	// Entry address marker written to PC. There is no code address to jump
	// to; the goroutine started by the first dispatch runs the entry func.
	entryMarker = 0x08000001

	// Written at the lowest stack word, checked on every switch.
	stackCanary = 0xb83bf575
)

var frameTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Context is the saved state of one task on the emulated core. It implements
// arch.Context.
//
// The register frame lives at the top of the task's stack, exactly where a
// Cortex-M port keeps it, and the stack pointer points at its lowest word.
type Context struct {
	cpu   *CPU
	id    int
	stack []uint32
	sp    int
	crc   uint16
	entry func()

	launched bool
	resume   chan struct{} // capacity 1

	captures uint64
	restores uint64
}

var _ arch.Context = (*Context)(nil)

// NewContext builds the initial frame of a task on stack. The stack must have
// room for the frame and its canary.
func (c *CPU) NewContext(id int, stack []uint32, entry func()) (arch.Context, error) {
	if len(stack) < FrameWords+2 {
		return nil, fmt.Errorf("%w: task %d has %d words, need %d", arch.ErrStackTooSmall, id, len(stack), FrameWords+2)
	}
	ctx := &Context{
		cpu:    c,
		id:     id,
		stack:  stack,
		sp:     len(stack) - FrameWords,
		entry:  entry,
		resume: make(chan struct{}, 1),
	}
	stack[0] = stackCanary
	f := ctx.frame()
	for i := range f {
		f[i] = 0
	}
	f[framePSR] = psrThumb
	f[framePC] = entryMarker
	f[frameLR] = excReturnThreadPSP
	f[frameR0] = uint32(id)
	ctx.seal()
	return ctx, nil
}

// Capture saves the state of the running task. Called from PendSV.
func (ctx *Context) Capture() error {
	if ctx.stack[0] != stackCanary {
		return fmt.Errorf("%w: task %d", arch.ErrStackOverflow, ctx.id)
	}
	f := ctx.frame()
	// R4 counts how often this context was saved, so a snapshot shows
	// something that changes between switches.
	f[frameR4]++
	ctx.seal()
	ctx.captures++
	ctx.cpu.outgoing = ctx
	return nil
}

// Restore loads the state of a task. The task runs once the handler that
// called Restore returns.
func (ctx *Context) Restore() error {
	if ctx.stack[0] != stackCanary {
		return fmt.Errorf("%w: task %d", arch.ErrStackOverflow, ctx.id)
	}
	if sum := crc16.Checksum(frameBytes(ctx.frame()), frameTable); sum != ctx.crc {
		return fmt.Errorf("%w: task %d: crc %#04x, saved %#04x", arch.ErrContextCorrupt, ctx.id, sum, ctx.crc)
	}
	ctx.restores++
	ctx.cpu.incoming = ctx
	return nil
}

// ID returns the task id the context was created for.
func (ctx *Context) ID() int { return ctx.id }

// StackPointer returns the word offset of the saved frame in the stack.
func (ctx *Context) StackPointer() int { return ctx.sp }

// Snapshot returns a copy of the saved frame.
func (ctx *Context) Snapshot() [FrameWords]uint32 {
	var f [FrameWords]uint32
	copy(f[:], ctx.frame())
	return f
}

// Stack returns the backing stack of the task.
func (ctx *Context) Stack() []uint32 { return ctx.stack }

// Switches returns how many times the context was captured and restored.
func (ctx *Context) Switches() (captures, restores uint64) {
	return ctx.captures, ctx.restores
}

func (ctx *Context) frame() []uint32 {
	return ctx.stack[ctx.sp : ctx.sp+FrameWords]
}

func (ctx *Context) seal() {
	ctx.crc = crc16.Checksum(frameBytes(ctx.frame()), frameTable)
}

func frameBytes(f []uint32) []byte {
	b := make([]byte, 0, len(f)*4)
	for _, w := range f {
		b = append(b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return b
}

// dispatch hands the core to the task. The first dispatch starts its
// goroutine.
func (ctx *Context) dispatch() {
	if !ctx.launched {
		ctx.launched = true
		ctx.cpu.tasks.Add(1)
		go ctx.run()
		return
	}
	ctx.resume <- struct{}{}
}

// park blocks the calling goroutine until the task is dispatched again. If
// the core is halted meanwhile the goroutine exits.
func (ctx *Context) park() {
	select {
	case <-ctx.resume:
	case <-ctx.cpu.stop:
		runtime.Goexit()
	}
}

func (ctx *Context) run() {
	c := ctx.cpu
	defer c.tasks.Done()
	defer func() {
		if r := recover(); r != nil {
			c.Halt(fmt.Errorf("hosted: task %d panicked: %v", ctx.id, r))
		}
	}()
	if c.opts.Pin {
		if err := pin(c.opts.PinCPU); err != nil {
			c.Halt(fmt.Errorf("hosted: pin task %d: %w", ctx.id, err))
			return
		}
	}
	if c.Halted() {
		return
	}
	ctx.entry()
	c.Halt(fmt.Errorf("%w: task %d", errTaskReturned, ctx.id))
}
