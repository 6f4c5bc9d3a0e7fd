// Package arch describes the small set of CPU operations the kernel needs from
// a target: masking interrupts, pending and servicing exceptions, querying the
// privilege level and saving/restoring task contexts.
//
// The kernel core only talks to these interfaces. A port implements them for
// one target; see the hosted subpackage for the goroutine-backed emulation of a
// single Cortex-M core.
package arch

import (
	"context"
	"errors"
	"math/bits"
	"strconv"
	"time"
)

var (
	ErrStackTooSmall  = errors.New("arch: stack too small for an exception frame")
	ErrStackOverflow  = errors.New("arch: task stack overflow")
	ErrContextCorrupt = errors.New("arch: saved context corrupted")
	ErrAlreadyStarted = errors.New("arch: cpu already started")
)

// Exception is an exception number as laid out in the Cortex-M vector table.
// A lower number has a higher fixed priority, except for PendSV which is
// always configured as the lowest priority exception so that a context switch
// runs after every other handler has finished.
type Exception uint8

const (
	SVCall  Exception = 11
	PendSV  Exception = 14
	SysTick Exception = 15

	// IRQ0 is the first external interrupt line.
	IRQ0 Exception = 16

	// MaxException bounds the exception numbers a port has to support.
	MaxException = 64
)

func (e Exception) String() string {
	switch e {
	case SVCall:
		return "SVCall"
	case PendSV:
		return "PendSV"
	case SysTick:
		return "SysTick"
	}
	if e >= IRQ0 {
		return "IRQ" + strconv.Itoa(int(e-IRQ0))
	}
	return "exception " + strconv.Itoa(int(e))
}

// State is the interrupt mask as it was before a call to DisableInterrupts.
// It must be passed back unchanged to RestoreInterrupts.
type State uintptr

// Context is the saved register state of one task. Capture is only called
// while the task is being preempted, Restore only while it is being resumed.
// The kernel never looks inside.
type Context interface {
	Capture() error
	Restore() error
}

// CPU is a single processor core as seen by the kernel.
type CPU interface {
	// DisableInterrupts masks all maskable interrupts and returns the previous
	// mask. Calls nest.
	DisableInterrupts() State

	// RestoreInterrupts restores a mask returned by DisableInterrupts. When
	// this enables interrupts again, pending exceptions are taken.
	RestoreInterrupts(State)

	// IsPrivileged reports whether the code calling it runs at the privileged
	// level: in an exception handler, or in thread mode before the first task
	// was dispatched.
	IsPrivileged() bool

	// InHandler reports whether an exception handler is executing.
	InHandler() bool

	// SetHandler installs the handler for an exception.
	SetHandler(Exception, func())

	// Pend marks an exception as pending. It may be called from any
	// goroutine.
	Pend(Exception)

	// SupervisorCall raises SVCall synchronously. It must not be called with
	// interrupts disabled.
	SupervisorCall()

	// WaitForInterrupt sleeps until an exception is pending and takes it.
	WaitForInterrupt()

	// NewContext prepares the initial context of a task that will run entry
	// on the given stack when it is first restored.
	NewContext(id int, stack []uint32, entry func()) (Context, error)

	// Start enables the periodic SysTick (a zero tick disables it), raises the
	// supervisor call that dispatches the first task and then waits. It only
	// returns once the CPU has been halted, either by Halt or because ctx is
	// done, and reports why.
	Start(ctx context.Context, tick time.Duration) error

	// Halt stops the CPU. The first error passed to Halt is the one Start
	// returns.
	Halt(err error)
}

// MSB returns the index of the most significant set bit in v, or 0 if v is
// zero. bits.LeadingZeros32 compiles to a single CLZ instruction on ARMv7-M.
func MSB(v uint32) int {
	n := 32 - bits.LeadingZeros32(v)
	if n > 0 {
		n--
	}
	return n
}
