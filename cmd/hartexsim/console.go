package main

import (
	"context"
	"sync/atomic"

	tty "github.com/mattn/go-tty"

	"github.com/hartex-rtos/hartex/arch"
	"github.com/hartex-rtos/hartex/kernel"
)

// consoleIRQ is the external interrupt line raised by key presses.
const consoleIRQ = 0

// console turns key presses into task releases. The reader goroutine only
// collects the requested tasks and raises the interrupt; the release itself
// happens in the interrupt handler, on the emulated core.
type console struct {
	t       *tty.TTY
	pending atomic.Uint32
}

func openConsole() (*console, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	return &console{t: t}, nil
}

func (c *console) Close() error {
	return c.t.Close()
}

// attach installs the interrupt handler and starts reading keys. A q key
// calls quit.
func (c *console) attach(k *kernel.Kernel, quit context.CancelFunc) error {
	if err := k.SetInterruptHandler(consoleIRQ, func() { c.service(k) }); err != nil {
		return err
	}
	go func() {
		for {
			r, err := c.t.ReadRune()
			if err != nil {
				return
			}
			if r == 'q' {
				quit()
				return
			}
			if m, ok := keyMask(r); ok {
				c.raise(k.CPU(), m)
			}
		}
	}()
	return nil
}

func (c *console) raise(cpu arch.CPU, m kernel.Mask) {
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old|uint32(m)) {
			break
		}
	}
	cpu.Pend(arch.IRQ0 + consoleIRQ)
}

// service is the interrupt handler.
func (c *console) service(k *kernel.Kernel) {
	if m := kernel.Mask(c.pending.Swap(0)); m != 0 {
		k.Release(m)
		k.Schedule()
	}
}

// keyMask maps 0-9 to tasks 0 to 9 and a-v to tasks 10 to 31.
func keyMask(r rune) (kernel.Mask, bool) {
	switch {
	case r >= '0' && r <= '9':
		return kernel.TaskID(r - '0').Mask(), true
	case r >= 'a' && r <= 'v':
		return kernel.TaskID(r - 'a' + 10).Mask(), true
	}
	return 0, false
}
