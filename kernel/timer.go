package kernel

import "sync/atomic"

// Timer counts SysTick interrupts.
type Timer struct {
	ticks atomic.Uint64
}

func (t *Timer) tick() uint64 {
	return t.ticks.Add(1)
}

// Now returns the number of ticks so far.
func (t *Timer) Now() uint64 {
	return t.ticks.Load()
}
