package kernel

import (
	"github.com/hartex-rtos/hartex/arch"
	"github.com/hartex-rtos/hartex/metrics"
)

// Schedule takes a scheduling decision. It only records the task that should
// run next and pends PendSV if that differs from the running task; the switch
// itself happens in ContextSwitch. Installed as the SVCall handler and called
// from SysTick.
func (k *Kernel) Schedule() {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	k.metrics.Inc(metrics.Schedules)
	next, err := k.GetNextTID()
	if err != nil {
		k.fail(err)
		return
	}
	k.next = next
	if !k.started || next != k.curr {
		k.cpu.Pend(arch.PendSV)
	}
}

// ContextSwitch is the PendSV handler. It recomputes the next task, saves the
// running task's context unless that task has exited, and restores the next
// one. Before the first dispatch there is nothing to save. When the running
// task is still the best choice no context is touched.
func (k *Kernel) ContextSwitch() {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)

	next, err := k.GetNextTID()
	if err != nil {
		k.fail(err)
		return
	}
	k.next = next
	if k.started && next == k.curr {
		return
	}

	prev := k.curr
	if k.started {
		t := k.tcbs[prev]
		if t.state != TaskExited {
			if err := t.ctx.Capture(); err != nil {
				k.fail(err)
				return
			}
			if t.state == TaskRunning {
				t.state = TaskReady
			}
		}
	}
	t := k.tcbs[next]
	if err := t.ctx.Restore(); err != nil {
		k.fail(err)
		return
	}
	k.started = true
	t.state = TaskRunning
	k.curr = next
	k.metrics.Inc(metrics.ContextSwitches)
	k.log.Debugf("kernel: switch %d -> %d at tick %d", prev, next, k.timer.Now())
}

// sysTick is the SysTick handler.
func (k *Kernel) sysTick() {
	now := k.timer.tick()
	k.metrics.Inc(metrics.Ticks)
	k.eventTab.sweep()
	for _, fn := range k.tickHooks {
		fn(now)
	}
	k.Schedule()
}
