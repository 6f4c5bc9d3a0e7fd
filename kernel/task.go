package kernel

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/hartex-rtos/hartex/arch"
	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
)

// TaskID identifies a task and is its priority: a higher id wins.
type TaskID int

const noTask TaskID = -1

// Mask returns the mask with only this task's bit set.
func (id TaskID) Mask() Mask {
	return Mask(1) << uint(id)
}

// Mask is a set of tasks, bit i standing for task i.
type Mask uint32

// Has reports whether task id is in the set.
func (m Mask) Has(id TaskID) bool {
	return id >= 0 && id < MaxTaskLimit && m&id.Mask() != 0
}

// IDs returns the tasks in the set, lowest id first.
func (m Mask) IDs() []TaskID {
	ids := make([]TaskID, 0, bits.OnesCount32(uint32(m)))
	for v := uint32(m); v != 0; v &= v - 1 {
		ids = append(ids, TaskID(bits.TrailingZeros32(v)))
	}
	return ids
}

func (m Mask) String() string {
	ids := m.IDs()
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = strconv.Itoa(int(id))
	}
	return "{" + strings.Join(s, ",") + "}"
}

type TaskState uint8

const (
	TaskDormant TaskState = iota // created, never released
	TaskReady
	TaskRunning
	TaskBlocked
	TaskExited
)

func (s TaskState) String() string {
	switch s {
	case TaskDormant:
		return "dormant"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskExited:
		return "exited"
	}
	return fmt.Sprintf("TaskState(%d)", uint8(s))
}

// tcb is the task control block.
type tcb struct {
	id    TaskID
	ctx   arch.Context
	stack []uint32
	entry func()
	state TaskState
}

// TaskInfo describes one task for diagnostics.
type TaskInfo struct {
	ID      TaskID
	State   TaskState
	Stack   []uint32
	Context arch.Context
}

// CreateTask adds a task to the table. The task starts dormant; it runs once
// released. When entry returns the task exits. A failed call leaves the table
// unchanged.
func (k *Kernel) CreateTask(id TaskID, stack []uint32, entry func()) error {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	if k.sealed {
		return ErrTableSealed
	}
	return k.createTask(id, stack, entry)
}

func (k *Kernel) createTask(id TaskID, stack []uint32, entry func()) error {
	if id < 0 || int(id) >= len(k.tcbs) {
		return fmt.Errorf("%w: task id %d, table holds %d", ErrCapacityExceeded, id, len(k.tcbs))
	}
	if k.tcbs[id] != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	if entry == nil {
		return fmt.Errorf("%w: task %d", ErrNilEntry, id)
	}
	ctx, err := k.cpu.NewContext(int(id), stack, func() {
		entry()
		k.TaskExit()
	})
	if err != nil {
		return err
	}
	k.tcbs[id] = &tcb{id: id, ctx: ctx, stack: stack, entry: entry, state: TaskDormant}
	return nil
}

// created masks the tasks that exist and have not exited.
func (k *Kernel) created() Mask {
	var m Mask
	for i, t := range k.tcbs {
		if t != nil && t.state != TaskExited {
			m |= TaskID(i).Mask()
		}
	}
	return m
}

// Release makes the tasks in mask ready. Ids of tasks that do not exist or
// have exited are ignored. Release does not switch by itself; the new ready
// set takes effect at the next scheduling decision.
func (k *Kernel) Release(mask Mask) {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	k.release(mask)
}

func (k *Kernel) release(mask Mask) {
	mask &= k.created()
	if mask == 0 {
		return
	}
	var unblocked Mask
	for _, id := range mask.IDs() {
		t := k.tcbs[id]
		switch t.state {
		case TaskBlocked:
			unblocked |= id.Mask()
			t.state = TaskReady
			if k.started && id == k.curr {
				// Blocked and released again before it was switched out.
				t.state = TaskRunning
			}
		case TaskDormant:
			t.state = TaskReady
		}
	}
	k.ready |= mask
	k.metrics.Inc(metrics.Releases)
	k.record(logging.Event{Kind: logging.Release, Mask: uint32(mask)})
	if unblocked != 0 {
		k.record(logging.Event{Kind: logging.UnblockTasks, Mask: uint32(unblocked)})
	}
}

// Block removes the tasks in mask from the ready set until they are released
// again. The idle task cannot be blocked.
func (k *Kernel) Block(mask Mask) {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	mask &= k.created()
	if k.cfg.Idle == IdleTask {
		mask &^= IdleTaskID.Mask()
	}
	for _, id := range mask.IDs() {
		k.tcbs[id].state = TaskBlocked
	}
	k.ready &^= mask
	k.record(logging.Event{Kind: logging.BlockTasks, Mask: uint32(mask)})
}

// GetNextTID returns the highest priority ready task.
func (k *Kernel) GetNextTID() (TaskID, error) {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	if k.ready == 0 {
		return noTask, ErrNoRunnableTask
	}
	return TaskID(arch.MSB(uint32(k.ready))), nil
}

// CurrentTask returns the running task. It reports false before the first
// dispatch.
func (k *Kernel) CurrentTask() (TaskID, bool) {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	return k.curr, k.curr != noTask
}

// TaskState returns the state of a task.
func (k *Kernel) TaskState(id TaskID) (TaskState, error) {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	if id < 0 || int(id) >= len(k.tcbs) || k.tcbs[id] == nil {
		return 0, fmt.Errorf("%w: task %d", ErrInvalidID, id)
	}
	return k.tcbs[id].state, nil
}

// ReadyMask returns the current ready set.
func (k *Kernel) ReadyMask() Mask {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	return k.ready
}

// Tasks lists every created task, lowest id first.
func (k *Kernel) Tasks() []TaskInfo {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	var infos []TaskInfo
	for _, t := range k.tcbs {
		if t != nil {
			infos = append(infos, TaskInfo{ID: t.id, State: t.state, Stack: t.stack, Context: t.ctx})
		}
	}
	return infos
}

// Yield asks for a scheduling decision through a supervisor call. If a higher
// priority task is ready it runs before Yield returns.
func (k *Kernel) Yield() {
	k.cpu.SupervisorCall()
}

// Wait blocks the calling task and yields. It returns after the task was
// released and dispatched again.
func (k *Kernel) Wait() {
	id, ok := k.CurrentTask()
	if !ok || k.cpu.InHandler() {
		return
	}
	k.Block(id.Mask())
	k.Yield()
}

// TaskExit ends the calling task. On a running kernel it does not return.
func (k *Kernel) TaskExit() {
	s := k.cpu.DisableInterrupts()
	id := k.curr
	if id == noTask || k.cpu.InHandler() {
		k.cpu.RestoreInterrupts(s)
		return
	}
	k.tcbs[id].state = TaskExited
	k.ready &^= id.Mask()
	k.metrics.Inc(metrics.TaskExits)
	k.record(logging.Event{Kind: logging.TaskExit, Task: int(id)})
	k.log.Debugf("kernel: task %d exited", id)
	k.cpu.RestoreInterrupts(s)
	k.Yield()
}
