package kernel

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hartex-rtos/hartex/arch"
	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
)

func newKernel(t *testing.T, cfg Config, opts ...Option) (*Kernel, *fakeCPU) {
	t.Helper()
	cpu := newFakeCPU()
	k, err := New(cpu, cfg, opts...)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	return k, cpu
}

func haltConfig() Config {
	cfg := DefaultConfig()
	cfg.Idle = IdleHalt
	return cfg
}

// start creates the given tasks, releases them, seals the table and
// dispatches the first task.
func start(t *testing.T, k *Kernel, ids ...TaskID) {
	t.Helper()
	var m Mask
	for _, id := range ids {
		if err := k.CreateTask(id, stack(), nop); err != nil {
			t.Fatalf("CreateTask(%d) returned %v", id, err)
		}
		m |= id.Mask()
	}
	k.Release(m)
	if err := k.Init(); err != nil {
		t.Fatalf("Init returned %v", err)
	}
	if err := k.StartKernel(context.Background()); err != nil {
		t.Fatalf("StartKernel returned %v", err)
	}
}

func TestCreateTaskUnique(t *testing.T) {
	k, cpu := newKernel(t, haltConfig())
	if err := k.CreateTask(3, stack(), nop); err != nil {
		t.Fatalf("CreateTask returned %v", err)
	}
	ctx := cpu.contexts[3]
	if err := k.CreateTask(3, stack(), nop); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("second CreateTask returned %v, want %v", err, ErrDuplicateID)
	}
	if k.tcbs[3].ctx != arch.Context(ctx) {
		t.Error("duplicate CreateTask replaced the existing task")
	}
	if n := len(k.Tasks()); n != 1 {
		t.Errorf("table holds %d tasks, want 1", n)
	}
}

func TestCreateTaskCapacity(t *testing.T) {
	cfg := haltConfig()
	cfg.MaxTasks = 8
	k, _ := newKernel(t, cfg)
	for _, id := range []TaskID{8, 31, -1} {
		if err := k.CreateTask(id, stack(), nop); !errors.Is(err, ErrCapacityExceeded) {
			t.Errorf("CreateTask(%d) returned %v, want %v", id, err, ErrCapacityExceeded)
		}
	}
	if err := k.CreateTask(7, stack(), nop); err != nil {
		t.Errorf("CreateTask(7) returned %v", err)
	}
	if n := len(k.Tasks()); n != 1 {
		t.Errorf("table holds %d tasks, want 1", n)
	}
}

func TestCreateTaskErrors(t *testing.T) {
	k, _ := newKernel(t, DefaultConfig())
	for _, tc := range []struct {
		name  string
		id    TaskID
		stack []uint32
		entry func()
		want  error
	}{
		{"idle id", IdleTaskID, stack(), nop, ErrDuplicateID},
		{"nil entry", 4, stack(), nil, ErrNilEntry},
		{"small stack", 4, make([]uint32, 2), nop, arch.ErrStackTooSmall},
	} {
		if err := k.CreateTask(tc.id, tc.stack, tc.entry); !errors.Is(err, tc.want) {
			t.Errorf("%s: CreateTask returned %v, want %v", tc.name, err, tc.want)
		}
	}
	if _, err := k.TaskState(4); !errors.Is(err, ErrInvalidID) {
		t.Errorf("failed CreateTask left task 4 in the table")
	}

	if err := k.Init(); err != nil {
		t.Fatal(err)
	}
	if err := k.CreateTask(5, stack(), nop); !errors.Is(err, ErrTableSealed) {
		t.Errorf("CreateTask after Init returned %v, want %v", err, ErrTableSealed)
	}
	if err := k.Init(); !errors.Is(err, ErrTableSealed) {
		t.Errorf("second Init returned %v, want %v", err, ErrTableSealed)
	}
}

func TestStartBeforeInit(t *testing.T) {
	k, _ := newKernel(t, DefaultConfig())
	if err := k.StartKernel(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartKernel returned %v, want %v", err, ErrNotInitialized)
	}
}

func TestDispatchHighestPriority(t *testing.T) {
	k, cpu := newKernel(t, haltConfig())
	for _, id := range []TaskID{2, 5, 7} {
		if err := k.CreateTask(id, stack(), nop); err != nil {
			t.Fatal(err)
		}
	}
	k.Release(TaskID(5).Mask() | TaskID(7).Mask() | TaskID(2).Mask())
	if next, err := k.GetNextTID(); err != nil || next != 7 {
		t.Fatalf("GetNextTID returned %d, %v, want 7, nil", next, err)
	}
	if err := k.Init(); err != nil {
		t.Fatal(err)
	}
	if err := k.StartKernel(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cur, ok := k.CurrentTask(); !ok || cur != 7 {
		t.Errorf("CurrentTask returned %d, %v, want 7, true", cur, ok)
	}
	if st, _ := k.TaskState(7); st != TaskRunning {
		t.Errorf("task 7 is %v, want running", st)
	}
	if st, _ := k.TaskState(5); st != TaskReady {
		t.Errorf("task 5 is %v, want ready", st)
	}
	if c := cpu.contexts[7]; c.restores != 1 || c.captures != 0 {
		t.Errorf("task 7 restored %d and captured %d times, want 1 and 0", c.restores, c.captures)
	}
}

func TestSwitchIdempotent(t *testing.T) {
	k, cpu := newKernel(t, haltConfig())
	start(t, k, 3, 6)
	before := make(map[int]fakeContext)
	for id, c := range cpu.contexts {
		before[id] = *c
	}

	k.Yield()
	k.Schedule()
	cpu.interrupt(arch.PendSV)

	for id, c := range cpu.contexts {
		if !reflect.DeepEqual(before[id].frame, c.frame) || before[id].captures != c.captures || before[id].restores != c.restores {
			t.Errorf("task %d context touched without a switch", id)
		}
	}
	if cpu.pending != 0 {
		t.Errorf("exceptions still pending: %#x", cpu.pending)
	}
}

func TestPreemptOnRelease(t *testing.T) {
	k, cpu := newKernel(t, haltConfig())
	if err := k.CreateTask(9, stack(), nop); err != nil {
		t.Fatal(err)
	}
	start(t, k, 4)

	k.Release(TaskID(9).Mask())
	if cur, _ := k.CurrentTask(); cur != 4 {
		t.Errorf("Release switched to %d by itself", cur)
	}
	k.Yield()
	if cur, _ := k.CurrentTask(); cur != 9 {
		t.Errorf("CurrentTask after Yield returned %d, want 9", cur)
	}
	if st, _ := k.TaskState(4); st != TaskReady {
		t.Errorf("preempted task is %v, want ready", st)
	}
	if c := cpu.contexts[4]; c.captures != 1 {
		t.Errorf("preempted task captured %d times, want 1", c.captures)
	}
	if c := cpu.contexts[9]; c.restores != 1 {
		t.Errorf("new task restored %d times, want 1", c.restores)
	}
}

func TestEmptyReadySet(t *testing.T) {
	k, cpu := newKernel(t, haltConfig())
	if _, err := k.GetNextTID(); !errors.Is(err, ErrNoRunnableTask) {
		t.Errorf("GetNextTID returned %v, want %v", err, ErrNoRunnableTask)
	}
	if err := k.CreateTask(1, stack(), nop); err != nil {
		t.Fatal(err)
	}
	if err := k.Init(); err != nil {
		t.Fatal(err)
	}
	if err := k.StartKernel(context.Background()); !errors.Is(err, ErrNoRunnableTask) {
		t.Errorf("StartKernel returned %v, want %v", err, ErrNoRunnableTask)
	}
	if len(cpu.halts) == 0 {
		t.Error("cpu was not halted")
	}

	k, _ = newKernel(t, DefaultConfig())
	if id, err := k.GetNextTID(); err != nil || id != IdleTaskID {
		t.Errorf("GetNextTID with only the idle task returned %d, %v, want %d, nil", id, err, IdleTaskID)
	}
}

func TestTaskExit(t *testing.T) {
	events := logging.NewEventLog(16)
	events.Set(logging.TaskExit, true)
	var m metrics.Set
	k, cpu := newKernel(t, DefaultConfig(), WithEventLog(events), WithMetrics(&m))
	start(t, k, 2, 7)

	k.TaskExit()
	if st, _ := k.TaskState(7); st != TaskExited {
		t.Errorf("task 7 is %v, want exited", st)
	}
	if k.ReadyMask().Has(7) {
		t.Error("exited task still in the ready set")
	}
	if cur, _ := k.CurrentTask(); cur != 2 {
		t.Errorf("CurrentTask returned %d, want 2", cur)
	}
	if c := cpu.contexts[7]; c.captures != 0 {
		t.Errorf("exited task was captured %d times", c.captures)
	}

	// Releasing an exited task has no effect.
	k.Release(TaskID(7).Mask())
	if k.ReadyMask().Has(7) {
		t.Error("Release brought an exited task back")
	}
	if got := events.Drain(); len(got) != 1 || got[0].Task != 7 {
		t.Errorf("event log holds %v, want one exit of task 7", got)
	}
	if n := m.Get(metrics.TaskExits); n != 1 {
		t.Errorf("%s is %d, want 1", metrics.TaskExits, n)
	}

	// With only idle left the kernel idles.
	k.TaskExit()
	if cur, _ := k.CurrentTask(); cur != IdleTaskID {
		t.Errorf("CurrentTask returned %d, want the idle task", cur)
	}
}

func TestReleaseUnknownTasks(t *testing.T) {
	k, _ := newKernel(t, haltConfig())
	if err := k.CreateTask(3, stack(), nop); err != nil {
		t.Fatal(err)
	}
	k.Release(^Mask(0))
	if m := k.ReadyMask(); m != TaskID(3).Mask() {
		t.Errorf("ReadyMask returned %v, want {3}", m)
	}
}

func TestBlockAndWait(t *testing.T) {
	events := logging.NewEventLog(16)
	events.SetAll(true)
	k, _ := newKernel(t, DefaultConfig(), WithEventLog(events))
	start(t, k, 3, 8)
	events.Drain()

	k.Wait()
	if st, _ := k.TaskState(8); st != TaskBlocked {
		t.Errorf("task 8 is %v after Wait, want blocked", st)
	}
	if cur, _ := k.CurrentTask(); cur != 3 {
		t.Errorf("CurrentTask returned %d, want 3", cur)
	}

	k.Block(TaskID(3).Mask() | IdleTaskID.Mask())
	k.Yield()
	if cur, _ := k.CurrentTask(); cur != IdleTaskID {
		t.Errorf("CurrentTask returned %d, want the idle task", cur)
	}
	if !k.ReadyMask().Has(IdleTaskID) {
		t.Error("idle task was blocked")
	}

	k.Release(TaskID(8).Mask())
	k.Yield()
	if cur, _ := k.CurrentTask(); cur != 8 {
		t.Errorf("CurrentTask returned %d, want 8", cur)
	}

	var kinds []logging.EventKind
	for _, e := range events.Drain() {
		kinds = append(kinds, e.Kind)
	}
	want := []logging.EventKind{logging.BlockTasks, logging.BlockTasks, logging.Release, logging.UnblockTasks}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("recorded events %v, want %v", kinds, want)
	}
}

func TestReleaseRunningTask(t *testing.T) {
	k, _ := newKernel(t, DefaultConfig())
	start(t, k, 3, 6)

	k.Block(TaskID(6).Mask())
	k.Release(TaskID(6).Mask())
	k.Yield()
	if cur, _ := k.CurrentTask(); cur != 6 {
		t.Fatalf("CurrentTask returned %d, want 6", cur)
	}
	if st, _ := k.TaskState(6); st != TaskRunning {
		t.Errorf("TaskState(6) returned %v, want running", st)
	}
	if st, _ := k.TaskState(3); st != TaskReady {
		t.Errorf("TaskState(3) returned %v, want ready", st)
	}
}

func TestReleaseNothing(t *testing.T) {
	events := logging.NewEventLog(16)
	events.SetAll(true)
	var m metrics.Set
	k, _ := newKernel(t, haltConfig(), WithEventLog(events), WithMetrics(&m))
	if err := k.CreateTask(3, stack(), nop); err != nil {
		t.Fatal(err)
	}
	k.Release(TaskID(9).Mask() | TaskID(12).Mask())
	k.Release(0)
	if n := m.Get(metrics.Releases); n != 0 {
		t.Errorf("Releases is %d, want 0", n)
	}
	if n := events.Len(); n != 0 {
		t.Errorf("recorded %d events, want none: %v", n, events.Drain())
	}

	k.Release(TaskID(3).Mask() | TaskID(9).Mask())
	if n := m.Get(metrics.Releases); n != 1 {
		t.Errorf("Releases is %d, want 1", n)
	}
	if got := events.Drain(); len(got) != 1 || got[0].Mask != uint32(TaskID(3).Mask()) {
		t.Errorf("recorded %v, want one release of task 3", got)
	}
}

func TestSysTickEvents(t *testing.T) {
	events := logging.NewEventLog(16)
	events.Set(logging.TimerEvent, true)
	var m metrics.Set
	k, cpu := newKernel(t, DefaultConfig(), WithEventLog(events), WithMetrics(&m))
	if err := k.CreateTask(4, stack(), nop); err != nil {
		t.Fatal(err)
	}
	id, err := k.Events().NewEvent(true, 3, TaskID(4).Mask())
	if err != nil {
		t.Fatal(err)
	}
	var hookTicks []uint64
	k.AddTickHook(func(now uint64) { hookTicks = append(hookTicks, now) })
	start(t, k, 1)

	for i := 0; i < 2; i++ {
		cpu.interrupt(arch.SysTick)
	}
	if cur, _ := k.CurrentTask(); cur != 1 {
		t.Fatalf("CurrentTask returned %d before the event fired", cur)
	}
	cpu.interrupt(arch.SysTick)
	if cur, _ := k.CurrentTask(); cur != 4 {
		t.Errorf("CurrentTask returned %d after the event fired, want 4", cur)
	}
	if k.Now() != 3 || m.Get(metrics.Ticks) != 3 {
		t.Errorf("timer at %d, %d ticks counted, want 3", k.Now(), m.Get(metrics.Ticks))
	}
	if !reflect.DeepEqual(hookTicks, []uint64{1, 2, 3}) {
		t.Errorf("tick hooks saw %v", hookTicks)
	}
	if got := events.Drain(); len(got) != 1 || got[0].Event != int(id) || got[0].Tick != 3 {
		t.Errorf("event log holds %v", got)
	}

	if err := k.Events().Disable(id); err != nil {
		t.Fatal(err)
	}
	k.Block(TaskID(4).Mask())
	for i := 0; i < 6; i++ {
		cpu.interrupt(arch.SysTick)
	}
	if k.ReadyMask().Has(4) {
		t.Error("disabled event released its task")
	}
	if err := k.Events().Enable(EventID(5)); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Enable of an unknown event returned %v, want %v", err, ErrInvalidID)
	}
}

func TestEventCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEvents = 1
	k, _ := newKernel(t, cfg)
	if _, err := k.Events().NewEvent(false, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Events().NewEvent(false, 1, 0); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("NewEvent returned %v, want %v", err, ErrCapacityExceeded)
	}
}

func TestRestoreFailureHalts(t *testing.T) {
	k, cpu := newKernel(t, haltConfig())
	if err := k.CreateTask(2, stack(), nop); err != nil {
		t.Fatal(err)
	}
	cpu.contexts[2].restoreErr = arch.ErrContextCorrupt
	k.Release(TaskID(2).Mask())
	if err := k.Init(); err != nil {
		t.Fatal(err)
	}
	if err := k.StartKernel(context.Background()); !errors.Is(err, arch.ErrContextCorrupt) {
		t.Errorf("StartKernel returned %v, want %v", err, arch.ErrContextCorrupt)
	}
	if _, ok := k.CurrentTask(); ok {
		t.Error("a task became current although its context could not be restored")
	}
}

func TestSetInterruptHandler(t *testing.T) {
	k, cpu := newKernel(t, DefaultConfig())
	n := 0
	if err := k.SetInterruptHandler(2, func() { n++ }); err != nil {
		t.Fatal(err)
	}
	cpu.interrupt(arch.IRQ0 + 2)
	if n != 1 {
		t.Errorf("interrupt handler ran %d times, want 1", n)
	}
	if err := k.SetInterruptHandler(arch.MaxException, func() {}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("SetInterruptHandler returned %v, want %v", err, ErrInvalidID)
	}
}

func TestMask(t *testing.T) {
	m := TaskID(0).Mask() | TaskID(5).Mask() | TaskID(31).Mask()
	if got := m.IDs(); !reflect.DeepEqual(got, []TaskID{0, 5, 31}) {
		t.Errorf("IDs returned %v", got)
	}
	if s := m.String(); s != "{0,5,31}" {
		t.Errorf("String returned %q", s)
	}
	if m.Has(4) || !m.Has(5) || m.Has(32) {
		t.Error("Has reports the wrong members")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg, err := Config{}.Validate()
	if err != nil {
		t.Fatalf("Validate of the zero config returned %v", err)
	}
	if cfg.MaxTasks != 32 || cfg.MaxResources != 32 || cfg.MaxEvents != 16 {
		t.Errorf("zero config filled to %+v", cfg)
	}
	for _, bad := range []Config{
		{MaxTasks: 33},
		{MaxTasks: 1},
		{MaxResources: -1},
		{Tick: -1},
		{IdleStackWords: -1},
		{Idle: IdlePolicy(7)},
	} {
		if _, err := bad.Validate(); !errors.Is(err, ErrBadConfig) {
			t.Errorf("Validate(%+v) returned %v, want %v", bad, err, ErrBadConfig)
		}
	}
	cfg = DefaultConfig()
	cfg.IdleStackWords = -1
	if _, err := New(newFakeCPU(), cfg); !errors.Is(err, ErrBadConfig) {
		t.Errorf("New with a negative idle stack returned %v, want %v", err, ErrBadConfig)
	}
	if p, err := ParseIdlePolicy("halt"); err != nil || p != IdleHalt {
		t.Errorf("ParseIdlePolicy returned %v, %v", p, err)
	}
}
