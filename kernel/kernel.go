// Package kernel implements a fixed-priority preemptive scheduler for a
// single core: a task table with a bitmask ready set, the PendSV context
// switch, a resource manager, the SysTick timer and periodic release events.
//
// A task's id is also its priority; the ready task with the highest id runs.
// All kernel state is owned by the emulated core and only touched with
// interrupts disabled or from exception handlers.
package kernel

import (
	"context"
	"fmt"

	"github.com/hartex-rtos/hartex/arch"
	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
)

// Kernel is one instance of the scheduler bound to one CPU.
type Kernel struct {
	cpu arch.CPU
	cfg Config

	log      *logging.Logger
	events   *logging.EventLog
	metrics  *metrics.Set
	idleHook func()

	tcbs    []*tcb
	ready   Mask
	curr    TaskID
	next    TaskID
	started bool
	sealed  bool

	timer     Timer
	eventTab  *EventTable
	resources *ResourceManager
	tickHooks []func(now uint64)
}

// Option configures optional kernel collaborators.
type Option func(*Kernel)

// WithLogger sets the console logger. Context switches are logged at debug
// level, fatal conditions at error level.
func WithLogger(l *logging.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithEventLog sets the log that receives release, block, exit, resource and
// timer events.
func WithEventLog(l *logging.EventLog) Option {
	return func(k *Kernel) { k.events = l }
}

// WithMetrics sets the counters the kernel updates.
func WithMetrics(m *metrics.Set) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithIdleHook sets a function the idle task runs before every sleep.
func WithIdleHook(fn func()) Option {
	return func(k *Kernel) { k.idleHook = fn }
}

// New returns a kernel for cpu. Under the IdleTask policy the idle task is
// created here, so id 0 is taken before the caller creates any task.
func New(cpu arch.CPU, cfg Config, opts ...Option) (*Kernel, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		cpu:  cpu,
		cfg:  cfg,
		tcbs: make([]*tcb, cfg.MaxTasks),
		curr: noTask,
		next: noTask,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.eventTab = newEventTable(k, cfg.MaxEvents)
	k.resources = newResourceManager(k, cfg.MaxResources)

	if cfg.Idle == IdleTask {
		stack := make([]uint32, cfg.IdleStackWords)
		if err := k.createTask(IdleTaskID, stack, k.idle); err != nil {
			return nil, fmt.Errorf("kernel: create idle task: %w", err)
		}
		k.ready |= IdleTaskID.Mask()
		k.tcbs[IdleTaskID].state = TaskReady
	}
	return k, nil
}

func (k *Kernel) idle() {
	for {
		if k.idleHook != nil {
			k.idleHook()
		}
		k.cpu.WaitForInterrupt()
	}
}

// Init seals the task table and installs the SVCall, PendSV and SysTick
// handlers. Tasks can no longer be created afterwards.
func (k *Kernel) Init() error {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	if k.sealed {
		return ErrTableSealed
	}
	k.sealed = true
	k.cpu.SetHandler(arch.SVCall, k.Schedule)
	k.cpu.SetHandler(arch.PendSV, k.ContextSwitch)
	k.cpu.SetHandler(arch.SysTick, k.sysTick)
	k.log.Infof("kernel: initialized, %d tasks, ready %v, idle policy %v", k.numTasks(), k.ready, k.cfg.Idle)
	return nil
}

// StartKernel dispatches the highest priority ready task. It blocks for as
// long as the CPU runs and returns the error the CPU was halted with, or
// ctx.Err() if ctx ends the run.
func (k *Kernel) StartKernel(ctx context.Context) error {
	if !k.sealed {
		return ErrNotInitialized
	}
	k.log.Infof("kernel: starting, tick %v", k.cfg.Tick)
	err := k.cpu.Start(ctx, k.cfg.Tick)
	k.log.Infof("kernel: stopped after %d ticks: %v", k.timer.Now(), err)
	return err
}

// fail halts the CPU on a fatal kernel condition.
func (k *Kernel) fail(err error) {
	k.log.Errorf("kernel: %v", err)
	k.cpu.Halt(err)
}

func (k *Kernel) numTasks() int {
	n := 0
	for _, t := range k.tcbs {
		if t != nil {
			n++
		}
	}
	return n
}

// Config returns the validated configuration.
func (k *Kernel) Config() Config { return k.cfg }

// CPU returns the processor the kernel runs on.
func (k *Kernel) CPU() arch.CPU { return k.cpu }

// Resources returns the resource manager.
func (k *Kernel) Resources() *ResourceManager { return k.resources }

// Events returns the periodic event table.
func (k *Kernel) Events() *EventTable { return k.eventTab }

// EventLog returns the event log set with WithEventLog, or nil.
func (k *Kernel) EventLog() *logging.EventLog { return k.events }

// Metrics returns the counters set with WithMetrics, or nil.
func (k *Kernel) Metrics() *metrics.Set { return k.metrics }

// Logger returns the logger set with WithLogger, or nil.
func (k *Kernel) Logger() *logging.Logger { return k.log }

// Now returns the number of SysTick interrupts taken so far. Safe to call
// from any goroutine.
func (k *Kernel) Now() uint64 { return k.timer.Now() }

// Started reports whether the first task has been dispatched.
func (k *Kernel) Started() bool {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	return k.started
}

// IsPrivileged reports whether the caller runs privileged: in an exception
// handler, or in setup code outside of any task.
func (k *Kernel) IsPrivileged() bool { return k.cpu.IsPrivileged() }

// AddTickHook registers fn to run on every SysTick, after the event sweep and
// before the scheduling decision. Hooks run in handler mode.
func (k *Kernel) AddTickHook(fn func(now uint64)) {
	s := k.cpu.DisableInterrupts()
	defer k.cpu.RestoreInterrupts(s)
	k.tickHooks = append(k.tickHooks, fn)
}

// SetInterruptHandler installs fn as the handler of external interrupt n.
func (k *Kernel) SetInterruptHandler(n int, fn func()) error {
	if n < 0 || int(arch.IRQ0)+n >= arch.MaxException {
		return fmt.Errorf("%w: interrupt %d", ErrInvalidID, n)
	}
	k.cpu.SetHandler(arch.IRQ0+arch.Exception(n), fn)
	return nil
}

func (k *Kernel) record(e logging.Event) {
	if k.events == nil {
		return
	}
	e.Tick = k.timer.Now()
	k.events.Record(e)
}
