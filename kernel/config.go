package kernel

import (
	"fmt"
	"time"
)

// IdlePolicy decides what happens when no task is ready.
type IdlePolicy int

const (
	// IdleTask reserves task id 0 for a kernel-owned task that is always
	// ready and sleeps in wait-for-interrupt.
	IdleTask IdlePolicy = iota

	// IdleHalt halts the kernel with ErrNoRunnableTask.
	IdleHalt
)

func (p IdlePolicy) String() string {
	switch p {
	case IdleTask:
		return "task"
	case IdleHalt:
		return "halt"
	}
	return fmt.Sprintf("IdlePolicy(%d)", int(p))
}

// ParseIdlePolicy parses the names returned by IdlePolicy.String.
func ParseIdlePolicy(s string) (IdlePolicy, error) {
	switch s {
	case "", "task":
		return IdleTask, nil
	case "halt":
		return IdleHalt, nil
	}
	return 0, fmt.Errorf("%w: unknown idle policy %q", ErrBadConfig, s)
}

// IdleTaskID is the id of the idle task under IdleTask.
const IdleTaskID TaskID = 0

// MaxTaskLimit is the largest task table a ready mask can describe.
const MaxTaskLimit = 32

// Config holds the kernel capacities and timing.
type Config struct {
	MaxTasks       int
	MaxResources   int
	MaxEvents      int
	Tick           time.Duration // SysTick period, 0 disables preemption by time
	Idle           IdlePolicy
	IdleStackWords int
}

// DefaultConfig returns the configuration of a kernel with room for 32 tasks,
// 32 resources and 16 events, ticking every millisecond.
func DefaultConfig() Config {
	return Config{
		MaxTasks:       32,
		MaxResources:   32,
		MaxEvents:      16,
		Tick:           time.Millisecond,
		Idle:           IdleTask,
		IdleStackWords: 64,
	}
}

// Validate checks the configuration. Zero capacities are replaced by the
// defaults in the returned copy.
func (c Config) Validate() (Config, error) {
	d := DefaultConfig()
	if c.MaxTasks == 0 {
		c.MaxTasks = d.MaxTasks
	}
	if c.MaxResources == 0 {
		c.MaxResources = d.MaxResources
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.IdleStackWords == 0 {
		c.IdleStackWords = d.IdleStackWords
	}
	switch {
	case c.MaxTasks < 0 || c.MaxTasks > MaxTaskLimit:
		return c, fmt.Errorf("%w: max tasks %d not in 1..%d", ErrBadConfig, c.MaxTasks, MaxTaskLimit)
	case c.MaxResources < 0:
		return c, fmt.Errorf("%w: max resources %d", ErrBadConfig, c.MaxResources)
	case c.MaxEvents < 0:
		return c, fmt.Errorf("%w: max events %d", ErrBadConfig, c.MaxEvents)
	case c.IdleStackWords < 0:
		return c, fmt.Errorf("%w: idle stack of %d words", ErrBadConfig, c.IdleStackWords)
	case c.Tick < 0:
		return c, fmt.Errorf("%w: negative tick %v", ErrBadConfig, c.Tick)
	case c.Idle != IdleTask && c.Idle != IdleHalt:
		return c, fmt.Errorf("%w: %v", ErrBadConfig, c.Idle)
	case c.Idle == IdleTask && c.MaxTasks < 2:
		return c, fmt.Errorf("%w: idle task needs a table of at least 2 tasks", ErrBadConfig)
	}
	return c, nil
}
