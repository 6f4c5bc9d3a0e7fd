// Package hartex is a small preemptive real-time kernel: fixed priority tasks
// selected from a ready bitmask, context switches in the PendSV exception and
// shared resources guarded by a lock flag and a task authorization mask.
//
// The functions in this package work on one process-wide default kernel,
// running on the hosted port. Applications that need more than one kernel,
// or another CPU, use package kernel directly.
//
//	list, _ := hartex.NewResource([]int(nil), hartex.TaskMask(1, 2))
//	hartex.CreateTask(1, make([]uint32, 256), func() {
//		list.Acquire(func(l *[]int) { *l = append(*l, 1) })
//	})
//	hartex.Release(hartex.TaskMask(1))
//	hartex.Init()
//	hartex.StartKernel(ctx)
package hartex

import (
	"context"
	"errors"
	"sync"

	"github.com/hartex-rtos/hartex/arch/hosted"
	"github.com/hartex-rtos/hartex/helpers"
	"github.com/hartex-rtos/hartex/kernel"
	"github.com/hartex-rtos/hartex/primitives"
)

// ErrConfigured is returned by Configure once the default kernel exists.
var ErrConfigured = errors.New("hartex: default kernel already created")

var (
	mu      sync.Mutex
	std     *kernel.Kernel
	stdCfg  = kernel.DefaultConfig()
	stdCPU  hosted.Options
	stdOpts []kernel.Option
)

// Configure sets the configuration of the default kernel. It must be called
// before any other function of this package.
func Configure(cfg kernel.Config, cpu hosted.Options, opts ...kernel.Option) error {
	cfg, err := cfg.Validate()
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if std != nil {
		return ErrConfigured
	}
	stdCfg, stdCPU, stdOpts = cfg, cpu, opts
	return nil
}

// Default returns the default kernel, creating it on first use.
func Default() *kernel.Kernel {
	mu.Lock()
	defer mu.Unlock()
	if std == nil {
		k, err := kernel.New(hosted.New(stdCPU), stdCfg, stdOpts...)
		if err != nil {
			// Configure rejects configurations New would refuse.
			panic(err)
		}
		std = k
	}
	return std
}

// Reset discards the default kernel. The next call creates a fresh one with
// the configuration last passed to Configure. The old kernel must not be
// running.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	std = nil
}

// CreateTask adds a task to the default kernel. A higher id has a higher
// priority.
func CreateTask(id int, stack []uint32, entry func()) error {
	return Default().CreateTask(kernel.TaskID(id), stack, entry)
}

// Release makes the tasks in mask ready.
func Release(mask kernel.Mask) {
	Default().Release(mask)
}

// Init seals the task table.
func Init() error {
	return Default().Init()
}

// StartKernel dispatches the highest priority ready task and runs until the
// kernel halts or ctx is done.
func StartKernel(ctx context.Context) error {
	return Default().StartKernel(ctx)
}

// TaskExit ends the calling task.
func TaskExit() {
	Default().TaskExit()
}

// Yield gives a higher priority ready task the chance to run.
func Yield() {
	Default().Yield()
}

// Wait blocks the calling task until it is released again.
func Wait() {
	Default().Wait()
}

// TaskMask returns the mask of the given task ids.
func TaskMask(ids ...int) kernel.Mask {
	tids := make([]kernel.TaskID, len(ids))
	for i, id := range ids {
		tids[i] = kernel.TaskID(id)
	}
	return helpers.TaskMask(tids...)
}

// IsPrivileged reports whether the caller runs privileged.
func IsPrivileged() bool {
	return helpers.IsPrivileged(Default())
}

// NewResource creates a resource on the default kernel that the tasks in mask
// may acquire.
func NewResource[T any](value T, mask kernel.Mask) (*primitives.Resource[T], error) {
	return primitives.New(Default(), value, mask)
}

// NewPeripherals creates a resource every task may acquire.
func NewPeripherals[T any](value T) (*primitives.Resource[T], error) {
	return primitives.NewPeripherals(Default(), value)
}
