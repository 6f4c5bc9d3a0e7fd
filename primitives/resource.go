// Package primitives provides typed wrappers around kernel objects that tasks
// use to share data.
package primitives

import (
	"errors"
	"fmt"

	"github.com/hartex-rtos/hartex/helpers"
	"github.com/hartex-rtos/hartex/kernel"
	"github.com/hartex-rtos/hartex/metrics"
)

var (
	ErrBusy         = errors.New("primitives: resource busy")
	ErrUnauthorized = errors.New("primitives: task not allowed to use resource")
)

// Resource guards a value of type T. Tasks reach the value only through
// Acquire, which holds the resource lock for the duration of the handler.
type Resource[T any] struct {
	k     *kernel.Kernel
	id    kernel.ResourceID
	value T
}

// New registers a resource for the tasks in mask and stores value in it.
func New[T any](k *kernel.Kernel, value T, mask kernel.Mask) (*Resource[T], error) {
	id, err := k.Resources().Create(mask)
	if err != nil {
		return nil, err
	}
	return &Resource[T]{k: k, id: id, value: value}, nil
}

// NewPeripherals registers a resource every task of k may use, the way a
// board's peripheral block is shared.
func NewPeripherals[T any](k *kernel.Kernel, value T) (*Resource[T], error) {
	return New(k, value, helpers.AllTasks(k.Config().MaxTasks))
}

// ID returns the resource slot.
func (r *Resource[T]) ID() kernel.ResourceID { return r.id }

// Tasks returns the mask of tasks allowed to acquire the resource.
func (r *Resource[T]) Tasks() kernel.Mask {
	m, _ := r.k.Resources().TaskMask(r.id)
	return m
}

// Acquire runs handler with the value if the calling task may use the
// resource and nobody holds it. Otherwise it does nothing.
func (r *Resource[T]) Acquire(handler func(*T)) {
	_ = r.TryAcquire(handler)
}

// TryAcquire is like Acquire but says why the handler did not run. The lock
// is released when handler returns or panics.
func (r *Resource[T]) TryAcquire(handler func(*T)) error {
	if !r.authorized() {
		r.k.Metrics().Inc(metrics.AcquireDenied)
		return fmt.Errorf("%w: resource %d", ErrUnauthorized, r.id)
	}
	rm := r.k.Resources()
	if !rm.Lock(r.id) {
		return ErrBusy
	}
	defer rm.Unlock(r.id)
	handler(&r.value)
	return nil
}

// Access returns the value without locking. Only privileged code gets it:
// exception handlers, and setup code before or after the kernel runs.
func (r *Resource[T]) Access() (*T, bool) {
	if !r.k.IsPrivileged() {
		return nil, false
	}
	return &r.value, true
}

// authorized reports whether the caller may lock the resource. Privileged
// code always may, a task only if it is in the mask.
func (r *Resource[T]) authorized() bool {
	if r.k.IsPrivileged() {
		return true
	}
	id, ok := r.k.CurrentTask()
	if !ok {
		return true
	}
	return r.Tasks().Has(id)
}
