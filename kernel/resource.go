package kernel

import (
	"fmt"

	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
)

// ResourceID identifies a resource slot.
type ResourceID int

type resource struct {
	mask   Mask
	locked bool
}

// ResourceManager keeps the lock state of every resource. It does not check
// authorization; that is left to the typed wrapper in package primitives.
type ResourceManager struct {
	k     *Kernel
	slots []resource
	limit int
}

func newResourceManager(k *Kernel, limit int) *ResourceManager {
	return &ResourceManager{k: k, limit: limit}
}

// Create allocates the next resource slot for the tasks in mask. The mask
// cannot be changed afterwards.
func (r *ResourceManager) Create(mask Mask) (ResourceID, error) {
	s := r.k.cpu.DisableInterrupts()
	defer r.k.cpu.RestoreInterrupts(s)
	if len(r.slots) >= r.limit {
		return 0, fmt.Errorf("%w: %d resources", ErrCapacityExceeded, r.limit)
	}
	r.slots = append(r.slots, resource{mask: mask})
	return ResourceID(len(r.slots) - 1), nil
}

// Lock grants the resource if nobody holds it. It reports whether the lock
// was granted; an unknown id is never granted.
func (r *ResourceManager) Lock(id ResourceID) bool {
	s := r.k.cpu.DisableInterrupts()
	defer r.k.cpu.RestoreInterrupts(s)
	if !r.valid(id) {
		return false
	}
	if r.slots[id].locked {
		r.k.metrics.Inc(metrics.LocksDenied)
		return false
	}
	r.slots[id].locked = true
	r.k.metrics.Inc(metrics.LocksGranted)
	r.k.record(logging.Event{Kind: logging.ResourceLock, Resource: int(id), Task: int(r.k.curr)})
	return true
}

// Unlock releases the resource. Any caller may unlock; ownership is not
// tracked.
func (r *ResourceManager) Unlock(id ResourceID) {
	s := r.k.cpu.DisableInterrupts()
	defer r.k.cpu.RestoreInterrupts(s)
	if !r.valid(id) {
		return
	}
	r.slots[id].locked = false
	r.k.record(logging.Event{Kind: logging.ResourceUnlock, Resource: int(id), Task: int(r.k.curr)})
}

// TaskMask returns the tasks allowed to use the resource.
func (r *ResourceManager) TaskMask(id ResourceID) (Mask, error) {
	s := r.k.cpu.DisableInterrupts()
	defer r.k.cpu.RestoreInterrupts(s)
	if !r.valid(id) {
		return 0, fmt.Errorf("%w: resource %d", ErrInvalidID, id)
	}
	return r.slots[id].mask, nil
}

// Locked reports whether the resource is held.
func (r *ResourceManager) Locked(id ResourceID) bool {
	s := r.k.cpu.DisableInterrupts()
	defer r.k.cpu.RestoreInterrupts(s)
	return r.valid(id) && r.slots[id].locked
}

// Len returns the number of resources created.
func (r *ResourceManager) Len() int {
	s := r.k.cpu.DisableInterrupts()
	defer r.k.cpu.RestoreInterrupts(s)
	return len(r.slots)
}

func (r *ResourceManager) valid(id ResourceID) bool {
	return id >= 0 && int(id) < len(r.slots)
}
