// Package helpers has small conveniences for building task masks and
// querying the privilege level.
package helpers

import "github.com/hartex-rtos/hartex/kernel"

// TaskMask returns the mask with the bit of every given task set.
func TaskMask(ids ...kernel.TaskID) kernel.Mask {
	var m kernel.Mask
	for _, id := range ids {
		m |= id.Mask()
	}
	return m
}

// AllTasks returns the mask of tasks 0 to n-1.
func AllTasks(n int) kernel.Mask {
	if n >= kernel.MaxTaskLimit {
		return ^kernel.Mask(0)
	}
	if n <= 0 {
		return 0
	}
	return kernel.Mask(1)<<uint(n) - 1
}

// IsPrivileged reports whether the caller runs privileged on k's CPU.
func IsPrivileged(k *kernel.Kernel) bool {
	return k.IsPrivileged()
}
