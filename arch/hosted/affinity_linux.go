//go:build linux

package hosted

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pin wires the calling goroutine to its OS thread and binds that thread to
// one host CPU. The thread is released when the goroutine exits.
func pin(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
